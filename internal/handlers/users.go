package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pliu/classchat/internal/session"
	"github.com/pliu/classchat/internal/store"
)

// AdminHandler serves the read-only admin API consumed by the control panel.
type AdminHandler struct {
	Store        store.Store
	Registry     *session.Registry
	HistoryLimit int
	Ready        func() bool
}

type userView struct {
	Username       string    `json:"username"`
	CreatedAt      time.Time `json:"created_at"`
	Online         bool      `json:"online"`
	PendingOffline int       `json:"pending_offline"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *AdminHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *AdminHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil && !h.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// ListUsers reports every known user with presence and offline backlog.
// ?online=true limits the list to connected users.
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	onlineOnly := r.URL.Query().Get("online") == "true"

	out := make([]userView, 0, len(users))
	for _, u := range users {
		online := false
		if h.Registry != nil {
			_, online = h.Registry.Lookup(u.Username)
		}
		if onlineOnly && !online {
			continue
		}
		pending, err := h.Store.PendingOffline(u.Username)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, userView{
			Username:       u.Username,
			CreatedAt:      u.CreatedAt,
			Online:         online,
			PendingOffline: pending,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
