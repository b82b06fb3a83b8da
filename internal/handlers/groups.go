package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pliu/classchat/internal/models"
)

const maxHistoryLimit = 500

type groupView struct {
	models.Group
	Members []string `json:"members"`
}

func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.ListGroups()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		members, err := h.Store.ListMembers(g.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, groupView{Group: g, Members: members})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) GroupMembers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	exists, err := h.Store.GroupExists(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "Group not found", http.StatusNotFound)
		return
	}

	members, err := h.Store.ListMembers(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// History returns ?user=A&peer=B conversations or ?group=G history,
// oldest first.
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := h.HistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var (
		messages []models.Message
		err      error
	)
	switch {
	case q.Get("group") != "":
		messages, err = h.Store.GroupHistory(q.Get("group"), limit)
	case q.Get("user") != "" && q.Get("peer") != "":
		messages, err = h.Store.ConversationHistory(q.Get("user"), q.Get("peer"), limit)
	default:
		http.Error(w, "either group or user and peer are required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}
