package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gorilla/mux"

	"github.com/pliu/classchat/internal/models"
	"github.com/pliu/classchat/internal/session"
	"github.com/pliu/classchat/internal/store/sqlstore"
)

type nopConn struct{}

func (nopConn) WriteAvailable(p []byte) (int, error) { return len(p), nil }
func (nopConn) RemoteAddr() net.Addr                  { return nil }
func (nopConn) Close() error                          { return nil }

func newTestHandler(t *testing.T) (*AdminHandler, *sqlstore.SQLStore) {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &AdminHandler{Store: store, Registry: session.NewRegistry(), HistoryLimit: 20}, store
}

func TestListUsers(t *testing.T) {
	handler, store := newTestHandler(t)
	store.CreateUserIfAbsent("alice")
	store.CreateUserIfAbsent("bob")
	store.EnqueueOffline(models.OfflineMessage{Receiver: "bob", Sender: "alice", Kind: models.KindText, Content: "hi"})

	sess := session.New(nopConn{}, session.Options{MaxPending: 4})
	sess.Authenticate("alice", nil)
	handler.Registry.Bind("alice", sess)

	req := httptest.NewRequest("GET", "/api/users", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.ListUsers).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var users []userView
	if err := json.NewDecoder(rr.Body).Decode(&users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	byName := map[string]userView{}
	for _, u := range users {
		byName[u.Username] = u
	}
	if !byName["alice"].Online || byName["bob"].Online {
		t.Errorf("presence wrong: %+v", users)
	}
	if byName["bob"].PendingOffline != 1 {
		t.Errorf("Expected 1 pending message for bob, got %d", byName["bob"].PendingOffline)
	}

	req = httptest.NewRequest("GET", "/api/users?online=true", nil)
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.ListUsers).ServeHTTP(rr, req)
	users = nil
	json.NewDecoder(rr.Body).Decode(&users)
	if len(users) != 1 || users[0].Username != "alice" {
		t.Errorf("online filter returned %+v", users)
	}
}

func TestGroupMembers(t *testing.T) {
	handler, store := newTestHandler(t)
	store.CreateGroup("devs", "alice")
	store.AddMember("devs", "bob")

	req := httptest.NewRequest("GET", "/api/groups/devs/members", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "devs"})
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.GroupMembers).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var members []string
	json.NewDecoder(rr.Body).Decode(&members)
	if !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Errorf("members = %v", members)
	}

	req = httptest.NewRequest("GET", "/api/groups/ghost/members", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "ghost"})
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.GroupMembers).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown group status = %v, want %v", rr.Code, http.StatusNotFound)
	}
}

func TestListGroups(t *testing.T) {
	handler, store := newTestHandler(t)
	store.CreateGroup("devs", "alice")

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.ListGroups).ServeHTTP(rr, httptest.NewRequest("GET", "/api/groups", nil))

	var groups []groupView
	if err := json.NewDecoder(rr.Body).Decode(&groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "devs" || groups[0].Creator != "alice" {
		t.Fatalf("groups = %+v", groups)
	}
	if !reflect.DeepEqual(groups[0].Members, []string{"alice"}) {
		t.Errorf("members = %v", groups[0].Members)
	}
}

func TestHistory(t *testing.T) {
	handler, store := newTestHandler(t)
	store.RecordMessage("alice", "bob", models.KindText, "one")
	store.RecordMessage("bob", "alice", models.KindText, "two")
	store.RecordGroupMessage("alice", "devs", models.KindGroup, "to the group")

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedCount  int
	}{
		{name: "Conversation", query: "?user=alice&peer=bob", expectedStatus: http.StatusOK, expectedCount: 2},
		{name: "Limited", query: "?user=bob&peer=alice&limit=1", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "Group", query: "?group=devs", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "Empty", query: "?group=nobody", expectedStatus: http.StatusOK, expectedCount: 0},
		{name: "Missing Peer", query: "?user=alice", expectedStatus: http.StatusBadRequest},
		{name: "Bad Limit", query: "?group=devs&limit=zero", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			http.HandlerFunc(handler.History).ServeHTTP(rr, httptest.NewRequest("GET", "/api/history"+tt.query, nil))
			if rr.Code != tt.expectedStatus {
				t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var messages []models.Message
			if err := json.NewDecoder(rr.Body).Decode(&messages); err != nil {
				t.Fatal(err)
			}
			if len(messages) != tt.expectedCount {
				t.Errorf("Expected %d messages, got %d", tt.expectedCount, len(messages))
			}
		})
	}
}

func TestReadyz(t *testing.T) {
	ready := false
	handler := &AdminHandler{Ready: func() bool { return ready }}

	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Readyz).ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("not-ready status = %v", rr.Code)
	}

	ready = true
	rr = httptest.NewRecorder()
	http.HandlerFunc(handler.Readyz).ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("ready status = %v", rr.Code)
	}
}
