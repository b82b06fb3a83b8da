package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pliu/classchat/internal/handlers"
	"github.com/pliu/classchat/internal/middleware"
)

// AdminHandler exposes metrics, health probes and the read-only admin API.
// Probes stay open; everything under /api requires admin.token when set.
func (s *Server) AdminHandler() http.Handler {
	admin := &handlers.AdminHandler{
		Store:        s.store,
		Registry:     s.registry,
		HistoryLimit: s.cfg.HistoryLimit,
		Ready:        s.ready.Load,
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(s.logger.Named("admin")))

	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", admin.Healthz).Methods("GET")
	r.HandleFunc("/readyz", admin.Readyz).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireToken(s.cfg.Admin.Token))
	api.HandleFunc("/users", admin.ListUsers).Methods("GET")
	api.HandleFunc("/groups", admin.ListGroups).Methods("GET")
	api.HandleFunc("/groups/{name}/members", admin.GroupMembers).Methods("GET")
	api.HandleFunc("/history", admin.History).Methods("GET")
	return r
}
