// Package server is the HTTP surface of the engine: one JSON query endpoint,
// one websocket changefeed endpoint, and health. Identity arrives as an
// opaque header; the admin capability is resolved against the access policy.
// Nothing here authenticates anybody.
package server

import (
	"net/http"
	"strings"

	"github.com/calderahq/tablegate/internal/feed"
	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/routing"
	"github.com/calderahq/tablegate/internal/schema"
)

// AdminResolver answers whether an account carries the administrator
// capability. pkg/authz provides the production implementation.
type AdminResolver interface {
	IsAdmin(accountID string) (bool, error)
}

type Server struct {
	engine *query.Engine
	hub    *feed.Hub
	admin  AdminResolver
	router *routing.Router
}

func New(engine *query.Engine, hub *feed.Hub, admin AdminResolver) *Server {
	s := &Server{engine: engine, hub: hub, admin: admin, router: routing.NewRouter()}
	s.router.Handle(routing.RouteClassAPI, http.MethodPost, "/api/v1/query", http.HandlerFunc(s.handleQuery))
	s.router.Handle(routing.RouteClassWebsocket, http.MethodGet, "/api/v1/changefeed", http.HandlerFunc(s.handleChangefeed))
	s.router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(s.handleHealthz))
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) callerFromRequest(r *http.Request) (schema.Caller, error) {
	caller := schema.Caller{AccountID: strings.ToLower(strings.TrimSpace(r.Header.Get("X-Account-ID")))}
	if caller.Anonymous() {
		return caller, nil
	}
	admin, err := s.admin.IsAdmin(caller.AccountID)
	if err != nil {
		return schema.Caller{}, err
	}
	caller.Admin = admin
	return caller, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	routing.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tables":      len(s.engine.Registry().TableNames()),
		"subscribers": s.hub.Subscribers(),
	})
}
