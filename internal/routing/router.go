package routing

import (
	"log"
	"net/http"
	"runtime/debug"
)

type Router struct {
	routes map[string]map[string]http.Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]map[string]http.Handler)}
}

func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	if r.routes[path] == nil {
		r.routes[path] = make(map[string]http.Handler)
	}

	r.routes[path][method] = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("routing: panic on %s %s %s: %v\n%s", rc, req.Method, req.URL.Path, rec, debug.Stack())
				WriteError(w, req, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, ok := r.routes[req.URL.Path]
	if !ok {
		WriteError(w, req, http.StatusNotFound, "not_found", "not found")
		return
	}
	h, ok := methods[req.Method]
	if !ok {
		WriteError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	h.ServeHTTP(w, req)
}
