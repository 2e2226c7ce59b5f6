package server

import (
	"encoding/json"
	"net/http"

	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/routing"
	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
)

type queryRequest struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Query     map[string]any `json:"query"`
	Multi     bool           `json:"multi"`
	Options   queryOptions   `json:"options"`
}

type queryOptions struct {
	Limit      int    `json:"limit"`
	OrderBy    string `json:"order_by"`
	Descending bool   `json:"descending"`
}

func (q queryRequest) engineRequest() query.Request {
	return query.Request{
		Table: q.Table,
		Query: store.Row(q.Query),
		Multi: q.Multi,
		Options: schema.QueryOptions{
			Limit:      q.Options.Limit,
			OrderBy:    q.Options.OrderBy,
			Descending: q.Options.Descending,
		},
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, http.StatusBadRequest, "malformed", "invalid request body")
		return
	}

	caller, err := s.callerFromRequest(r)
	if err != nil {
		routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "identity resolution failed")
		return
	}

	switch req.Operation {
	case "get":
		rows, err := s.engine.Get(r.Context(), caller, req.engineRequest())
		if err != nil {
			routing.WriteEngineError(w, r, err)
			return
		}
		if req.Multi {
			routing.WriteJSON(w, http.StatusOK, map[string]any{"records": rows})
			return
		}
		var record any
		if len(rows) > 0 {
			record = rows[0]
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"record": record})
	case "set":
		echo, err := s.engine.Set(r.Context(), caller, req.engineRequest())
		if err != nil {
			routing.WriteEngineError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"written": echo})
	default:
		routing.WriteError(w, r, http.StatusBadRequest, "malformed", "operation must be get or set")
	}
}
