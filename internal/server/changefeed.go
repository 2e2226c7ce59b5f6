package server

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/calderahq/tablegate/internal/schema"
	"github.com/calderahq/tablegate/internal/store"
	"github.com/calderahq/tablegate/pkg/httperr"
	"github.com/calderahq/tablegate/pkg/uuidv7"
)

// feedMessage is every frame the changefeed socket sends. The first frame is
// the snapshot carrying the subscription id; deltas follow until the client
// disconnects.
type feedMessage struct {
	Type    string      `json:"type"` // snapshot, delta or error
	ID      string      `json:"id,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Records []store.Row `json:"records,omitempty"`
	Seq     uint64      `json:"seq,omitempty"`
	Table   string      `json:"table,omitempty"`
	Key     string      `json:"key,omitempty"`
	Row     store.Row   `json:"row,omitempty"`
}

// handleChangefeed upgrades to a websocket, reads one query request, then
// streams the initial snapshot followed by authorized deltas. Disconnect
// unregisters the subscription immediately.
func (s *Server) handleChangefeed(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		http.Error(w, "identity resolution failed", http.StatusInternalServerError)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	var req queryRequest
	if err := wsjson.Read(ctx, c, &req); err != nil {
		return
	}

	a, err := s.engine.Authorize(ctx, caller, schema.OpGet, req.engineRequest())
	if err != nil {
		_ = wsjson.Write(ctx, c, feedMessage{Type: "error", Code: httperr.Code(err), Message: err.Error()})
		_ = c.Close(websocket.StatusPolicyViolation, httperr.Code(err))
		return
	}
	rows, err := s.engine.Run(ctx, a)
	if err != nil {
		_ = wsjson.Write(ctx, c, feedMessage{Type: "error", Code: httperr.Code(err), Message: err.Error()})
		_ = c.Close(websocket.StatusInternalError, httperr.Code(err))
		return
	}

	sub := s.hub.Subscribe(ctx, a)
	defer sub.Close()

	if err := wsjson.Write(ctx, c, feedMessage{Type: "snapshot", ID: uuidv7.MustNewString(), Records: rows}); err != nil {
		return
	}

	// CloseRead fails the context as soon as the peer goes away.
	rctx := c.CloseRead(ctx)
	for {
		select {
		case <-rctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if err := wsjson.Write(rctx, c, feedMessage{
				Type:  "delta",
				Seq:   u.Seq,
				Table: u.Table,
				Key:   u.Key,
				Row:   u.Row,
			}); err != nil {
				return
			}
		}
	}
}
