// Package feed turns committed writes into per-subscriber changefeeds. The
// hub observes every store commit; each subscription filters commits through
// its authorization, coalesces rapid updates to the same row, and delivers
// them over a bounded channel that never blocks the hub or other peers.
package feed

import (
	"context"
	"sync"

	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/store"
)

// Update is one committed row delivered to a subscriber. Seq is the hub's
// commit order; Row is projected onto the subscriber's allowed field set.
type Update struct {
	Seq   uint64    `json:"seq"`
	Table string    `json:"table"`
	Key   string    `json:"key"`
	Row   store.Row `json:"row"`
}

type Hub struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Committed implements store.CommitObserver. It assigns the commit a
// sequence number and hands it to every subscription watching the table.
// Predicate evaluation happens on the subscriber's own goroutine.
func (h *Hub) Committed(table string, row store.Row) {
	h.mu.Lock()
	h.seq++
	u := Update{Seq: h.seq, Row: row}
	targets := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		if s.auth.Table.Physical == table {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		v := u
		v.Table = s.auth.Table.Name
		v.Key = store.KeyString(s.auth.Table.PrimaryKey, row)
		s.offer(v)
	}
}

// Subscribe registers a changefeed for an authorized get. The subscription
// ends when ctx is cancelled or Close is called; either way it unregisters
// immediately and its channel is closed.
func (h *Hub) Subscribe(ctx context.Context, a *query.Authorized) *Subscription {
	s := newSubscription(h, a)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.run(ctx)
	return s
}

func (h *Hub) unregister(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers reports the number of live subscriptions, for health output.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
