package feed

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/store"
)

// bufferSize bounds both the intake and delivery channels. Overflow drops
// the oldest buffered update; a slow consumer only ever loses its own
// intermediate states.
const bufferSize = 64

type Subscription struct {
	hub     *Hub
	auth    *query.Authorized
	limiter *rate.Limiter // nil when the table declares no throttle

	intake   chan Update
	out      chan Update
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscription(h *Hub, a *query.Authorized) *Subscription {
	s := &Subscription{
		hub:    h,
		auth:   a,
		intake: make(chan Update, bufferSize),
		out:    make(chan Update, bufferSize),
		stop:   make(chan struct{}),
	}
	if ms := a.ThrottleMS(); ms > 0 {
		window := time.Duration(ms) * time.Millisecond
		s.limiter = rate.NewLimiter(rate.Every(window), 1)
	}
	return s
}

// C delivers updates in commit order, coalesced per row within the throttle
// window. The channel closes when the subscription ends.
func (s *Subscription) C() <-chan Update { return s.out }

// Close unregisters immediately. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unregister(s)
	s.stopOnce.Do(func() { close(s.stop) })
}

// offer hands a commit to the subscription without ever blocking the hub:
// when the intake buffer is full the oldest pending update is dropped.
func (s *Subscription) offer(u Update) {
	select {
	case s.intake <- u:
		return
	default:
	}
	select {
	case <-s.intake:
	default:
	}
	select {
	case s.intake <- u:
	default:
	}
}

// deliver pushes one update to the consumer, dropping the oldest delivered
// update when the consumer lags a full buffer behind.
func (s *Subscription) deliver(u Update) {
	select {
	case s.out <- u:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- u:
	default:
	}
}

// rowHash fingerprints a projected row. json.Marshal writes map keys in
// sorted order, which is canonical enough for equality of rows.
func rowHash(r store.Row) uint64 {
	b, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

func (s *Subscription) run(ctx context.Context) {
	defer func() {
		s.hub.unregister(s)
		close(s.out)
	}()

	pending := make(map[string]Update)
	emitted := make(map[string]uint64)
	var order []string
	var timerC <-chan time.Time

	flush := func() {
		for _, key := range order {
			u := pending[key]
			delete(pending, key)
			// Suppress emissions that would not change what the
			// subscriber last saw for this row.
			h := rowHash(u.Row)
			if prev, ok := emitted[key]; ok && prev == h {
				continue
			}
			emitted[key] = h
			s.deliver(u)
		}
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case u := <-s.intake:
			if !s.auth.MatchesRow(u.Row) {
				continue
			}
			u.Row = s.auth.ProjectRow(u.Row)
			if _, ok := pending[u.Key]; !ok {
				order = append(order, u.Key)
			}
			pending[u.Key] = u

			if s.limiter == nil || s.limiter.Allow() {
				flush()
				continue
			}
			// Inside the window: schedule a trailing flush so the final
			// state always goes out.
			if timerC == nil {
				timerC = time.NewTimer(s.limiter.Reserve().Delay()).C
			}
		case <-timerC:
			timerC = nil
			flush()
		}
	}
}
