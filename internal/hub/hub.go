// Package hub fans out job state-change events to live observers.
package hub

import (
	"encoding/json"
	"sync"

	"ansible-job-dashboard/internal/models"
)

// Event types pushed over the live channel.
const (
	TypeJobStart    = "job_start"
	TypeJobProgress = "job_progress"
	TypeJobComplete = "job_complete"
	TypeJobLog      = "job_log"
)

// Event is one state-change notification. Exactly one of Job or Log is set
// depending on Type.
type Event struct {
	Type string           `json:"type"`
	Job  *models.Job      `json:"job,omitempty"`
	Log  *models.LogEvent `json:"log,omitempty"`
}

// Observer receives serialized events published after it subscribed.
// No history is replayed; late joiners backfill via the query API.
type Observer struct {
	id uint64
	ch chan []byte
}

// Events exposes the observer's delivery channel. It is closed on
// unsubscribe.
func (o *Observer) Events() <-chan []byte {
	return o.ch
}

// Hub holds the set of connected observers and delivers every published
// event to all of them, best-effort. Delivery to one observer never blocks
// or fails delivery to the rest.
type Hub struct {
	buffer  int
	dropped func()

	mu   sync.Mutex
	subs map[uint64]*Observer
	seq  uint64
}

// Option tweaks hub construction.
type Option func(*Hub)

// WithBuffer sets the per-observer channel buffer. Events beyond a full
// buffer are dropped for that observer only.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropCallback installs a hook invoked once per dropped delivery,
// used for telemetry.
func WithDropCallback(fn func()) Option {
	return func(h *Hub) { h.dropped = fn }
}

// New builds an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		buffer: 64,
		subs:   map[uint64]*Observer{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new observer. It only sees events published after
// this call returns.
func (h *Hub) Subscribe() *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	obs := &Observer{id: h.seq, ch: make(chan []byte, h.buffer)}
	h.subs[obs.id] = obs
	return obs
}

// Unsubscribe removes an observer and closes its channel. Calling it twice
// or with an already-removed observer is a no-op.
func (h *Hub) Unsubscribe(obs *Observer) {
	if obs == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[obs.id]
	if ok {
		delete(h.subs, obs.id)
	}
	h.mu.Unlock()
	if ok {
		close(obs.ch)
	}
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish serializes the event once and attempts delivery to every
// currently-registered observer. The subscriber snapshot is taken under the
// lock so concurrent subscribe/unsubscribe cannot invalidate the iteration;
// sends happen outside the lock and never block.
func (h *Hub) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.subs))
	for _, obs := range h.subs {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	for _, obs := range targets {
		// An unsubscribed observer's channel may be closed concurrently;
		// recover keeps one dead observer from failing the publish.
		func() {
			defer func() { _ = recover() }()
			select {
			case obs.ch <- payload:
			default:
				if h.dropped != nil {
					h.dropped()
				}
			}
		}()
	}
	return nil
}
