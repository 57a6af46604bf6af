// Package events fans run progress out to live subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published during a run.
const (
	RunStarted     = "run.started"
	RunPlanned     = "run.planned"
	RunDispatched  = "run.dispatched"
	ProblemFound   = "run.problem"
	RunFinished    = "run.finished"
	RunFailed      = "run.failed"
	defaultBacklog = 256
)

type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Publisher is the producer side of a Hub.
type Publisher interface {
	Publish(runID, eventType string, data any)
}

// Hub keeps the most recent events for late subscribers and never blocks
// producers on slow consumers.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	limit   int
	subs    map[chan Event]struct{}
	now     func() time.Time
}

func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		limit: backlog,
		subs:  make(map[chan Event]struct{}),
		now:   time.Now,
	}
}

// Publish records an event. Data that cannot be encoded is replaced by {}.
func (h *Hub) Publish(runID, eventType string, data any) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, RunID: runID, At: h.now().UTC(), Data: payload}

	h.backlog = append(h.backlog, ev)
	if over := len(h.backlog) - h.limit; over > 0 {
		h.backlog = append(h.backlog[:0:0], h.backlog[over:]...)
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns buffered events newer than lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Discard drops every event. It is the Publisher used when nothing listens.
type Discard struct{}

func (Discard) Publish(string, string, any) {}
