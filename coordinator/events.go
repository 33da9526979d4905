package coordinator

import (
	"sync"
	"time"

	"github.com/mirradon/arbiter/eval"
)

// Event is one observable change of a submission result, published as
// the coordinator records it.
type Event struct {
	SubmissionID string     `json:"submission_id"`
	DatasetID    string     `json:"dataset_id"`
	State        eval.State `json:"state"`
	Score        float64    `json:"score"`
	At           time.Time  `json:"at"`
}

// Hub fans result events out to subscribers. Slow subscribers lose
// events rather than stalling the coordinator.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned cancel must be called to
// release it; afterwards the channel is closed.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
