package engine

import (
	"sync"

	"github.com/blitedb/blite/codec"
)

// Op classifies a change-capture event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one captured document change.
type Event struct {
	Op         Op
	Collection string
	ID         codec.DocID
}

// Subscription is one attached change-capture consumer. C delivers events
// in per-collection order; Cancel detaches without affecting other
// subscribers.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription and closes C.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	col string
	ch  chan Event
}

// hub fans change events out to collection-scoped subscribers. The
// per-subscriber channel is bounded; when a consumer lags, the oldest
// buffered event is dropped so that writers never block.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// Subscribe attaches a consumer for |col| with the given buffer size.
func (e *Engine) Subscribe(col string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	var h = e.hub
	var sub = &subscriber{col: col, ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, cancel: func() {}}
	}
	h.subs[sub] = struct{}{}

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				defer h.mu.Unlock()
				if _, ok := h.subs[sub]; ok {
					delete(h.subs, sub)
					close(sub.ch)
				}
			})
		},
	}
}

func (h *hub) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ev := range events {
		for sub := range h.subs {
			if sub.col != ev.Collection {
				continue
			}
			for {
				select {
				case sub.ch <- ev:
				default:
					// Drop the oldest buffered event and retry.
					select {
					case <-sub.ch:
					default:
					}
					continue
				}
				break
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*subscriber]struct{})
}
