package services

import (
	"sync"
	"time"

	"github.com/testflowpro/testflow/internal/models"
)

// ExecutionEvent is published after an execution's state is committed.
type ExecutionEvent struct {
	At        time.Time              `json:"at"`
	Execution models.Execution       `json:"execution"`
	Previous  models.ExecutionStatus `json:"previous,omitempty"`
}

// Terminal reports whether the event's execution reached a final state.
func (e ExecutionEvent) Terminal() bool {
	return e.Execution.Status.IsTerminal()
}

// EventHub fans execution events out to live subscribers. Slow subscribers
// miss events rather than block publishers.
type EventHub struct {
	streams map[string][]chan ExecutionEvent
	all     []chan ExecutionEvent
	mu      sync.RWMutex
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{streams: make(map[string][]chan ExecutionEvent)}
}

// Subscribe returns a channel receiving events for one execution.
func (h *EventHub) Subscribe(executionID string) chan ExecutionEvent {
	ch := make(chan ExecutionEvent, 16)

	h.mu.Lock()
	h.streams[executionID] = append(h.streams[executionID], ch)
	h.mu.Unlock()

	return ch
}

// SubscribeAll returns a channel receiving every event.
func (h *EventHub) SubscribeAll() chan ExecutionEvent {
	ch := make(chan ExecutionEvent, 64)

	h.mu.Lock()
	h.all = append(h.all, ch)
	h.mu.Unlock()

	return ch
}

// Unsubscribe detaches and closes ch. executionID is empty for SubscribeAll channels.
func (h *EventHub) Unsubscribe(executionID string, ch chan ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if executionID == "" {
		h.all = removeChan(h.all, ch)
		return
	}

	h.streams[executionID] = removeChan(h.streams[executionID], ch)
	if len(h.streams[executionID]) == 0 {
		delete(h.streams, executionID)
	}
}

func removeChan(chans []chan ExecutionEvent, ch chan ExecutionEvent) []chan ExecutionEvent {
	for i, c := range chans {
		if c == ch {
			close(ch)
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

// Publish delivers ev to subscribers of its execution and to global subscribers.
func (h *EventHub) Publish(ev ExecutionEvent) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.streams[ev.Execution.ID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range h.all {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of attached channels, for status output.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.all)
	for _, chans := range h.streams {
		n += len(chans)
	}
	return n
}
