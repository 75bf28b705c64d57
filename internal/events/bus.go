package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDispatchSuccess  EventType = "dispatch_success"
	EventDispatchError    EventType = "dispatch_error"
	EventDispatchFallback EventType = "dispatch_fallback"
	EventBudgetWarning    EventType = "budget_warning"
	EventBudgetRejected   EventType = "budget_rejected"
	EventBreakerChange    EventType = "breaker_change"
	EventHealthChange     EventType = "health_change"
	EventTaskStale        EventType = "task_stale"
	EventTaskTimeout      EventType = "task_timeout"
)

// Event is a single gateway event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Dispatch fields (populated for dispatch events).
	TaskID    string  `json:"task_id,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	Tier      string  `json:"tier,omitempty"`
	ModelName string  `json:"model_name,omitempty"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	ErrorMsg  string  `json:"error_msg,omitempty"`
	Reason    string  `json:"reason,omitempty"`

	// Budget fields (populated for budget events).
	Gate     string  `json:"gate,omitempty"`
	LimitUSD float64 `json:"limit_usd,omitempty"`
	SpentUSD float64 `json:"spent_usd,omitempty"`

	// Breaker fields (populated for breaker_change events).
	Target   string `json:"target,omitempty"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Heartbeat fields (populated for task_stale / task_timeout events).
	IdleSeconds float64 `json:"idle_seconds,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus for gateway events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
