// Package notify fans tenant events out to live observers.
package notify

import (
	"sync"
	"time"
)

const (
	EventConnectionStatus = "connection.status"
	EventMessageReceived  = "message.received"
	EventMessageSent      = "message.sent"
	EventMessageFailed    = "message.failed"
	EventMessageStatus    = "message.status"
	EventAutomationRun    = "automation.executed"
)

type Event struct {
	Type     string      `json:"type"`
	TenantID string      `json:"tenant_id"`
	Data     interface{} `json:"data,omitempty"`
	At       int64       `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// Hub never blocks publishers: an observer that falls behind loses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns the tenant's event stream and a cancel func that closes it.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[*subscriber]struct{})
	}
	h.subs[tenantID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], sub)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(tenantID string, ev Event) {
	ev.TenantID = tenantID
	if ev.At == 0 {
		ev.At = time.Now().Unix()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[tenantID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
