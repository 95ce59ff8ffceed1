package fanout

import (
	"sync"

	chatmodel "PPIM/module/chat/model"
)

// Envelope is the unit carried between the persist path and the gateways,
// over redis pub/sub or the in-process bus.
type Envelope struct {
	TenantID       string                    `json:"tenantId"`
	ConversationID string                    `json:"conversationId"`
	Payload        *chatmodel.MessagePayload `json:"payload"`
}

// Handler consumes one envelope. Handlers run on the dispatching
// goroutine and must not block.
type Handler func(*Envelope)

// Subscription is the handle returned by Subscribe; dropping a consumer
// is an explicit Unsubscribe call, never a side effect.
type Subscription struct {
	id  uint64
	bus *Bus
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.id)
	s.bus.mu.Unlock()
	s.bus = nil
}

// Bus is the in-process delivery path: the gateway's consumer subscribes
// here, and envelopes arrive either from the redis subscriber loop or
// directly when pub/sub is unavailable.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return &Subscription{id: id, bus: b}
}

func (b *Bus) Dispatch(env *Envelope) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// Len reports current subscriber count, for tests.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
