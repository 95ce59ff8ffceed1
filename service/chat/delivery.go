package chat

import (
	"sync"
	"time"

	"PPIM/logger"
	chatmodel "PPIM/module/chat/model"

	"go.uber.org/zap"
)

// EngineConf controls the at-least-once retransmit loop.
type EngineConf struct {
	AckTimeout time.Duration
	MaxRetries int
}

func (c *EngineConf) norm() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// pendingKey identifies one unacked delivery: the same message sent to
// two connections is two independent entries.
type pendingKey struct {
	connID string
	convID string
	msgID  string
}

type pending struct {
	client *Client
	frame  []byte
	seq    int64
	tries  int
	gen    uint64
	timer  *time.Timer
}

// Engine retransmits delivered frames until acked or retries run out. An
// abandoned delivery is only an abandoned push: the message is durable and
// the next sync picks it up.
type Engine struct {
	mu      sync.Mutex
	pend    map[pendingKey]*pending
	conf    EngineConf
	send    func(*Client, []byte) bool
	onAcked func(c *Client, convID string, seq int64)
}

// NewEngine builds the engine. send defaults to Client.Enqueue; onAcked
// (may be nil) observes every acked seq, e.g. to advance the ack cursor.
func NewEngine(conf EngineConf, send func(*Client, []byte) bool, onAcked func(*Client, string, int64)) *Engine {
	conf.norm()
	if send == nil {
		send = func(c *Client, b []byte) bool { return c.Enqueue(b) }
	}
	return &Engine{
		pend:    make(map[pendingKey]*pending),
		conf:    conf,
		send:    send,
		onAcked: onAcked,
	}
}

// Deliver sends the payload to one connection and tracks it until ack.
// Re-delivery of an already-pending message just rearms the existing
// entry's frame.
func (e *Engine) Deliver(c *Client, convID string, p *chatmodel.MessagePayload) {
	frame := buildMessageFrame(convID, p)
	key := pendingKey{connID: c.ConnID, convID: convID, msgID: p.ID}

	e.mu.Lock()
	var gen uint64
	if old, ok := e.pend[key]; ok {
		// The generation bump invalidates an old timer firing that Stop
		// lost the race with, so the fresh entry keeps its full retry
		// budget.
		old.timer.Stop()
		gen = old.gen + 1
	}
	ent := &pending{client: c, frame: frame, seq: p.SeqID, gen: gen}
	ent.timer = time.AfterFunc(e.conf.AckTimeout, func() { e.retry(key, gen) })
	e.pend[key] = ent
	e.mu.Unlock()

	e.send(c, frame)
}

func (e *Engine) retry(key pendingKey, gen uint64) {
	e.mu.Lock()
	ent, ok := e.pend[key]
	if !ok || ent.gen != gen {
		// Settled, or superseded by a re-delivery.
		e.mu.Unlock()
		return
	}
	ent.tries++
	if ent.tries > e.conf.MaxRetries {
		delete(e.pend, key)
		e.mu.Unlock()
		logger.Warn("delivery abandoned after retries",
			zap.String("conn", key.connID),
			zap.String("conv", key.convID),
			zap.String("msg", key.msgID),
			zap.Int("tries", ent.tries-1))
		return
	}
	ent.timer = time.AfterFunc(e.conf.AckTimeout, func() { e.retry(key, gen) })
	client, frame := ent.client, ent.frame
	e.mu.Unlock()

	// Identical frame on every attempt; the client dedupes by seq.
	e.send(client, frame)
}

// Ack settles one delivery. Unknown keys are a no-op (late or duplicate
// ack), but the cursor callback still runs so acks stay idempotent
// cursor advances.
func (e *Engine) Ack(c *Client, convID, msgID string, seq int64) {
	key := pendingKey{connID: c.ConnID, convID: convID, msgID: msgID}
	e.mu.Lock()
	if ent, ok := e.pend[key]; ok {
		ent.timer.Stop()
		delete(e.pend, key)
	}
	e.mu.Unlock()
	if e.onAcked != nil && seq > 0 {
		e.onAcked(c, convID, seq)
	}
}

// BatchAck settles every pending delivery of the connection in convID
// with seq <= maxSeq in a single pass.
func (e *Engine) BatchAck(c *Client, convID string, maxSeq int64) {
	e.mu.Lock()
	for key, ent := range e.pend {
		if key.connID == c.ConnID && key.convID == convID && ent.seq <= maxSeq {
			ent.timer.Stop()
			delete(e.pend, key)
		}
	}
	e.mu.Unlock()
	if e.onAcked != nil && maxSeq > 0 {
		e.onAcked(c, convID, maxSeq)
	}
}

// CancelConn drops every pending delivery of a closed connection.
func (e *Engine) CancelConn(connID string) {
	e.mu.Lock()
	for key, ent := range e.pend {
		if key.connID == connID {
			ent.timer.Stop()
			delete(e.pend, key)
		}
	}
	e.mu.Unlock()
}

// PendingCount reports tracked deliveries, for tests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pend)
}
