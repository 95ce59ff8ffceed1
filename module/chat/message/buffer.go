package message

import (
	"context"
	"sync"
	"time"

	"PPIM/logger"
	chatmodel "PPIM/module/chat/model"
	"PPIM/tools/safe"

	"go.uber.org/zap"
)

// Sink receives each persisted message exactly once, in persist order.
// The fan-out layer implements it.
type Sink interface {
	PublishMessage(ctx context.Context, tenant, convID string, payload *chatmodel.MessagePayload) error
}

// Exporter mirrors persisted messages to an external stream (kafka).
// Best-effort; export failures never affect the live path.
type Exporter interface {
	ExportPersisted(m *chatmodel.Message)
}

// Buffer coalesces accepted messages into bulk inserts. A batch flushes
// when it reaches count messages or when interval elapses since the first
// message of the batch, whichever comes first. An in-flight flush always
// runs to completion; Close waits for it.
type Buffer struct {
	store    Store
	dead     DeadLetters
	sink     Sink
	exporter Exporter

	count    int
	interval time.Duration

	mu      sync.Mutex
	pending []*chatmodel.Message
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

func NewBuffer(store Store, dead DeadLetters, sink Sink, exporter Exporter, count int, interval time.Duration) *Buffer {
	if count <= 0 {
		count = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Buffer{
		store:    store,
		dead:     dead,
		sink:     sink,
		exporter: exporter,
		count:    count,
		interval: interval,
	}
}

// Put stages a message for the next flush. Returns false after Close.
func (b *Buffer) Put(m *chatmodel.Message) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, m)
	full := len(b.pending) >= b.count
	if full {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		batch := b.pending
		b.pending = nil
		b.wg.Add(1)
		b.mu.Unlock()
		safe.Go(func() { b.flush(batch) })
		return true
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flushTimed)
	}
	b.mu.Unlock()
	return true
}

func (b *Buffer) flushTimed() {
	b.mu.Lock()
	b.timer = nil
	batch := b.pending
	b.pending = nil
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	b.flush(batch)
}

// Flush drains everything staged so far and waits for it. Used on
// shutdown and by tests.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	if len(batch) > 0 {
		b.wg.Add(1)
		b.mu.Unlock()
		b.flush(batch)
	} else {
		b.mu.Unlock()
	}
	b.wg.Wait()
}

// Close flushes remaining messages and rejects further Puts.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

func (b *Buffer) flush(batch []*chatmodel.Message) {
	defer b.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := b.store.InsertMany(ctx, batch)
	if err != nil {
		// Bulk path unusable (store-level error): fall back to per-row
		// inserts so one poisoned batch cannot sink its neighbours.
		logger.Warn("bulk insert failed, retrying per row",
			zap.Int("batch", len(batch)), zap.Error(err))
		res = b.insertEach(ctx, batch)
	} else if len(res.Failed) > 0 {
		// Row-level failures get one more individual attempt before the
		// dead letter queue.
		retried := b.insertEach(ctx, messagesOf(res.Failed))
		res.Inserted = append(res.Inserted, retried.Inserted...)
		res.Duplicates = append(res.Duplicates, retried.Duplicates...)
		res.Failed = retried.Failed
	}

	for _, f := range res.Failed {
		b.deadLetter(ctx, f)
	}
	// Duplicates were persisted (and published) by an earlier flush or a
	// concurrent writer; republishing would double-deliver.
	b.publish(ctx, res.Inserted)
}

func (b *Buffer) insertEach(ctx context.Context, batch []*chatmodel.Message) *BulkResult {
	res := &BulkResult{}
	for _, m := range batch {
		switch err := b.store.InsertOne(ctx, m); {
		case err == nil:
			res.Inserted = append(res.Inserted, m)
		case b.store.IsDuplicateErr(err):
			res.Duplicates = append(res.Duplicates, m)
		default:
			res.Failed = append(res.Failed, FailedInsert{Msg: m, Err: err})
		}
	}
	return res
}

func (b *Buffer) deadLetter(ctx context.Context, f FailedInsert) {
	logger.Error("message dead-lettered",
		zap.String("conv", f.Msg.ConversationID),
		zap.Int64("seq", f.Msg.Seq),
		zap.Error(f.Err))
	dl := &chatmodel.DeadLetter{
		TenantID:       f.Msg.TenantID,
		ConversationID: f.Msg.ConversationID,
		Seq:            f.Msg.Seq,
		SenderID:       f.Msg.SenderID,
		ClientMsgID:    f.Msg.ClientMsgID,
		Reason:         f.Err.Error(),
		CreatedAt:      time.Now(),
	}
	if b.dead != nil {
		if err := b.dead.Add(ctx, dl); err != nil {
			logger.Error("dead letter write failed", zap.Error(err))
		}
	}
}

func (b *Buffer) publish(ctx context.Context, persisted []*chatmodel.Message) {
	for _, m := range persisted {
		if b.exporter != nil {
			b.exporter.ExportPersisted(m)
		}
		if b.sink == nil {
			continue
		}
		p := m.ToPayload(b.replySummary(ctx, m))
		if err := b.sink.PublishMessage(ctx, m.TenantID, m.ConversationID, p); err != nil {
			logger.Error("publish after persist failed",
				zap.String("conv", m.ConversationID),
				zap.Int64("seq", m.Seq),
				zap.Error(err))
		}
	}
}

func (b *Buffer) replySummary(ctx context.Context, m *chatmodel.Message) *chatmodel.ReplySummary {
	if m.ReplyToID == "" {
		return nil
	}
	quoted, err := b.store.FindByID(ctx, m.TenantID, m.ReplyToID)
	if err != nil {
		return nil
	}
	return &chatmodel.ReplySummary{
		ID:         quoted.ID,
		Content:    quoted.Content,
		SenderName: quoted.SenderName,
		Type:       quoted.Type,
	}
}

func messagesOf(fs []FailedInsert) []*chatmodel.Message {
	out := make([]*chatmodel.Message, len(fs))
	for i, f := range fs {
		out[i] = f.Msg
	}
	return out
}
