package message

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	chatmodel "PPIM/module/chat/model"
	"PPIM/module/chat/seq"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []*chatmodel.MessagePayload
}

func (c *captureSink) PublishMessage(_ context.Context, _, _ string, p *chatmodel.MessagePayload) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []*chatmodel.MessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chatmodel.MessagePayload, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func mkMsg(conv string, seqID int64) *chatmodel.Message {
	return &chatmodel.Message{
		ID:             fmt.Sprintf("m-%s-%d", conv, seqID),
		TenantID:       "t1",
		ConversationID: conv,
		Seq:            seqID,
		SenderID:       "u1",
		SenderName:     "alice",
		Type:           chatmodel.MsgTypeText,
		Content:        fmt.Sprintf("msg %d", seqID),
		CreatedAt:      time.Now(),
	}
}

func TestBufferFlushesAtCount(t *testing.T) {
	store := NewMemStore()
	sink := &captureSink{}
	buf := NewBuffer(store, NewMemDeadLetters(), sink, nil, 3, time.Hour)

	for i := 1; i <= 3; i++ {
		buf.Put(mkMsg("c1", int64(i)))
	}
	buf.Flush()

	if store.Count() != 3 {
		t.Fatalf("expected 3 persisted, got %d", store.Count())
	}
	if got := len(sink.all()); got != 3 {
		t.Fatalf("expected 3 published, got %d", got)
	}
}

func TestBufferFlushesOnInterval(t *testing.T) {
	store := NewMemStore()
	sink := &captureSink{}
	buf := NewBuffer(store, NewMemDeadLetters(), sink, nil, 100, 20*time.Millisecond)

	buf.Put(mkMsg("c2", 1))
	deadline := time.Now().Add(2 * time.Second)
	for store.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Count() != 1 {
		t.Fatalf("interval flush did not persist the message")
	}
	buf.Close()
}

func TestBufferDeadLettersFailedRow(t *testing.T) {
	store := NewMemStore()
	store.FailSeq = 2
	dead := NewMemDeadLetters()
	sink := &captureSink{}
	buf := NewBuffer(store, dead, sink, nil, 10, time.Hour)

	for i := 1; i <= 3; i++ {
		buf.Put(mkMsg("c3", int64(i)))
	}
	buf.Flush()

	if store.Count() != 2 {
		t.Fatalf("expected 2 persisted, got %d", store.Count())
	}
	dls := dead.All()
	if len(dls) != 1 || dls[0].Seq != 2 {
		t.Fatalf("expected seq 2 dead-lettered, got %+v", dls)
	}
	// The failed row must not be published.
	for _, p := range sink.all() {
		if p.SeqID == 2 {
			t.Fatalf("dead-lettered message was published")
		}
	}
}

func TestBufferSkipsDuplicatesOnPublish(t *testing.T) {
	store := NewMemStore()
	sink := &captureSink{}
	buf := NewBuffer(store, NewMemDeadLetters(), sink, nil, 10, time.Hour)

	// Same row already persisted by an earlier flush.
	if err := store.InsertOne(context.Background(), mkMsg("c4", 1)); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	buf.Put(mkMsg("c4", 1))
	buf.Put(mkMsg("c4", 2))
	buf.Flush()

	got := sink.all()
	if len(got) != 1 || got[0].SeqID != 2 {
		t.Fatalf("duplicate must not republish: got %d payloads", len(got))
	}
}

func newTestService(sink Sink) (*Service, *MemStore, *Buffer) {
	store := NewMemStore()
	alloc := seq.NewAllocator(seq.NewMemCounterCache(), seq.NewMemDAO(), store)
	buf := NewBuffer(store, NewMemDeadLetters(), sink, nil, 50, time.Hour)
	return NewService(store, alloc, buf), store, buf
}

func TestSubmitAssignsDenseSeqs(t *testing.T) {
	sink := &captureSink{}
	svc, _, buf := newTestService(sink)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		p, existed, err := svc.Submit(ctx, SubmitRequest{
			TenantID: "t1", ConversationID: "c5", SenderID: "u1",
			SenderName: "alice", Type: "text", Content: "hello",
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if existed {
			t.Fatalf("unexpected idempotent hit")
		}
		if p.SeqID != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, p.SeqID)
		}
	}
	buf.Flush()
}

func TestSubmitIdempotentReplay(t *testing.T) {
	sink := &captureSink{}
	svc, _, buf := newTestService(sink)
	ctx := context.Background()

	req := SubmitRequest{
		TenantID: "t1", ConversationID: "c6", SenderID: "u1",
		SenderName: "alice", ClientMsgID: "cli-1", Type: "text", Content: "once",
	}
	first, _, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	buf.Flush()

	again, existed, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("replay Submit: %v", err)
	}
	if !existed {
		t.Fatalf("replay must report existing message")
	}
	if again.SeqID != first.SeqID || again.ID != first.ID {
		t.Fatalf("replay returned a different message: %+v vs %+v", again, first)
	}
	if got := len(sink.all()); got != 1 {
		t.Fatalf("replay must not publish again, got %d publishes", got)
	}
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	svc, _, _ := newTestService(&captureSink{})
	_, _, err := svc.Submit(context.Background(), SubmitRequest{
		TenantID: "t1", ConversationID: "c7", SenderID: "u1", Type: "text", Content: "   ",
	})
	if err != ErrEmptyContent {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestSyncPagesWithHasMore(t *testing.T) {
	svc, store, _ := newTestService(&captureSink{})
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		if err := store.InsertOne(ctx, mkMsg("c8", int64(i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, more, err := svc.Sync(ctx, "t1", "c8", 2, 3)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !more {
		t.Fatalf("expected hasMore")
	}
	want := []int64{3, 4, 5}
	for i, p := range page {
		if p.SeqID != want[i] {
			t.Fatalf("page out of order: got %d at %d", p.SeqID, i)
		}
	}

	page, more, err = svc.Sync(ctx, "t1", "c8", 5, 3)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if more {
		t.Fatalf("last page must not report hasMore")
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(page))
	}
}

func TestHistorySeedsAllocator(t *testing.T) {
	store := NewMemStore()
	cache := seq.NewMemCounterCache()
	// No persisted-max source here: the counter must advance through the
	// history load's explicit seeding alone.
	alloc := seq.NewAllocator(cache, seq.NewMemDAO(), nil)
	buf := NewBuffer(store, NewMemDeadLetters(), nil, nil, 50, time.Hour)
	svc := NewService(store, alloc, buf)
	ctx := context.Background()

	// Rows written by another node; this node's counter is cold.
	for i := 1; i <= 9; i++ {
		if err := store.InsertOne(ctx, mkMsg("c9", int64(i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := svc.History(ctx, "t1", "c9"); err != nil {
		t.Fatalf("History: %v", err)
	}

	p, _, err := svc.Submit(ctx, SubmitRequest{
		TenantID: "t1", ConversationID: "c9", SenderID: "u1", Type: "text", Content: "next",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.SeqID != 10 {
		t.Fatalf("expected seq 10 after history of 9, got %d", p.SeqID)
	}
}

func TestRevokeRedactsAndRepublishes(t *testing.T) {
	sink := &captureSink{}
	svc, store, _ := newTestService(sink)
	ctx := context.Background()
	if err := store.InsertOne(ctx, mkMsg("c10", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := svc.Revoke(ctx, "t1", "c10", 1, "intruder", sink); err != ErrNotSender {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}

	p, err := svc.Revoke(ctx, "t1", "c10", 1, "u1", sink)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !p.Revoked || p.Content != "" {
		t.Fatalf("revoked payload not redacted: %+v", p)
	}
	got := sink.all()
	if len(got) != 1 || !got[0].Revoked {
		t.Fatalf("revocation was not republished")
	}
}
