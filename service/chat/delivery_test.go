package chat

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	chatmodel "PPIM/module/chat/model"
)

func payloadN(n int64) *chatmodel.MessagePayload {
	return &chatmodel.MessagePayload{
		ID:      fmt.Sprintf("m-%d", n),
		SeqID:   n,
		Content: fmt.Sprintf("msg %d", n),
		Type:    "text",
	}
}

func drainFrames(c *Client, wait time.Duration) []*ServerFrame {
	var out []*ServerFrame
	deadline := time.After(wait)
	for {
		select {
		case raw := <-c.Send:
			var f ServerFrame
			if json.Unmarshal(raw, &f) == nil {
				out = append(out, &f)
			}
		case <-deadline:
			return out
		}
	}
}

func TestDeliverRetriesExactlyMaxTimes(t *testing.T) {
	e := NewEngine(EngineConf{AckTimeout: 20 * time.Millisecond, MaxRetries: 3}, nil, nil)
	c := NewClient("conn1", "u1", "t1", nil, 64)

	e.Deliver(c, "c1", payloadN(1))

	// Never ack: initial send plus exactly 3 retransmits, then abandoned.
	frames := drainFrames(c, 300*time.Millisecond)
	if len(frames) != 4 {
		t.Fatalf("expected 4 sends (1 + 3 retries), got %d", len(frames))
	}
	for _, f := range frames {
		if f.Type != FrameMessage || f.Payload.SeqID != 1 {
			t.Fatalf("retransmit differs from original: %+v", f)
		}
	}
	if e.PendingCount() != 0 {
		t.Fatalf("abandoned delivery still pending")
	}
}

func TestAckStopsRetransmit(t *testing.T) {
	acked := make(map[string]int64)
	e := NewEngine(EngineConf{AckTimeout: 30 * time.Millisecond, MaxRetries: 3}, nil,
		func(c *Client, convID string, seq int64) { acked[convID] = seq })
	c := NewClient("conn1", "u1", "t1", nil, 64)

	e.Deliver(c, "c1", payloadN(5))
	<-c.Send // initial frame
	e.Ack(c, "c1", "m-5", 5)

	if extra := drainFrames(c, 120*time.Millisecond); len(extra) != 0 {
		t.Fatalf("retransmitted after ack: %d frames", len(extra))
	}
	if e.PendingCount() != 0 {
		t.Fatalf("acked delivery still pending")
	}
	if acked["c1"] != 5 {
		t.Fatalf("cursor callback not fired: %v", acked)
	}
}

func TestUnknownAckIsIdempotent(t *testing.T) {
	var calls int
	e := NewEngine(EngineConf{AckTimeout: time.Hour}, nil,
		func(*Client, string, int64) { calls++ })
	c := NewClient("conn1", "u1", "t1", nil, 4)

	// Ack for something never delivered: no panic, cursor still advances.
	e.Ack(c, "c1", "ghost", 9)
	e.Ack(c, "c1", "ghost", 9)
	if calls != 2 {
		t.Fatalf("cursor callback must run per ack, got %d", calls)
	}
}

func TestBatchAckClearsUpToMaxSeq(t *testing.T) {
	e := NewEngine(EngineConf{AckTimeout: time.Hour, MaxRetries: 3}, nil, nil)
	c := NewClient("conn1", "u1", "t1", nil, 256)

	for i := int64(1); i <= 100; i++ {
		e.Deliver(c, "c1", payloadN(i))
	}
	if e.PendingCount() != 100 {
		t.Fatalf("expected 100 pending, got %d", e.PendingCount())
	}

	e.BatchAck(c, "c1", 90)
	if e.PendingCount() != 10 {
		t.Fatalf("batch ack must clear seq<=90: %d left", e.PendingCount())
	}
	e.BatchAck(c, "c1", 100)
	if e.PendingCount() != 0 {
		t.Fatalf("expected empty pending table, got %d", e.PendingCount())
	}
}

func TestBatchAckScopedToConnAndConv(t *testing.T) {
	e := NewEngine(EngineConf{AckTimeout: time.Hour}, nil, nil)
	a := NewClient("conn-a", "u1", "t1", nil, 16)
	b := NewClient("conn-b", "u2", "t1", nil, 16)

	e.Deliver(a, "c1", payloadN(1))
	e.Deliver(a, "c2", payloadN(1))
	e.Deliver(b, "c1", payloadN(1))

	e.BatchAck(a, "c1", 10)
	if e.PendingCount() != 2 {
		t.Fatalf("batch ack leaked across conn/conv: %d pending", e.PendingCount())
	}
}

func TestRedeliveryDropsStaleTimerFiring(t *testing.T) {
	e := NewEngine(EngineConf{AckTimeout: time.Hour, MaxRetries: 1}, nil, nil)
	c := NewClient("conn1", "u1", "t1", nil, 16)

	e.Deliver(c, "c1", payloadN(1))
	e.Deliver(c, "c1", payloadN(1)) // rearm: new generation, fresh budget
	<-c.Send
	<-c.Send

	key := pendingKey{connID: "conn1", convID: "c1", msgID: "m-1"}

	// The firing the rearm's Stop raced with: it carries the old
	// generation and must not touch the new entry's retry budget.
	e.retry(key, 0)
	if got := drainFrames(c, 20*time.Millisecond); len(got) != 0 {
		t.Fatalf("stale firing retransmitted: %d frames", len(got))
	}
	if e.PendingCount() != 1 {
		t.Fatalf("stale firing disturbed the entry: %d pending", e.PendingCount())
	}

	// The new entry still has its full budget: one retransmit, then the
	// next firing abandons it.
	e.retry(key, 1)
	if got := drainFrames(c, 20*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected 1 retransmit, got %d", len(got))
	}
	e.retry(key, 1)
	if e.PendingCount() != 0 {
		t.Fatalf("exhausted delivery still pending")
	}
}

func TestCancelConnDropsPending(t *testing.T) {
	e := NewEngine(EngineConf{AckTimeout: 30 * time.Millisecond, MaxRetries: 5}, nil, nil)
	c := NewClient("conn1", "u1", "t1", nil, 256)

	for i := int64(1); i <= 5; i++ {
		e.Deliver(c, "c1", payloadN(i))
	}
	drainFrames(c, 10*time.Millisecond)

	e.CancelConn("conn1")
	if e.PendingCount() != 0 {
		t.Fatalf("cancel left %d pending", e.PendingCount())
	}
	if frames := drainFrames(c, 100*time.Millisecond); len(frames) != 0 {
		t.Fatalf("retransmitted after cancel: %d", len(frames))
	}
}
