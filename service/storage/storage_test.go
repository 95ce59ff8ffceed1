package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAckCursorMonotonic(t *testing.T) {
	a := NewMemAckStore()
	ctx := context.Background()

	cur, err := a.AdvanceCursor(ctx, "t1", "u1", "c1", 5)
	if err != nil || cur != 5 {
		t.Fatalf("advance to 5: cur=%d err=%v", cur, err)
	}
	// Stale ack must not move the cursor back.
	cur, err = a.AdvanceCursor(ctx, "t1", "u1", "c1", 3)
	if err != nil || cur != 5 {
		t.Fatalf("stale ack regressed cursor: cur=%d err=%v", cur, err)
	}
	cur, err = a.Cursor(ctx, "t1", "u1", "c1")
	if err != nil || cur != 5 {
		t.Fatalf("Cursor: cur=%d err=%v", cur, err)
	}
}

func TestOfflineDrainOrderAndTruncation(t *testing.T) {
	q := NewMemOfflineQueue(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, "t1", "u1", "c1", []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, truncated, err := q.Drain(ctx, "t1", "u1", "c1", 3)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !truncated {
		t.Fatalf("expected truncation with 5 queued, limit 3")
	}
	for i, it := range items {
		if string(it) != fmt.Sprintf("p%d", i) {
			t.Fatalf("drain out of order: %s at %d", it, i)
		}
	}

	// The remainder stays queued: a second drain picks it up.
	items, truncated, err = q.Drain(ctx, "t1", "u1", "c1", 3)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if truncated {
		t.Fatalf("nothing left past the second drain")
	}
	if len(items) != 2 || string(items[0]) != "p3" || string(items[1]) != "p4" {
		t.Fatalf("second drain must return the remainder, got %q", items)
	}

	items, truncated, err = q.Drain(ctx, "t1", "u1", "c1", 3)
	if err != nil || truncated || len(items) != 0 {
		t.Fatalf("queue must be empty after full drain: %d items", len(items))
	}

	// Zero budget never removes entries, it only reports backlog.
	_ = q.Enqueue(ctx, "t1", "u1", "c1", []byte("p5"))
	items, truncated, err = q.Drain(ctx, "t1", "u1", "c1", 0)
	if err != nil || len(items) != 0 || !truncated {
		t.Fatalf("zero-budget drain: items=%d truncated=%v err=%v", len(items), truncated, err)
	}
	items, _, err = q.Drain(ctx, "t1", "u1", "c1", 3)
	if err != nil || len(items) != 1 {
		t.Fatalf("entry must survive a zero-budget drain: %d items", len(items))
	}
}

func TestOfflineQueueCapKeepsNewest(t *testing.T) {
	q := NewMemOfflineQueue(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(ctx, "t1", "u1", "c1", []byte(fmt.Sprintf("p%d", i)))
	}
	items, _, err := q.Drain(ctx, "t1", "u1", "c1", 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(items) != 3 || string(items[0]) != "p2" || string(items[2]) != "p4" {
		t.Fatalf("cap must keep newest entries, got %q", items)
	}
}

func TestOfflineLockSingleHolder(t *testing.T) {
	q := NewMemOfflineQueue(0)
	ctx := context.Background()

	ok, err := q.TryLock(ctx, "t1", "u1", "m1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	ok, err = q.TryLock(ctx, "t1", "u1", "m1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second TryLock must lose: ok=%v err=%v", ok, err)
	}
	// Different message id is an independent lock.
	ok, err = q.TryLock(ctx, "t1", "u1", "m2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("independent lock: ok=%v err=%v", ok, err)
	}
}

func TestPresenceMultiDevice(t *testing.T) {
	p := NewMemPresence(time.Minute)
	ctx := context.Background()

	if err := p.MarkOnline(ctx, "t1", "u1", "conn-a", "node-1"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	if err := p.MarkOnline(ctx, "t1", "u1", "conn-b", "node-2"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}

	on, err := p.IsOnlineAnywhere(ctx, "t1", "u1")
	if err != nil || !on {
		t.Fatalf("expected online: on=%v err=%v", on, err)
	}

	// One device gone, the other keeps the user online.
	if err := p.MarkOffline(ctx, "t1", "u1", "conn-a"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	on, _ = p.IsOnlineAnywhere(ctx, "t1", "u1")
	if !on {
		t.Fatalf("still one live device, must be online")
	}

	if err := p.MarkOffline(ctx, "t1", "u1", "conn-b"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	on, _ = p.IsOnlineAnywhere(ctx, "t1", "u1")
	if on {
		t.Fatalf("no devices left, must be offline")
	}
}

func TestUnreadCounter(t *testing.T) {
	u := NewMemUnreadCounter()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := u.Incr(ctx, "t1", "u1", "c1")
		if err != nil || n != int64(i) {
			t.Fatalf("Incr: n=%d err=%v", n, err)
		}
	}
	if err := u.Reset(ctx, "t1", "u1", "c1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	n, err := u.Get(ctx, "t1", "u1", "c1")
	if err != nil || n != 0 {
		t.Fatalf("after reset: n=%d err=%v", n, err)
	}
}
