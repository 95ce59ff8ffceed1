package chat

import (
	"context"
	"testing"
	"time"

	"PPIM/module/chat/member"
	"PPIM/module/chat/message"
	chatmodel "PPIM/module/chat/model"
	"PPIM/module/chat/seq"
	"PPIM/service/fanout"
	"PPIM/service/push"
	"PPIM/service/storage"
)

type gwFixture struct {
	gw      *Gateway
	svc     *message.Service
	buf     *message.Buffer
	store   *message.MemStore
	members *member.MemProvider
	pres    *storage.MemPresence
	offline *storage.MemOfflineQueue
	acks    *storage.MemAckStore
	unread  *storage.MemUnreadCounter
	pushed  []*push.Notification
}

type recordingNotifier struct{ f *gwFixture }

func (r *recordingNotifier) NotifyOffline(n *push.Notification) { r.f.pushed = append(r.f.pushed, n) }
func (r *recordingNotifier) Close()                             {}

func newGwFixture(t *testing.T) *gwFixture {
	t.Helper()
	f := &gwFixture{
		store:   message.NewMemStore(),
		members: member.NewMemProvider(),
		pres:    storage.NewMemPresence(time.Minute),
		offline: storage.NewMemOfflineQueue(0),
		acks:    storage.NewMemAckStore(),
		unread:  storage.NewMemUnreadCounter(),
	}
	fo := fanout.New(nil, nil)
	f.buf = message.NewBuffer(f.store, message.NewMemDeadLetters(), fo, nil, 50, time.Hour)
	alloc := seq.NewAllocator(seq.NewMemCounterCache(), seq.NewMemDAO(), f.store)
	f.svc = message.NewService(f.store, alloc, f.buf)

	reg := NewRegistry(RegistryConf{TTL: time.Minute, SweepEvery: time.Hour}, nil)
	f.gw = NewGateway(
		GatewayConf{Node: "node-1", OfflineDrainLimit: 200, SyncPageLimit: 200},
		EngineConf{AckTimeout: time.Hour, MaxRetries: 3},
		reg, f.svc, f.members, f.pres, f.offline, f.acks, f.unread,
		&recordingNotifier{f: f},
	)
	f.gw.Start(fo.Bus())
	t.Cleanup(f.gw.Stop)
	return f
}

func (f *gwFixture) connect(t *testing.T, connID, user string) *Client {
	t.Helper()
	c := NewClient(connID, user, "t1", nil, 256)
	if err := f.gw.OnConnect(context.Background(), c); err != nil {
		t.Fatalf("OnConnect(%s): %v", user, err)
	}
	return c
}

func (f *gwFixture) submit(t *testing.T, sender, convID, content string) {
	t.Helper()
	_, _, err := f.svc.Submit(context.Background(), message.SubmitRequest{
		TenantID: "t1", ConversationID: convID,
		SenderID: sender, SenderName: sender, Type: "text", Content: content,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.buf.Flush()
}

func TestEndToEndHello(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u2")
	recv := f.connect(t, "conn-u2", "u2")

	f.submit(t, "u1", "c1", "hello")

	frames := drainFrames(recv, 50*time.Millisecond)
	if len(frames) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(frames))
	}
	got := frames[0]
	if got.Type != FrameMessage || got.Payload.SeqID != 1 || got.Payload.Content != "hello" {
		t.Fatalf("wrong delivery: %+v", got)
	}

	// Ack settles the pending entry and moves the cursor.
	f.gw.HandleFrame(context.Background(), recv,
		[]byte(`{"type":"ack","conversationId":"c1","msgId":"`+got.Payload.ID+`","seqId":1}`))
	if f.gw.Engine().PendingCount() != 0 {
		t.Fatalf("delivery still pending after ack")
	}
	cur, _ := f.acks.Cursor(context.Background(), "t1", "u2", "c1")
	if cur != 1 {
		t.Fatalf("cursor = %d, want 1", cur)
	}
}

func TestOfflineEnqueueAndReplay(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u3")
	f.members.SetConversation(&chatmodel.Conversation{
		TenantID: "t1", ConversationID: "c1", Name: "general", IsGroup: true,
	})

	// u3 has no connection anywhere: three messages go to the queue.
	f.submit(t, "u1", "c1", "one")
	f.submit(t, "u1", "c1", "two")
	f.submit(t, "u1", "c1", "three")

	if len(f.pushed) != 3 {
		t.Fatalf("expected 3 push notifications, got %d", len(f.pushed))
	}
	if f.pushed[2].UnreadCount != 3 {
		t.Fatalf("push unread count = %d, want 3", f.pushed[2].UnreadCount)
	}
	if f.pushed[0].ConvName != "general" || !f.pushed[0].IsGroup {
		t.Fatalf("push summary missing conversation info: %+v", f.pushed[0])
	}

	// Reconnect replays the queue in seq order.
	c := f.connect(t, "conn-u3", "u3")
	frames := drainFrames(c, 50*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(frames))
	}
	for i, fr := range frames {
		if fr.Payload.SeqID != int64(i+1) {
			t.Fatalf("replay out of order: seq %d at %d", fr.Payload.SeqID, i)
		}
	}

	// Unread was reset by the drain.
	n, _ := f.unread.Get(context.Background(), "t1", "u3", "c1")
	if n != 0 {
		t.Fatalf("unread after replay = %d, want 0", n)
	}

	// Client confirms with one batch ack; cursor lands on 3.
	f.gw.HandleFrame(context.Background(), c,
		[]byte(`{"type":"batch_ack","acks":[{"conversationId":"c1","maxSeqId":3}]}`))
	if f.gw.Engine().PendingCount() != 0 {
		t.Fatalf("pending after batch ack: %d", f.gw.Engine().PendingCount())
	}
	cur, _ := f.acks.Cursor(context.Background(), "t1", "u3", "c1")
	if cur != 3 {
		t.Fatalf("cursor = %d, want 3", cur)
	}
}

func TestOfflineTruncatedSignal(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u4")

	// Small drain window for the test.
	f.gw.conf.OfflineDrainLimit = 2
	f.submit(t, "u1", "c1", "a")
	f.submit(t, "u1", "c1", "b")
	f.submit(t, "u1", "c1", "c")

	c := f.connect(t, "conn-u4", "u4")
	frames := drainFrames(c, 50*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("expected 2 messages + truncation marker, got %d", len(frames))
	}
	if frames[2].Type != FrameOfflineTruncated {
		t.Fatalf("missing offline_truncated, got %q", frames[2].Type)
	}
}

func TestConnectDrainBudgetSharedAcrossConversations(t *testing.T) {
	f := newGwFixture(t)
	f.gw.conf.OfflineDrainLimit = 2
	for _, conv := range []string{"c1", "c2"} {
		f.members.Add("t1", conv, "u1")
		f.members.Add("t1", conv, "u9")
	}
	f.submit(t, "u1", "c1", "a1")
	f.submit(t, "u1", "c1", "a2")
	f.submit(t, "u1", "c2", "b1")
	f.submit(t, "u1", "c2", "b2")

	// The budget is per user, not per conversation: c1 spends it all, so
	// c2 replays nothing and only signals its backlog.
	c := f.connect(t, "conn-u9", "u9")
	frames := drainFrames(c, 50*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("expected 2 messages + backlog marker, got %d", len(frames))
	}
	for _, fr := range frames[:2] {
		if fr.Type != FrameMessage || fr.ConversationID != "c1" {
			t.Fatalf("budget leaked past the first conversation: %+v", fr)
		}
	}
	if frames[2].Type != FrameOfflineTruncated || frames[2].ConversationID != "c2" {
		t.Fatalf("missing backlog marker for c2: %+v", frames[2])
	}

	// Nothing was discarded: a later join replays c2 in full.
	f.gw.HandleFrame(context.Background(), c, []byte(`{"type":"join","conversationId":"c2"}`))
	frames = drainFrames(c, 50*time.Millisecond)
	if len(frames) != 2 {
		t.Fatalf("expected 2 replayed c2 messages, got %d", len(frames))
	}
}

func TestSyncFillsGap(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u5")

	// u5 is online on another node while the messages flow, so nothing
	// lands in its offline queue here.
	if err := f.pres.MarkOnline(context.Background(), "t1", "u5", "conn-far", "node-2"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	for _, s := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		f.submit(t, "u1", "c1", s)
	}

	c := f.connect(t, "conn-u5", "u5")
	if extra := drainFrames(c, 20*time.Millisecond); len(extra) != 0 {
		t.Fatalf("unexpected frames on connect: %d", len(extra))
	}

	// Client saw up to seq 4 and asks for the rest.
	f.gw.HandleFrame(context.Background(), c,
		[]byte(`{"type":"sync","syncs":[{"conversationId":"c1","lastSeqId":4}]}`))

	frames := drainFrames(c, 50*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("expected seq 5..7, got %d frames", len(frames))
	}
	for i, fr := range frames {
		if fr.Payload.SeqID != int64(5+i) {
			t.Fatalf("gap fill out of order: seq %d at %d", fr.Payload.SeqID, i)
		}
	}
	cur, _ := f.acks.Cursor(context.Background(), "t1", "u5", "c1")
	if cur != 7 {
		t.Fatalf("sync must advance cursor to 7, got %d", cur)
	}
}

func TestOnlineElsewhereSkipsOfflineQueue(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u6")

	// u6 is connected to some other node.
	if err := f.pres.MarkOnline(context.Background(), "t1", "u6", "conn-remote", "node-2"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	f.submit(t, "u1", "c1", "hi")

	items, _, _ := f.offline.Drain(context.Background(), "t1", "u6", "c1", 10)
	if len(items) != 0 {
		t.Fatalf("online-elsewhere user must not be queued: %d items", len(items))
	}
	if len(f.pushed) != 0 {
		t.Fatalf("online-elsewhere user must not be pushed")
	}
}

func TestHeartbeatFrameAnswered(t *testing.T) {
	f := newGwFixture(t)
	c := f.connect(t, "conn-hb", "u7")

	f.gw.HandleFrame(context.Background(), c, []byte(`{"type":"heartbeat"}`))
	frames := drainFrames(c, 50*time.Millisecond)
	if len(frames) != 1 || frames[0].Type != FrameHeartbeatAck {
		t.Fatalf("expected heartbeat_ack, got %+v", frames)
	}
}

func TestDisconnectCancelsPendingAndPresence(t *testing.T) {
	f := newGwFixture(t)
	f.members.Add("t1", "c1", "u1")
	f.members.Add("t1", "c1", "u8")
	c := f.connect(t, "conn-u8", "u8")

	f.submit(t, "u1", "c1", "pending")
	if f.gw.Engine().PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", f.gw.Engine().PendingCount())
	}

	f.gw.OnDisconnect(context.Background(), c)
	if f.gw.Engine().PendingCount() != 0 {
		t.Fatalf("disconnect left pending deliveries")
	}
	on, _ := f.pres.IsOnlineAnywhere(context.Background(), "t1", "u8")
	if on {
		t.Fatalf("presence not cleared on disconnect")
	}
}

func TestRegistrySweepExpiresIdleConns(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	var expired []string
	reg := NewRegistry(RegistryConf{TTL: time.Minute, SweepEvery: time.Hour, Clock: clock},
		func(c *Client) { expired = append(expired, c.ConnID) })
	defer reg.Close()

	a := NewClient("conn-a", "u1", "t1", nil, 4)
	b := NewClient("conn-b", "u2", "t1", nil, 4)
	reg.Add(a)
	reg.Add(b)

	// b keeps heartbeating, a goes quiet.
	now = now.Add(50 * time.Second)
	reg.Heartbeat("conn-b")
	now = now.Add(50 * time.Second)

	if n := reg.SweepOnce(now); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if len(expired) != 1 || expired[0] != "conn-a" {
		t.Fatalf("wrong victim: %v", expired)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", reg.Len())
	}
}
