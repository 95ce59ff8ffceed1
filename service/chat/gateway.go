package chat

import (
	"context"
	"encoding/json"
	"time"

	"PPIM/logger"
	"PPIM/module/chat/member"
	"PPIM/module/chat/message"
	chatmodel "PPIM/module/chat/model"
	"PPIM/service/fanout"
	"PPIM/service/push"
	"PPIM/service/storage"

	"go.uber.org/zap"
)

// GatewayConf carries the per-node delivery knobs.
type GatewayConf struct {
	Node              string
	OfflineDrainLimit int
	SyncPageLimit     int
	OfflineLockTTL    time.Duration
}

func (c *GatewayConf) norm() {
	if c.OfflineDrainLimit <= 0 {
		c.OfflineDrainLimit = 200
	}
	if c.SyncPageLimit <= 0 {
		c.SyncPageLimit = 200
	}
	if c.OfflineLockTTL <= 0 {
		c.OfflineLockTTL = 30 * time.Second
	}
}

// Gateway ties the fan-out stream to this node's sessions: local
// recipients go through the retry engine, absent ones through the offline
// queue and push hook. It also services the client frames (acks, sync,
// join/leave, heartbeat).
type Gateway struct {
	conf     GatewayConf
	reg      *Registry
	engine   *Engine
	svc      *message.Service
	members  member.Provider
	presence storage.Presence
	offline  storage.OfflineQueue
	acks     storage.AckStore
	unread   storage.UnreadCounter
	notifier push.Notifier

	sub *fanout.Subscription
}

func NewGateway(
	conf GatewayConf,
	econf EngineConf,
	reg *Registry,
	svc *message.Service,
	members member.Provider,
	presence storage.Presence,
	offline storage.OfflineQueue,
	acks storage.AckStore,
	unread storage.UnreadCounter,
	notifier push.Notifier,
) *Gateway {
	conf.norm()
	if notifier == nil {
		notifier = push.NoopNotifier{}
	}
	g := &Gateway{
		conf:     conf,
		reg:      reg,
		svc:      svc,
		members:  members,
		presence: presence,
		offline:  offline,
		acks:     acks,
		unread:   unread,
		notifier: notifier,
	}
	g.engine = NewEngine(econf, nil, g.advanceCursor)
	return g
}

func (g *Gateway) Engine() *Engine { return g.engine }

// Start subscribes the gateway to the fan-out bus.
func (g *Gateway) Start(bus *fanout.Bus) {
	g.sub = bus.Subscribe(g.onEnvelope)
}

func (g *Gateway) Stop() {
	if g.sub != nil {
		g.sub.Unsubscribe()
		g.sub = nil
	}
	g.reg.Close()
}

func (g *Gateway) advanceCursor(c *Client, convID string, seq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := g.acks.AdvanceCursor(ctx, c.TenantID, c.UserID, convID, seq); err != nil {
		logger.Warn("ack cursor advance failed",
			zap.String("user", c.UserID), zap.String("conv", convID), zap.Error(err))
	}
}

// onEnvelope is the per-message fan-out: every locally joined session
// gets a tracked delivery; members with no connection anywhere get the
// offline treatment exactly once across the cluster (enqueue lock).
func (g *Gateway) onEnvelope(env *fanout.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered := make(map[string]bool)
	for _, c := range g.reg.ConnsInConv(env.ConversationID) {
		g.engine.Deliver(c, env.ConversationID, env.Payload)
		delivered[c.UserID] = true
	}

	memberIDs, err := g.members.MemberIDs(ctx, env.TenantID, env.ConversationID)
	if err != nil {
		logger.Error("membership lookup failed",
			zap.String("conv", env.ConversationID), zap.Error(err))
		return
	}
	for _, user := range memberIDs {
		if user == env.Payload.SenderID || delivered[user] {
			continue
		}
		online, err := g.presence.IsOnlineAnywhere(ctx, env.TenantID, user)
		if err != nil {
			logger.Warn("presence lookup failed", zap.String("user", user), zap.Error(err))
			continue
		}
		if online {
			// Another node owns this user's sessions and handles delivery.
			continue
		}
		g.enqueueOffline(ctx, env, user)
	}
}

func (g *Gateway) enqueueOffline(ctx context.Context, env *fanout.Envelope, user string) {
	won, err := g.offline.TryLock(ctx, env.TenantID, user, env.Payload.ID, g.conf.OfflineLockTTL)
	if err != nil || !won {
		if err != nil {
			logger.Warn("offline enqueue lock failed", zap.String("user", user), zap.Error(err))
		}
		return
	}
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return
	}
	if err := g.offline.Enqueue(ctx, env.TenantID, user, env.ConversationID, b); err != nil {
		logger.Error("offline enqueue failed", zap.String("user", user), zap.Error(err))
		return
	}
	count, err := g.unread.Incr(ctx, env.TenantID, user, env.ConversationID)
	if err != nil {
		logger.Warn("unread incr failed", zap.String("user", user), zap.Error(err))
	}
	var convName string
	var isGroup bool
	if conv, err := g.members.Conversation(ctx, env.TenantID, env.ConversationID); err == nil && conv != nil {
		convName = conv.Name
		isGroup = conv.IsGroup
	}
	g.notifier.NotifyOffline(&push.Notification{
		TenantID:       env.TenantID,
		UserID:         user,
		ConversationID: env.ConversationID,
		ConvName:       convName,
		IsGroup:        isGroup,
		SenderName:     env.Payload.SenderName,
		MsgType:        env.Payload.Type,
		SeqID:          env.Payload.SeqID,
		UnreadCount:    count,
		QueuedAt:       time.Now().UTC().Format(time.RFC3339),
	})
}

// OnConnect registers the session, marks presence, auto-joins the user's
// conversations and replays their offline queues.
func (g *Gateway) OnConnect(ctx context.Context, c *Client) error {
	g.reg.Add(c)
	if err := g.presence.MarkOnline(ctx, c.TenantID, c.UserID, c.ConnID, g.conf.Node); err != nil {
		logger.Warn("presence mark online failed", zap.String("user", c.UserID), zap.Error(err))
	}
	convs, err := g.members.ConversationIDs(ctx, c.TenantID, c.UserID)
	if err != nil {
		return err
	}
	// The drain limit is a per-user reconnect budget, shared across the
	// auto-joined conversations; once spent, remaining queues only signal
	// truncation.
	remaining := g.conf.OfflineDrainLimit
	for _, convID := range convs {
		g.reg.Join(c.ConnID, convID)
		remaining -= g.drainOffline(ctx, c, convID, remaining)
	}
	return nil
}

func (g *Gateway) OnDisconnect(ctx context.Context, c *Client) {
	g.engine.CancelConn(c.ConnID)
	g.reg.Remove(c.ConnID)
	if err := g.presence.MarkOffline(ctx, c.TenantID, c.UserID, c.ConnID); err != nil {
		logger.Warn("presence mark offline failed", zap.String("user", c.UserID), zap.Error(err))
	}
}

// drainOffline replays up to limit queued payloads and returns how many it
// replayed. With no budget left it removes nothing and only signals a
// backlog.
func (g *Gateway) drainOffline(ctx context.Context, c *Client, convID string, limit int) int {
	items, truncated, err := g.offline.Drain(ctx, c.TenantID, c.UserID, convID, limit)
	if err != nil {
		logger.Warn("offline drain failed",
			zap.String("user", c.UserID), zap.String("conv", convID), zap.Error(err))
		return 0
	}
	for _, raw := range items {
		var p chatmodel.MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Warn("dropping malformed offline payload", zap.Error(err))
			continue
		}
		g.engine.Deliver(c, convID, &p)
	}
	if truncated {
		// More was queued than the drain budget covers; the rest stays
		// queued and is in durable storage, the client syncs it.
		c.Enqueue(buildOfflineTruncatedFrame(convID))
	}
	if len(items) > 0 {
		if err := g.unread.Reset(ctx, c.TenantID, c.UserID, convID); err != nil {
			logger.Warn("unread reset failed", zap.String("user", c.UserID), zap.Error(err))
		}
	}
	return len(items)
}

// HandleFrame services one client frame.
func (g *Gateway) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	f, err := ParseClientFrame(raw)
	if err != nil {
		logger.Warn("dropping malformed frame",
			zap.String("conn", c.ConnID), zap.Error(err))
		return
	}
	switch f.Type {
	case FrameAck:
		g.engine.Ack(c, f.ConversationID, f.MsgID, f.SeqID)
	case FrameBatchAck:
		for _, e := range f.Acks {
			g.engine.BatchAck(c, e.ConversationID, e.MaxSeqID)
		}
	case FrameSync:
		for _, e := range f.Syncs {
			g.syncConv(ctx, c, e)
		}
	case FrameJoin:
		g.reg.Join(c.ConnID, f.ConversationID)
		g.drainOffline(ctx, c, f.ConversationID, g.conf.OfflineDrainLimit)
	case FrameLeave:
		g.reg.Leave(c.ConnID, f.ConversationID)
	case FrameHeartbeat:
		g.reg.Heartbeat(c.ConnID)
		if err := g.presence.Heartbeat(ctx, c.TenantID, c.UserID, c.ConnID, g.conf.Node); err != nil {
			logger.Warn("presence heartbeat failed", zap.String("user", c.UserID), zap.Error(err))
		}
		c.Enqueue(buildHeartbeatAckFrame(time.Now().UnixMilli()))
	default:
		logger.Warn("unknown frame type",
			zap.String("conn", c.ConnID), zap.String("type", f.Type))
	}
}

// syncConv streams every message after the client's cursor through the
// delivery engine, page by page, then lifts the ack cursor to the highest
// seq sent.
func (g *Gateway) syncConv(ctx context.Context, c *Client, e SyncEntry) {
	after := e.LastSeqID
	var maxSent int64
	for {
		payloads, hasMore, err := g.svc.Sync(ctx, c.TenantID, e.ConversationID, after, g.conf.SyncPageLimit)
		if err != nil {
			logger.Error("sync read failed",
				zap.String("conv", e.ConversationID), zap.Error(err))
			c.Enqueue(buildSyncErrorFrame(e.ConversationID, "storage read failed"))
			return
		}
		for _, p := range payloads {
			g.engine.Deliver(c, e.ConversationID, p)
			if p.SeqID > maxSent {
				maxSent = p.SeqID
			}
		}
		if !hasMore {
			break
		}
		after = maxSent
	}
	if maxSent > 0 {
		g.advanceCursor(c, e.ConversationID, maxSent)
	}
}
