package fanout

import (
	"context"
	"encoding/json"
	"time"

	"PPIM/logger"
	chatmodel "PPIM/module/chat/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel carries every persisted message of the deployment; gateways
// filter by conversation membership on receipt.
const Channel = "chat:messages"

const publishRetries = 3

// Fanout publishes persisted messages to all gateway nodes over redis
// pub/sub, and degrades to the in-process bus when redis is unreachable
// so same-node recipients keep receiving in real time. With a nil client
// it is a pure local bus (tests, single-process runs).
type Fanout struct {
	cli *redis.Client
	bus *Bus
}

func New(cli *redis.Client, bus *Bus) *Fanout {
	if bus == nil {
		bus = NewBus()
	}
	return &Fanout{cli: cli, bus: bus}
}

func (f *Fanout) Bus() *Bus { return f.bus }

// PublishMessage implements the persist path's sink. Never returns an
// error for a pub/sub outage: local dispatch is the fallback, and remote
// recipients recover through sync.
func (f *Fanout) PublishMessage(ctx context.Context, tenant, convID string, payload *chatmodel.MessagePayload) error {
	env := &Envelope{TenantID: tenant, ConversationID: convID, Payload: payload}
	if f.cli == nil {
		f.bus.Dispatch(env)
		return nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= publishRetries; attempt++ {
		if lastErr = f.cli.Publish(ctx, Channel, b).Err(); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	logger.Error("pub/sub publish failed, falling back to local dispatch",
		zap.String("conv", convID),
		zap.Int64("seq", payload.SeqID),
		zap.Error(lastErr))
	f.bus.Dispatch(env)
	return nil
}

// Run consumes the pub/sub channel and feeds the local bus until ctx is
// cancelled. No-op without a redis client.
func (f *Fanout) Run(ctx context.Context) {
	if f.cli == nil {
		return
	}
	sub := f.cli.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("dropping malformed fanout envelope", zap.Error(err))
				continue
			}
			f.bus.Dispatch(&env)
		}
	}
}
