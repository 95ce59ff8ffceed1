package push

import (
	"encoding/json"
	"time"

	"PPIM/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notification is what downstream push workers (APNs/FCM bridges) get
// for an offline recipient. Deliberately content-free: the device fetches
// the message body through sync after waking.
type Notification struct {
	TenantID       string `json:"tenantId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	ConvName       string `json:"convName,omitempty"`
	IsGroup        bool   `json:"isGroup,omitempty"`
	SenderName     string `json:"senderName"`
	MsgType        string `json:"msgType"`
	SeqID          int64  `json:"seqId"`
	UnreadCount    int64  `json:"unreadCount"`
	QueuedAt       string `json:"queuedAt"`
}

// Notifier hands offline notifications to the push pipeline.
type Notifier interface {
	NotifyOffline(n *Notification)
	Close()
}

const subject = "im.push.offline"

// NatsNotifier publishes over core NATS. Fire-and-forget: a lost
// notification costs a device wake-up, not a message.
type NatsNotifier struct {
	conn *nats.Conn
}

func NewNatsNotifier(url string) (*NatsNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("im-push"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NatsNotifier{conn: conn}, nil
}

func (p *NatsNotifier) NotifyOffline(n *Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := p.conn.Publish(subject, b); err != nil {
		logger.Warn("offline push publish failed",
			zap.String("user", n.UserID), zap.Error(err))
	}
}

func (p *NatsNotifier) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopNotifier is used when no NATS URL is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyOffline(*Notification) {}
func (NoopNotifier) Close()                      {}
