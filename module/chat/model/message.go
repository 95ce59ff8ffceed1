package model

import "time"

// Message types mirror the client-facing enum; stored uppercase.
const (
	MsgTypeText  = "TEXT"
	MsgTypeImage = "IMAGE"
	MsgTypeVideo = "VIDEO"
	MsgTypeFile  = "FILE"
)

const (
	MsgFieldID             = "_id"
	MsgFieldTenantID       = "tenant_id"
	MsgFieldConversationID = "conversation_id"
	MsgFieldSeq            = "seq"
	MsgFieldSenderID       = "sender_id"
	MsgFieldClientMsgID    = "client_msg_id"
	MsgFieldRevoked        = "revoked"
	MsgFieldContent        = "content"
)

// Message is the durable record. Immutable once a seq is assigned; a
// revocation clears Content and sets Revoked, it never reuses the seq.
type Message struct {
	ID             string    `bson:"_id"`
	TenantID       string    `bson:"tenant_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	SenderID       string    `bson:"sender_id"`
	SenderName     string    `bson:"sender_name"`
	ClientMsgID    string    `bson:"client_msg_id,omitempty"` // client idempotency token
	Type           string    `bson:"type"`
	Content        string    `bson:"content"`
	FileURL        string    `bson:"file_url,omitempty"`
	FileName       string    `bson:"file_name,omitempty"`
	FileSize       string    `bson:"file_size,omitempty"`
	ReplyToID      string    `bson:"reply_to_id,omitempty"`
	Revoked        bool      `bson:"revoked,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (Message) GetTableName() string { return "message" }

// ReplySummary is the denormalized quote attached to a delivered payload.
type ReplySummary struct {
	ID         string `json:"id" bson:"id"`
	Content    string `json:"content" bson:"content"`
	SenderName string `json:"senderName" bson:"sender_name"`
	Type       string `json:"type" bson:"type"`
}

// MessagePayload is the wire shape pushed to clients. One payload is built
// per persisted message and reused verbatim for retransmits, offline replay
// and sync, so every path delivers identical bytes.
type MessagePayload struct {
	ID          string        `json:"id"`
	SeqID       int64         `json:"seqId"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
	Content     string        `json:"content"`
	Timestamp   string        `json:"timestamp"`
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName"`
	Type        string        `json:"type"`
	FileURL     string        `json:"fileUrl,omitempty"`
	FileName    string        `json:"fileName,omitempty"`
	FileSize    string        `json:"fileSize,omitempty"`
	ImageURL    string        `json:"imageUrl,omitempty"`
	VideoURL    string        `json:"videoUrl,omitempty"`
	ReplyTo     *ReplySummary `json:"replyTo,omitempty"`
	Revoked     bool          `json:"revoked,omitempty"`
}

// ToPayload maps a persisted message to its wire shape.
func (m *Message) ToPayload(reply *ReplySummary) *MessagePayload {
	p := &MessagePayload{
		ID:          m.ID,
		SeqID:       m.Seq,
		ClientMsgID: m.ClientMsgID,
		Content:     m.Content,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Type:        lowerType(m.Type),
		FileURL:     m.FileURL,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		ReplyTo:     reply,
		Revoked:     m.Revoked,
	}
	switch m.Type {
	case MsgTypeImage:
		p.ImageURL = m.FileURL
	case MsgTypeVideo:
		p.VideoURL = m.FileURL
	}
	return p
}

func lowerType(t string) string {
	switch t {
	case MsgTypeText:
		return "text"
	case MsgTypeImage:
		return "image"
	case MsgTypeVideo:
		return "video"
	case MsgTypeFile:
		return "file"
	}
	return "text"
}
