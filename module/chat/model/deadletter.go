package model

import "time"

// DeadLetter records a message that could not be persisted after all
// retries. Write-only from the serving path; operators read it by hand.
type DeadLetter struct {
	TenantID       string    `bson:"tenant_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	SenderID       string    `bson:"sender_id"`
	ClientMsgID    string    `bson:"client_msg_id,omitempty"`
	Reason         string    `bson:"reason"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (DeadLetter) GetTableName() string { return "message_dead_letter" }
