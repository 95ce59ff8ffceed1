package model

import "time"

const (
	MemberFieldTenantID       = "tenant_id"
	MemberFieldConversationID = "conversation_id"
	MemberFieldUserID         = "user_id"
)

// ConversationMember is owned by the conversation-management layer; the
// delivery core only reads it to resolve fan-out recipients and auto-join.
type ConversationMember struct {
	TenantID       string    `bson:"tenant_id"`
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	JoinedAt       time.Time `bson:"joined_at"`
}

func (ConversationMember) GetTableName() string { return "conversation_member" }

// Conversation carries only the summary fields the push hook needs.
type Conversation struct {
	TenantID       string `bson:"tenant_id"`
	ConversationID string `bson:"conversation_id"`
	Name           string `bson:"name,omitempty"`
	IsGroup        bool   `bson:"is_group"`
}

func (Conversation) GetTableName() string { return "conversation" }
