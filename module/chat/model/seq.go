package model

import "time"

const (
	SeqConvFieldTenantID       = "tenant_id"
	SeqConvFieldConversationID = "conversation_id"
	SeqConvFieldIssuedSeq      = "issued_seq"
	SeqConvFieldCreateTime     = "create_time"
	SeqConvFieldUpdateTime     = "update_time"
)

// SeqConversation is the durable counter document, authoritative over the
// redis cache. IssuedSeq is the highest seq ever handed out for the
// conversation; allocation is an atomic $inc on it.
type SeqConversation struct {
	TenantID       string    `bson:"tenant_id"`
	ConversationID string    `bson:"conversation_id"`
	IssuedSeq      int64     `bson:"issued_seq"`
	CreateTime     time.Time `bson:"create_time"`
	UpdateTime     time.Time `bson:"update_time"`
}

func (SeqConversation) GetTableName() string { return "seq_conversation" }
