package chat

import (
	"encoding/json"

	chatmodel "PPIM/module/chat/model"
)

// Client -> server frame types.
const (
	FrameAck       = "ack"
	FrameBatchAck  = "batch_ack"
	FrameSync      = "sync"
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameHeartbeat = "heartbeat"
)

// Server -> client frame types.
const (
	FrameMessage          = "message"
	FrameOfflineTruncated = "offline_truncated"
	FrameHeartbeatAck     = "heartbeat_ack"
	FrameSyncError        = "sync_error"
)

// BatchAckEntry acknowledges everything up to MaxSeqID in one
// conversation.
type BatchAckEntry struct {
	ConversationID string `json:"conversationId"`
	MaxSeqID       int64  `json:"maxSeqId"`
}

// SyncEntry asks for messages after LastSeqID in one conversation.
type SyncEntry struct {
	ConversationID string `json:"conversationId"`
	LastSeqID      int64  `json:"lastSeqId"`
}

// ClientFrame is the union of everything a client sends. Type selects
// which fields are meaningful.
type ClientFrame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	MsgID          string          `json:"msgId,omitempty"`
	SeqID          int64           `json:"seqId,omitempty"`
	Acks           []BatchAckEntry `json:"acks,omitempty"`
	Syncs          []SyncEntry     `json:"syncs,omitempty"`
}

func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ServerFrame is the union of everything the server pushes.
type ServerFrame struct {
	Type           string                    `json:"type"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Payload        *chatmodel.MessagePayload `json:"payload,omitempty"`
	Remaining      bool                      `json:"remaining,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
	ServerTime     int64                     `json:"serverTime,omitempty"`
}

func buildMessageFrame(convID string, p *chatmodel.MessagePayload) []byte {
	b, _ := json.Marshal(&ServerFrame{Type: FrameMessage, ConversationID: convID, Payload: p})
	return b
}

func buildOfflineTruncatedFrame(convID string) []byte {
	b, _ := json.Marshal(&ServerFrame{Type: FrameOfflineTruncated, ConversationID: convID, Remaining: true})
	return b
}

func buildHeartbeatAckFrame(serverTime int64) []byte {
	b, _ := json.Marshal(&ServerFrame{Type: FrameHeartbeatAck, ServerTime: serverTime})
	return b
}

func buildSyncErrorFrame(convID, reason string) []byte {
	b, _ := json.Marshal(&ServerFrame{Type: FrameSyncError, ConversationID: convID, Reason: reason})
	return b
}
