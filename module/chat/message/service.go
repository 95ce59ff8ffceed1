package message

import (
	"context"
	"strings"
	"time"

	"PPIM/logger"
	chatmodel "PPIM/module/chat/model"
	"PPIM/module/chat/seq"
	errors "PPIM/tools/errs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrBadType      = errors.New("unsupported message type")
	ErrNotSender    = errors.New("only the sender may revoke")
)

// SubmitRequest is an accepted-for-delivery candidate. SenderName is
// resolved by the caller (session/profile layer), not looked up here.
type SubmitRequest struct {
	TenantID       string
	ConversationID string
	SenderID       string
	SenderName     string
	ClientMsgID    string
	Type           string
	Content        string
	FileURL        string
	FileName       string
	FileSize       string
	ReplyToID      string
}

// Service is the write path entry point: idempotency check, seq
// allocation, staging into the buffer.
type Service struct {
	store Store
	alloc *seq.Allocator
	buf   *Buffer
}

func NewService(store Store, alloc *seq.Allocator, buf *Buffer) *Service {
	return &Service{store: store, alloc: alloc, buf: buf}
}

// Submit stages a message and returns its provisional payload. The seq is
// final at return; durability and fan-out follow asynchronously. existed
// reports an idempotent replay (the stored payload is returned unchanged).
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (payload *chatmodel.MessagePayload, existed bool, err error) {
	typ := normalizeType(req.Type)
	if typ == "" {
		return nil, false, ErrBadType
	}
	if typ == chatmodel.MsgTypeText && strings.TrimSpace(req.Content) == "" {
		return nil, false, ErrEmptyContent
	}

	if req.ClientMsgID != "" {
		prior, ferr := s.store.FindByClientMsgID(ctx, req.TenantID, req.ClientMsgID)
		if ferr == nil {
			return prior.ToPayload(nil), true, nil
		}
		if ferr != ErrNotFound {
			return nil, false, ferr
		}
	}

	seqID, err := s.alloc.Next(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, false, err
	}

	m := &chatmodel.Message{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Seq:            seqID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		ClientMsgID:    req.ClientMsgID,
		Type:           typ,
		Content:        req.Content,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now(),
	}
	if !s.buf.Put(m) {
		return nil, false, errors.New("write buffer is closed")
	}
	return m.ToPayload(nil), false, nil
}

// History loads the full ordered history of a conversation and seeds the
// allocator with the observed max so the counter can never re-issue a
// persisted seq after a cache wipe.
func (s *Service) History(ctx context.Context, tenant, convID string) ([]*chatmodel.MessagePayload, error) {
	msgs, err := s.store.ListAfterSeq(ctx, tenant, convID, 0, 0)
	if err != nil {
		return nil, err
	}
	if n := len(msgs); n > 0 {
		if err := s.alloc.Seed(ctx, tenant, convID, msgs[n-1].Seq); err != nil {
			logger.Warn("seq seed from history failed",
				zap.String("conv", convID), zap.Error(err))
		}
	}
	return s.toPayloads(ctx, msgs), nil
}

// Sync returns messages with seq > afterSeq, ascending, capped at limit.
// hasMore signals the client to page again from the last returned seq.
func (s *Service) Sync(ctx context.Context, tenant, convID string, afterSeq int64, limit int) (out []*chatmodel.MessagePayload, hasMore bool, err error) {
	msgs, err := s.store.ListAfterSeq(ctx, tenant, convID, afterSeq, limit+1)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		hasMore = true
	}
	return s.toPayloads(ctx, msgs), hasMore, nil
}

// Revoke redacts a delivered message and republishes it so connected
// clients converge on the redacted record.
func (s *Service) Revoke(ctx context.Context, tenant, convID string, seqID int64, byUserID string, sink Sink) (*chatmodel.MessagePayload, error) {
	msgs, err := s.store.ListAfterSeq(ctx, tenant, convID, seqID-1, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || msgs[0].Seq != seqID {
		return nil, ErrNotFound
	}
	if msgs[0].SenderID != byUserID {
		return nil, ErrNotSender
	}
	updated, err := s.store.Revoke(ctx, tenant, convID, seqID)
	if err != nil {
		return nil, err
	}
	p := updated.ToPayload(nil)
	if sink != nil {
		if err := sink.PublishMessage(ctx, tenant, convID, p); err != nil {
			logger.Error("revocation republish failed",
				zap.String("conv", convID), zap.Int64("seq", seqID), zap.Error(err))
		}
	}
	return p, nil
}

// MaxSeq exposes the store-side high water mark (used by sync responses).
func (s *Service) MaxSeq(ctx context.Context, tenant, convID string) (int64, error) {
	return s.store.MaxSeq(ctx, tenant, convID)
}

func (s *Service) toPayloads(ctx context.Context, msgs []*chatmodel.Message) []*chatmodel.MessagePayload {
	out := make([]*chatmodel.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		var reply *chatmodel.ReplySummary
		if m.ReplyToID != "" {
			if quoted, err := s.store.FindByID(ctx, m.TenantID, m.ReplyToID); err == nil {
				reply = &chatmodel.ReplySummary{
					ID:         quoted.ID,
					Content:    quoted.Content,
					SenderName: quoted.SenderName,
					Type:       quoted.Type,
				}
			}
		}
		out = append(out, m.ToPayload(reply))
	}
	return out
}

func normalizeType(t string) string {
	switch strings.ToUpper(t) {
	case "", chatmodel.MsgTypeText:
		return chatmodel.MsgTypeText
	case chatmodel.MsgTypeImage:
		return chatmodel.MsgTypeImage
	case chatmodel.MsgTypeVideo:
		return chatmodel.MsgTypeVideo
	case chatmodel.MsgTypeFile:
		return chatmodel.MsgTypeFile
	}
	return ""
}
