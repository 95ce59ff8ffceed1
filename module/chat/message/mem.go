package message

import (
	"context"
	"sort"
	"sync"

	chatmodel "PPIM/module/chat/model"
	errors "PPIM/tools/errs"
)

// In-memory store used by tests and by single-process setups. Enforces the
// same uniqueness rules as the mongo indexes.

var errDuplicate = errors.New("duplicate key")

type MemStore struct {
	mu   sync.Mutex
	rows []*chatmodel.Message

	// FailSeq, when non-zero, makes inserts of that seq fail with a
	// non-duplicate error. Lets tests drive the dead-letter path.
	FailSeq int64
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) insertLocked(m *chatmodel.Message) error {
	if s.FailSeq != 0 && m.Seq == s.FailSeq {
		return errors.New("simulated store failure")
	}
	for _, r := range s.rows {
		if r.TenantID != m.TenantID {
			continue
		}
		if r.ConversationID == m.ConversationID && r.Seq == m.Seq {
			return errDuplicate
		}
		if m.ClientMsgID != "" && r.ClientMsgID == m.ClientMsgID {
			return errDuplicate
		}
	}
	cp := *m
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *MemStore) InsertMany(_ context.Context, msgs []*chatmodel.Message) (*BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &BulkResult{}
	for _, m := range msgs {
		switch err := s.insertLocked(m); {
		case err == nil:
			res.Inserted = append(res.Inserted, m)
		case err == errDuplicate:
			res.Duplicates = append(res.Duplicates, m)
		default:
			res.Failed = append(res.Failed, FailedInsert{Msg: m, Err: err})
		}
	}
	return res, nil
}

func (s *MemStore) InsertOne(_ context.Context, m *chatmodel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m)
}

func (s *MemStore) IsDuplicateErr(err error) bool { return err == errDuplicate }

func (s *MemStore) FindByClientMsgID(_ context.Context, tenant, clientMsgID string) (*chatmodel.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenant && r.ClientMsgID == clientMsgID && clientMsgID != "" {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) FindByID(_ context.Context, tenant, id string) (*chatmodel.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenant && r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListAfterSeq(_ context.Context, tenant, convID string, afterSeq int64, limit int) ([]*chatmodel.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chatmodel.Message
	for _, r := range s.rows {
		if r.TenantID == tenant && r.ConversationID == convID && r.Seq > afterSeq {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MaxSeq(_ context.Context, tenant, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, r := range s.rows {
		if r.TenantID == tenant && r.ConversationID == convID && r.Seq > max {
			max = r.Seq
		}
	}
	return max, nil
}

func (s *MemStore) Revoke(_ context.Context, tenant, convID string, seqID int64) (*chatmodel.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TenantID == tenant && r.ConversationID == convID && r.Seq == seqID {
			r.Revoked = true
			r.Content = ""
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Count reports stored rows, for tests.
func (s *MemStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type MemDeadLetters struct {
	mu   sync.Mutex
	rows []*chatmodel.DeadLetter
}

func NewMemDeadLetters() *MemDeadLetters { return &MemDeadLetters{} }

func (d *MemDeadLetters) Add(_ context.Context, dl *chatmodel.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *dl
	d.rows = append(d.rows, &cp)
	return nil
}

func (d *MemDeadLetters) All() []*chatmodel.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*chatmodel.DeadLetter, len(d.rows))
	copy(out, d.rows)
	return out
}
