package storage

import (
	"context"
	"sync"
	"time"
)

// In-memory implementations backing tests and single-process setups.

type memConn struct {
	node  string
	expAt time.Time
}

type MemPresence struct {
	mu    sync.Mutex
	ttl   time.Duration
	conns map[string]map[string]memConn // tenant|user -> connID
}

func NewMemPresence(ttl time.Duration) *MemPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &MemPresence{ttl: ttl, conns: make(map[string]map[string]memConn)}
}

func ukey(tenant, user string) string { return tenant + "|" + user }

func (p *MemPresence) MarkOnline(_ context.Context, tenant, user, connID, node string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := ukey(tenant, user)
	if p.conns[k] == nil {
		p.conns[k] = make(map[string]memConn)
	}
	p.conns[k][connID] = memConn{node: node, expAt: time.Now().Add(p.ttl)}
	return nil
}

func (p *MemPresence) Heartbeat(ctx context.Context, tenant, user, connID, node string) error {
	return p.MarkOnline(ctx, tenant, user, connID, node)
}

func (p *MemPresence) MarkOffline(_ context.Context, tenant, user, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns[ukey(tenant, user)], connID)
	return nil
}

func (p *MemPresence) IsOnlineAnywhere(_ context.Context, tenant, user string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, c := range p.conns[ukey(tenant, user)] {
		if c.expAt.After(now) {
			return true, nil
		}
		delete(p.conns[ukey(tenant, user)], id)
	}
	return false, nil
}

type MemAckStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func NewMemAckStore() *MemAckStore { return &MemAckStore{cursors: make(map[string]int64)} }

func ackMemKey(tenant, user, convID string) string { return tenant + "|" + user + "|" + convID }

func (a *MemAckStore) AdvanceCursor(_ context.Context, tenant, user, convID string, seq int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := ackMemKey(tenant, user, convID)
	if seq > a.cursors[k] {
		a.cursors[k] = seq
	}
	return a.cursors[k], nil
}

func (a *MemAckStore) Cursor(_ context.Context, tenant, user, convID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursors[ackMemKey(tenant, user, convID)], nil
}

type MemOfflineQueue struct {
	mu    sync.Mutex
	cap   int
	lists map[string][][]byte
	locks map[string]time.Time
}

func NewMemOfflineQueue(capacity int) *MemOfflineQueue {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemOfflineQueue{
		cap:   capacity,
		lists: make(map[string][][]byte),
		locks: make(map[string]time.Time),
	}
}

func (q *MemOfflineQueue) Enqueue(_ context.Context, tenant, user, convID string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := ackMemKey(tenant, user, convID)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.lists[k] = append(q.lists[k], cp)
	if n := len(q.lists[k]); n > q.cap {
		q.lists[k] = q.lists[k][n-q.cap:]
	}
	return nil
}

func (q *MemOfflineQueue) Drain(_ context.Context, tenant, user, convID string, limit int) ([][]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := ackMemKey(tenant, user, convID)
	list := q.lists[k]
	if limit <= 0 {
		return nil, len(list) > 0, nil
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	n := limit
	if n > len(list) {
		n = len(list)
	}
	out := list[:n]
	rest := list[n:]
	if len(rest) == 0 {
		delete(q.lists, k)
	} else {
		q.lists[k] = rest
	}
	return out, len(rest) > 0, nil
}

func (q *MemOfflineQueue) TryLock(_ context.Context, tenant, user, msgID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	k := tenant + "|" + user + "|" + msgID
	if exp, held := q.locks[k]; held && exp.After(time.Now()) {
		return false, nil
	}
	q.locks[k] = time.Now().Add(ttl)
	return true, nil
}

type MemUnreadCounter struct {
	mu    sync.Mutex
	count map[string]int64
}

func NewMemUnreadCounter() *MemUnreadCounter {
	return &MemUnreadCounter{count: make(map[string]int64)}
}

func (u *MemUnreadCounter) Incr(_ context.Context, tenant, user, convID string) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := ackMemKey(tenant, user, convID)
	u.count[k]++
	return u.count[k], nil
}

func (u *MemUnreadCounter) Get(_ context.Context, tenant, user, convID string) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count[ackMemKey(tenant, user, convID)], nil
}

func (u *MemUnreadCounter) Reset(_ context.Context, tenant, user, convID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.count, ackMemKey(tenant, user, convID))
	return nil
}
