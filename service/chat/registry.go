package chat

import (
	"sync"
	"time"
)

// RegistryConf mirrors the connection manager knobs. Clock is injectable
// for tests.
type RegistryConf struct {
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *RegistryConf) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type connRec struct {
	client   *Client
	expireAt time.Time
	rooms    map[string]bool // conversation ids this session joined
}

// Registry holds this node's live sessions: byConn is the primary index,
// byUser and rooms are secondaries for fan-out. Records age out via the
// sweeper when heartbeats stop; an expired record's connection is closed
// and its pending deliveries are cancelled through onExpire.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*connRec
	byUser map[string]map[string]*connRec // userID -> connID -> rec
	rooms  map[string]map[string]*connRec // convID -> connID -> rec

	conf     RegistryConf
	onExpire func(*Client)
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRegistry(conf RegistryConf, onExpire func(*Client)) *Registry {
	conf.norm()
	r := &Registry{
		byConn:   make(map[string]*connRec),
		byUser:   make(map[string]map[string]*connRec),
		rooms:    make(map[string]map[string]*connRec),
		conf:     conf,
		onExpire: onExpire,
		stopCh:   make(chan struct{}),
	}
	go r.sweeper()
	return r
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	recs := make([]*connRec, 0, len(r.byConn))
	for _, rec := range r.byConn {
		recs = append(recs, rec)
	}
	r.byConn = make(map[string]*connRec)
	r.byUser = make(map[string]map[string]*connRec)
	r.rooms = make(map[string]map[string]*connRec)
	r.mu.Unlock()
	for _, rec := range recs {
		rec.client.CloseSend()
	}
}

func (r *Registry) Add(c *Client) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &connRec{client: c, expireAt: now.Add(r.conf.TTL), rooms: make(map[string]bool)}
	r.byConn[c.ConnID] = rec
	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[string]*connRec)
	}
	r.byUser[c.UserID][c.ConnID] = rec
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	rec, ok := r.byConn[connID]
	if ok {
		r.removeLocked(connID, rec)
	}
	r.mu.Unlock()
	if ok {
		rec.client.CloseSend()
	}
}

func (r *Registry) removeLocked(connID string, rec *connRec) {
	delete(r.byConn, connID)
	if mm := r.byUser[rec.client.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(r.byUser, rec.client.UserID)
		}
	}
	for convID := range rec.rooms {
		if room := r.rooms[convID]; room != nil {
			delete(room, connID)
			if len(room) == 0 {
				delete(r.rooms, convID)
			}
		}
	}
}

// Heartbeat renews the record's TTL.
func (r *Registry) Heartbeat(connID string) bool {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return false
	}
	rec.expireAt = now.Add(r.conf.TTL)
	return true
}

func (r *Registry) Join(connID, convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return false
	}
	rec.rooms[convID] = true
	if r.rooms[convID] == nil {
		r.rooms[convID] = make(map[string]*connRec)
	}
	r.rooms[convID][connID] = rec
	return true
}

func (r *Registry) Leave(connID, convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(rec.rooms, convID)
	if room := r.rooms[convID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, convID)
		}
	}
}

// ConnsInConv snapshots the sessions joined to a conversation.
func (r *Registry) ConnsInConv(convID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[convID]
	out := make([]*Client, 0, len(room))
	for _, rec := range room {
		out = append(out, rec.client)
	}
	return out
}

// ConnsForUser snapshots a user's sessions on this node.
func (r *Registry) ConnsForUser(user string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[user]
	out := make([]*Client, 0, len(mm))
	for _, rec := range mm {
		out = append(out, rec.client)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.SweepOnce(r.conf.Clock())
		}
	}
}

// SweepOnce drops every record expired at now. Exposed for tests.
func (r *Registry) SweepOnce(now time.Time) int {
	var expired []*connRec
	r.mu.Lock()
	for connID, rec := range r.byConn {
		if now.After(rec.expireAt) {
			r.removeLocked(connID, rec)
			expired = append(expired, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range expired {
		rec.client.CloseSend()
		if r.onExpire != nil {
			r.onExpire(rec.client)
		}
	}
	return len(expired)
}
