package seq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"PPIM/logger"
	errors "PPIM/tools/errs"

	"go.uber.org/zap"
)

// CounterCache is the volatile tier. Implementations must never let the
// counter regress: SetIfGreater only advances.
type CounterCache interface {
	Get(ctx context.Context, key string) (val int64, found bool, err error)
	Incr(ctx context.Context, key string) (int64, error)
	SetIfGreater(ctx context.Context, key string, val int64) error
}

// DAOIface is the durable tier, authoritative over the cache.
type DAOIface interface {
	// AllocNext atomically increments the issued counter and returns the
	// new value. Concurrent callers for the same conversation serialize on
	// the counter document.
	AllocNext(ctx context.Context, tenant, convID string) (int64, error)
	// QueryIssued returns the highest seq ever issued (0 if none).
	QueryIssued(ctx context.Context, tenant, convID string) (int64, error)
	// RaiseIssuedFloor lifts issued to at least floor (never lowers).
	RaiseIssuedFloor(ctx context.Context, tenant, convID string, floor int64) error
}

// MaxSeqSource reports the highest seq persisted in the message store for
// a conversation. The counter document lags behind fast-path allocations,
// the message table does not, so every floor computation folds it in.
type MaxSeqSource interface {
	MaxSeq(ctx context.Context, tenant, convID string) (int64, error)
}

// clockSeqRange keeps the degraded tier's values inside int32-safe space.
const clockSeqRange = 2_000_000_000

const seqKeyPrefix = "im:seq"

// tierDownAfter is how many consecutive failed calls mark a tier
// unreachable. Below the threshold a call-level error on a healthy store
// surfaces to the caller instead of silently degrading.
const tierDownAfter = 3

type tier struct {
	name  string
	next  func(ctx context.Context, tenant, convID string) (int64, bool, error)
	fails int
}

// Allocator hands out per-conversation sequence numbers through an ordered
// list of tiers; each tier is a fallback for the previous one being
// unreachable, not for a single failed call on a healthy store.
type Allocator struct {
	cache     CounterCache
	dao       DAOIface
	persisted MaxSeqSource

	mu    sync.Mutex
	tiers []*tier
}

func NewAllocator(cache CounterCache, dao DAOIface, persisted MaxSeqSource) *Allocator {
	a := &Allocator{cache: cache, dao: dao, persisted: persisted}
	a.tiers = []*tier{
		{name: "cache", next: a.cacheNext},
		{name: "durable", next: a.durableNext},
		{name: "clock", next: a.clockNext},
	}
	return a
}

func seqKey(tenant, convID string) string {
	return fmt.Sprintf("%s:%s:%s", seqKeyPrefix, tenant, convID)
}

// Next returns the next seq for the conversation. Never returns a value it
// already returned for the same conversation (tiers 1-2); tier 3 trades
// that guarantee for availability and is logged loudly.
func (a *Allocator) Next(ctx context.Context, tenant, convID string) (int64, error) {
	var lastErr error
	for _, t := range a.tiers {
		seq, ok, err := t.next(ctx, tenant, convID)
		if ok {
			a.markUp(t)
			return seq, nil
		}
		if err == nil {
			// Tier not configured.
			continue
		}
		if a.markFailed(t) < tierDownAfter {
			return 0, err
		}
		lastErr = err
		logger.Warn("seq tier unreachable",
			zap.String("tier", t.name),
			zap.String("conv", convID),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no seq tier available")
	}
	return 0, lastErr
}

func (a *Allocator) markUp(t *tier) {
	a.mu.Lock()
	t.fails = 0
	a.mu.Unlock()
}

func (a *Allocator) markFailed(t *tier) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	t.fails++
	return t.fails
}

// Seed advances the volatile counter (and the durable floor) to at least
// observedMax. Called when a conversation's history is first loaded so the
// cache never re-issues a persisted seq.
func (a *Allocator) Seed(ctx context.Context, tenant, convID string, observedMax int64) error {
	if observedMax <= 0 {
		return nil
	}
	var firstErr error
	if a.cache != nil {
		if err := a.cache.SetIfGreater(ctx, seqKey(tenant, convID), observedMax); err != nil {
			firstErr = err
		}
	}
	if a.dao != nil {
		if err := a.dao.RaiseIssuedFloor(ctx, tenant, convID, observedMax); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// issuedFloor is the highest seq known to have been handed out: the larger
// of the durable counter and the persisted message high-water mark. The
// counter alone is not enough, it stays behind while the fast tier serves
// allocations, and a restarted cache primed from it would re-issue seqs
// already on persisted messages.
func (a *Allocator) issuedFloor(ctx context.Context, tenant, convID string) (int64, error) {
	var floor int64
	if a.dao != nil {
		issued, err := a.dao.QueryIssued(ctx, tenant, convID)
		if err != nil {
			return 0, err
		}
		floor = issued
	}
	if a.persisted != nil {
		max, err := a.persisted.MaxSeq(ctx, tenant, convID)
		if err != nil {
			return 0, err
		}
		if max > floor {
			floor = max
		}
	}
	return floor, nil
}

// Tier 1: atomic INCR on the cached counter. A cold key is first primed
// to the issued floor so INCR never restarts below a conversation's
// history.
func (a *Allocator) cacheNext(ctx context.Context, tenant, convID string) (int64, bool, error) {
	if a.cache == nil {
		return 0, false, nil
	}
	key := seqKey(tenant, convID)
	if _, found, err := a.cache.Get(ctx, key); err != nil {
		return 0, false, err
	} else if !found {
		floor, err := a.issuedFloor(ctx, tenant, convID)
		if err != nil {
			return 0, false, err
		}
		if floor > 0 {
			if err := a.cache.SetIfGreater(ctx, key, floor); err != nil {
				return 0, false, err
			}
		}
	}
	v, err := a.cache.Incr(ctx, key)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Tier 2: lift the durable counter to the persisted high-water mark, then
// allocate against it and best-effort propagate the result back into the
// cache so tier 1 self-heals once it recovers.
func (a *Allocator) durableNext(ctx context.Context, tenant, convID string) (int64, bool, error) {
	if a.dao == nil {
		return 0, false, nil
	}
	if a.persisted != nil {
		max, err := a.persisted.MaxSeq(ctx, tenant, convID)
		if err != nil {
			return 0, false, err
		}
		if max > 0 {
			if err := a.dao.RaiseIssuedFloor(ctx, tenant, convID, max); err != nil {
				return 0, false, err
			}
		}
	}
	v, err := a.dao.AllocNext(ctx, tenant, convID)
	if err != nil {
		return 0, false, err
	}
	if a.cache != nil {
		_ = a.cache.SetIfGreater(ctx, seqKey(tenant, convID), v)
	}
	return v, true, nil
}

// Tier 3: timestamp-derived value. Monotonic with overwhelming probability
// but not guaranteed; a collision surfaces later as a unique-index
// violation and dead-letters, never as a silent overwrite. Frequent use of
// this tier is an operational alarm, not a steady state.
func (a *Allocator) clockNext(_ context.Context, tenant, convID string) (int64, bool, error) {
	micro := time.Now().UnixMilli()*1000 + rand.Int63n(1000)
	seq := micro % clockSeqRange
	logger.Error("seq allocator degraded to clock tier",
		zap.String("tenant", tenant),
		zap.String("conv", convID),
		zap.Int64("seq", seq))
	return seq, true, nil
}
