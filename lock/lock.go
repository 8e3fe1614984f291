// Package lock implements the Send Lock of spec.md 4.H: a single
// advisory document per conversation that serializes sends across
// devices, stealable once its holder has been silent past a TTL.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/onetimepad/otpcore/coreerr"
	"github.com/onetimepad/otpcore/store"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("lock")

// DefaultTTL and DefaultRetrySchedule mirror config.Default()'s
// send-lock tuning so callers that don't thread a config through
// still get the spec's 5-minute TTL and 1s/2s/4s/10s retry schedule.
var (
	DefaultTTL            = 5 * time.Minute
	DefaultRetrySchedule  = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 10 * time.Second}
)

// Acquire runs acquireLock(convId, userId) with the retry schedule: on
// each attempt it transactionally creates the lock if absent, steals
// it if its holder has been silent for at least ttl, or fails the
// attempt and sleeps the next entry in retrySchedule. After the final
// attempt fails, it returns ErrLockAcquisition.
func Acquire(ctx context.Context, s store.Store, convID, userID string, ttl time.Duration, retrySchedule []time.Duration) error {
	attempt := func() (bool, error) {
		acquired := false
		err := s.TxnLock(ctx, convID, func(cur *store.Lock) (*store.Lock, error) {
			now := s.Now()
			if cur == nil {
				acquired = true
				return &store.Lock{LockerID: userID, CreatedAt: now}, nil
			}
			if cur.LockerID == userID {
				acquired = true
				return cur, nil
			}
			if now.Sub(cur.CreatedAt) >= ttl {
				acquired = true
				log.Warningf("lock: stealing conversation %s lock from %s (held since %s)", convID, cur.LockerID, cur.CreatedAt)
				return &store.Lock{LockerID: userID, CreatedAt: now}, nil
			}
			return cur, nil
		})
		return acquired, err
	}

	acquired, err := attempt()
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}

	for i, wait := range retrySchedule {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		acquired, err := attempt()
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		log.Debugf("lock: attempt %d for conversation %s failed, retrying", i+2, convID)
	}

	return fmt.Errorf("lock: conversation %s: %w", convID, coreerr.ErrLockAcquisition)
}

// Release deletes the lock document iff userID currently holds it
// (spec.md 4.H releaseLock).
func Release(ctx context.Context, s store.Store, convID, userID string) error {
	return s.TxnLock(ctx, convID, func(cur *store.Lock) (*store.Lock, error) {
		if cur == nil || cur.LockerID != userID {
			return cur, nil
		}
		return nil, nil
	})
}
