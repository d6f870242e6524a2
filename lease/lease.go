// Package lease provides time-bounded locks that let exactly one service
// instance run a recurring task at a time.
package lease

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidHold = errors.New("lease: min hold must be > 0 and max hold >= min hold")

// Locker hands out leases by task name. TryAcquire returns ok=false with a
// nil error when another holder owns the lease.
type Locker interface {
	TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (Lease, bool, error)
}

// Lease is auto-released at maxHold. Release before minHold has elapsed keeps
// the lease until minHold is reached.
type Lease interface {
	Release(ctx context.Context) error
}

func validateHold(minHold, maxHold time.Duration) error {
	if minHold <= 0 || maxHold < minHold {
		return ErrInvalidHold
	}
	return nil
}
