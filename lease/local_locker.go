package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// LocalLocker keeps leases in process memory. It only excludes callers that
// share the same LocalLocker, so it fits single-instance deployments.
type LocalLocker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	leases map[string]localRecord
}

type localRecord struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker(clock clockwork.Clock) *LocalLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLocker{clock: clock, leases: make(map[string]localRecord)}
}

func (l *LocalLocker) TryAcquire(_ context.Context, name string, minHold, maxHold time.Duration) (Lease, bool, error) {
	if err := validateHold(minHold, maxHold); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if rec, held := l.leases[name]; held && now.Before(rec.expiresAt) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.leases[name] = localRecord{token: token, expiresAt: now.Add(maxHold)}
	return &localLease{
		locker:     l,
		name:       name,
		token:      token,
		acquiredAt: now,
		minHold:    minHold,
	}, true, nil
}

// Held reports whether name is currently leased.
func (l *LocalLocker) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.leases[name]
	return ok && l.clock.Now().Before(rec.expiresAt)
}

type localLease struct {
	locker     *LocalLocker
	name       string
	token      string
	acquiredAt time.Time
	minHold    time.Duration
}

func (ll *localLease) Release(_ context.Context) error {
	l := ll.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.leases[ll.name]
	if !ok || rec.token != ll.token {
		// expired and taken over by someone else
		return nil
	}

	holdUntil := ll.acquiredAt.Add(ll.minHold)
	if l.clock.Now().Before(holdUntil) {
		rec.expiresAt = holdUntil
		l.leases[ll.name] = rec
		return nil
	}
	delete(l.leases, ll.name)
	return nil
}
