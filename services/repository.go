package services

import (
	"context"
	"time"

	"challenge-backend/models"
)

// QueueEntryStore is the durable queue table.
type QueueEntryStore interface {
	// FindQueued returns a bucket's entries in the given status, oldest first.
	FindQueued(ctx context.Context, status models.QueueStatus, variant models.GameVariant, rounds int) ([]models.QueueEntry, error)
	// FindLatestByUser returns nil, nil when the user has no entry.
	FindLatestByUser(ctx context.Context, userID string) (*models.QueueEntry, error)
	// DistinctQueuedRounds lists the round counts currently waiting for a variant.
	DistinctQueuedRounds(ctx context.Context, variant models.GameVariant) ([]int, error)
	SaveQueueEntry(ctx context.Context, entry *models.QueueEntry) error
	// MatchQueuedEntry writes entry's match fields only if the stored row is
	// still QUEUED. It reports false when no such row exists.
	MatchQueuedEntry(ctx context.Context, entry *models.QueueEntry) (bool, error)
	DeleteQueueEntry(ctx context.Context, id string) error
	// DeleteExpired removes QUEUED entries with expires_at strictly before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// MatchStore is the durable match table.
type MatchStore interface {
	SaveMatch(ctx context.Context, match *models.Match) error
}

// Repository is everything the matchmaking core persists through.
// Transaction runs fn against a repository bound to one database transaction.
type Repository interface {
	QueueEntryStore
	MatchStore
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}
