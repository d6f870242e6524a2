package models

import (
	"errors"
	"fmt"
	"time"
)

type QueueStatus string

const (
	QueueStatusQueued  QueueStatus = "QUEUED"
	QueueStatusMatched QueueStatus = "MATCHED"
	// QueueStatusExpired names entries picked up by cleanup. It is never
	// written; expired rows are deleted.
	QueueStatusExpired QueueStatus = "EXPIRED"
)

var ErrInvalidTransition = errors.New("invalid queue entry transition")

// BucketKey partitions the queue. Only entries sharing a key are paired.
type BucketKey struct {
	GameVariant GameVariant
	Rounds      int
}

func (b BucketKey) String() string {
	return fmt.Sprintf("%s/%d", b.GameVariant, b.Rounds)
}

// QueueEntry is one outstanding matchmaking request. Matched entries are
// kept as history.
type QueueEntry struct {
	ID              string      `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string      `gorm:"index;not null" json:"user_id"`
	GameVariant     GameVariant `gorm:"type:varchar(32);not null;index:idx_queue_bucket,priority:2" json:"game_variant"`
	PreferredRounds int         `gorm:"not null;index:idx_queue_bucket,priority:3" json:"preferred_rounds"`
	Status          QueueStatus `gorm:"type:varchar(16);not null;index:idx_queue_bucket,priority:1" json:"status"`
	QueuedAt        time.Time   `gorm:"not null;index:idx_queue_bucket,priority:4" json:"queued_at"`
	ExpiresAt       time.Time   `gorm:"not null;index" json:"expires_at"`

	// Set together on QUEUED -> MATCHED, nil otherwise
	MatchedWithUserID *string    `json:"matched_with_user_id,omitempty"`
	MatchedMatchID    *string    `gorm:"type:uuid" json:"matched_match_id,omitempty"`
	MatchedAt         *time.Time `json:"matched_at,omitempty"`

	Timestamps
}

func (e QueueEntry) Bucket() BucketKey {
	return BucketKey{GameVariant: e.GameVariant, Rounds: e.PreferredRounds}
}

func (e QueueEntry) IsQueued() bool {
	return e.Status == QueueStatusQueued
}

// IsExpired is strict: an entry expiring exactly at now is still live.
func (e QueueEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// MarkMatched moves a QUEUED entry to MATCHED against the other party.
func (e *QueueEntry) MarkMatched(otherUserID, matchID string, at time.Time) error {
	if e.Status != QueueStatusQueued {
		return fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, e.ID, e.Status)
	}
	e.Status = QueueStatusMatched
	e.MatchedWithUserID = &otherUserID
	e.MatchedMatchID = &matchID
	e.MatchedAt = &at
	return nil
}
