package services

import (
	"context"
	"fmt"
	"time"

	"challenge-backend/models"
)

// QueueStatusView answers "where do I stand". Position and wait are only
// meaningful while Status is QUEUED.
type QueueStatusView struct {
	InQueue              bool               `json:"in_queue"`
	Status               models.QueueStatus `json:"status,omitempty"`
	GameVariant          models.GameVariant `json:"game_variant,omitempty"`
	PreferredRounds      int                `json:"preferred_rounds,omitempty"`
	QueuedAt             *time.Time         `json:"queued_at,omitempty"`
	QueuePosition        int                `json:"queue_position"`
	EstimatedWaitSeconds int                `json:"estimated_wait_seconds"`
	MatchID              *string            `json:"match_id,omitempty"`
	MatchedWithUserID    *string            `json:"matched_with_user_id,omitempty"`
	MatchedAt            *time.Time         `json:"matched_at,omitempty"`
}

// QueueStatusReader is the read-only side of the queue.
type QueueStatusReader struct {
	queue           QueueEntryStore
	waitPerPosition time.Duration
}

func NewQueueStatusReader(queue QueueEntryStore, waitPerPosition time.Duration) *QueueStatusReader {
	return &QueueStatusReader{queue: queue, waitPerPosition: waitPerPosition}
}

// GetQueueStatus reports the user's latest entry. Not being queued is a
// normal answer, not an error.
func (r *QueueStatusReader) GetQueueStatus(ctx context.Context, userID string) (QueueStatusView, error) {
	entry, err := r.queue.FindLatestByUser(ctx, userID)
	if err != nil {
		return QueueStatusView{}, fmt.Errorf("failed to look up queue entry for %s: %w", userID, err)
	}
	if entry == nil {
		return QueueStatusView{InQueue: false}, nil
	}

	queuedAt := entry.QueuedAt
	view := QueueStatusView{
		InQueue:         entry.IsQueued(),
		Status:          entry.Status,
		GameVariant:     entry.GameVariant,
		PreferredRounds: entry.PreferredRounds,
		QueuedAt:        &queuedAt,
	}

	if !entry.IsQueued() {
		view.MatchID = entry.MatchedMatchID
		view.MatchedWithUserID = entry.MatchedWithUserID
		view.MatchedAt = entry.MatchedAt
		return view, nil
	}

	// Fresh O(bucket) scan in the same order the matcher uses.
	bucket, err := r.queue.FindQueued(ctx, models.QueueStatusQueued, entry.GameVariant, entry.PreferredRounds)
	if err != nil {
		return QueueStatusView{}, fmt.Errorf("failed to load bucket %s: %w", entry.Bucket(), err)
	}
	for i, e := range bucket {
		if e.ID == entry.ID {
			view.QueuePosition = i + 1
			break
		}
	}
	// 0 when the entry was matched or removed between the two reads
	view.EstimatedWaitSeconds = int(float64(view.QueuePosition) * r.waitPerPosition.Seconds())
	return view, nil
}
