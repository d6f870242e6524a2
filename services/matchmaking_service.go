package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"challenge-backend/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyQueued     = errors.New("user already has a queued matchmaking request")
	ErrNotQueued         = errors.New("user is not in the matchmaking queue")
	ErrUnsupportedRounds = errors.New("unsupported round count")
)

// MatchmakingService is the creation path for queue entries. It keeps at
// most one QUEUED entry per user.
type MatchmakingService struct {
	repo            Repository
	clock           clockwork.Clock
	supportedRounds []int
	entryTTL        time.Duration
	log             *logrus.Entry
}

func NewMatchmakingService(repo Repository, clock clockwork.Clock, supportedRounds []int, entryTTL time.Duration) *MatchmakingService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MatchmakingService{
		repo:            repo,
		clock:           clock,
		supportedRounds: supportedRounds,
		entryTTL:        entryTTL,
		log:             logrus.WithField("component", "matchmaking-service"),
	}
}

// JoinQueue creates a QUEUED entry expiring entryTTL from now.
func (s *MatchmakingService) JoinQueue(ctx context.Context, userID string, variant models.GameVariant, rounds int) (*models.QueueEntry, error) {
	variant, err := models.ParseGameVariant(string(variant))
	if err != nil {
		return nil, err
	}
	if !s.supports(rounds) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRounds, rounds)
	}

	var created *models.QueueEntry
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.FindLatestByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to look up queue entry: %w", err)
		}
		if existing != nil && existing.IsQueued() {
			return ErrAlreadyQueued
		}

		now := s.clock.Now()
		entry := models.QueueEntry{
			ID:              uuid.NewString(),
			UserID:          userID,
			GameVariant:     variant,
			PreferredRounds: rounds,
			Status:          models.QueueStatusQueued,
			QueuedAt:        now,
			ExpiresAt:       now.Add(s.entryTTL),
		}
		if err := tx.SaveQueueEntry(ctx, &entry); err != nil {
			return fmt.Errorf("failed to save queue entry: %w", err)
		}
		created = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"bucket":  created.Bucket().String(),
	}).Info("Player joined matchmaking queue")
	return created, nil
}

// LeaveQueue withdraws the user's QUEUED entry. Matched entries stay.
func (s *MatchmakingService) LeaveQueue(ctx context.Context, userID string) error {
	return s.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.FindLatestByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to look up queue entry: %w", err)
		}
		if existing == nil || !existing.IsQueued() {
			return ErrNotQueued
		}
		if err := tx.DeleteQueueEntry(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to delete queue entry: %w", err)
		}
		s.log.WithField("user_id", userID).Info("Player left matchmaking queue")
		return nil
	})
}

func (s *MatchmakingService) supports(rounds int) bool {
	for _, r := range s.supportedRounds {
		if r == rounds {
			return true
		}
	}
	return false
}
