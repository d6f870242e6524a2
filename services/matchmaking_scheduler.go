// services/matchmaking_scheduler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"challenge-backend/lease"
	"challenge-backend/metrics"
	"challenge-backend/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	QueueTickTask   = "matchmaking-queue-tick"
	CleanupTickTask = "matchmaking-expiry-cleanup"

	releaseTimeout = 2 * time.Second
)

var ErrSchedulerRunning = errors.New("matchmaking scheduler already running")

// errStalePair means an entry left the queue after the bucket was read.
var errStalePair = errors.New("queue entry no longer queued")

// TaskConfig sets the cadence and lease bounds of one recurring task.
type TaskConfig struct {
	Interval time.Duration
	MinHold  time.Duration
	MaxHold  time.Duration
}

type SchedulerConfig struct {
	SupportedRounds      []int
	DiscoverQueuedRounds bool
	Queue                TaskConfig
	Cleanup              TaskConfig
}

// QueueTickResult summarizes one queue tick. Skipped is set when another
// instance held the lease.
type QueueTickResult struct {
	Skipped        bool
	BucketsScanned int
	MatchesCreated int
	Leftover       int
	Matches        []models.Match
}

// CleanupTickResult summarizes one expiry cleanup.
type CleanupTickResult struct {
	Skipped bool
	Removed int64
}

// MatchmakingScheduler pairs waiting players and retires stale requests on
// two independently leased recurring tasks. It keeps no matching state
// between ticks; the repository is the source of truth.
type MatchmakingScheduler struct {
	repo    Repository
	locker  lease.Locker
	metrics metrics.MatchmakingMetrics
	clock   clockwork.Clock
	log     *logrus.Entry
	cfg     SchedulerConfig
	newID   func() string

	sched gocron.Scheduler
}

func NewMatchmakingScheduler(repo Repository, locker lease.Locker, m metrics.MatchmakingMetrics, clock clockwork.Clock, cfg SchedulerConfig) *MatchmakingScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MatchmakingScheduler{
		repo:    repo,
		locker:  locker,
		metrics: m,
		clock:   clock,
		log:     logrus.WithField("component", "matchmaking-scheduler"),
		cfg:     cfg,
		newID:   uuid.NewString,
	}
}

// Start registers both ticks with gocron. Ticks run until Stop or until ctx
// is cancelled.
func (s *MatchmakingScheduler) Start(ctx context.Context) error {
	if s.sched != nil {
		return ErrSchedulerRunning
	}

	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Every QueueTickInterval: pair waiting players
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Queue.Interval),
		gocron.NewTask(func() {
			if _, err := s.RunQueueTick(ctx); err != nil {
				s.log.WithField("task", QueueTickTask).WithError(err).Error("[Scheduler] queue tick failed")
			}
		}),
		gocron.WithName(QueueTickTask),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to register %s: %w", QueueTickTask, err)
	}

	// Every CleanupTickInterval: drop expired requests
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Cleanup.Interval),
		gocron.NewTask(func() {
			if _, err := s.RunCleanupTick(ctx); err != nil {
				s.log.WithField("task", CleanupTickTask).WithError(err).Error("[Scheduler] cleanup tick failed")
			}
		}),
		gocron.WithName(CleanupTickTask),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to register %s: %w", CleanupTickTask, err)
	}

	sched.Start()
	s.sched = sched
	s.log.WithFields(logrus.Fields{
		"queue_interval":   s.cfg.Queue.Interval,
		"cleanup_interval": s.cfg.Cleanup.Interval,
		"rounds":           s.cfg.SupportedRounds,
	}).Info("[Scheduler] matchmaking ticks started")
	return nil
}

// Stop waits for running ticks to finish.
func (s *MatchmakingScheduler) Stop() error {
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	return err
}

// RunQueueTick runs one leased queue-processing pass.
func (s *MatchmakingScheduler) RunQueueTick(ctx context.Context) (QueueTickResult, error) {
	var result QueueTickResult
	ran, err := s.runLeased(ctx, QueueTickTask, s.cfg.Queue, func(ctx context.Context) error {
		var err error
		result, err = s.processQueue(ctx)
		return err
	})
	result.Skipped = !ran && err == nil
	return result, err
}

// RunCleanupTick runs one leased expiry cleanup.
func (s *MatchmakingScheduler) RunCleanupTick(ctx context.Context) (CleanupTickResult, error) {
	var result CleanupTickResult
	ran, err := s.runLeased(ctx, CleanupTickTask, s.cfg.Cleanup, func(ctx context.Context) error {
		removed, err := s.repo.DeleteExpired(ctx, s.clock.Now())
		if err != nil {
			return fmt.Errorf("failed to delete expired entries: %w", err)
		}
		result.Removed = removed
		s.metrics.AddExpiredRemoved(removed)
		if removed > 0 {
			s.log.WithField("task", CleanupTickTask).Infof("🧹 Removed %d expired queue entries", removed)
		}
		return nil
	})
	result.Skipped = !ran && err == nil
	return result, err
}

// runLeased runs fn only while holding the task's lease. ran is false when
// the lease was held elsewhere.
func (s *MatchmakingScheduler) runLeased(ctx context.Context, task string, tc TaskConfig, fn func(ctx context.Context) error) (ran bool, err error) {
	log := s.log.WithField("task", task)
	start := s.clock.Now()

	l, ok, err := s.locker.TryAcquire(ctx, task, tc.MinHold, tc.MaxHold)
	if err != nil {
		s.metrics.AddTick(task, metrics.OutcomeFailed)
		return false, err
	}
	if !ok {
		log.Debug("[Scheduler] lease held by another instance, skipping tick")
		s.metrics.AddTick(task, metrics.OutcomeSkipped)
		return false, nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			log.WithError(err).Warn("[Scheduler] failed to release lease")
		}
	}()

	// The lease may be reclaimed after MaxHold; store calls must give up by then.
	tickCtx, cancel := context.WithTimeout(ctx, tc.MaxHold)
	defer cancel()

	err = fn(tickCtx)
	s.metrics.ObserveTickDuration(task, s.clock.Since(start))
	if err != nil {
		s.metrics.AddTick(task, metrics.OutcomeFailed)
		return true, err
	}
	s.metrics.AddTick(task, metrics.OutcomeOK)
	return true, nil
}

func (s *MatchmakingScheduler) processQueue(ctx context.Context) (QueueTickResult, error) {
	var result QueueTickResult

	buckets, err := s.buckets(ctx)
	if err != nil {
		return result, err
	}

	for _, bucket := range buckets {
		entries, err := s.repo.FindQueued(ctx, models.QueueStatusQueued, bucket.GameVariant, bucket.Rounds)
		if err != nil {
			return result, fmt.Errorf("failed to load bucket %s: %w", bucket, err)
		}
		result.BucketsScanned++

		pairs, leftover := PairEntries(entries)
		for _, pair := range pairs {
			match, err := s.commitPair(ctx, pair)
			if errors.Is(err, errStalePair) {
				s.log.WithField("bucket", bucket.String()).WithError(err).Info("[Scheduler] pair skipped")
				continue
			}
			if err != nil {
				return result, fmt.Errorf("failed to commit pair in bucket %s: %w", bucket, err)
			}
			result.MatchesCreated++
			result.Matches = append(result.Matches, match)
			s.metrics.AddMatchCreated(string(bucket.GameVariant), bucket.Rounds)
			s.log.WithFields(logrus.Fields{
				"bucket":   bucket.String(),
				"match_id": match.ID,
				"player1":  match.Player1ID,
				"player2":  match.Player2ID,
			}).Info("✅ Match created")
		}

		left := 0
		if leftover != nil {
			left = 1
			result.Leftover++
		}
		s.metrics.SetBucketLeftover(string(bucket.GameVariant), bucket.Rounds, left)
	}

	return result, nil
}

// commitPair writes the READY match and both MATCHED entries in one
// transaction.
func (s *MatchmakingScheduler) commitPair(ctx context.Context, pair Pair) (models.Match, error) {
	now := s.clock.Now()
	match := models.NewRandomMatch(s.newID(), pair.First, pair.Second)

	first, second := pair.First, pair.Second
	if err := first.MarkMatched(second.UserID, match.ID, now); err != nil {
		return models.Match{}, err
	}
	if err := second.MarkMatched(first.UserID, match.ID, now); err != nil {
		return models.Match{}, err
	}

	// The QUEUED -> MATCHED write is conditional, so an entry withdrawn after
	// the scan stays withdrawn and the whole pair rolls back.
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		for _, e := range []*models.QueueEntry{&first, &second} {
			ok, err := tx.MatchQueuedEntry(ctx, e)
			if err != nil {
				return fmt.Errorf("failed to mark entry %s matched: %w", e.ID, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", errStalePair, e.ID)
			}
		}
		if err := tx.SaveMatch(ctx, &match); err != nil {
			return fmt.Errorf("failed to save match: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Match{}, err
	}
	return match, nil
}

// buckets is every variant crossed with the configured round counts, plus
// whatever rounds are actually waiting when discovery is enabled.
func (s *MatchmakingScheduler) buckets(ctx context.Context) ([]models.BucketKey, error) {
	var buckets []models.BucketKey
	for _, variant := range models.GameVariants() {
		rounds := uniqueRounds(s.cfg.SupportedRounds)
		if s.cfg.DiscoverQueuedRounds {
			found, err := s.repo.DistinctQueuedRounds(ctx, variant)
			if err != nil {
				return nil, fmt.Errorf("failed to list queued rounds for %s: %w", variant, err)
			}
			rounds = mergeRounds(rounds, found)
		}
		for _, r := range rounds {
			buckets = append(buckets, models.BucketKey{GameVariant: variant, Rounds: r})
		}
	}
	return buckets, nil
}

func uniqueRounds(rounds []int) []int {
	seen := make(map[int]bool, len(rounds))
	out := make([]int, 0, len(rounds))
	for _, r := range rounds {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// mergeRounds appends discovered rounds not already configured, ascending.
func mergeRounds(configured, discovered []int) []int {
	seen := make(map[int]bool, len(configured))
	for _, r := range configured {
		seen[r] = true
	}
	var extra []int
	for _, r := range discovered {
		if !seen[r] {
			seen[r] = true
			extra = append(extra, r)
		}
	}
	sort.Ints(extra)
	return append(configured, extra...)
}
