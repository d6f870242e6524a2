package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"challenge-backend/lease"
	"challenge-backend/metrics"
	"challenge-backend/models"
	"challenge-backend/repository"
	"challenge-backend/services"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

var testSchedulerConfig = services.SchedulerConfig{
	SupportedRounds: []int{1, 3, 5},
	Queue:           services.TaskConfig{Interval: 5 * time.Second, MinHold: time.Second, MaxHold: 4 * time.Second},
	Cleanup:         services.TaskConfig{Interval: time.Minute, MinHold: 10 * time.Second, MaxHold: 50 * time.Second},
}

type fixture struct {
	repo      *repository.MemoryRepository
	locker    *lease.LocalLocker
	clock     *clockwork.FakeClock
	registry  *prometheus.Registry
	scheduler *services.MatchmakingScheduler
}

func newFixture(t *testing.T, cfg services.SchedulerConfig) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		locker:   lease.NewLocalLocker(clock),
		clock:    clock,
		registry: prometheus.NewRegistry(),
	}
	f.scheduler = services.NewMatchmakingScheduler(f.repo, f.locker, metrics.NewMetrics(f.registry), clock, cfg)
	return f
}

func (f *fixture) enqueue(t *testing.T, user string, variant models.GameVariant, rounds int, queuedAt time.Time) models.QueueEntry {
	t.Helper()
	e := models.QueueEntry{
		ID:              "entry-" + user,
		UserID:          user,
		GameVariant:     variant,
		PreferredRounds: rounds,
		Status:          models.QueueStatusQueued,
		QueuedAt:        queuedAt,
		ExpiresAt:       queuedAt.Add(10 * time.Minute),
	}
	require.NoError(t, f.repo.SaveQueueEntry(context.Background(), &e))
	return e
}

func (f *fixture) entry(t *testing.T, user string) models.QueueEntry {
	t.Helper()
	e, err := f.repo.FindLatestByUser(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, e, "entry for %s", user)
	return *e
}

func (f *fixture) metricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func assertMatchedPair(t *testing.T, f *fixture, a, b string) models.Match {
	t.Helper()
	ea, eb := f.entry(t, a), f.entry(t, b)

	require.Equal(t, models.QueueStatusMatched, ea.Status)
	require.Equal(t, models.QueueStatusMatched, eb.Status)
	require.NotNil(t, ea.MatchedMatchID)
	require.NotNil(t, eb.MatchedMatchID)
	assert.Equal(t, *ea.MatchedMatchID, *eb.MatchedMatchID)
	assert.Equal(t, b, *ea.MatchedWithUserID)
	assert.Equal(t, a, *eb.MatchedWithUserID)
	require.NotNil(t, ea.MatchedAt)
	assert.True(t, f.clock.Now().Equal(*ea.MatchedAt))

	for _, m := range f.repo.Matches() {
		if m.ID == *ea.MatchedMatchID {
			assert.Equal(t, a, m.Player1ID, "earlier-queued player is player1")
			assert.Equal(t, b, m.Player2ID)
			assert.Equal(t, models.MatchStatusReady, m.Status)
			assert.Equal(t, models.MatchTypeRandom, m.MatchType)
			assert.Equal(t, ea.PreferredRounds, m.TotalRounds)
			assert.Equal(t, 0, m.CurrentRound)
			assert.Equal(t, ea.GameVariant, m.GameVariant)
			assert.Nil(t, m.StartedAt)
			return m
		}
	}
	t.Fatalf("match %s for %s/%s not stored", *ea.MatchedMatchID, a, b)
	return models.Match{}
}

func TestQueueTick_EvenBucketMatchesEveryone(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	for i, user := range []string{"A", "B", "C", "D"} {
		f.enqueue(t, user, models.GameVariantClassic, 3, t0.Add(time.Duration(i)*time.Second))
	}

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.MatchesCreated)
	assert.Equal(t, 0, res.Leftover)
	assert.Len(t, f.repo.Matches(), 2)
	assertMatchedPair(t, f, "A", "B")
	assertMatchedPair(t, f, "C", "D")
	assert.Equal(t, 2.0, f.metricValue(t, "matchmaking_matches_created_total", map[string]string{"game_variant": "CLASSIC", "rounds": "3"}))
}

func TestQueueTick_OddBucketLeavesNewest(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	f.enqueue(t, "A", models.GameVariantClassic, 3, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 3, t0.Add(time.Second))
	c := f.enqueue(t, "C", models.GameVariantClassic, 3, t0.Add(2*time.Second))

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.MatchesCreated)
	assert.Equal(t, 1, res.Leftover)
	assertMatchedPair(t, f, "A", "B")
	assert.Equal(t, c, f.entry(t, "C"), "leftover is untouched")
	assert.Equal(t, 1.0, f.metricValue(t, "matchmaking_queue_leftover", map[string]string{"game_variant": "CLASSIC", "rounds": "3"}))
}

func TestQueueTick_NeverCrossesBuckets(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	f.enqueue(t, "A", models.GameVariantClassic, 3, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 5, t0.Add(time.Second))
	f.enqueue(t, "C", models.GameVariantBlitz, 3, t0.Add(2*time.Second))
	f.enqueue(t, "D", models.GameVariantClassic, 3, t0.Add(3*time.Second))

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.MatchesCreated)
	assertMatchedPair(t, f, "A", "D")
	assert.True(t, f.entry(t, "B").IsQueued())
	assert.True(t, f.entry(t, "C").IsQueued())

	for _, m := range f.repo.Matches() {
		p1, p2 := f.entry(t, m.Player1ID), f.entry(t, m.Player2ID)
		assert.Equal(t, p1.Bucket(), p2.Bucket())
	}
}

func TestQueueTick_SmallBucketsHaveNoSideEffects(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	lone := f.enqueue(t, "A", models.GameVariantPicture, 1, t0)

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.MatchesCreated)
	assert.Equal(t, len(models.GameVariants())*3, res.BucketsScanned)
	assert.Empty(t, f.repo.Matches())
	assert.Equal(t, lone, f.entry(t, "A"))
}

func TestQueueTick_DrainedBucketIsNoOp(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	f.enqueue(t, "A", models.GameVariantClassic, 3, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 3, t0.Add(time.Second))

	_, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)

	f.clock.Advance(testSchedulerConfig.Queue.Interval)
	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 0, res.MatchesCreated)
	assert.Len(t, f.repo.Matches(), 1)
}

func TestQueueTick_UnlistedRoundsAreNotScannedByDefault(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	f.enqueue(t, "A", models.GameVariantClassic, 7, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 7, t0.Add(time.Second))

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.MatchesCreated)
	assert.True(t, f.entry(t, "A").IsQueued())
}

func TestQueueTick_DiscoverQueuedRounds(t *testing.T) {
	cfg := testSchedulerConfig
	cfg.DiscoverQueuedRounds = true
	f := newFixture(t, cfg)
	f.enqueue(t, "A", models.GameVariantClassic, 7, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 7, t0.Add(time.Second))

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchesCreated)
	assertMatchedPair(t, f, "A", "B")
}

func TestQueueTick_SkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	f.enqueue(t, "A", models.GameVariantClassic, 3, t0)
	f.enqueue(t, "B", models.GameVariantClassic, 3, t0.Add(time.Second))

	_, ok, err := f.locker.TryAcquire(context.Background(), services.QueueTickTask, time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err, "a held lease is not an error")
	assert.True(t, res.Skipped)
	assert.Empty(t, f.repo.Matches())
	assert.Equal(t, 1.0, f.metricValue(t, "matchmaking_tick_total", map[string]string{"task": services.QueueTickTask, "outcome": metrics.OutcomeSkipped}))
}

func TestQueueTick_MinHoldBlocksImmediateRerun(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)

	res, err := f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)

	res, err = f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	f.clock.Advance(testSchedulerConfig.Queue.MinHold)
	res, err = f.scheduler.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

type faultyRepo struct {
	*repository.MemoryRepository
	findErr       error
	failEntrySave int // fail the nth MatchQueuedEntry inside a transaction
}

func (r *faultyRepo) FindQueued(ctx context.Context, status models.QueueStatus, variant models.GameVariant, rounds int) ([]models.QueueEntry, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.MemoryRepository.FindQueued(ctx, status, variant, rounds)
}

func (r *faultyRepo) Transaction(ctx context.Context, fn func(tx services.Repository) error) error {
	return r.MemoryRepository.Transaction(ctx, func(tx services.Repository) error {
		return fn(&faultyTx{Repository: tx, failAt: r.failEntrySave})
	})
}

type faultyTx struct {
	services.Repository
	failAt int
	saves  int
}

func (tx *faultyTx) MatchQueuedEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	tx.saves++
	if tx.saves == tx.failAt {
		return false, errors.New("connection reset")
	}
	return tx.Repository.MatchQueuedEntry(ctx, entry)
}

func TestQueueTick_StoreUnreachable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	registry := prometheus.NewRegistry()
	repo := &faultyRepo{MemoryRepository: repository.NewMemoryRepository(), findErr: errors.New("dial tcp: connection refused")}
	s := services.NewMatchmakingScheduler(repo, lease.NewLocalLocker(clock), metrics.NewMetrics(registry), clock, testSchedulerConfig)

	res, err := s.RunQueueTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, res.Skipped)
	assert.Equal(t, 0, res.MatchesCreated)
}

func TestQueueTick_PairCommitsAtomically(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	mem := repository.NewMemoryRepository()
	repo := &faultyRepo{MemoryRepository: mem, failEntrySave: 2}
	s := services.NewMatchmakingScheduler(repo, lease.NewLocalLocker(clock), metrics.NewMetrics(prometheus.NewRegistry()), clock, testSchedulerConfig)

	for i, user := range []string{"A", "B"} {
		e := models.QueueEntry{
			ID: "entry-" + user, UserID: user, GameVariant: models.GameVariantClassic, PreferredRounds: 3,
			Status: models.QueueStatusQueued, QueuedAt: t0.Add(time.Duration(i) * time.Second), ExpiresAt: t0.Add(time.Hour),
		}
		require.NoError(t, mem.SaveQueueEntry(context.Background(), &e))
	}

	_, err := s.RunQueueTick(context.Background())
	require.Error(t, err)

	assert.Empty(t, mem.Matches(), "match insert is rolled back with the entries")
	for _, e := range mem.Entries() {
		assert.True(t, e.IsQueued(), "entry %s stays QUEUED", e.ID)
		assert.Nil(t, e.MatchedMatchID)
	}
}

// leavingRepo drops a user's entry right after the bucket scan, as a
// concurrent LeaveQueue would.
type leavingRepo struct {
	*repository.MemoryRepository
	leaver string
}

func (r *leavingRepo) FindQueued(ctx context.Context, status models.QueueStatus, variant models.GameVariant, rounds int) ([]models.QueueEntry, error) {
	entries, err := r.MemoryRepository.FindQueued(ctx, status, variant, rounds)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.UserID == r.leaver {
			if err := r.MemoryRepository.DeleteQueueEntry(ctx, e.ID); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

func TestQueueTick_SkipsPairWhosePlayerLeft(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	mem := repository.NewMemoryRepository()
	repo := &leavingRepo{MemoryRepository: mem, leaver: "A"}
	s := services.NewMatchmakingScheduler(repo, lease.NewLocalLocker(clock), metrics.NewMetrics(prometheus.NewRegistry()), clock, testSchedulerConfig)

	for i, user := range []string{"A", "B", "C", "D"} {
		e := models.QueueEntry{
			ID: "entry-" + user, UserID: user, GameVariant: models.GameVariantClassic, PreferredRounds: 3,
			Status: models.QueueStatusQueued, QueuedAt: t0.Add(time.Duration(i) * time.Second), ExpiresAt: t0.Add(time.Hour),
		}
		require.NoError(t, mem.SaveQueueEntry(context.Background(), &e))
	}

	res, err := s.RunQueueTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchesCreated, "only C and D pair")

	a, err := mem.FindLatestByUser(context.Background(), "A")
	require.NoError(t, err)
	assert.Nil(t, a, "a withdrawn entry is not resurrected")

	b, err := mem.FindLatestByUser(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.IsQueued(), "B waits for the next tick")

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "C", res.Matches[0].Player1ID)
	assert.Equal(t, "D", res.Matches[0].Player2ID)
}

func TestQueueTick_ConcurrentInstancesNeverDoublePair(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0.Add(time.Minute))
	repo := repository.NewMemoryRepository()
	locker := lease.NewLocalLocker(clock)

	const players = 20
	for i := 0; i < players; i++ {
		e := models.QueueEntry{
			ID: fmt.Sprintf("entry-%02d", i), UserID: fmt.Sprintf("u%02d", i), GameVariant: models.GameVariantBlitz, PreferredRounds: 5,
			Status: models.QueueStatusQueued, QueuedAt: t0.Add(time.Duration(i) * time.Second), ExpiresAt: t0.Add(time.Hour),
		}
		require.NoError(t, repo.SaveQueueEntry(context.Background(), &e))
	}

	const instances = 4
	results := make([]services.QueueTickResult, instances)
	errs := make([]error, instances)
	var wg sync.WaitGroup
	for i := 0; i < instances; i++ {
		s := services.NewMatchmakingScheduler(repo, locker, metrics.NewMetrics(prometheus.NewRegistry()), clock, testSchedulerConfig)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.RunQueueTick(context.Background())
		}(i)
	}
	wg.Wait()

	ran, created := 0, 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Skipped {
			ran++
		}
		created += results[i].MatchesCreated
	}
	assert.Equal(t, 1, ran, "exactly one instance holds the lease")
	assert.Equal(t, players/2, created)

	seen := make(map[string]string)
	for _, m := range repo.Matches() {
		for _, p := range []string{m.Player1ID, m.Player2ID} {
			prev, dup := seen[p]
			assert.False(t, dup, "player %s in matches %s and %s", p, prev, m.ID)
			seen[p] = m.ID
		}
	}
	assert.Len(t, seen, players)
}

func TestCleanupTick_RemovesOnlyExpiredQueued(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	now := f.clock.Now()

	stale := f.enqueue(t, "stale", models.GameVariantClassic, 3, t0)
	stale.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, f.repo.SaveQueueEntry(context.Background(), &stale))

	fresh := f.enqueue(t, "fresh", models.GameVariantClassic, 3, t0)
	fresh.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, f.repo.SaveQueueEntry(context.Background(), &fresh))

	matched := f.enqueue(t, "matched", models.GameVariantClassic, 1, t0)
	matched.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, matched.MarkMatched("someone", "m-1", t0))
	require.NoError(t, f.repo.SaveQueueEntry(context.Background(), &matched))

	res, err := f.scheduler.RunCleanupTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Removed)

	none, err := f.repo.FindLatestByUser(context.Background(), "stale")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, fresh, f.entry(t, "fresh"))
	assert.Equal(t, matched, f.entry(t, "matched"))
	assert.Equal(t, 1.0, f.metricValue(t, "matchmaking_expired_entries_removed_total", nil))
}

func TestCleanupTick_LeaseIndependentOfQueueTick(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	_, ok, err := f.locker.TryAcquire(context.Background(), services.QueueTickTask, time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.scheduler.RunCleanupTick(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	_, ok, err = f.locker.TryAcquire(context.Background(), services.CleanupTickTask, time.Second, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "cleanup lease is held through its min hold")
}

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, time.Duration, time.Duration) (lease.Lease, bool, error) {
	return nil, false, errors.New("redis: connection pool timeout")
}

func TestTick_LockServiceFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := services.NewMatchmakingScheduler(repository.NewMemoryRepository(), brokenLocker{}, metrics.NewMetrics(prometheus.NewRegistry()), clock, testSchedulerConfig)

	res, err := s.RunQueueTick(context.Background())
	assert.Error(t, err)
	assert.False(t, res.Skipped)

	_, err = s.RunCleanupTick(context.Background())
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, testSchedulerConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.scheduler.Start(ctx))
	assert.ErrorIs(t, f.scheduler.Start(ctx), services.ErrSchedulerRunning)
	require.NoError(t, f.scheduler.Stop())
	require.NoError(t, f.scheduler.Stop())
}
