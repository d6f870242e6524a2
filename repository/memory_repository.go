package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"challenge-backend/models"
	"challenge-backend/services"
)

// MemoryRepository keeps everything in process memory. Transactions are
// serialized and roll back by snapshot; writes made outside Transaction are
// not isolated from them.
type MemoryRepository struct {
	txMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]models.QueueEntry
	matches map[string]models.Match
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[string]models.QueueEntry),
		matches: make(map[string]models.Match),
	}
}

func (r *MemoryRepository) FindQueued(_ context.Context, status models.QueueStatus, variant models.GameVariant, rounds int) ([]models.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.QueueEntry
	for _, e := range r.entries {
		if e.Status == status && e.GameVariant == variant && e.PreferredRounds == rounds {
			out = append(out, e)
		}
	}
	sortByQueuedAt(out)
	return out, nil
}

func (r *MemoryRepository) FindLatestByUser(_ context.Context, userID string) (*models.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.QueueEntry
	for _, e := range r.entries {
		if e.UserID != userID {
			continue
		}
		if latest == nil || e.QueuedAt.After(latest.QueuedAt) {
			e := e
			latest = &e
		}
	}
	return latest, nil
}

func (r *MemoryRepository) DistinctQueuedRounds(_ context.Context, variant models.GameVariant) ([]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int]bool)
	var rounds []int
	for _, e := range r.entries {
		if e.Status == models.QueueStatusQueued && e.GameVariant == variant && !seen[e.PreferredRounds] {
			seen[e.PreferredRounds] = true
			rounds = append(rounds, e.PreferredRounds)
		}
	}
	sort.Ints(rounds)
	return rounds, nil
}

func (r *MemoryRepository) SaveQueueEntry(_ context.Context, entry *models.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = *entry
	return nil
}

func (r *MemoryRepository) DeleteQueueEntry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

func (r *MemoryRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, e := range r.entries {
		if e.Status == models.QueueStatusQueued && e.ExpiresAt.Before(before) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRepository) SaveMatch(_ context.Context, match *models.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[match.ID] = *match
	return nil
}

// MatchQueuedEntry stores entry only over a row that is still QUEUED.
func (r *MemoryRepository) MatchQueuedEntry(_ context.Context, entry *models.QueueEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[entry.ID]
	if !ok || !current.IsQueued() {
		return false, nil
	}
	r.entries[entry.ID] = *entry
	return true, nil
}

// Transaction serializes fn against other transactions. On error only the
// rows fn wrote are restored, so writes made outside the transaction in the
// meantime survive.
func (r *MemoryRepository) Transaction(_ context.Context, fn func(tx services.Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memoryTx{
		MemoryRepository: r,
		entries:          make(map[string]*models.QueueEntry),
		matches:          make(map[string]*models.Match),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// Entries returns every stored entry, oldest first.
func (r *MemoryRepository) Entries() []models.QueueEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.QueueEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sortByQueuedAt(out)
	return out
}

// Matches returns every stored match.
func (r *MemoryRepository) Matches() []models.Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortByQueuedAt(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QueuedAt.Equal(entries[j].QueuedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}

// memoryTx journals the prior value of every row it writes. A nil journal
// value means the row did not exist.
type memoryTx struct {
	*MemoryRepository
	entries map[string]*models.QueueEntry
	matches map[string]*models.Match
}

func (tx *memoryTx) SaveQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	tx.journalEntry(entry.ID)
	return tx.MemoryRepository.SaveQueueEntry(ctx, entry)
}

func (tx *memoryTx) MatchQueuedEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	tx.journalEntry(entry.ID)
	return tx.MemoryRepository.MatchQueuedEntry(ctx, entry)
}

func (tx *memoryTx) DeleteQueueEntry(ctx context.Context, id string) error {
	tx.journalEntry(id)
	return tx.MemoryRepository.DeleteQueueEntry(ctx, id)
}

func (tx *memoryTx) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	var removed int64
	for id, e := range tx.MemoryRepository.entries {
		if e.Status == models.QueueStatusQueued && e.ExpiresAt.Before(before) {
			if _, seen := tx.entries[id]; !seen {
				e := e
				tx.entries[id] = &e
			}
			delete(tx.MemoryRepository.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (tx *memoryTx) SaveMatch(ctx context.Context, match *models.Match) error {
	tx.mu.RLock()
	if _, seen := tx.matches[match.ID]; !seen {
		if prev, ok := tx.MemoryRepository.matches[match.ID]; ok {
			tx.matches[match.ID] = &prev
		} else {
			tx.matches[match.ID] = nil
		}
	}
	tx.mu.RUnlock()
	return tx.MemoryRepository.SaveMatch(ctx, match)
}

// Transaction inside a transaction joins it.
func (tx *memoryTx) Transaction(_ context.Context, fn func(tx services.Repository) error) error {
	return fn(tx)
}

func (tx *memoryTx) journalEntry(id string) {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	if _, seen := tx.entries[id]; seen {
		return
	}
	if prev, ok := tx.MemoryRepository.entries[id]; ok {
		tx.entries[id] = &prev
	} else {
		tx.entries[id] = nil
	}
}

func (tx *memoryTx) rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for id, prev := range tx.entries {
		if prev == nil {
			delete(tx.MemoryRepository.entries, id)
		} else {
			tx.MemoryRepository.entries[id] = *prev
		}
	}
	for id, prev := range tx.matches {
		if prev == nil {
			delete(tx.MemoryRepository.matches, id)
		} else {
			tx.MemoryRepository.matches[id] = *prev
		}
	}
}

var (
	_ services.Repository = (*MemoryRepository)(nil)
	_ services.Repository = (*memoryTx)(nil)
)
