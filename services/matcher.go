package services

import "challenge-backend/models"

// Pair is two entries from the same bucket, First queued before Second.
type Pair struct {
	First  models.QueueEntry
	Second models.QueueEntry
}

// PairEntries pairs a bucket in arrival order: [0,1], [2,3], ... The input
// must be sorted by QueuedAt ascending. With an odd count the last (newest)
// entry is returned as leftover.
func PairEntries(entries []models.QueueEntry) ([]Pair, *models.QueueEntry) {
	if len(entries) < 2 {
		if len(entries) == 1 {
			leftover := entries[0]
			return nil, &leftover
		}
		return nil, nil
	}

	pairs := make([]Pair, 0, len(entries)/2)
	for i := 0; i+1 < len(entries); i += 2 {
		pairs = append(pairs, Pair{First: entries[i], Second: entries[i+1]})
	}

	if len(entries)%2 != 0 {
		leftover := entries[len(entries)-1]
		return pairs, &leftover
	}
	return pairs, nil
}
