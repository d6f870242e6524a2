package models

import "time"

type MatchType string

const (
	MatchTypeRandom MatchType = "RANDOM_MATCHMAKING"
)

type MatchStatus string

// Only READY is set by matchmaking; the rest belong to gameplay.
const (
	MatchStatusReady      MatchStatus = "READY"
	MatchStatusInProgress MatchStatus = "IN_PROGRESS"
	MatchStatusCompleted  MatchStatus = "COMPLETED"
	MatchStatusCancelled  MatchStatus = "CANCELLED"
)

// Match records one competitive pairing between two queued players
type Match struct {
	ID        string      `gorm:"primaryKey;type:uuid" json:"id"`
	MatchType MatchType   `gorm:"type:varchar(32);not null;index" json:"match_type"`
	Status    MatchStatus `gorm:"type:varchar(16);not null;default:'READY'" json:"status"`

	// Player1 queued first, Player2 second
	Player1ID string `gorm:"index;not null" json:"player1_id"`
	Player2ID string `gorm:"index;not null" json:"player2_id"`

	TotalRounds  int         `gorm:"not null" json:"total_rounds"`
	CurrentRound int         `gorm:"not null;default:0" json:"current_round"`
	GameVariant  GameVariant `gorm:"type:varchar(32);not null" json:"game_variant"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`

	Timestamps
}

// NewRandomMatch builds the READY match for a pair taken from one bucket.
func NewRandomMatch(id string, first, second QueueEntry) Match {
	return Match{
		ID:           id,
		MatchType:    MatchTypeRandom,
		Status:       MatchStatusReady,
		Player1ID:    first.UserID,
		Player2ID:    second.UserID,
		TotalRounds:  first.PreferredRounds,
		CurrentRound: 0,
		GameVariant:  first.GameVariant,
	}
}

// HasPlayer reports whether userID is one of the two players.
func (m Match) HasPlayer(userID string) bool {
	return m.Player1ID == userID || m.Player2ID == userID
}
