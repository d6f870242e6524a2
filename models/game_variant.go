// models/game_variant.go
package models

import (
	"errors"
	"strings"
)

// GameVariant is the closed set of competitive game kinds players can queue for.
type GameVariant string

const (
	GameVariantClassic GameVariant = "CLASSIC"
	GameVariantBlitz   GameVariant = "BLITZ"
	GameVariantThemed  GameVariant = "THEMED"
	GameVariantPicture GameVariant = "PICTURE"
)

var ErrUnknownVariant = errors.New("unknown game variant")

var gameVariants = []GameVariant{
	GameVariantClassic,
	GameVariantBlitz,
	GameVariantThemed,
	GameVariantPicture,
}

// GameVariants returns every known variant in a stable order.
func GameVariants() []GameVariant {
	out := make([]GameVariant, len(gameVariants))
	copy(out, gameVariants)
	return out
}

// ParseGameVariant accepts any casing and surrounding whitespace.
func ParseGameVariant(s string) (GameVariant, error) {
	v := GameVariant(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range gameVariants {
		if v == known {
			return v, nil
		}
	}
	return "", ErrUnknownVariant
}
