package util

import (
	"fmt"
	"math/rand"
	"unicode"
)

var nameAdjectives = []string{
	"Amber", "Bold", "Brisk", "Calm", "Clever", "Crimson", "Eager",
	"Gentle", "Golden", "Green", "Hidden", "Iron", "Keen", "Lively",
	"Lunar", "Mellow", "Noble", "Quiet", "Rapid", "Scarlet", "Silent",
	"Silver", "Solar", "Steady", "Swift", "Vivid", "Wild", "Winter",
}

var nameNouns = []string{
	"Badger", "Beacon", "Bridge", "Castle", "Cedar", "Comet", "Falcon",
	"Forest", "Garden", "Glacier", "Harbor", "Heron", "Lake", "Lantern",
	"Meadow", "Otter", "Peak", "Pine", "Raven", "River", "Sparrow",
	"Spire", "Stone", "Summit", "Tiger", "Tower", "Valley", "Willow",
}

// ValidAgentName reports whether name matches the AdjectiveNoun convention:
// exactly two capitalized alphabetic tokens, e.g. "GreenCastle".
func ValidAgentName(name string) bool {
	if name == "" {
		return false
	}
	caps := 0
	var last rune
	for i, r := range name {
		if !unicode.IsLetter(r) {
			return false
		}
		if unicode.IsUpper(r) {
			caps++
			if caps > 2 {
				return false
			}
		} else if i == 0 {
			return false
		}
		last = r
	}
	// Two tokens means exactly two capitals, and the second capital cannot
	// end the string (a noun of one letter is not a token).
	return caps == 2 && !unicode.IsUpper(last)
}

// GenerateAgentName produces a random AdjectiveNoun name. The caller retries
// on collision with an existing agent in the project.
func GenerateAgentName(rng *rand.Rand) string {
	adj := nameAdjectives[rng.Intn(len(nameAdjectives))]
	noun := nameNouns[rng.Intn(len(nameNouns))]
	return fmt.Sprintf("%s%s", adj, noun)
}
