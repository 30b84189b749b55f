package consensus

import (
	"regexp"
	"strings"
)

// Stance is how a reviewer reacted to the previous round's rankings
type Stance int

const (
	StanceUnknown Stance = iota
	StanceAgree
	StanceObject
	StanceAdd
)

func (s Stance) String() string {
	switch s {
	case StanceAgree:
		return "agree"
	case StanceObject:
		return "object"
	case StanceAdd:
		return "add"
	default:
		return "unknown"
	}
}

var (
	stanceMarker = regexp.MustCompile(`(?im)^\s*\**\s*(AGREE|OBJECT|ADD)\s*\**\s*:`)

	stanceKeywords = []struct {
		stance Stance
		words  []string
	}{
		{StanceObject, []string{"i disagree", "i object", "i would rank differently", "overrated", "is incorrect"}},
		{StanceAdd, []string{"i would add", "additionally", "also consider", "one more thing"}},
		{StanceAgree, []string{"i agree", "agreed", "concur", "i maintain", "stand by"}},
	}
)

// DetectStance reads a debate-round evaluation. An explicit AGREE:, OBJECT:
// or ADD: marker at the start of a line wins over keyword detection.
func DetectStance(text string) Stance {
	if m := stanceMarker.FindStringSubmatch(text); m != nil {
		switch strings.ToUpper(m[1]) {
		case "AGREE":
			return StanceAgree
		case "OBJECT":
			return StanceObject
		case "ADD":
			return StanceAdd
		}
	}

	lower := strings.ToLower(text)
	for _, group := range stanceKeywords {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return group.stance
			}
		}
	}
	return StanceUnknown
}

// StanceCounts tallies stances by name
func StanceCounts(texts []string) map[string]int {
	counts := make(map[string]int)
	for _, t := range texts {
		counts[DetectStance(t).String()]++
	}
	return counts
}
