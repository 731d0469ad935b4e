package manifest

import (
	"fmt"
	"strings"

	"github.com/spawnhq/spawn/pkg/errdefs"
)

// maxSuggestDistance bounds how far a typo may be from a known key before
// the resolver stops suggesting it.
const maxSuggestDistance = 3

// Resolution is the outcome of resolving user input against the catalog.
type Resolution struct {
	Key string
	// SwappedKind is set when the closest match is of the opposite kind
	// (the user typed a cloud where an agent goes, or vice versa).
	SwappedKind bool
}

// ResolveAgent resolves user input to an agent key: exact key,
// case-insensitive key, display name, then closest-typo suggestion.
func (m *Manifest) ResolveAgent(input string) (*Resolution, error) {
	return resolve(input, m.agentCandidates(), m.cloudCandidates(), "agent", "cloud")
}

// ResolveCloud resolves user input to a cloud key.
func (m *Manifest) ResolveCloud(input string) (*Resolution, error) {
	return resolve(input, m.cloudCandidates(), m.agentCandidates(), "cloud", "agent")
}

type candidate struct {
	key  string
	name string
}

func (m *Manifest) agentCandidates() []candidate {
	out := make([]candidate, 0, len(m.Agents))
	for key, def := range m.Agents {
		out = append(out, candidate{key: key, name: def.Name})
	}
	return out
}

func (m *Manifest) cloudCandidates() []candidate {
	out := make([]candidate, 0, len(m.Clouds))
	for key, def := range m.Clouds {
		out = append(out, candidate{key: key, name: def.Name})
	}
	return out
}

func resolve(input string, same, other []candidate, kind, otherKind string) (*Resolution, error) {
	folded := strings.ToLower(strings.TrimSpace(input))
	if folded == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "empty %s name", kind)
	}

	for _, c := range same {
		if c.key == folded || strings.ToLower(c.name) == folded {
			return &Resolution{Key: c.key}, nil
		}
	}

	// Exact match against the opposite kind means the arguments were
	// probably swapped.
	for _, c := range other {
		if c.key == folded || strings.ToLower(c.name) == folded {
			return &Resolution{Key: c.key, SwappedKind: true}, nil
		}
	}

	bestKey, bestDist := closest(folded, same)
	otherKey, otherDist := closest(folded, other)

	if otherKey != "" && otherDist < bestDist && otherDist <= maxSuggestDistance {
		return nil, errdefs.Newf(errdefs.KindValidation,
			"unknown %s %q", kind, input).WithHints(
			fmt.Sprintf("%q looks like a %s — did you swap the agent and cloud arguments?", input, otherKind),
		)
	}

	if bestKey != "" && bestDist <= maxSuggestDistance {
		return &Resolution{Key: bestKey}, nil
	}

	return nil, errdefs.Newf(errdefs.KindValidation, "unknown %s %q", kind, input)
}

// closest returns the candidate key nearest to input over keys and display
// names. Ties go to the alphabetically first key, so the result does not
// depend on map iteration order.
func closest(input string, candidates []candidate) (string, int) {
	bestKey := ""
	bestDist := maxSuggestDistance + 1
	for _, c := range candidates {
		for _, form := range []string{c.key, strings.ToLower(c.name)} {
			d := levenshtein(input, form)
			if d < bestDist || (d == bestDist && bestKey != "" && c.key < bestKey) {
				bestDist = d
				bestKey = c.key
			}
		}
	}
	return bestKey, bestDist
}

// levenshtein computes edit distance with the usual two-row DP.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
