// Package resolve maps a user-typed model name prefix to a concrete model from
// the backend catalog.
package resolve

import (
	"math/rand/v2"
	"strings"
)

// PickFunc returns an index in [0, n).
type PickFunc func(n int) int

// RandomPick chooses uniformly at random.
func RandomPick(n int) int {
	return rand.IntN(n)
}

// Model resolves prefix against catalog.
//
// Names starting with prefix (case-insensitive) are candidates. ok is false when
// there is none. The current model is excluded from the candidates; when that
// leaves nothing, current is returned unchanged. Otherwise pick selects among
// the remaining candidates in catalog order. A nil pick means RandomPick.
func Model(prefix, current string, catalog []string, pick PickFunc) (string, bool) {
	p := strings.ToLower(prefix)
	var matched []string
	for _, name := range catalog {
		if strings.HasPrefix(strings.ToLower(name), p) {
			matched = append(matched, name)
		}
	}
	if len(matched) == 0 {
		return "", false
	}

	candidates := make([]string, 0, len(matched))
	for _, name := range matched {
		if name != current {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return current, true
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	if pick == nil {
		pick = RandomPick
	}
	return candidates[pick(len(candidates))], true
}
