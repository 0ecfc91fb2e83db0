package memory

import "strings"

// fragmentSeparator joins fragments when active memory is rendered as text.
const fragmentSeparator = ", "

// Fragment is one condensed summary in active memory. Tokens caches the
// fragment's measured size so trimming never re-measures.
type Fragment struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// renderFragments joins fragment texts oldest first.
func renderFragments(frags []Fragment) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = f.Text
	}
	return strings.Join(parts, fragmentSeparator)
}

// trimToWatermark returns the longest most-recent suffix of frags whose
// cached token total does not exceed limit, in original order. The walk
// stops at the first fragment that would overflow, so an oversized recent
// fragment hides every older one.
func trimToWatermark(frags []Fragment, limit int) []Fragment {
	total := 0
	start := len(frags)
	for start > 0 {
		t := frags[start-1].Tokens
		if total+t > limit {
			break
		}
		total += t
		start--
	}
	kept := make([]Fragment, len(frags)-start)
	copy(kept, frags[start:])
	return kept
}
