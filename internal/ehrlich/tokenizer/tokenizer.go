// Package tokenizer measures text in model tokens. Memory budgets (the
// active-memory window and its low watermark) are expressed in these units,
// so every mutation of active memory is re-measured through a Measurer.
package tokenizer

// Measurer converts text to a token count. Implementations must be
// deterministic, side-effect free and cheap enough to call on every memory
// mutation.
type Measurer interface {
	Count(text string) int
}

// MeasurerFunc adapts a plain function to the Measurer interface.
type MeasurerFunc func(text string) int

// Count calls f(text).
func (f MeasurerFunc) Count(text string) int { return f(text) }

// Heuristic estimates tokens at roughly four bytes per token, rounding up.
// It needs no vocabulary and is the default when no encoding is configured.
type Heuristic struct{}

// Count returns ceil(len(text)/4).
func (Heuristic) Count(text string) int {
	return (len(text) + 3) / 4
}

var _ Measurer = Heuristic{}
