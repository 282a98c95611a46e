package playback

import "time"

// Reveal pacing. The target is reading rhythm, roughly 3-4 sentences per
// second, not literal typing speed: a small fixed cost per character, a
// longer breath after sentence-ending punctuation, a smaller one after
// clause breaks and spaces.
const (
	baseDelay     = 4 * time.Millisecond
	sentencePause = 140 * time.Millisecond
	clausePause   = 45 * time.Millisecond
	spacePause    = 8 * time.Millisecond
)

// StepDelay returns how long to wait after revealing r. Pure function so
// the pacing is testable in isolation.
func StepDelay(r rune) time.Duration {
	switch r {
	case '.', '!', '?':
		return baseDelay + sentencePause
	case ',', ';':
		return baseDelay + clausePause
	case ' ':
		return baseDelay + spacePause
	default:
		return baseDelay
	}
}
