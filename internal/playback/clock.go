package playback

import "time"

// Clock abstracts timer scheduling so playback timing is testable without
// real waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock used outside tests.
var SystemClock Clock = realClock{}
