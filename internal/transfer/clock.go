package transfer

import "time"

// Clock is the monotonic time source collaborator of spec §6.3, abstracted
// so the transfer-rate calculation and StartedAt are testable. Backoff
// waits between attempts use real time and do not go through Clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
