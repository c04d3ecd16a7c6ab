package edge

import "github.com/jonboulle/clockwork"

// Clock is the time source used by the Registry, Polling Refresher and
// Streaming Refresher. Tests inject clockwork.NewFakeClock() so backoff
// monotonicity and due-token scheduling are deterministic instead of racing
// wall-clock time.
type Clock = clockwork.Clock

func realClock() Clock {
	return clockwork.NewRealClock()
}
