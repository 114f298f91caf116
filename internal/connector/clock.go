package connector

import "time"

// Clock supplies the timers that drive reconnects and keep-alives.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the client uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall-clock implementation backed by package time.
type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
