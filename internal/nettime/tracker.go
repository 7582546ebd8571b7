// Package nettime paces local simulation time against the network time
// granted by the host.
package nettime

import (
	"errors"
	"fmt"
	"time"

	"lockstepd/logging"
)

// ErrTimeRunningBackwards reports a received network time lower than one
// received before. It is a protocol violation by the sender.
var ErrTimeRunningBackwards = errors.New("nettime: network time running backwards")

// Tracker converts wall-clock progress into game time, never passing the
// latest network time received. When the local time lags, the tracker keeps
// an averaged latency estimate and speeds up to work it off.
type Tracker struct {
	clock       logging.Clock
	initialized bool
	networkTime int32
	time        int32
	lastFrame   time.Time
	latency     int32
	remainder   int64
}

// NewTracker returns an uninitialized tracker. A nil clock reads the wall
// clock.
func NewTracker(clock logging.Clock) *Tracker {
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Tracker{clock: clock}
}

// Reset sets both the local and the network time to t.
func (t *Tracker) Reset(at int32) {
	t.initialized = true
	t.networkTime = at
	t.time = at
	t.lastFrame = t.clock.Now()
	t.latency = 0
	t.remainder = 0
}

// Initialized reports whether Reset has been called.
func (t *Tracker) Initialized() bool {
	return t.initialized
}

// Receive raises the network time bound.
func (t *Tracker) Receive(at int32) error {
	if at < t.networkTime {
		return fmt.Errorf("%w: had %d, received %d", ErrTimeRunningBackwards, t.networkTime, at)
	}
	behind := t.networkTime - t.time
	if behind < t.latency {
		t.latency = behind
	} else {
		t.latency = (t.latency*7 + behind) / 8
	}
	t.networkTime = at
	return nil
}

// Think advances local time by the wall-clock time since the previous call,
// scaled by speed in thousandths.
func (t *Tracker) Think(speed uint16) {
	now := t.clock.Now()
	elapsed := now.Sub(t.lastFrame).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.lastFrame = now
	if speed == 0 {
		return
	}

	scaled := elapsed*int64(speed) + t.remainder
	delta := int32(scaled / 1000)
	t.remainder = scaled % 1000

	var speedup int32
	switch {
	case t.latency > 10*delta:
		speedup = t.latency / 3
	case t.latency > delta:
		speedup = delta / 8
	}
	if speedup > t.latency {
		speedup = t.latency
	}
	t.latency -= speedup

	t.time += delta + speedup
	if t.time > t.networkTime {
		t.time = t.networkTime
		t.remainder = 0
	}
}

// FastForward jumps local time to the network time.
func (t *Tracker) FastForward() {
	t.time = t.networkTime
	t.lastFrame = t.clock.Now()
	t.remainder = 0
}

// Time reports the local game time.
func (t *Tracker) Time() int32 {
	return t.time
}

// NetworkTime reports the highest network time received.
func (t *Tracker) NetworkTime() int32 {
	return t.networkTime
}

// Latency reports the current latency estimate in game milliseconds.
func (t *Tracker) Latency() int32 {
	return t.latency
}
