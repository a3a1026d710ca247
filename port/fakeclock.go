package port

import "sync/atomic"

// FakeClock is a deterministic stand-in for the 20 kHz tick counter,
// used by rtu package tests to exercise t1.5/t3.5 timing edge cases
// (inter-character timeout, 3.5-char silence) without real sleeps.
type FakeClock struct {
	ticks uint32
}

// Now returns the current Clock reading.
func (f *FakeClock) Now() uint16 {
	return uint16(atomic.LoadUint32(&f.ticks))
}

// Advance moves the clock forward by n ticks, wrapping modulo 2^16 the
// same way the real 16-bit hardware counter does.
func (f *FakeClock) Advance(n uint16) {
	atomic.AddUint32(&f.ticks, uint32(n))
}

// Clock returns a port.Clock function bound to this FakeClock.
func (f *FakeClock) Clock() Clock {
	return f.Now
}
