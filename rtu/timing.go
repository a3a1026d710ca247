package rtu

// Timing holds the inter-character (t1.5) and inter-frame (t3.5) gap
// thresholds, expressed in 50 µs ticks of the port's 20 kHz clock.
type Timing struct {
	T1_5 uint16
	T3_5 uint16
}

// ComputeTiming derives Timing from a baud rate per the Modbus RTU
// timing rule: above 19200 baud the gaps are fixed at 750 µs / 1750 µs
// (16 / 36 ticks); at or below 19200 baud they scale with an 11-bit
// character time and a fixed +1 tick of slack.
func ComputeTiming(baud int) Timing {
	if baud > 19200 {
		return Timing{T1_5: 16, T3_5: 36}
	}
	return Timing{
		T1_5: uint16(ceilDiv(330000, baud) + 1),
		T3_5: uint16(ceilDiv(770000, baud) + 1),
	}
}

func ceilDiv(num, den int) int {
	return (num + den - 1) / den
}

// elapsed computes now-earlier modulo 2^16, matching the free-running
// 16-bit tick counter's implicit wraparound handling.
func elapsed(now, earlier uint16) uint16 {
	return now - earlier
}
