package protocol

import "time"

// Timestamps are 32-bit millisecond readings of a monotonic clock, wrapped
// modulo 2^32. Differences use the half-space convention with threshold 2^31.

const deadlineHalf = 0x80000000

var clockEpoch = time.Now()

// NowMillis returns the current 32-bit millisecond clock reading.
func NowMillis() uint32 {
	return uint32(time.Since(clockEpoch).Milliseconds())
}

// Elapsed returns the milliseconds elapsed since the given reading,
// under 32-bit wraparound.
func Elapsed(since uint32) uint32 {
	return NowMillis() - since
}

// MakeDeadline returns a deadline after ms milliseconds from now, wrapped.
func MakeDeadline(now, after uint32) uint32 {
	return now + after
}

// TimeToDeadline returns the milliseconds remaining until deadline, or 0 if
// the deadline has passed.
func TimeToDeadline(now, deadline uint32) uint32 {
	delta := deadline - now
	if delta > deadlineHalf {
		return 0
	}
	return delta
}
