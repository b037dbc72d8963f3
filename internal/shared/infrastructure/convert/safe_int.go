// Package convert provides safe integer narrowing for driver APIs that
// take sized ints.
package convert

import "math"

// IntToInt32Clamped converts an int to int32, clamping at the int32
// bounds. Use where truncation is acceptable, such as pool sizes.
func IntToInt32Clamped(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
