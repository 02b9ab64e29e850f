// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits a value to lie between low and high
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// MillisToDuration converts a floating point number of milliseconds to a time.Duration
func MillisToDuration(ms float64) time.Duration {
	return SecsToDuration(ms / 1e3)
}

// UniqueString returns a copy of the input with duplicates removed, preserving order
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
