package utils

import (
	"math"
	"time"
)

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero.
func SetDefaultNum[T Number](p *T, d T) {
	if *p == 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// ClampMin returns v, or min if v is smaller.
func ClampMin[T Number](v, min T) T {
	if v < min {
		return min
	}
	return v
}

// RoundMillis converts f nanoseconds to a Duration rounded to the nearest
// whole millisecond.
func RoundMillis(f float64) time.Duration {
	return time.Duration(math.Round(f/float64(time.Millisecond))) * time.Millisecond
}

// Ratio returns a/b, or 0 if b is 0.
func Ratio(a, b uint64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
