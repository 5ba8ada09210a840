// Package timebase converts timestamps between rational time bases with
// exact integer arithmetic.
package timebase

import (
	"math"
	"math/bits"
	"time"

	"github.com/zsiec/pushmux/media"
)

var nanosecond = media.Rational{Num: 1, Den: int32(time.Second)}

// Rescale converts ts from src ticks to dst ticks, computing
// ts * src.Num * dst.Den / (src.Den * dst.Num) with a 128-bit intermediate
// and rounding halves away from zero. Results that do not fit in an int64
// saturate. Both time bases must be valid.
func Rescale(ts int64, src, dst media.Rational) int64 {
	if src == dst || ts == 0 {
		return ts
	}
	num := uint64(src.Num) * uint64(dst.Den)
	den := uint64(src.Den) * uint64(dst.Num)

	neg := ts < 0
	var mag uint64
	if neg {
		mag = uint64(-(ts + 1)) + 1
	} else {
		mag = uint64(ts)
	}

	hi, lo := bits.Mul64(mag, num)
	var carry uint64
	lo, carry = bits.Add64(lo, den/2, 0)
	hi += carry
	if hi >= den {
		return saturate(neg)
	}
	q, _ := bits.Div64(hi, lo, den)

	if neg {
		if q == 0 {
			return 0
		}
		if q > 1<<63 {
			return math.MinInt64
		}
		return -int64(q - 1) - 1
	}
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

func saturate(neg bool) int64 {
	if neg {
		return math.MinInt64
	}
	return math.MaxInt64
}

// Duration converts ts in tb ticks to a time.Duration.
func Duration(ts int64, tb media.Rational) time.Duration {
	return time.Duration(Rescale(ts, tb, nanosecond))
}

// FromDuration converts d to ticks of tb.
func FromDuration(d time.Duration, tb media.Rational) int64 {
	return Rescale(int64(d), nanosecond, tb)
}
