// Package fixedpoint implements the deterministic scaled-integer arithmetic
// used by the pricing engine. A Value is a signed 64-bit integer scaled by
// 1e9, so 1.0 is stored as 1_000_000_000 and the smallest representable
// step is 1e-9. All operations are branch-deterministic: equal inputs give
// equal outputs on every platform.
package fixedpoint

import (
	"fmt"
	"math"
	"math/bits"
)

// Scale is the number of raw units per 1.0.
const Scale int64 = 1_000_000_000

// Value is a fixed-point number with nine decimal digits of precision.
// Addition and subtraction work with the native + and - operators;
// multiplication, division and square roots go through the methods below,
// which carry the intermediate product at 128-bit width.
type Value int64

// One is the fixed-point representation of 1.0.
const One Value = Value(Scale)

// Extremes used when an operation overflows the representable range.
const (
	maxValue Value = math.MaxInt64
	minValue Value = math.MinInt64 + 1
)

// FromInt converts an integer quantity to a Value.
func FromInt(n int64) Value { return Value(n) * One }

// FromFloat converts a float to the nearest Value. Meant for configuration
// boundaries, table construction and tests, not for hot paths.
func FromFloat(f float64) Value {
	return Value(math.Round(f * float64(Scale)))
}

// Float returns the float64 approximation of v.
func (v Value) Float() float64 { return float64(v) / float64(Scale) }

// Raw returns the underlying scaled integer.
func (v Value) Raw() int64 { return int64(v) }

// Abs returns the magnitude of v.
func (v Value) Abs() Value {
	if v < 0 {
		return -v
	}
	return v
}

// Clamp limits v to [lo, hi].
func (v Value) Clamp(lo, hi Value) Value {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Mul returns v*o at full intermediate precision, truncated toward zero.
// Products beyond the int64 range saturate at the extremes.
func (v Value) Mul(o Value) Value {
	neg := (v < 0) != (o < 0)
	hi, lo := bits.Mul64(magnitude(v), magnitude(o))
	if hi >= uint64(Scale) {
		return saturated(neg)
	}
	q, _ := bits.Div64(hi, lo, uint64(Scale))
	return signed(q, neg)
}

// Div returns v/o at full intermediate precision, truncated toward zero.
// Division by zero and quotients beyond the int64 range saturate.
func (v Value) Div(o Value) Value {
	if o == 0 {
		return saturated(v < 0)
	}
	neg := (v < 0) != (o < 0)
	d := magnitude(o)
	hi, lo := bits.Mul64(magnitude(v), uint64(Scale))
	if hi >= d {
		return saturated(neg)
	}
	q, _ := bits.Div64(hi, lo, d)
	return signed(q, neg)
}

// Sqrt returns the square root of v, or zero for non-positive input. The
// result is the integer square root of raw*Scale: a float estimate seeds
// the answer and integer Newton steps pin it to the exact floor.
func (v Value) Sqrt() Value {
	if v <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(v), uint64(Scale))
	r := uint64(math.Sqrt(float64(v) * float64(Scale)))
	if r == 0 {
		r = 1
	}
	for range 4 {
		q, _ := bits.Div64(hi, lo, r)
		next := (r + q) / 2
		if next >= r {
			break
		}
		r = next
	}
	// the float seed may sit one below the floor
	for {
		nh, nl := bits.Mul64(r+1, r+1)
		if nh > hi || (nh == hi && nl > lo) {
			break
		}
		r++
	}
	return Value(r)
}

func (v Value) String() string {
	whole := int64(v) / Scale
	frac := int64(v) % Scale
	sign := ""
	if v < 0 {
		whole, frac = -whole, -frac
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%09d", sign, whole, frac)
}

func magnitude(v Value) uint64 {
	if v < 0 {
		return uint64(-int64(v))
	}
	return uint64(v)
}

func saturated(neg bool) Value {
	if neg {
		return minValue
	}
	return maxValue
}

func signed(q uint64, neg bool) Value {
	if q > uint64(maxValue) {
		return saturated(neg)
	}
	if neg {
		return Value(-int64(q))
	}
	return Value(q)
}
