package fixedpoint

import "math"

// Lookup tables for the standard normal distribution: 801 samples over
// [-4, 4] at 0.01 steps, linearly interpolated between neighbours. The
// tables are built once at startup and never mutated afterwards, so reads
// need no synchronization.
const (
	tableSize       = 801
	tableMin  Value = -4 * One
	tableMax  Value = 4 * One
	tableStep Value = Value(Scale / 100)
)

var (
	cdfTable [tableSize]Value
	pdfTable [tableSize]Value
)

func init() {
	for i := range tableSize {
		x := -4.0 + float64(i)*0.01
		cdfTable[i] = FromFloat(0.5 * (1 + math.Erf(x/math.Sqrt2)))
		pdfTable[i] = FromFloat(math.Exp(-x*x/2) / math.Sqrt(2*math.Pi))
	}
}

// PhiCDF returns the standard normal CDF Φ(x). Inputs beyond the tabled
// range clamp to the asymptotes 0 and 1.
func PhiCDF(x Value) Value {
	if x < tableMin {
		return 0
	}
	if x > tableMax {
		return One
	}
	return interpolate(cdfTable[:], x)
}

// PhiPDF returns the standard normal PDF φ(x), zero beyond the tabled
// range where the true density is below 1.4e-4.
func PhiPDF(x Value) Value {
	if x < tableMin || x > tableMax {
		return 0
	}
	return interpolate(pdfTable[:], x)
}

func interpolate(table []Value, x Value) Value {
	off := x - tableMin
	idx := int(off / tableStep)
	if idx >= tableSize-1 {
		return table[tableSize-1]
	}
	frac := off % tableStep
	lo, hi := table[idx], table[idx+1]
	return lo + Value(int64(hi-lo)*int64(frac)/int64(tableStep))
}
