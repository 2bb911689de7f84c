// Package numfmt formats numbers the way template authors expect to see them
// printed: floats always keep a fractional part or an exponent, and switch to
// exponent notation only for very large or very small magnitudes.
package numfmt

import (
	"math"
	"strconv"
	"strings"
)

// Float formats f in shortest round-trip form, e.g. 1.0, 0.5, 1.234e+57.
func Float(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}
	exp := int(math.Floor(math.Log10(math.Abs(f))))
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
