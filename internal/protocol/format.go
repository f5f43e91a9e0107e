package protocol

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrNoOutput is returned when a worker exits without writing a response.
var ErrNoOutput = errors.New("worker produced no output on stdout")

// FormatFloat renders v the way result maps carry scalars: shortest
// round-trip text, always with a decimal point or exponent, and nan/inf
// spelled in lower case.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// FormatFlag renders a boolean as "1" or "0".
func FormatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
