// Package sed implements the spectral energy distribution transforms served
// over the bus: single-spectrum redshift, interpolation and integration, and
// the stack operations (normalize, redshift, combine).
package sed

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
)

var errTooFewPoints = errors.New("at least two points are required")

// Segment is one spectrum of a stack. Z is NaN when the redshift is unknown.
type Segment struct {
	ID           string
	X, Y, Yerr   []float64
	Z            float64
	NormConstant float64
	Counts       []float64
}

// checkLengths verifies that y (and yerr, when given) match x.
func checkLengths(x, y, yerr []float64) error {
	if len(y) != len(x) {
		return fmt.Errorf("y has %d values, x has %d", len(y), len(x))
	}
	if yerr != nil && len(yerr) != len(x) {
		return fmt.Errorf("yerr has %d values, x has %d", len(yerr), len(x))
	}
	return nil
}

// Redshift moves a spectrum observed at fromZ to toZ. Wavelengths scale by
// (1+toZ)/(1+fromZ); fluxes and errors by the inverse.
func Redshift(x, y, yerr []float64, fromZ, toZ float64) (nx, ny, nyerr []float64, err error) {
	if err := checkLengths(x, y, yerr); err != nil {
		return nil, nil, nil, err
	}
	if fromZ <= -1 || toZ <= -1 {
		return nil, nil, nil, fmt.Errorf("redshift must be greater than -1")
	}
	k := (1 + toZ) / (1 + fromZ)
	nx = scale(x, k)
	ny = scale(y, 1/k)
	if yerr != nil {
		nyerr = scale(yerr, 1/k)
	}
	return nx, ny, nyerr, nil
}

func scale(v []float64, k float64) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = f * k
	}
	return out
}

// FilterNaN drops every pair where x or y is NaN.
func FilterNaN(x, y []float64) ([]float64, []float64) {
	fx := make([]float64, 0, len(x))
	fy := make([]float64, 0, len(y))
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		fx = append(fx, x[i])
		fy = append(fy, y[i])
	}
	return fx, fy
}

// sortedPairs returns copies of x and y ordered by x.
func sortedPairs(x, y []float64) ([]float64, []float64) {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	sx := make([]float64, len(x))
	sy := make([]float64, len(y))
	for i, j := range idx {
		sx[i], sy[i] = x[j], y[j]
	}
	return sx, sy
}

// trapz integrates y over x with the trapezoid rule. Points need not be
// sorted; NaN pairs are ignored.
func trapz(x, y []float64) (float64, error) {
	fx, fy := FilterNaN(x, y)
	if len(fx) < 2 {
		return 0, errTooFewPoints
	}
	sx, sy := sortedPairs(fx, fy)
	return integrate.Trapezoidal(sx, sy), nil
}
