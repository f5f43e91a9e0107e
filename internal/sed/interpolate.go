package sed

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// Method selects an interpolation scheme.
type Method int

const (
	Neville Method = iota + 1
	Linear
	NearestNeighbor
	LinearSpline
)

// ParseMethod maps the wire names ("Neville", "Linear", "Nearest Neighbor",
// "Linear Spline") to a Method.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "Neville":
		return Neville, nil
	case "Linear":
		return Linear, nil
	case "Nearest Neighbor":
		return NearestNeighbor, nil
	case "Linear Spline":
		return LinearSpline, nil
	default:
		return 0, fmt.Errorf("unknown interpolation method %q", name)
	}
}

// Grid is the output sampling of Interpolate.
type Grid struct {
	Min, Max float64
	Bins     int
	Log      bool
}

// Interpolate resamples (x, y) on g. The grid bounds are clipped to the data
// range.
func Interpolate(x, y []float64, m Method, g Grid) ([]float64, []float64, error) {
	if err := checkLengths(x, y, nil); err != nil {
		return nil, nil, err
	}
	fx, fy := FilterNaN(x, y)
	if len(fx) < 2 {
		return nil, nil, errTooFewPoints
	}
	sx, sy := dedupe(sortedPairs(fx, fy))
	if len(sx) < 2 {
		return nil, nil, errTooFewPoints
	}
	if g.Bins < 2 {
		return nil, nil, fmt.Errorf("n_bins must be at least 2, got %d", g.Bins)
	}

	lo := math.Max(g.Min, sx[0])
	hi := math.Min(g.Max, sx[len(sx)-1])
	if !(lo < hi) {
		return nil, nil, fmt.Errorf("empty interpolation range [%g, %g]", lo, hi)
	}
	grid := make([]float64, g.Bins)
	if g.Log {
		if lo <= 0 {
			return nil, nil, fmt.Errorf("log binning needs positive x, got min %g", lo)
		}
		floats.LogSpan(grid, lo, hi)
	} else {
		floats.Span(grid, lo, hi)
	}

	predict, err := predictor(m, sx, sy)
	if err != nil {
		return nil, nil, err
	}
	out := make([]float64, len(grid))
	for i, v := range grid {
		out[i] = predict(v)
	}
	return grid, out, nil
}

func predictor(m Method, xs, ys []float64) (func(float64) float64, error) {
	switch m {
	case Linear, LinearSpline:
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, err
		}
		return pl.Predict, nil
	case NearestNeighbor:
		return func(v float64) float64 { return ys[nearest(xs, v)] }, nil
	case Neville:
		return func(v float64) float64 { return neville(xs, ys, v) }, nil
	default:
		return nil, fmt.Errorf("unknown interpolation method %d", m)
	}
}

// nearest returns the index of the element of sorted xs closest to v.
func nearest(xs []float64, v float64) int {
	i := sort.SearchFloat64s(xs, v)
	switch {
	case i == 0:
		return 0
	case i == len(xs):
		return len(xs) - 1
	case v-xs[i-1] <= xs[i]-v:
		return i - 1
	default:
		return i
	}
}

// neville evaluates the interpolating polynomial through every point at v.
func neville(xs, ys []float64, v float64) float64 {
	p := append([]float64(nil), ys...)
	n := len(xs)
	for k := 1; k < n; k++ {
		for i := 0; i < n-k; i++ {
			p[i] = ((v-xs[i+k])*p[i] + (xs[i]-v)*p[i+1]) / (xs[i] - xs[i+k])
		}
	}
	return p[0]
}

// dedupe keeps the first point of each run of equal x in sorted data.
func dedupe(xs, ys []float64) ([]float64, []float64) {
	ox, oy := xs[:0:0], ys[:0:0]
	for i := range xs {
		if i > 0 && xs[i] == xs[i-1] {
			continue
		}
		ox = append(ox, xs[i])
		oy = append(oy, ys[i])
	}
	return ox, oy
}

// Smooth applies a boxcar average of width box. Windows are truncated at the
// edges.
func Smooth(y []float64, box int) ([]float64, error) {
	if box < 1 {
		return nil, fmt.Errorf("box_size must be positive, got %d", box)
	}
	half := box / 2
	out := make([]float64, len(y))
	for i := range y {
		lo, hi := max(i-half, 0), min(i+box-half, len(y))
		out[i] = floats.Sum(y[lo:hi]) / float64(hi-lo)
	}
	return out, nil
}

// Normalise scales y so the spectrum integrates to one.
func Normalise(x, y []float64) ([]float64, error) {
	area, err := trapz(x, y)
	if err != nil {
		return nil, err
	}
	if area == 0 {
		return nil, fmt.Errorf("cannot normalise a spectrum with zero integral")
	}
	return scale(y, 1/math.Abs(area)), nil
}
