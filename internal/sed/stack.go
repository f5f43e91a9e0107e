package sed

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Operator is how a normalisation constant is applied.
type Operator int

const (
	Multiply Operator = iota
	Add
)

// Statistic reduces per-segment values (normalize) or per-bin values
// (combine).
type Statistic string

const (
	StatValue  Statistic = "value"
	StatAvg    Statistic = "avg"
	StatMedian Statistic = "median"
	StatWAvg   Statistic = "wavg"
	StatSum    Statistic = "sum"
)

// NormalizeOptions configures Normalize. XMin/XMax may be ±Inf to mean the
// full extent of the stack.
type NormalizeOptions struct {
	Operator  Operator
	Integrate bool
	X0, Y0    float64
	XMin      float64
	XMax      float64
	Stats     Statistic
}

// Normalize brings every segment to a common level, either at X0 or by the
// integral over [XMin, XMax]. Segments that cannot be measured are left
// untouched and reported as excluded. NormConstant is set on every segment.
func Normalize(segs []*Segment, o NormalizeOptions) (excluded []string, err error) {
	switch o.Stats {
	case StatValue, StatAvg, StatMedian:
	default:
		return nil, fmt.Errorf("unknown normalization statistic %q", o.Stats)
	}

	measured := make([]float64, len(segs))
	ok := make([]bool, len(segs))
	var vals []float64
	for i, s := range segs {
		if err := checkLengths(s.X, s.Y, s.Yerr); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		v, mok := measure(s, o)
		if !mok {
			excluded = append(excluded, segmentID(s, i))
			continue
		}
		measured[i], ok[i] = v, true
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return excluded, fmt.Errorf("no segment could be normalized")
	}

	var target float64
	switch o.Stats {
	case StatValue:
		target = o.Y0
	case StatAvg:
		target = stat.Mean(vals, nil)
	case StatMedian:
		target = median(vals)
	}

	for i, s := range segs {
		identity := 1.0
		if o.Operator == Add {
			identity = 0
		}
		s.NormConstant = identity
		if !ok[i] {
			continue
		}
		if o.Operator == Add {
			c := target - measured[i]
			s.NormConstant = c
			s.Y = shift(s.Y, c)
			continue
		}
		if measured[i] == 0 {
			return nil, fmt.Errorf("segment %s has zero flux at the normalization point", segmentID(s, i))
		}
		c := target / measured[i]
		s.NormConstant = c
		s.Y = scale(s.Y, c)
		if s.Yerr != nil {
			s.Yerr = scale(s.Yerr, c)
		}
	}
	return excluded, nil
}

func measure(s *Segment, o NormalizeOptions) (float64, bool) {
	if !o.Integrate {
		fx, fy := FilterNaN(s.X, s.Y)
		if len(fx) == 0 || o.X0 < floats.Min(fx) || o.X0 > floats.Max(fx) {
			return 0, false
		}
		sx, sy := sortedPairs(fx, fy)
		return sy[nearest(sx, o.X0)], true
	}
	var wx, wy []float64
	for i, v := range s.X {
		if v >= o.XMin && v <= o.XMax {
			wx = append(wx, v)
			wy = append(wy, s.Y[i])
		}
	}
	area, err := trapz(wx, wy)
	if err != nil {
		return 0, false
	}
	return area, true
}

func shift(v []float64, c float64) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = f + c
	}
	return out
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func segmentID(s *Segment, i int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("segment%d", i)
}

// RedshiftStack shifts every segment with a known redshift to z0. With
// correctFlux the fluxes are scaled to conserve the integrated flux.
// Segments without a usable Z are left as they are and reported as excluded.
func RedshiftStack(segs []*Segment, z0 float64, correctFlux bool) (excluded []string, err error) {
	if z0 <= -1 || math.IsNaN(z0) {
		return nil, fmt.Errorf("z0 must be greater than -1")
	}
	for i, s := range segs {
		if err := checkLengths(s.X, s.Y, s.Yerr); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if math.IsNaN(s.Z) || math.IsInf(s.Z, 0) || s.Z <= -1 {
			excluded = append(excluded, segmentID(s, i))
			continue
		}
		nx := scale(s.X, (1+z0)/(1+s.Z))
		if correctFlux {
			c, err := fluxCorrection(s.X, nx, s.Y)
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", segmentID(s, i), err)
			}
			s.Y = scale(s.Y, c)
			if s.Yerr != nil {
				s.Yerr = scale(s.Yerr, c)
			}
		}
		s.X = nx
	}
	return excluded, nil
}

// fluxCorrection is ∫y dx / ∫y dx' for the original and shifted grids.
func fluxCorrection(x, nx, y []float64) (float64, error) {
	before, err := trapz(x, y)
	if err != nil {
		return 0, err
	}
	after, err := trapz(nx, y)
	if err != nil {
		return 0, err
	}
	if after == 0 {
		return 1, nil
	}
	return before / after, nil
}

type binPoint struct{ u, y, yerr float64 }

// CombineOptions configures Combine.
type CombineOptions struct {
	BinSize       float64
	Statistic     Statistic
	Smooth        bool
	SmoothBinSize int
	LogBin        bool
}

// Combine bins every point of the stack onto a common grid and reduces each
// bin with the chosen statistic. Bins are centred on multiples of BinSize
// from the smallest x; empty bins are dropped. Counts holds the number of
// points per bin and Yerr the errors added in quadrature (divided by the
// count for avg and median).
func Combine(segs []*Segment, o CombineOptions) (*Segment, error) {
	if !(o.BinSize > 0) {
		return nil, fmt.Errorf("binsize must be positive")
	}
	switch o.Statistic {
	case StatAvg, StatMedian, StatWAvg, StatSum:
	default:
		return nil, fmt.Errorf("unknown stacking statistic %q", o.Statistic)
	}

	var pts []binPoint
	for i, s := range segs {
		if err := checkLengths(s.X, s.Y, s.Yerr); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		for j, x := range s.X {
			if math.IsNaN(x) || math.IsNaN(s.Y[j]) {
				continue
			}
			u := x
			if o.LogBin {
				if x <= 0 {
					continue
				}
				u = math.Log10(x)
			}
			e := math.NaN()
			if s.Yerr != nil {
				e = s.Yerr[j]
			}
			pts = append(pts, binPoint{u: u, y: s.Y[j], yerr: e})
		}
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("stack has no valid points")
	}

	umin := pts[0].u
	for _, p := range pts {
		umin = math.Min(umin, p.u)
	}
	bins := map[int][]binPoint{}
	for _, p := range pts {
		k := int(math.Floor((p.u-umin)/o.BinSize + 0.5))
		bins[k] = append(bins[k], p)
	}
	keys := make([]int, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	out := &Segment{Z: math.NaN()}
	for _, k := range keys {
		b := bins[k]
		ys := make([]float64, len(b))
		errs := make([]float64, len(b))
		var sq float64
		for i, p := range b {
			ys[i], errs[i] = p.y, p.yerr
			if !math.IsNaN(p.yerr) {
				sq += p.yerr * p.yerr
			}
		}
		n := float64(len(b))
		qerr := math.Sqrt(sq)

		var y, yerr float64
		switch o.Statistic {
		case StatAvg:
			y, yerr = stat.Mean(ys, nil), qerr/n
		case StatMedian:
			y, yerr = median(ys), qerr/n
		case StatSum:
			y, yerr = floats.Sum(ys), qerr
		case StatWAvg:
			y, yerr = weightedMean(ys, errs), qerr
		}

		x := umin + float64(k)*o.BinSize
		if o.LogBin {
			x = math.Pow(10, x)
		}
		out.X = append(out.X, x)
		out.Y = append(out.Y, y)
		out.Yerr = append(out.Yerr, yerr)
		out.Counts = append(out.Counts, n)
	}

	if o.Smooth {
		sm, err := Smooth(out.Y, o.SmoothBinSize)
		if err != nil {
			return nil, err
		}
		out.Y = sm
	}
	return out, nil
}

// weightedMean weights by 1/err². Without usable errors it falls back to the
// plain mean.
func weightedMean(ys, errs []float64) float64 {
	w := make([]float64, len(ys))
	for i, e := range errs {
		if math.IsNaN(e) || e <= 0 {
			return stat.Mean(ys, nil)
		}
		w[i] = 1 / (e * e)
	}
	return stat.Mean(ys, w)
}
