package lite

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type statKind int

const (
	statLeastSq statKind = iota + 1
	statChi2
	statChi2Gehrels
	statChi2DataVar
	statChi2ModVar
	statCash
	statCStat
)

var statNames = map[string]statKind{
	"leastsq":     statLeastSq,
	"chi2":        statChi2,
	"chi2gehrels": statChi2Gehrels,
	"chi2datavar": statChi2DataVar,
	"chi2modvar":  statChi2ModVar,
	"cash":        statCash,
	"cstat":       statCStat,
}

func parseStat(name string) (statKind, error) {
	k, ok := statNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown statistic %q", name)
	}
	return k, nil
}

// chi2Like reports whether the statistic is a sum of squared weighted
// residuals, so least-squares optimizers and chi-square q-values apply.
func (k statKind) chi2Like() bool {
	switch k {
	case statLeastSq, statChi2, statChi2Gehrels, statChi2DataVar, statChi2ModVar:
		return true
	default:
		return false
	}
}

var errNoStatError = errors.New("chi2 requires a staterror column for every dataset")

// sigmas returns the per-point errors used to weight residuals.
func (k statKind) sigmas(d *dataset, model []float64) ([]float64, error) {
	out := make([]float64, len(d.y))
	for i, y := range d.y {
		var s float64
		switch {
		case d.staterr != nil:
			s = d.staterr[i]
		case k == statLeastSq:
			s = 1
		case k == statChi2:
			return nil, errNoStatError
		case k == statChi2Gehrels:
			s = 1 + math.Sqrt(math.Abs(y)+0.75)
		case k == statChi2DataVar:
			s = math.Sqrt(math.Abs(y))
		case k == statChi2ModVar:
			s = math.Sqrt(math.Abs(model[i]))
		}
		if d.syserr != nil {
			s = math.Hypot(s, d.syserr[i])
		}
		if s == 0 {
			return nil, fmt.Errorf("zero error at point %d of dataset %d", i, d.index)
		}
		out[i] = s
	}
	return out, nil
}

// residuals fills r with weighted residuals for chi2-like statistics.
func (k statKind) residuals(d *dataset, model []float64, r []float64) ([]float64, error) {
	sig, err := k.sigmas(d, model)
	if err != nil {
		return nil, err
	}
	for i := range d.y {
		r = append(r, (d.y[i]-model[i])/sig[i])
	}
	return r, nil
}

func (k statKind) value(d *dataset, model []float64) (float64, error) {
	if k.chi2Like() {
		r, err := k.residuals(d, model, nil)
		if err != nil {
			return 0, err
		}
		sum := 0.0
		for _, v := range r {
			sum += v * v
		}
		return sum, nil
	}
	sum := 0.0
	for i, y := range d.y {
		m := model[i]
		if m <= 0 {
			return hugeValue, nil
		}
		switch k {
		case statCash:
			sum += m - y*math.Log(m)
		case statCStat:
			if y > 0 {
				sum += m - y + y*math.Log(y/m)
			} else {
				sum += m
			}
		}
	}
	return 2 * sum, nil
}
