package lite

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/sherpa-gw/internal/engine"
)

func (s *session) RunConfidence(ctx context.Context, progress func(string)) (*engine.ConfidenceResult, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if _, err := s.pairs(); err != nil {
		return nil, err
	}
	pars := s.thawed()
	if len(pars) == 0 {
		return nil, fmt.Errorf("model has no thawed parameters")
	}
	sigma := s.confOpts.num("sigma", 1)
	res := &engine.ConfidenceResult{
		Sigma:   sigma,
		Percent: math.Erf(sigma/math.Sqrt2) * 100,
		ParVals: values(pars),
	}
	for _, p := range pars {
		res.ParNames = append(res.ParNames, p.fullname)
	}

	errs, err := s.covariance(pars)
	if err != nil && s.conf == engine.ConfidenceCovar {
		return nil, err
	}
	if s.conf == engine.ConfidenceCovar {
		for _, e := range errs {
			res.ParMins = append(res.ParMins, -sigma*e)
			res.ParMaxes = append(res.ParMaxes, sigma*e)
		}
		return res, nil
	}

	best, err := s.statValue()
	if err != nil {
		return nil, err
	}
	for i, p := range pars {
		guess := 0.0
		if errs != nil {
			guess = sigma * errs[i]
		}
		lower, err := s.profileBound(ctx, pars, i, -1, best+sigma*sigma, guess)
		if err != nil {
			return nil, err
		}
		progress(fmt.Sprintf("%s lower bound:\t%s", p.fullname, formatBound(lower)))
		upper, err := s.profileBound(ctx, pars, i, 1, best+sigma*sigma, guess)
		if err != nil {
			return nil, err
		}
		progress(fmt.Sprintf("%s upper bound:\t%s", p.fullname, formatBound(upper)))
		res.ParMins = append(res.ParMins, lower)
		res.ParMaxes = append(res.ParMaxes, upper)
	}
	return res, nil
}

func formatBound(v float64) string {
	if math.IsNaN(v) {
		return "-----"
	}
	return fmt.Sprintf("%.6g", v)
}

// covariance returns one-sigma parameter errors from the inverse of the
// curvature matrix at the current parameter values.
func (s *session) covariance(pars []*param) ([]float64, error) {
	n := len(pars)
	x0 := values(pars)
	defer setValues(pars, x0)
	eps := s.confOpts.num("eps", 0.01)
	if eps <= 0 || eps >= 1 {
		eps = 0.01
	}

	var curv *mat.Dense
	if s.stat.chi2Like() {
		r0, err := s.residuals()
		if err != nil {
			return nil, err
		}
		jac := mat.NewDense(len(r0), n, nil)
		for j := range pars {
			h := math.Sqrt(epsilon) * math.Max(math.Abs(x0[j]), 1)
			x := append([]float64(nil), x0...)
			x[j] += h
			setValues(pars, x)
			rp, err := s.residuals()
			if err != nil {
				return nil, err
			}
			x[j] = x0[j] - h
			setValues(pars, x)
			rm, err := s.residuals()
			if err != nil {
				return nil, err
			}
			for i := range r0 {
				jac.Set(i, j, (rp[i]-rm[i])/(2*h))
			}
		}
		curv = mat.NewDense(n, n, nil)
		curv.Mul(jac.T(), jac)
	} else {
		f := func(x []float64) (float64, error) {
			setValues(pars, x)
			return s.statValue()
		}
		h := make([]float64, n)
		for i := range h {
			h[i] = eps * math.Max(math.Abs(x0[i]), 1)
		}
		curv = mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				var vals [4]float64
				for k, sg := range [4][2]float64{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}} {
					x := append([]float64(nil), x0...)
					x[i] += sg[0] * h[i]
					x[j] += sg[1] * h[j]
					v, err := f(x)
					if err != nil {
						return nil, err
					}
					vals[k] = v
				}
				// Half the Hessian so the inverse is the covariance.
				v := (vals[0] - vals[1] - vals[2] + vals[3]) / (8 * h[i] * h[j])
				curv.Set(i, j, v)
				curv.Set(j, i, v)
			}
		}
	}

	var cov mat.Dense
	if err := cov.Inverse(curv); err != nil {
		return nil, fmt.Errorf("covariance matrix is singular: %w", err)
	}
	out := make([]float64, n)
	for i := range out {
		v := cov.At(i, i)
		if v < 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = math.Sqrt(v)
	}
	return out, nil
}

// profileBound searches along parameter idx in direction dir for the offset
// at which the re-minimised statistic reaches target. The offset is signed;
// NaN means the bound lies beyond the parameter limit.
func (s *session) profileBound(ctx context.Context, pars []*param, idx int, dir float64, target, guess float64) (float64, error) {
	x0 := values(pars)
	defer setValues(pars, x0)
	p := pars[idx]
	others := make([]*param, 0, len(pars)-1)
	for i, q := range pars {
		if i != idx {
			others = append(others, q)
		}
	}
	maxiters := int(s.confOpts.num("maxiters", 200))
	remin := s.confOpts.flag("remin", true)

	excess := func(d float64) (float64, error) {
		setValues(pars, x0)
		p.val = x0[idx] + dir*d
		if len(others) > 0 && remin {
			if _, err := s.minimise(ctx, others); err != nil {
				return 0, err
			}
		}
		v, err := s.statValue()
		if err != nil {
			return 0, err
		}
		return v - target, nil
	}

	limit := p.max - x0[idx]
	if dir < 0 {
		limit = x0[idx] - p.min
	}
	lo := 0.0
	hi := guess
	if !(hi > 0) || math.IsInf(hi, 0) {
		hi = 0.1 * math.Max(math.Abs(x0[idx]), 1)
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if hi > limit {
			hi = limit
		}
		g, err := excess(hi)
		if err != nil {
			return 0, err
		}
		if g >= 0 {
			break
		}
		if hi >= limit || i >= 60 {
			return math.NaN(), nil
		}
		lo = hi
		hi *= 2
	}

	resolution := 1e-9 * math.Max(math.Abs(x0[idx]), 1)
	for i := 0; i < maxiters && hi-lo > resolution; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := (lo + hi) / 2
		g, err := excess(mid)
		if err != nil {
			return 0, err
		}
		if g >= 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return dir * (lo + hi) / 2, nil
}
