package lite

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const epsilon = 1.1920928955078125e-07

type methodKind int

const (
	methodLevMar methodKind = iota + 1
	methodNelderMead
)

var methodOptions = map[methodKind][]string{
	methodLevMar:     {"epsfcn", "factor", "ftol", "gtol", "maxfev", "verbose", "xtol", "numcores"},
	methodNelderMead: {"finalsimplex", "ftol", "initsimplex", "iquad", "maxfev", "step", "verbose"},
}

func parseMethod(name string) (methodKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "levmar":
		return methodLevMar, nil
	case "neldermead", "simplex":
		return methodNelderMead, nil
	default:
		return 0, fmt.Errorf("unknown method %q", name)
	}
}

type fitOutcome struct {
	x         []float64
	nfev      int
	converged bool
	message   string
}

type residualFunc func(p []float64) ([]float64, error)
type scalarFunc func(p []float64) (float64, error)

func clamp(x, lo, hi []float64) {
	for i := range x {
		x[i] = math.Min(math.Max(x[i], lo[i]), hi[i])
	}
}

// levmar minimises the sum of squared residuals with a damped Gauss-Newton
// iteration. The Jacobian is estimated by forward differences.
func levmar(ctx context.Context, f residualFunc, x0, lo, hi []float64, o options) (fitOutcome, error) {
	n := len(x0)
	maxfev := int(o.num("maxfev", float64(1000*(n+1))))
	ftol := o.num("ftol", epsilon)
	xtol := o.num("xtol", epsilon)
	gtol := o.num("gtol", epsilon)
	epsfcn := o.num("epsfcn", epsilon)
	factor := o.num("factor", 100)

	x := append([]float64(nil), x0...)
	r, err := f(x)
	if err != nil {
		return fitOutcome{}, err
	}
	nfev := 1
	cost := floats.Dot(r, r)
	lambda := 1e-3
	m := len(r)
	if m < n {
		return fitOutcome{}, fmt.Errorf("%d data points cannot constrain %d free parameters", m, n)
	}

	for nfev < maxfev {
		if err := ctx.Err(); err != nil {
			return fitOutcome{}, err
		}
		if cost == 0 {
			return fitOutcome{x: x, nfev: nfev, converged: true, message: "both actual and predicted relative reductions in the sum of squares are at most ftol"}, nil
		}

		jac := mat.NewDense(m, n, nil)
		for j := 0; j < n; j++ {
			h := math.Sqrt(epsfcn) * math.Max(math.Abs(x[j]), 1)
			if x[j]+h > hi[j] {
				h = -h
			}
			xj := append([]float64(nil), x...)
			xj[j] += h
			rj, err := f(xj)
			if err != nil {
				return fitOutcome{}, err
			}
			for i := 0; i < m; i++ {
				jac.Set(i, j, (rj[i]-r[i])/h)
			}
		}
		nfev += n

		var a mat.Dense
		a.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(m, r))

		gmax := 0.0
		rnorm := math.Sqrt(cost)
		for j := 0; j < n; j++ {
			cn := math.Sqrt(a.At(j, j))
			if cn > 0 {
				gmax = math.Max(gmax, math.Abs(g.AtVec(j))/(cn*rnorm))
			}
		}
		if gmax <= gtol {
			return fitOutcome{x: x, nfev: nfev, converged: true, message: "the cosine of the angle between fvec and any column of the jacobian is at most gtol in absolute value"}, nil
		}

		for {
			b := mat.DenseCopyOf(&a)
			for j := 0; j < n; j++ {
				d := a.At(j, j)
				if d == 0 {
					d = 1e-12
				}
				b.Set(j, j, d*(1+lambda))
			}
			neg := mat.NewVecDense(n, nil)
			neg.ScaleVec(-1, &g)
			var step mat.VecDense
			if err := step.SolveVec(b, neg); err != nil {
				lambda *= factor
				if lambda > 1e16 {
					return fitOutcome{x: x, nfev: nfev, message: "damped normal equations are singular"}, nil
				}
				continue
			}

			xn := make([]float64, n)
			for j := range xn {
				xn[j] = x[j] + step.AtVec(j)
			}
			clamp(xn, lo, hi)
			rn, err := f(xn)
			if err != nil {
				return fitOutcome{}, err
			}
			nfev++
			costN := floats.Dot(rn, rn)

			if costN < cost {
				actual := (cost - costN) / cost
				dx := make([]float64, n)
				floats.SubTo(dx, xn, x)
				x, r, cost = xn, rn, costN
				lambda = math.Max(lambda/10, 1e-15)
				if actual <= ftol {
					return fitOutcome{x: x, nfev: nfev, converged: true, message: "both actual and predicted relative reductions in the sum of squares are at most ftol"}, nil
				}
				if floats.Norm(dx, 2) <= xtol*(floats.Norm(x, 2)+xtol) {
					return fitOutcome{x: x, nfev: nfev, converged: true, message: "the relative error between two consecutive iterates is at most xtol"}, nil
				}
				break
			}
			lambda *= 10
			if lambda > 1e16 {
				return fitOutcome{x: x, nfev: nfev, converged: true, message: "no further reduction in the sum of squares is possible"}, nil
			}
			if nfev >= maxfev {
				break
			}
		}
	}
	return fitOutcome{x: x, nfev: nfev, message: "number of function evaluations has exceeded maxfev"}, nil
}

// neldermead minimises a scalar statistic with the downhill simplex method.
// Points outside the parameter limits evaluate to a large constant.
func neldermead(ctx context.Context, f scalarFunc, x0, lo, hi []float64, o options) (fitOutcome, error) {
	n := len(x0)
	maxfev := int(o.num("maxfev", float64(1000*(n+1))))
	ftol := o.num("ftol", epsilon)
	step := o.num("step", 0)

	var evalErr error
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			if evalErr != nil || ctx.Err() != nil {
				return hugeValue
			}
			for i := range p {
				if p[i] < lo[i] || p[i] > hi[i] {
					return hugeValue
				}
			}
			v, err := f(p)
			if err != nil {
				evalErr = err
				return hugeValue
			}
			return v
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxfev,
		Converger: &optimize.FunctionConverge{
			Absolute:   ftol,
			Relative:   ftol,
			Iterations: 50 * (n + 1),
		},
	}
	nm := &optimize.NelderMead{}
	if step > 0 {
		nm.SimplexSize = step
	}
	res, err := optimize.Minimize(problem, x0, settings, nm)
	if cerr := ctx.Err(); cerr != nil {
		return fitOutcome{}, cerr
	}
	if evalErr != nil {
		return fitOutcome{}, evalErr
	}
	if res == nil {
		return fitOutcome{}, fmt.Errorf("neldermead: %w", err)
	}
	out := fitOutcome{
		x:         append([]float64(nil), res.X...),
		nfev:      res.Stats.FuncEvaluations,
		converged: err == nil,
		message:   res.Status.String(),
	}
	if err != nil {
		out.message = err.Error()
	}
	return out, nil
}
