// Package lite is a small reference compute engine built on gonum. It
// supports a handful of 1-D model components, the common fit statistics,
// Levenberg-Marquardt and Nelder-Mead optimisation, and covariance or
// profile confidence limits.
package lite

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mattjoyce/sherpa-gw/internal/engine"
)

// Name is the registry name of this engine.
const Name = "lite"

// Engine implements engine.Engine.
type Engine struct{}

// New returns the lite engine.
func New() *Engine { return &Engine{} }

func (*Engine) Name() string { return Name }

func (*Engine) NewSession() engine.Session {
	return &session{
		comps:  map[string]*component{},
		stat:   statChi2Gehrels,
		method: methodLevMar,
		conf:   engine.ConfidenceConf,
	}
}

type dataset struct {
	index   int
	x, y    []float64
	staterr []float64
	syserr  []float64
}

type session struct {
	data    []*dataset
	comps   map[string]*component
	sources []node
	used    [][]*component

	stat       statKind
	method     methodKind
	methodOpts options
	conf       engine.ConfidenceMethod
	confOpts   options
}

func (s *session) SetData(datasets []engine.Dataset) error {
	if len(datasets) == 0 {
		return fmt.Errorf("no datasets supplied")
	}
	data := make([]*dataset, 0, len(datasets))
	for i, d := range datasets {
		if len(d.X) == 0 {
			return fmt.Errorf("dataset %d has no x values", i)
		}
		if len(d.Y) != len(d.X) {
			return fmt.Errorf("dataset %d: y has %d values, x has %d", i, len(d.Y), len(d.X))
		}
		for name, col := range map[string][]float64{"staterror": d.StatError, "syserror": d.SysError, "weights": d.Weights} {
			if col != nil && len(col) != len(d.X) {
				return fmt.Errorf("dataset %d: %s has %d values, x has %d", i, name, len(col), len(d.X))
			}
		}
		data = append(data, &dataset{index: i, x: d.X, y: d.Y, staterr: d.StatError, syserr: d.SysError})
	}
	s.data = data
	return nil
}

// resolve returns the component named by ident. "type.name" creates the
// component on first use; a bare name must already exist.
func (s *session) resolve(ident string) (*component, error) {
	typ, name, qualified := strings.Cut(ident, ".")
	if !qualified {
		c, ok := s.comps[ident]
		if !ok {
			return nil, fmt.Errorf("model component %q is not defined", ident)
		}
		return c, nil
	}
	if name == "" || strings.Contains(name, ".") {
		return nil, fmt.Errorf("invalid model component %q", ident)
	}
	if c, ok := s.comps[name]; ok {
		if c.typ != strings.ToLower(typ) {
			return nil, fmt.Errorf("model component name %q is already used by a %s", name, c.typ)
		}
		return c, nil
	}
	c, err := newComponent(typ, name)
	if err != nil {
		return nil, err
	}
	s.comps[name] = c
	return c, nil
}

func (s *session) lookupParam(fullname string) (*param, error) {
	compName, parName, ok := strings.Cut(strings.TrimSpace(fullname), ".")
	if !ok || compName == "" || parName == "" {
		return nil, fmt.Errorf("invalid parameter name %q", fullname)
	}
	c, ok := s.comps[compName]
	if !ok {
		return nil, fmt.Errorf("model component %q is not defined", compName)
	}
	p, ok := c.byKey[strings.ToLower(parName)]
	if !ok {
		return nil, fmt.Errorf("%s has no parameter %q", c.typ, parName)
	}
	return p, nil
}

func (s *session) SetParameters(models []engine.Model) error {
	for _, m := range models {
		for _, part := range m.Parts {
			if strings.TrimSpace(part.Name) == "" {
				return fmt.Errorf("model expression not found")
			}
			if _, err := s.resolve(strings.TrimSpace(part.Name)); err != nil {
				return err
			}
			for _, pd := range part.Pars {
				if strings.TrimSpace(pd.Name) == "" {
					return fmt.Errorf("model component name missing")
				}
				p, err := s.lookupParam(pd.Name)
				if err != nil {
					return err
				}
				if pd.Min != nil {
					p.min = *pd.Min
				}
				if pd.Max != nil {
					p.max = *pd.Max
				}
				if p.min > p.max {
					return fmt.Errorf("parameter %s: min %g exceeds max %g", p.fullname, p.min, p.max)
				}
				if pd.Val != nil {
					if err := p.set(*pd.Val); err != nil {
						return err
					}
				} else {
					p.val = math.Min(math.Max(p.val, p.min), p.max)
				}
				if pd.Frozen != nil {
					p.frozen = *pd.Frozen
				}
			}
		}
	}
	return nil
}

func (s *session) SetModel(models []engine.Model) error {
	if len(models) == 0 {
		return fmt.Errorf("no model expressions supplied")
	}
	sources := make([]node, 0, len(models))
	used := make([][]*component, 0, len(models))
	for _, m := range models {
		var comps []*component
		seen := map[*component]bool{}
		n, err := parseExpression(m.Expression, func(ident string) (*component, error) {
			c, err := s.resolve(ident)
			if err == nil && !seen[c] {
				seen[c] = true
				comps = append(comps, c)
			}
			return c, err
		})
		if err != nil {
			return err
		}
		sources = append(sources, n)
		used = append(used, comps)
	}
	s.sources = sources
	s.used = used
	return nil
}

func (s *session) SetStatistic(st engine.Stat) error {
	k, err := parseStat(st.Name)
	if err != nil {
		return err
	}
	s.stat = k
	return nil
}

func (s *session) SetMethod(m engine.Method) error {
	k, err := parseMethod(m.Name)
	if err != nil {
		return err
	}
	opts, err := newOptions(m.Name, m.Config, methodOptions[k])
	if err != nil {
		return err
	}
	s.method = k
	s.methodOpts = opts
	return nil
}

var confidenceOptions = map[engine.ConfidenceMethod][]string{
	engine.ConfidenceConf:  {"eps", "fast", "max_rstat", "maxfits", "maxiters", "numcores", "openinterval", "parallel", "remin", "sigma", "soft_limits", "tol", "verbose"},
	engine.ConfidenceCovar: {"eps", "maxiters", "sigma", "soft_limits"},
}

func (s *session) SetConfidence(c engine.Confidence) error {
	k, err := engine.ParseConfidenceMethod(c.Name)
	if err != nil {
		return err
	}
	opts, err := newOptions(c.Name, c.Config, confidenceOptions[k])
	if err != nil {
		return err
	}
	if sigma := opts.num("sigma", 1); sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %g", sigma)
	}
	s.conf = k
	s.confOpts = opts
	return nil
}

func (s *session) SetParameter(name string, val float64) error {
	p, err := s.lookupParam(name)
	if err != nil {
		return err
	}
	return p.set(val)
}

// pairs returns the datasets that have a source model.
func (s *session) pairs() (int, error) {
	if len(s.data) == 0 {
		return 0, fmt.Errorf("data has not been set")
	}
	if len(s.sources) < len(s.data) {
		return 0, fmt.Errorf("model has not been set for dataset %d", len(s.sources))
	}
	return len(s.data), nil
}

// thawed lists free parameters of the source models in first-use order.
func (s *session) thawed() []*param {
	var out []*param
	seen := map[*param]bool{}
	for i := range s.data {
		if i >= len(s.used) {
			break
		}
		for _, c := range s.used[i] {
			for _, p := range c.pars {
				if !p.frozen && !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func (s *session) statValue() (float64, error) {
	n, err := s.pairs()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := 0; i < n; i++ {
		v, err := s.stat.value(s.data[i], s.sources[i].eval(s.data[i].x))
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func (s *session) residuals() ([]float64, error) {
	n, err := s.pairs()
	if err != nil {
		return nil, err
	}
	var r []float64
	for i := 0; i < n; i++ {
		r, err = s.stat.residuals(s.data[i], s.sources[i].eval(s.data[i].x), r)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *session) numPoints() int {
	total := 0
	for _, d := range s.data {
		total += len(d.x)
	}
	return total
}

func setValues(pars []*param, x []float64) {
	for i, p := range pars {
		p.val = x[i]
	}
}

func values(pars []*param) []float64 {
	out := make([]float64, len(pars))
	for i, p := range pars {
		out[i] = p.val
	}
	return out
}

// minimise runs the configured optimizer over pars and leaves them at the
// best point found.
func (s *session) minimise(ctx context.Context, pars []*param) (fitOutcome, error) {
	lo := make([]float64, len(pars))
	hi := make([]float64, len(pars))
	for i, p := range pars {
		lo[i], hi[i] = p.min, p.max
	}
	x0 := values(pars)

	var out fitOutcome
	var err error
	switch {
	case s.method == methodLevMar && s.stat.chi2Like():
		out, err = levmar(ctx, func(x []float64) ([]float64, error) {
			setValues(pars, x)
			return s.residuals()
		}, x0, lo, hi, s.methodOpts)
	case s.method == methodLevMar:
		return fitOutcome{}, fmt.Errorf("levmar requires a least-squares statistic; use neldermead with %s", s.statName())
	default:
		out, err = neldermead(ctx, func(x []float64) (float64, error) {
			setValues(pars, x)
			return s.statValue()
		}, x0, lo, hi, s.methodOpts)
	}
	if err != nil {
		setValues(pars, x0)
		return fitOutcome{}, err
	}
	setValues(pars, out.x)
	return out, nil
}

func (s *session) statName() string {
	for name, k := range statNames {
		if k == s.stat {
			return name
		}
	}
	return "unknown"
}

func (s *session) Fit(ctx context.Context) (*engine.FitResult, error) {
	if _, err := s.pairs(); err != nil {
		return nil, err
	}
	pars := s.thawed()
	if len(pars) == 0 {
		return nil, fmt.Errorf("model has no thawed parameters")
	}
	out, err := s.minimise(ctx, pars)
	if err != nil {
		return nil, err
	}
	statval, err := s.statValue()
	if err != nil {
		return nil, err
	}

	res := &engine.FitResult{
		Succeeded: out.converged,
		ParVals:   values(pars),
		StatVal:   statval,
		NumPoints: s.numPoints(),
		NFev:      out.nfev,
		Message:   out.message,
		QVal:      math.NaN(),
		RStat:     math.NaN(),
	}
	for _, p := range pars {
		res.ParNames = append(res.ParNames, p.fullname)
	}
	res.DOF = float64(res.NumPoints - len(pars))
	if s.stat.chi2Like() && s.stat != statLeastSq && res.DOF > 0 {
		res.QVal = distuv.ChiSquared{K: res.DOF}.Survival(statval)
		res.RStat = statval / res.DOF
	}
	return res, nil
}

func (s *session) CalcStat() (float64, error) {
	return s.statValue()
}

func (s *session) EvalModel() (*engine.ModelValues, error) {
	if len(s.data) == 0 {
		return nil, fmt.Errorf("data has not been set")
	}
	if len(s.sources) == 0 {
		return nil, fmt.Errorf("model has not been set for dataset 0")
	}
	d := s.data[0]
	return &engine.ModelValues{
		X: append([]float64(nil), d.x...),
		Y: s.sources[0].eval(d.x),
	}, nil
}

// CalcFlux integrates each dataset's source model over its x range with the
// trapezoid rule. Energy flux weights the model by x.
func (s *session) CalcFlux(kind engine.FluxKind) ([]float64, error) {
	n, err := s.pairs()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		d := s.data[i]
		if len(d.x) < 2 {
			return nil, fmt.Errorf("dataset %d needs at least two points to integrate", i)
		}
		idx := make([]int, len(d.x))
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool { return d.x[idx[a]] < d.x[idx[b]] })
		m := s.sources[i].eval(d.x)
		xs := make([]float64, len(idx))
		fs := make([]float64, len(idx))
		for j, k := range idx {
			xs[j] = d.x[k]
			switch kind {
			case engine.FluxPhoton:
				fs[j] = m[k]
			case engine.FluxEnergy:
				fs[j] = m[k] * d.x[k]
			default:
				return nil, fmt.Errorf("unsupported flux kind %v", kind)
			}
		}
		out = append(out, integrate.Trapezoidal(xs, fs))
	}
	return out, nil
}
