package lite

import (
	"fmt"
	"math"
	"strings"
)

const hugeValue = 3.4028234663852886e+38

type param struct {
	fullname string
	val      float64
	min      float64
	max      float64
	frozen   bool
}

func (p *param) set(v float64) error {
	if v < p.min || v > p.max {
		return fmt.Errorf("parameter %s value %g is outside [%g, %g]", p.fullname, v, p.min, p.max)
	}
	p.val = v
	return nil
}

type parDef struct {
	name   string
	val    float64
	min    float64
	max    float64
	frozen bool
}

type componentType struct {
	pars []parDef
	eval func(p []float64, x float64) float64
}

var componentTypes = map[string]componentType{
	"const1d": {
		pars: []parDef{{name: "c0", val: 1, min: -hugeValue, max: hugeValue}},
		eval: func(p []float64, _ float64) float64 { return p[0] },
	},
	"scale1d": {
		pars: []parDef{{name: "c0", val: 1, min: -hugeValue, max: hugeValue}},
		eval: func(p []float64, _ float64) float64 { return p[0] },
	},
	"polynom1d": {
		pars: []parDef{
			{name: "c0", val: 1, min: -hugeValue, max: hugeValue},
			{name: "c1", val: 0, min: -hugeValue, max: hugeValue, frozen: true},
			{name: "c2", val: 0, min: -hugeValue, max: hugeValue, frozen: true},
			{name: "c3", val: 0, min: -hugeValue, max: hugeValue, frozen: true},
			{name: "c4", val: 0, min: -hugeValue, max: hugeValue, frozen: true},
			{name: "offset", val: 0, min: -hugeValue, max: hugeValue, frozen: true},
		},
		eval: func(p []float64, x float64) float64 {
			dx := x - p[5]
			out := 0.0
			for i := 4; i >= 0; i-- {
				out = out*dx + p[i]
			}
			return out
		},
	},
	"powlaw1d": {
		pars: []parDef{
			{name: "gamma", val: 1, min: -10, max: 10},
			{name: "ref", val: 1, min: -hugeValue, max: hugeValue, frozen: true},
			{name: "ampl", val: 1, min: 0, max: hugeValue},
		},
		eval: func(p []float64, x float64) float64 {
			return p[2] * math.Pow(x/p[1], -p[0])
		},
	},
	"gauss1d": {
		pars: []parDef{
			{name: "fwhm", val: 10, min: 1.1920928955078125e-07, max: hugeValue},
			{name: "pos", val: 0, min: -hugeValue, max: hugeValue},
			{name: "ampl", val: 1, min: -hugeValue, max: hugeValue},
		},
		eval: func(p []float64, x float64) float64 {
			d := (x - p[1]) / p[0]
			return p[2] * math.Exp(-4*math.Ln2*d*d)
		},
	},
	"lorentz1d": {
		pars: []parDef{
			{name: "fwhm", val: 10, min: 0, max: hugeValue},
			{name: "pos", val: 1, min: -hugeValue, max: hugeValue},
			{name: "ampl", val: 1, min: 0, max: hugeValue},
		},
		eval: func(p []float64, x float64) float64 {
			hw := p[0] / 2
			d := x - p[1]
			return p[2] * hw / math.Pi / (d*d + hw*hw)
		},
	},
}

type component struct {
	typ   string
	name  string
	kind  componentType
	pars  []*param
	byKey map[string]*param
}

func newComponent(typ, name string) (*component, error) {
	kind, ok := componentTypes[strings.ToLower(typ)]
	if !ok {
		return nil, fmt.Errorf("unknown model component type %q", typ)
	}
	c := &component{typ: strings.ToLower(typ), name: name, kind: kind, byKey: map[string]*param{}}
	for _, d := range kind.pars {
		p := &param{fullname: name + "." + d.name, val: d.val, min: d.min, max: d.max, frozen: d.frozen}
		c.pars = append(c.pars, p)
		c.byKey[strings.ToLower(d.name)] = p
	}
	return c, nil
}

func (c *component) eval(x []float64) []float64 {
	vals := make([]float64, len(c.pars))
	for i, p := range c.pars {
		vals[i] = p.val
	}
	out := make([]float64, len(x))
	for i, xi := range x {
		out[i] = c.kind.eval(vals, xi)
	}
	return out
}
