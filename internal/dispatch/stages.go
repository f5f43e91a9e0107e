package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// StageError is a validation failure attributed to one stage.
type StageError struct {
	Kind protocol.Kind
	Err  error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// stageErr tags err with kind, or MalformedPayload when an array could not
// be decoded.
func stageErr(kind protocol.Kind, err error) error {
	if errors.Is(err, codec.ErrMalformedPayload) {
		kind = protocol.KindMalformed
	}
	return &StageError{Kind: kind, Err: err}
}

// stager validates request params one stage at a time against a local
// session and accumulates the Problem sent to the worker.
type stager struct {
	sess    engine.Session
	params  map[string]any
	problem engine.Problem
}

func newStager(engineName string, params map[string]any) (*stager, error) {
	eng, err := engine.Lookup(engineName)
	if err != nil {
		return nil, err
	}
	return &stager{sess: eng.NewSession(), params: params}, nil
}

func (s *stager) method() error {
	m, err := parseNamed(s.params, "method")
	if err != nil {
		return stageErr(protocol.KindMethod, err)
	}
	method := engine.Method{Name: m.name, Config: m.config}
	if err := s.sess.SetMethod(method); err != nil {
		return stageErr(protocol.KindMethod, err)
	}
	s.problem.Method = &method
	return nil
}

func (s *stager) data() error {
	datasets, err := parseDatasets(s.params)
	if err != nil {
		return stageErr(protocol.KindData, err)
	}
	if err := s.sess.SetData(datasets); err != nil {
		return stageErr(protocol.KindData, err)
	}
	s.problem.Datasets = datasets
	return nil
}

func (s *stager) parameters() error {
	models, err := parseModels(s.params)
	if err != nil {
		return stageErr(protocol.KindParameter, err)
	}
	if err := s.sess.SetParameters(models); err != nil {
		return stageErr(protocol.KindParameter, err)
	}
	s.problem.Models = models
	return nil
}

func (s *stager) model() error {
	if err := s.sess.SetModel(s.problem.Models); err != nil {
		return stageErr(protocol.KindModel, err)
	}
	return nil
}

// statistic stages the fit statistic. With nanCheck the staged datasets
// must be free of NaN values.
func (s *stager) statistic(nanCheck bool) error {
	m, err := parseNamed(s.params, "stat")
	if err != nil {
		return stageErr(protocol.KindStatistic, err)
	}
	st := engine.Stat{Name: m.name}
	if err := s.sess.SetStatistic(st); err != nil {
		return stageErr(protocol.KindStatistic, err)
	}
	if nanCheck {
		if err := checkForNaNs(s.problem.Datasets); err != nil {
			return stageErr(protocol.KindStatistic, err)
		}
	}
	s.problem.Stat = &st
	return nil
}

func (s *stager) confidence() error {
	m, err := parseNamed(s.params, "confidence")
	if err != nil {
		return stageErr(protocol.KindConfidence, err)
	}
	conf := engine.Confidence{Name: m.name, Config: m.config}
	if err := s.sess.SetConfidence(conf); err != nil {
		return stageErr(protocol.KindConfidence, err)
	}
	s.problem.Confidence = &conf
	return nil
}

// run applies stages in order and stops at the first failure.
func (s *stager) run(stages ...func() error) error {
	for _, stage := range stages {
		if err := stage(); err != nil {
			return err
		}
	}
	return nil
}

func checkForNaNs(datasets []engine.Dataset) error {
	for i, d := range datasets {
		cols := []struct {
			name string
			vals []float64
		}{{"x", d.X}, {"y", d.Y}, {"staterror", d.StatError}, {"syserror", d.SysError}}
		for _, c := range cols {
			for _, v := range c.vals {
				if math.IsNaN(v) {
					return fmt.Errorf("NaN values found in dataset %d %s; remove them before fitting", i, c.name)
				}
			}
		}
	}
	return nil
}

type named struct {
	name   string
	config map[string]any
}

// parseNamed reads a {name, config} block such as params["method"].
func parseNamed(params map[string]any, key string) (named, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return named{}, fmt.Errorf("missing %q", key)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return named{}, fmt.Errorf("%q must be an object, got %T", key, raw)
	}
	name, err := stringField(m, "name")
	if err != nil {
		return named{}, fmt.Errorf("%s: %w", key, err)
	}
	var config map[string]any
	if c, ok := m["config"]; ok && c != nil {
		cm, ok := c.(map[string]any)
		if !ok {
			return named{}, fmt.Errorf("%s.config must be an object, got %T", key, c)
		}
		config = make(map[string]any, len(cm))
		for k, v := range cm {
			if n, ok := v.(json.Number); ok {
				f, err := n.Float64()
				if err != nil {
					return named{}, fmt.Errorf("%s.config.%s: %w", key, k, err)
				}
				v = f
			}
			config[k] = v
		}
	}
	return named{name: name, config: config}, nil
}

func parseDatasets(params map[string]any) ([]engine.Dataset, error) {
	list, err := objectList(params, "datasets")
	if err != nil {
		return nil, err
	}
	out := make([]engine.Dataset, 0, len(list))
	for i, m := range list {
		var d engine.Dataset
		d.Name, _ = m["name"].(string)
		for _, col := range []struct {
			key string
			dst *engine.Floats
		}{
			{"x", &d.X}, {"y", &d.Y},
			{"staterror", &d.StatError}, {"syserror", &d.SysError}, {"weights", &d.Weights},
		} {
			vals, err := codec.DecodeField(m, col.key)
			if err != nil {
				return nil, fmt.Errorf("dataset %d: %w", i, err)
			}
			*col.dst = vals
		}
		out = append(out, d)
	}
	return out, nil
}

func parseModels(params map[string]any) ([]engine.Model, error) {
	list, err := objectList(params, "models")
	if err != nil {
		return nil, err
	}
	out := make([]engine.Model, 0, len(list))
	for i, m := range list {
		expr, _ := m["name"].(string)
		if strings.TrimSpace(expr) == "" {
			return nil, errors.New("model expression not found")
		}
		model := engine.Model{Expression: expr}
		parts, err := optionalObjectList(m, "parts")
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		for _, pm := range parts {
			comp := engine.Component{}
			comp.Name, _ = pm["name"].(string)
			pars, err := optionalObjectList(pm, "pars")
			if err != nil {
				return nil, fmt.Errorf("component %s: %w", comp.Name, err)
			}
			for _, par := range pars {
				p, err := parseParameter(par)
				if err != nil {
					return nil, err
				}
				comp.Pars = append(comp.Pars, p)
			}
			model.Parts = append(model.Parts, comp)
		}
		out = append(out, model)
	}
	return out, nil
}

func parseParameter(m map[string]any) (engine.Parameter, error) {
	name, _ := m["name"].(string)
	if strings.TrimSpace(name) == "" {
		return engine.Parameter{}, errors.New("model component name missing")
	}
	p := engine.Parameter{Name: name}
	for _, f := range []struct {
		key string
		dst **float64
	}{{"val", &p.Val}, {"min", &p.Min}, {"max", &p.Max}} {
		v, ok, err := optionalFloat(m, f.key)
		if err != nil {
			return engine.Parameter{}, fmt.Errorf("parameter %s: %w", name, err)
		}
		if ok {
			*f.dst = &v
		}
	}
	if raw, ok := m["frozen"]; ok && raw != nil {
		frozen, err := toBool(raw)
		if err != nil {
			return engine.Parameter{}, fmt.Errorf("parameter %s frozen: %w", name, err)
		}
		p.Frozen = &frozen
	}
	return p, nil
}

// parsePoints reads params["params"]: a list of {parname: value} maps.
func parsePoints(params map[string]any) ([]map[string]float64, error) {
	list, err := objectList(params, "params")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]float64, 0, len(list))
	for i, m := range list {
		point := make(map[string]float64, len(m))
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := toFloat(m[k])
			if err != nil {
				return nil, fmt.Errorf("point %d %s: %w", i, k, err)
			}
			point[k] = v
		}
		out = append(out, point)
	}
	return out, nil
}

func objectList(m map[string]any, key string) ([]map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing %q", key)
	}
	return asObjectList(key, raw)
}

func optionalObjectList(m map[string]any, key string) ([]map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	return asObjectList(key, raw)
}

func asObjectList(key string, raw any) ([]map[string]any, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q must be a list, got %T", key, raw)
	}
	out := make([]map[string]any, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object, got %T", key, i, it)
		}
		out = append(out, obj)
	}
	return out, nil
}

func stringField(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("missing %q", key)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("%q must be a string, got %T", key, raw)
}

func optionalFloat(m map[string]any, key string) (float64, bool, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return 0, false, nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

func floatField(m map[string]any, key string) (float64, error) {
	v, ok, err := optionalFloat(m, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	return v, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid number of type %T", raw)
}

// toBool accepts true/false, "0"/"1", "true"/"false" and numbers.
func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		switch s {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no", "":
			return false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, fmt.Errorf("invalid flag %q", v)
		}
		return f != 0, nil
	}
	f, err := toFloat(raw)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}
