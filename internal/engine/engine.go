// Package engine defines the compute-engine boundary used by the dispatcher
// and by worker processes. Engines are registered once at startup and looked
// up by name; sub-routines are selected through closed enumerations.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Engine creates independent sessions. A session is never shared between
// jobs.
type Engine interface {
	Name() string
	NewSession() Session
}

// Session stages a problem and runs computations against it. Each staging
// call validates only its own input so callers can attribute failures.
type Session interface {
	SetData(datasets []Dataset) error
	SetParameters(models []Model) error
	SetModel(models []Model) error
	SetStatistic(stat Stat) error
	SetMethod(method Method) error
	SetConfidence(conf Confidence) error
	SetParameter(name string, val float64) error

	Fit(ctx context.Context) (*FitResult, error)
	RunConfidence(ctx context.Context, progress func(line string)) (*ConfidenceResult, error)
	CalcStat() (float64, error)
	EvalModel() (*ModelValues, error)
	CalcFlux(kind FluxKind) ([]float64, error)
}

// FluxKind selects the flux integral computed by CalcFlux.
type FluxKind int

const (
	FluxPhoton FluxKind = iota + 1
	FluxEnergy
)

func (k FluxKind) String() string {
	switch k {
	case FluxPhoton:
		return "photon"
	case FluxEnergy:
		return "energy"
	default:
		return fmt.Sprintf("FluxKind(%d)", int(k))
	}
}

// ParseFluxKind maps the wire name to a FluxKind.
func ParseFluxKind(s string) (FluxKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "photon":
		return FluxPhoton, nil
	case "energy":
		return FluxEnergy, nil
	default:
		return 0, fmt.Errorf("unknown flux type %q", s)
	}
}

// ConfidenceMethod selects the confidence-limit routine.
type ConfidenceMethod int

const (
	ConfidenceConf ConfidenceMethod = iota + 1
	ConfidenceCovar
)

func (m ConfidenceMethod) String() string {
	switch m {
	case ConfidenceConf:
		return "conf"
	case ConfidenceCovar:
		return "covar"
	default:
		return fmt.Sprintf("ConfidenceMethod(%d)", int(m))
	}
}

// ParseConfidenceMethod maps the wire name to a ConfidenceMethod.
func ParseConfidenceMethod(s string) (ConfidenceMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "conf":
		return ConfidenceConf, nil
	case "covar":
		return ConfidenceCovar, nil
	default:
		return 0, fmt.Errorf("unknown confidence method %q", s)
	}
}

var (
	mu      sync.RWMutex
	engines = map[string]Engine{}
)

// Register makes an engine available by name. Registering the same name
// twice replaces the earlier engine.
func Register(e Engine) {
	mu.Lock()
	defer mu.Unlock()
	engines[e.Name()] = e
}

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %q not registered (have: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return e, nil
}

// Names lists registered engines in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(engines))
	for n := range engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Stage applies every populated part of p to s in the fixed staging order
// used by worker processes: data, parameters, model, statistic, method,
// confidence.
func Stage(s Session, p Problem) error {
	if err := s.SetData(p.Datasets); err != nil {
		return fmt.Errorf("set data: %w", err)
	}
	if err := s.SetParameters(p.Models); err != nil {
		return fmt.Errorf("set parameters: %w", err)
	}
	if err := s.SetModel(p.Models); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	if p.Stat != nil {
		if err := s.SetStatistic(*p.Stat); err != nil {
			return fmt.Errorf("set statistic: %w", err)
		}
	}
	if p.Method != nil {
		if err := s.SetMethod(*p.Method); err != nil {
			return fmt.Errorf("set method: %w", err)
		}
	}
	if p.Confidence != nil {
		if err := s.SetConfidence(*p.Confidence); err != nil {
			return fmt.Errorf("set confidence: %w", err)
		}
	}
	return nil
}
