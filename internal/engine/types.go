package engine

import (
	"encoding/json"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
)

// Floats is a float64 column. It travels as a codec string so NaN and Inf
// survive JSON.
type Floats []float64

func (f Floats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	return json.Marshal(codec.Encode(f))
}

func (f *Floats) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*f = nil
		return nil
	}
	vals, err := codec.Decode(*s)
	if err != nil {
		return err
	}
	*f = vals
	return nil
}

// Dataset is one 1-D dataset staged for fitting. Optional columns are nil
// when the caller did not supply them.
type Dataset struct {
	Name      string `json:"name,omitempty"`
	X         Floats `json:"x"`
	Y         Floats `json:"y"`
	StatError Floats `json:"staterror,omitempty"`
	SysError  Floats `json:"syserror,omitempty"`
	Weights   Floats `json:"weights,omitempty"`
}

// Parameter carries the attributes a caller wants applied to one model
// parameter. Nil fields keep the engine default.
type Parameter struct {
	Name   string   `json:"name"`
	Val    *float64 `json:"val,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Frozen *bool    `json:"frozen,omitempty"`
}

// Component is one model component, named "<type>.<name>".
type Component struct {
	Name string      `json:"name"`
	Pars []Parameter `json:"pars"`
}

// Model is the source expression for the dataset at the same index.
type Model struct {
	Expression string      `json:"name"`
	Parts      []Component `json:"parts"`
}

// Stat selects the fit statistic.
type Stat struct {
	Name string `json:"name"`
}

// Method selects the optimizer and its options. Option values are
// float64, bool or string; nil means "engine default".
type Method struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Confidence selects the confidence-limit routine and its options.
type Confidence struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Problem is the full staging state for one job. It is serialised to the
// worker process, which rebuilds an identical Session from it.
type Problem struct {
	Datasets   []Dataset   `json:"datasets"`
	Models     []Model     `json:"models"`
	Stat       *Stat       `json:"stat,omitempty"`
	Method     *Method     `json:"method,omitempty"`
	Confidence *Confidence `json:"confidence,omitempty"`
}

// FitResult summarises a completed fit.
type FitResult struct {
	Succeeded bool      `json:"succeeded"`
	ParNames  []string  `json:"parnames"`
	ParVals   []float64 `json:"parvals"`
	StatVal   float64   `json:"statval"`
	NumPoints int       `json:"numpoints"`
	DOF       float64   `json:"dof"`
	QVal      float64   `json:"qval"`
	RStat     float64   `json:"rstat"`
	NFev      int       `json:"nfev"`
	Message   string    `json:"message,omitempty"`
}

// ConfidenceResult holds parameter bounds relative to the best-fit values.
type ConfidenceResult struct {
	Sigma    float64   `json:"sigma"`
	Percent  float64   `json:"percent"`
	ParNames []string  `json:"parnames"`
	ParVals  []float64 `json:"parvals"`
	ParMins  []float64 `json:"parmins"`
	ParMaxes []float64 `json:"parmaxes"`
}

// ModelValues is the model evaluated on the grid of the first dataset.
type ModelValues struct {
	X []float64
	Y []float64
}
