package dispatch

import (
	"sort"

	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Operation is one request type the gateway answers.
type Operation int

const (
	OpSetData Operation = iota + 1
	OpSetModel
	OpSetStatistic
	OpSetMethod
	OpSetConfidence
	OpFit
	OpFitStop
	OpConfidence
	OpConfidenceStop
	OpCalcStatValue
	OpCalcStatValues
	OpCalcModelValues
	OpCalcFluxValue
	OpRedshift
	OpInterpolate
	OpIntegrate
	OpStackNormalize
	OpStackRedshift
	OpStackStack
	OpPing
)

// MTypeConfidenceEvent carries confidence progress lines as notifications.
const MTypeConfidenceEvent = "spectrum.fit.confidence.event"

type opInfo struct {
	name  string
	mtype string
}

var operations = map[Operation]opInfo{
	OpSetData:         {"set-data", "spectrum.fit.set.data"},
	OpSetModel:        {"set-model", "spectrum.fit.set.model"},
	OpSetStatistic:    {"set-statistic", "spectrum.fit.set.statistic"},
	OpSetMethod:       {"set-method", "spectrum.fit.set.method"},
	OpSetConfidence:   {"set-confidence", "spectrum.fit.set.confidence"},
	OpFit:             {"fit", "spectrum.fit.fit"},
	OpFitStop:         {"fit-stop", "spectrum.fit.fit.stop"},
	OpConfidence:      {"confidence", "spectrum.fit.confidence"},
	OpConfidenceStop:  {"confidence-stop", "spectrum.fit.confidence.stop"},
	OpCalcStatValue:   {"calc-statistic-value", "spectrum.fit.calc.statistic.value"},
	OpCalcStatValues:  {"calc-statistic-values", "spectrum.fit.calc.statistic.values"},
	OpCalcModelValues: {"calc-model-values", "spectrum.fit.calc.model.values"},
	OpCalcFluxValue:   {"calc-flux-value", "spectrum.fit.calc.flux.value"},
	OpRedshift:        {"redshift", "spectrum.redshift.calc"},
	OpInterpolate:     {"interpolate", "spectrum.interpolate"},
	OpIntegrate:       {"integrate", "spectrum.integrate"},
	OpStackNormalize:  {"stack-normalize", "stack.normalize"},
	OpStackRedshift:   {"stack-redshift", "stack.redshift"},
	OpStackStack:      {"stack-stack", "stack.stack"},
	OpPing:            {"ping", "sherpa.ping"},
}

var byMType = func() map[string]Operation {
	m := make(map[string]Operation, len(operations))
	for op, info := range operations {
		m[info.mtype] = op
	}
	return m
}()

func (o Operation) String() string {
	if info, ok := operations[o]; ok {
		return info.name
	}
	return "unknown"
}

// MType returns the bus message type of o.
func (o Operation) MType() string {
	return operations[o].mtype
}

// Lookup returns the operation bound to mtype.
func Lookup(mtype string) (Operation, bool) {
	op, ok := byMType[mtype]
	return op, ok
}

// MTypes lists every mtype the gateway subscribes to, sorted.
func MTypes() []string {
	out := make([]string, 0, len(operations))
	for _, info := range operations {
		out = append(out, info.mtype)
	}
	sort.Strings(out)
	return out
}

// Info describes one operation for listings.
type Info struct {
	Name  string `json:"name"`
	MType string `json:"mtype"`
}

// Catalog lists every operation ordered by mtype.
func Catalog() []Info {
	out := make([]Info, 0, len(operations))
	for _, info := range operations {
		out = append(out, Info{Name: info.name, MType: info.mtype})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MType < out[j].MType })
	return out
}

// computeClass is the job class of operations that run in a worker.
func (o Operation) computeClass() (jobs.Class, protocol.Operation, bool) {
	switch o {
	case OpFit:
		return jobs.ClassFit, protocol.OpFit, true
	case OpConfidence:
		return jobs.ClassConfidence, protocol.OpConfidence, true
	case OpCalcStatValue:
		return jobs.ClassStatistic, protocol.OpCalcStat, true
	case OpCalcStatValues:
		return jobs.ClassStatistic, protocol.OpCalcStatValues, true
	}
	return "", "", false
}

// classKind is the exception kind used for a class's busy and stop replies.
func classKind(c jobs.Class) protocol.Kind {
	switch c {
	case jobs.ClassConfidence:
		return protocol.KindConfidence
	case jobs.ClassStatistic:
		return protocol.KindStatistic
	default:
		return protocol.KindFit
	}
}

// stopMessage is the failure text sent to a request cancelled by a stop.
func stopMessage(c jobs.Class) string {
	switch c {
	case jobs.ClassConfidence:
		return "Confidence stopped"
	case jobs.ClassStatistic:
		return "Statistic stopped"
	default:
		return "Fitting stopped"
	}
}
