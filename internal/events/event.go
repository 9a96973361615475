// Package events turns a high-rate stream of evaluation, identify, and
// custom events into periodic, size-bounded network flushes without ever
// blocking the evaluation call path.
package events

import (
	"time"

	"github.com/flagwire/flagwire/datamodel"
)

// Output event kinds on the wire.
const (
	kindFeature  = "feature"
	kindDebug    = "debug"
	kindIdentify = "identify"
	kindIndex    = "index"
	kindCustom   = "custom"
	kindSummary  = "summary"
)

// timeNow is indirected for tests that exercise time-dependent behavior.
var timeNow = time.Now

// Now returns the current time in the unix-millisecond representation used
// throughout the event payloads.
func Now() int64 {
	return timeNow().UnixMilli()
}

// EvaluationData captures one flag evaluation for telemetry.
type EvaluationData struct {
	FlagKey        string
	Context        datamodel.Context
	Value          any
	VariationIndex *int
	Default        any

	// Version is the flag version at evaluation time; 0 when the flag was
	// unknown to the store.
	Version int

	Reason        datamodel.Reason
	IncludeReason bool

	// TrackEvents retains the full discrete event (experimentation).
	TrackEvents bool

	// DebugEventsUntilDate, in unix millis, retains a debug copy with the
	// full context until the given time. Zero disables debugging.
	DebugEventsUntilDate int64

	// ExcludeFromSummaries keeps the evaluation out of the aggregated
	// summary counters.
	ExcludeFromSummaries bool

	CreationDate int64
}

// IdentifyData registers a context explicitly.
type IdentifyData struct {
	Context      datamodel.Context
	CreationDate int64
}

// CustomData is an application-defined tracking event, optionally carrying a
// metric value.
type CustomData struct {
	Key          string
	Context      datamodel.Context
	Data         any
	MetricValue  *float64
	CreationDate int64
}

// Output shapes, serialized into flush batches.

type featureEventOutput struct {
	Kind         string             `json:"kind"`
	CreationDate int64              `json:"creationDate"`
	Key          string             `json:"key"`
	ContextKeys  map[string]string  `json:"contextKeys,omitempty"`
	Context      *datamodel.Context `json:"context,omitempty"`
	Version      int                `json:"version,omitempty"`
	Variation    *int               `json:"variation,omitempty"`
	Value        any                `json:"value"`
	Default      any                `json:"default"`
	Reason       *datamodel.Reason  `json:"reason,omitempty"`
}

type identifyEventOutput struct {
	Kind         string            `json:"kind"`
	CreationDate int64             `json:"creationDate"`
	Context      datamodel.Context `json:"context"`
}

type indexEventOutput struct {
	Kind         string            `json:"kind"`
	CreationDate int64             `json:"creationDate"`
	Context      datamodel.Context `json:"context"`
}

type customEventOutput struct {
	Kind         string            `json:"kind"`
	CreationDate int64             `json:"creationDate"`
	Key          string            `json:"key"`
	ContextKeys  map[string]string `json:"contextKeys,omitempty"`
	Data         any               `json:"data,omitempty"`
	MetricValue  *float64          `json:"metricValue,omitempty"`
}

type summaryEventOutput struct {
	Kind      string                       `json:"kind"`
	StartDate int64                        `json:"startDate"`
	EndDate   int64                        `json:"endDate"`
	Features  map[string]flagSummaryOutput `json:"features"`
}

type flagSummaryOutput struct {
	Default      any             `json:"default"`
	ContextKinds []string        `json:"contextKinds,omitempty"`
	Counters     []counterOutput `json:"counters"`
}

type counterOutput struct {
	Value     any  `json:"value"`
	Variation *int `json:"variation,omitempty"`
	Version   *int `json:"version,omitempty"`
	Count     int  `json:"count"`
	Unknown   bool `json:"unknown,omitempty"`
}

func contextKeysOf(c datamodel.Context) map[string]string {
	return map[string]string{c.KindOrDefault(): c.Key}
}

// newFeatureEvent builds the discrete wire event for an evaluation. Debug
// copies carry the full context; regular feature events only the keys.
func newFeatureEvent(ev EvaluationData, debug bool) featureEventOutput {
	out := featureEventOutput{
		Kind:         kindFeature,
		CreationDate: ev.CreationDate,
		Key:          ev.FlagKey,
		Version:      ev.Version,
		Variation:    ev.VariationIndex,
		Value:        ev.Value,
		Default:      ev.Default,
	}
	if debug {
		out.Kind = kindDebug
		ctx := ev.Context
		out.Context = &ctx
	} else {
		out.ContextKeys = contextKeysOf(ev.Context)
	}
	if ev.IncludeReason || ev.Reason.Kind == datamodel.ReasonError {
		reason := ev.Reason
		out.Reason = &reason
	}
	return out
}
