package main

import (
	"encoding/json"

	"github.com/flagwire/flagwire"
	"github.com/flagwire/flagwire/datamodel"
)

// valueEvaluator is a minimal demonstration evaluator: it serves the "value"
// field of the flag definition as variation 0, ignoring targeting rules.
// fakeflagd datasets use the same shape.
type valueEvaluator struct{}

func (valueEvaluator) Evaluate(flag datamodel.Record, _ datamodel.Context, _ flagwire.SegmentLookup) datamodel.EvaluationDetail {
	var def struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(flag.Data, &def); err != nil {
		return datamodel.NewEvaluationError(nil, datamodel.ErrorMalformedFlag)
	}

	variation := 0
	return datamodel.EvaluationDetail{
		Value:          def.Value,
		VariationIndex: &variation,
		Reason:         datamodel.Reason{Kind: datamodel.ReasonFallthrough},
	}
}
