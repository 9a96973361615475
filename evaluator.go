package flagwire

import "github.com/flagwire/flagwire/datamodel"

// SegmentLookup resolves a segment key from the current store snapshot.
// Tombstoned segments are not returned.
type SegmentLookup func(key string) (datamodel.Record, bool)

// Evaluator turns a stored flag definition into a value for a context. The
// client supplies the flag record and a segment lookup bound to the same
// snapshot, so evaluation sees a consistent view of the data.
//
// Implementations must not retain the lookup beyond the call. A panic inside
// Evaluate is recovered by the client and reported as an evaluation error.
type Evaluator interface {
	Evaluate(flag datamodel.Record, ctx datamodel.Context, segments SegmentLookup) datamodel.EvaluationDetail
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(flag datamodel.Record, ctx datamodel.Context, segments SegmentLookup) datamodel.EvaluationDetail

func (f EvaluatorFunc) Evaluate(flag datamodel.Record, ctx datamodel.Context, segments SegmentLookup) datamodel.EvaluationDetail {
	return f(flag, ctx, segments)
}
