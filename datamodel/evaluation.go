package datamodel

// Reason kinds produced by an evaluator.
const (
	ReasonOff                = "OFF"
	ReasonFallthrough        = "FALLTHROUGH"
	ReasonTargetMatch        = "TARGET_MATCH"
	ReasonRuleMatch          = "RULE_MATCH"
	ReasonPrerequisiteFailed = "PREREQUISITE_FAILED"
	ReasonError              = "ERROR"
)

// Error kinds reported when evaluation falls back to the default value.
const (
	ErrorFlagNotFound   = "FLAG_NOT_FOUND"
	ErrorClientNotReady = "CLIENT_NOT_READY"
	ErrorContextInvalid = "CONTEXT_INVALID"
	ErrorWrongType      = "WRONG_TYPE"
	ErrorMalformedFlag  = "MALFORMED_FLAG"
	ErrorException      = "EXCEPTION"
)

// Reason describes why an evaluation produced its value.
type Reason struct {
	Kind            string `json:"kind"`
	ErrorKind       string `json:"errorKind,omitempty"`
	RuleIndex       *int   `json:"ruleIndex,omitempty"`
	RuleID          string `json:"ruleId,omitempty"`
	PrerequisiteKey string `json:"prerequisiteKey,omitempty"`
	InExperiment    bool   `json:"inExperiment,omitempty"`
}

// ErrorReason returns a Reason for an evaluation that fell back to the
// default value.
func ErrorReason(errorKind string) Reason {
	return Reason{Kind: ReasonError, ErrorKind: errorKind}
}

// EvaluationDetail is the result of evaluating one flag against one context.
// VariationIndex is nil when the default value was served.
type EvaluationDetail struct {
	Value          any
	VariationIndex *int
	Reason         Reason
}

// NewEvaluationError returns a detail that serves the default value with an
// error reason.
func NewEvaluationError(defaultValue any, errorKind string) EvaluationDetail {
	return EvaluationDetail{Value: defaultValue, Reason: ErrorReason(errorKind)}
}

// IsDefault reports whether the default value was served.
func (d EvaluationDetail) IsDefault() bool {
	return d.VariationIndex == nil
}
