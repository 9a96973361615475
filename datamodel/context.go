package datamodel

// Context is the caller-supplied identity a flag is evaluated against.
// Attribute modeling beyond kind and key is left to the host application and
// the external evaluator; the runtime only needs the identifying fields for
// telemetry and deduplication.
type Context struct {
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	Anonymous  bool           `json:"anonymous,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DefaultContextKind is assumed when a context does not specify a kind.
const DefaultContextKind = "user"

// KindOrDefault returns the context kind, substituting the default for an
// empty one.
func (c Context) KindOrDefault() string {
	if c.Kind == "" {
		return DefaultContextKind
	}
	return c.Kind
}

// FullyQualifiedKey returns the canonical identifier used for context
// deduplication, e.g. "user:abc123".
func (c Context) FullyQualifiedKey() string {
	return c.KindOrDefault() + ":" + c.Key
}

// Valid reports whether the context carries enough identity to be evaluated
// and reported on.
func (c Context) Valid() bool {
	return c.Key != ""
}
