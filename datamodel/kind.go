package datamodel

import "strings"

// Kind identifies one collection of versioned records in the store.
type Kind string

const (
	KindFlags    Kind = "flags"
	KindSegments Kind = "segments"
)

// AllKinds lists every kind the store tracks.
var AllKinds = []Kind{KindFlags, KindSegments}

// Path returns the stream path prefix for the kind, e.g. "/flags/".
func (k Kind) Path() string {
	return "/" + string(k) + "/"
}

// KindForPath maps a stream path like "/flags/my-flag" to its kind and key.
func KindForPath(path string) (Kind, string, bool) {
	for _, k := range AllKinds {
		if rest, ok := strings.CutPrefix(path, k.Path()); ok && rest != "" {
			return k, rest, true
		}
	}
	return "", "", false
}
