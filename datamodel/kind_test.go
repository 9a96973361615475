package datamodel

import "testing"

func TestKindForPath(t *testing.T) {
	tests := []struct {
		path    string
		kind    Kind
		key     string
		matched bool
	}{
		{"/flags/my-flag", KindFlags, "my-flag", true},
		{"/segments/beta-users", KindSegments, "beta-users", true},
		{"/flags/", "", "", false},
		{"/unknown/x", "", "", false},
		{"flags/x", "", "", false},
	}

	for _, tt := range tests {
		kind, key, ok := KindForPath(tt.path)
		if ok != tt.matched {
			t.Errorf("KindForPath(%q) matched=%v, want %v", tt.path, ok, tt.matched)
			continue
		}
		if kind != tt.kind || key != tt.key {
			t.Errorf("KindForPath(%q) = (%q, %q), want (%q, %q)", tt.path, kind, key, tt.kind, tt.key)
		}
	}
}

func TestContextFullyQualifiedKey(t *testing.T) {
	if got := (Context{Key: "abc"}).FullyQualifiedKey(); got != "user:abc" {
		t.Errorf("expected default kind, got %q", got)
	}
	if got := (Context{Kind: "org", Key: "acme"}).FullyQualifiedKey(); got != "org:acme" {
		t.Errorf("expected org:acme, got %q", got)
	}
}
