package sandbox

import (
	"errors"
	"testing"
)

func TestPathsFor(t *testing.T) {
	p := PathsFor("/home/u/.coop", "/home/u/.coop/rootfs/base", "demo", "/tmp/demo")
	if p.Upper != "/home/u/.coop/sessions/demo/upper" {
		t.Errorf("Upper = %q", p.Upper)
	}
	if p.Merged != "/home/u/.coop/sessions/demo/merged" {
		t.Errorf("Merged = %q", p.Merged)
	}
	if p.Workspace != "/tmp/demo" {
		t.Errorf("Workspace = %q", p.Workspace)
	}
}

func TestBuildErrorMessage(t *testing.T) {
	err := &BuildError{Stage: StagePivot, Err: errors.New("boom")}
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error string")
	}
}

func TestTrustLevelRoundTrip(t *testing.T) {
	cases := []TrustLevel{Local, Untrusted}
	for _, tl := range cases {
		if ParseTrustLevel(tl.String()) != tl {
			t.Errorf("ParseTrustLevel(%q) did not round-trip", tl.String())
		}
	}
	if ParseTrustLevel("garbage") != Local {
		t.Errorf("unknown trust level should default to local")
	}
}
