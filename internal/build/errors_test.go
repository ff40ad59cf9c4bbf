package build

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify_StepErrorHintWins(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want ErrorKind
	}{
		{KindLintError, KindLintError},
		{KindTestFailure, KindTestFailure},
		{KindTransientError, KindTransientError},
		{KindSecurityViolation, KindSecurityViolation},
		{ErrorKind("made_up"), KindUnknown},
	}
	for _, tc := range cases {
		err := &StepError{Kind: tc.kind, Detail: "x"}
		if got := Classify(err); got != tc.want {
			t.Errorf("Classify(%s): got %q want %q", tc.kind, got, tc.want)
		}
	}
}

func TestClassify_WrappedStepError(t *testing.T) {
	err := fmt.Errorf("handler: %w", NewStepError(KindTestFailure, "assertion failed"))
	if got := Classify(err); got != KindTestFailure {
		t.Fatalf("got %q want %q", got, KindTestFailure)
	}
}

func TestClassify_WorkspaceViolationIsSecurity(t *testing.T) {
	err := WorkspaceViolation("../../etc/passwd", "path escapes workspace root")
	if got := Classify(err); got != KindSecurityViolation {
		t.Fatalf("got %q want %q", got, KindSecurityViolation)
	}
	if !errors.Is(err, ErrWorkspaceViolation) {
		t.Fatal("expected errors.Is(err, ErrWorkspaceViolation)")
	}
}

func TestClassify_Heuristics(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"golangci-lint found 3 issues", KindLintError},
		{"test failed: want 2 got 3", KindTestFailure},
		{"dial tcp: connection refused", KindTransientError},
		{"operation timed out", KindTransientError},
		{"checksum mismatch for main.go", KindTransientError},
		{"something inexplicable", KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q): got %q want %q", tc.msg, got, tc.want)
		}
	}
}

func TestDeriveBuildID_Stable(t *testing.T) {
	a := DeriveBuildID("tenant-1", "key-1")
	b := DeriveBuildID("tenant-1", "key-1")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if DeriveBuildID("tenant-2", "key-1") == a {
		t.Fatal("different tenants must not collide")
	}
	if DeriveBuildID("tenant-1", "key-2") == a {
		t.Fatal("different keys must not collide")
	}
	// The separator must keep (ab, c) and (a, bc) apart.
	if DeriveBuildID("ab", "c") == DeriveBuildID("a", "bc") {
		t.Fatal("tenant/key boundary must be unambiguous")
	}
}

func TestBuildStatusTerminal(t *testing.T) {
	terminal := []BuildStatus{BuildSucceeded, BuildFailed, BuildCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []BuildStatus{BuildQueued, BuildRunning, BuildEscalated}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
