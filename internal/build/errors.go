package build

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed failure taxonomy the Auto-Fix Controller decides on.
type ErrorKind string

const (
	KindLintError         ErrorKind = "lint_error"
	KindTestFailure       ErrorKind = "test_failure"
	KindTransientError    ErrorKind = "transient_error"
	KindSecurityViolation ErrorKind = "security_violation"
	KindUnknown           ErrorKind = "unknown"
)

// StepError is the structured error leaf handlers return. Kind is a
// classification hint; the Auto-Fix Controller has the final say.
type StepError struct {
	Kind   ErrorKind
	Detail string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func NewStepError(kind ErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// StepErrorInfo is the persisted form of a node's latest failure.
type StepErrorInfo struct {
	Kind    ErrorKind `json:"error_kind"`
	Detail  string    `json:"detail"`
	AutoFix bool      `json:"is_autofix_attempt"`
}

// ParseError is fatal and synchronous: it is returned before any BuildRun is
// created and never yields a partially-formed graph.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "plan parse: " + e.Reason
}

func NewParseError(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ErrWorkspaceViolation marks a path that attempted to escape or touch a
// protected part of the build workspace. Fatal and never auto-retried.
var ErrWorkspaceViolation = errors.New("workspace violation")

// WorkspaceViolation wraps ErrWorkspaceViolation with the offending path.
func WorkspaceViolation(path, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrWorkspaceViolation, path, detail)
}

// Classify maps an arbitrary handler error into the closed taxonomy. A
// StepError's hint wins; workspace violations are security violations;
// everything else falls through keyword heuristics to unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		switch se.Kind {
		case KindLintError, KindTestFailure, KindTransientError, KindSecurityViolation:
			return se.Kind
		}
		return KindUnknown
	}
	if errors.Is(err, ErrWorkspaceViolation) {
		return KindSecurityViolation
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "lint"):
		return KindLintError
	case strings.Contains(msg, "test fail"), strings.Contains(msg, "assertion"):
		return KindTestFailure
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "temporar"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "checksum"):
		return KindTransientError
	default:
		return KindUnknown
	}
}
