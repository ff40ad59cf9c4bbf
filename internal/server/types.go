package server

import (
	"time"

	"github.com/avolkov/drafthorse/internal/build"
)

// SubmitBuildRequest is the POST /builds request body. The Idempotency-Key
// header carries the client's idempotency token; the tenant plus that token
// determine the build id.
type SubmitBuildRequest struct {
	// Plan is the raw plan text. Document-to-text conversion happens upstream.
	Plan string `json:"plan"`

	// Format tags the plan encoding. Only "text" is currently accepted;
	// empty means text.
	Format string `json:"format,omitempty"`

	TenantID string `json:"tenant_id"`
}

// SubmitBuildResponse acknowledges a submission. Accepted is false when the
// (tenant, idempotency key) pair mapped to an already-existing build.
type SubmitBuildResponse struct {
	BuildID  string `json:"build_id"`
	Accepted bool   `json:"accepted"`
}

// NodeView is the per-node slice of a build's progress report.
type NodeView struct {
	Status    build.NodeStatus     `json:"status"`
	LastError *build.StepErrorInfo `json:"last_error,omitempty"`
}

// BuildView is returned by GET /builds/{id}. External callers poll it until
// Status is terminal.
type BuildView struct {
	BuildID       string              `json:"build_id"`
	TenantID      string              `json:"tenant_id"`
	Status        build.BuildStatus   `json:"status"`
	WorkspacePath string              `json:"workspace_path"`
	Bootable      bool                `json:"bootable"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Nodes         map[string]NodeView `json:"nodes"`
}

// GateDecisionRequest is the POST body for approving or rejecting a gate.
type GateDecisionRequest struct {
	DecidedBy string `json:"decided_by"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
