package build

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// TaskType is the closed task taxonomy. Payload shape is determined by the type.
type TaskType string

const (
	TaskCreateDirectory TaskType = "create_directory"
	TaskCreateFile      TaskType = "create_file"
	TaskDefineSpec      TaskType = "define_spec"
	TaskCreateGenerator TaskType = "create_generator"
	TaskAcceptanceTest  TaskType = "acceptance_test"
	TaskWait            TaskType = "wait"
)

func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(strings.ToLower(strings.TrimSpace(s))) {
	case TaskCreateDirectory:
		return TaskCreateDirectory, nil
	case TaskCreateFile:
		return TaskCreateFile, nil
	case TaskDefineSpec:
		return TaskDefineSpec, nil
	case TaskCreateGenerator:
		return TaskCreateGenerator, nil
	case TaskAcceptanceTest:
		return TaskAcceptanceTest, nil
	case TaskWait:
		return TaskWait, nil
	default:
		return "", fmt.Errorf("unknown task type: %q", s)
	}
}

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// TaskNode is one unit of work in a TaskGraph. Payload is the JSON encoding of
// the type-specific payload struct, validated against its schema at parse time.
type TaskNode struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"task_type"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Status     NodeStatus      `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	OutputRefs []string        `json:"output_refs,omitempty"`
	LastError  *StepErrorInfo  `json:"last_error,omitempty"`
}

// TaskGraph is the parsed, acyclic representation of a build plan. Nodes keeps
// parse order so identical input yields an identical graph.
type TaskGraph struct {
	Nodes []*TaskNode `json:"nodes"`
}

func (g *TaskGraph) Node(id string) *TaskNode {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

type BuildStatus string

const (
	BuildQueued    BuildStatus = "queued"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
	BuildEscalated BuildStatus = "escalated"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether a build status can never change again.
// Escalated is not terminal: an approval resumes the run.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildSucceeded, BuildFailed, BuildCancelled:
		return true
	default:
		return false
	}
}

// BuildRun is the durable record of one execution of a TaskGraph.
type BuildRun struct {
	BuildID       string                    `json:"build_id"`
	TenantID      string                    `json:"tenant_id"`
	Status        BuildStatus               `json:"status"`
	WorkspacePath string                    `json:"workspace_path"`
	Bootable      bool                      `json:"bootable"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	NodeStatuses  map[string]NodeStatus     `json:"node_statuses"`
	NodeErrors    map[string]*StepErrorInfo `json:"node_errors,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
}

// StepAttempt is one execution attempt of one node, including auto-fix retries.
type StepAttempt struct {
	NodeID     string    `json:"node_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	AutoFix    bool      `json:"is_autofix_attempt"`
}

type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// EscalationGate is a pause point requiring human approval to proceed.
type EscalationGate struct {
	GateID       string     `json:"gate_id"`
	BuildID      string     `json:"build_id"`
	NodeID       string     `json:"node_id"`
	Reason       string     `json:"reason"`
	RequiredRole string     `json:"required_approval_role"`
	Status       GateStatus `json:"status"`
	OpenedAt     time.Time  `json:"opened_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

// DeriveBuildID derives a stable build id from the tenant and the client's
// idempotency key. Re-submission with the same pair always maps to the same build.
func DeriveBuildID(tenantID, idempotencyKey string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(idempotencyKey))
	sum := h.Sum(nil)
	return "bld_" + hex.EncodeToString(sum[:12])
}
