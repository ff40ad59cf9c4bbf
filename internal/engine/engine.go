// Package engine schedules ready TaskNodes onto a bounded worker pool,
// dispatches them to leaf handlers, and recovers from failures through the
// Auto-Fix Controller and escalation gates. The engine holds no build state:
// every transition is persisted first, so a restarted process resumes a build
// by recomputing the ready set from the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avolkov/drafthorse/internal/acceptance"
	"github.com/avolkov/drafthorse/internal/build"
	"github.com/avolkov/drafthorse/internal/ctxlog"
	"github.com/avolkov/drafthorse/internal/skeleton"
	"github.com/avolkov/drafthorse/internal/store"
)

type Engine struct {
	Store    *store.Store
	Config   Config
	Registry *HandlerRegistry

	// Generator is the pluggable content-generation collaborator for
	// create_generator nodes. Nil uses the stub.
	Generator ContentGenerator

	// Sink receives every progress event after it is persisted; the HTTP
	// server wires the SSE broadcaster here.
	Sink func(buildID string, event map[string]any)

	// sleep is the retry-delay hook; tests replace it to observe delays
	// without waiting them out.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st *store.Store, cfg Config) *Engine {
	return &Engine{
		Store:    st,
		Config:   cfg,
		Registry: NewDefaultRegistry(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result is the outcome of one Run invocation. Gate is set when the run
// paused on an escalation.
type Result struct {
	BuildID string
	Status  build.BuildStatus
	Gate    *build.EscalationGate
}

// nodeOutcome is what a worker reports back to the scheduler.
type nodeOutcome struct {
	nodeID    string
	decision  Decision // empty on success
	gateErr   error    // the classified failure behind an escalate decision
	cancelled bool
}

// Run executes the build until it reaches a terminal status or pauses on an
// escalation gate. Safe to call again after a crash or an approval: the
// ready set is recomputed from persisted node state, never from history.
func (e *Engine) Run(ctx context.Context, buildID string) (*Result, error) {
	run, err := e.Store.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &Result{BuildID: buildID, Status: run.Status}, nil
	}
	if run.Status == build.BuildEscalated {
		// Only a gate decision moves an escalated build; see Approve/Reject.
		return &Result{BuildID: buildID, Status: run.Status}, nil
	}
	graph, err := e.Store.LoadGraph(buildID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetBuildStatus(buildID, build.BuildRunning, ""); err != nil {
		return nil, err
	}
	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("build_id", buildID))
	e.emit(buildID, map[string]any{"event": "build_running"})

	gen := skeleton.New(run.WorkspacePath, e.Config.ProtectedPaths)
	exec := &Execution{
		BuildID:    buildID,
		Workspace:  run.WorkspacePath,
		Skeleton:   gen,
		Acceptance: acceptance.New(gen),
		Generator:  e.Generator,
	}

	// Buffered to the worker bound: a worker finishing after Run bailed out
	// on a store error must not block forever on its outcome send.
	results := make(chan nodeOutcome, e.Config.Workers)
	inflight := map[string]bool{}
	var paused *build.EscalationGate
	var failReason string
	cancelled := false
	halted := false // stop scheduling new nodes; drain in-flight

	for {
		if !halted && ctx.Err() != nil {
			cancelled = true
			halted = true
			e.emit(buildID, map[string]any{"event": "cancel_requested"})
		}
		if !halted {
			if err := e.scheduleReady(ctx, exec, graph, inflight, results); err != nil {
				return nil, err
			}
		}
		if len(inflight) == 0 {
			break
		}

		var res nodeOutcome
		if cancelled {
			res = <-results
		} else {
			select {
			case res = <-results:
			case <-ctx.Done():
				// External cancel: in-flight nodes finish or checkpoint;
				// nothing new starts.
				cancelled = true
				halted = true
				e.emit(buildID, map[string]any{"event": "cancel_requested"})
				continue
			}
		}
		delete(inflight, res.nodeID)

		switch {
		case res.cancelled:
			// Node checkpointed back to pending; keep draining.
		case res.decision == DecisionEscalate:
			gate, gerr := e.openGate(buildID, res.nodeID, res.gateErr)
			if gerr != nil {
				return nil, gerr
			}
			paused = gate
			halted = true
		case res.decision == DecisionFail:
			if failReason == "" && res.gateErr != nil {
				failReason = fmt.Sprintf("node %s: %v", res.nodeID, res.gateErr)
			}
			e.skipDependents(buildID, graph, res.nodeID)
			halted = true
		}
	}

	switch {
	case cancelled:
		if err := e.Store.SetBuildStatus(buildID, build.BuildCancelled, "cancelled by request"); err != nil {
			return nil, err
		}
		e.emit(buildID, map[string]any{"event": "build_cancelled"})
		return &Result{BuildID: buildID, Status: build.BuildCancelled}, nil
	case paused != nil:
		if err := e.Store.SetBuildStatus(buildID, build.BuildEscalated, ""); err != nil {
			return nil, err
		}
		e.emit(buildID, map[string]any{
			"event":   "build_escalated",
			"gate_id": paused.GateID,
			"node_id": paused.NodeID,
		})
		return &Result{BuildID: buildID, Status: build.BuildEscalated, Gate: paused}, nil
	case failReason != "":
		if err := e.Store.SetBuildStatus(buildID, build.BuildFailed, failReason); err != nil {
			return nil, err
		}
		e.emit(buildID, map[string]any{"event": "build_failed", "reason": failReason})
		return &Result{BuildID: buildID, Status: build.BuildFailed}, nil
	}

	// Nothing in flight and nothing schedulable: succeeded only if every
	// node made it; stranded pending nodes mean an upstream failure path.
	run, err = e.Store.GetBuild(buildID)
	if err != nil {
		return nil, err
	}
	allSucceeded := true
	for _, st := range run.NodeStatuses {
		if st != build.NodeSucceeded {
			allSucceeded = false
			break
		}
	}
	if !allSucceeded {
		reason := "one or more nodes did not succeed"
		if err := e.Store.SetBuildStatus(buildID, build.BuildFailed, reason); err != nil {
			return nil, err
		}
		e.emit(buildID, map[string]any{"event": "build_failed", "reason": reason})
		return &Result{BuildID: buildID, Status: build.BuildFailed}, nil
	}
	if err := e.Store.SetBuildStatus(buildID, build.BuildSucceeded, ""); err != nil {
		return nil, err
	}
	e.emit(buildID, map[string]any{"event": "build_succeeded"})
	return &Result{BuildID: buildID, Status: build.BuildSucceeded}, nil
}

// scheduleReady claims every ready node (all dependencies succeeded) up to
// the worker bound and launches it. Claims go through the store's CAS so a
// concurrent executor or a resumed run can never double-execute a node.
func (e *Engine) scheduleReady(ctx context.Context, exec *Execution, graph *build.TaskGraph, inflight map[string]bool, results chan<- nodeOutcome) error {
	run, err := e.Store.GetBuild(exec.BuildID)
	if err != nil {
		return err
	}
	for _, node := range graph.Nodes {
		if len(inflight) >= e.Config.Workers {
			return nil
		}
		if inflight[node.ID] || run.NodeStatuses[node.ID] != build.NodePending {
			continue
		}
		ready := true
		for _, dep := range node.DependsOn {
			if run.NodeStatuses[dep] != build.NodeSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := e.Store.ClaimNode(exec.BuildID, node.ID); err != nil {
			if errors.Is(err, store.ErrClaimConflict) {
				continue
			}
			return err
		}
		inflight[node.ID] = true
		n := node
		go func() {
			results <- e.runNode(ctx, exec, n)
		}()
	}
	return nil
}

// runNode is the worker body: execute, and on failure let the Auto-Fix
// Controller classify and decide until the node succeeds, escalates, fails,
// or the run is cancelled. The node stays claimed for the whole loop.
func (e *Engine) runNode(ctx context.Context, exec *Execution, node *build.TaskNode) nodeOutcome {
	logger := ctxlog.FromContext(ctx).With("node_id", node.ID)
	autofix := newAutoFix(e.Config)
	buildID := exec.BuildID

	e.emit(buildID, map[string]any{"event": "node_started", "node_id": node.ID, "task_type": string(node.Type)})

	for {
		attemptNo := e.Store.AttemptCount(buildID, node.ID) + 1
		started := time.Now().UTC()
		outputs, err := e.executeOnce(ctx, exec, node)
		finished := time.Now().UTC()

		if err == nil {
			_ = e.Store.AppendAttempt(buildID, build.StepAttempt{
				NodeID:     node.ID,
				Attempt:    attemptNo,
				StartedAt:  started,
				FinishedAt: finished,
				Success:    true,
				AutoFix:    attemptNo > 1,
			})
			if serr := e.Store.CompleteNode(buildID, node.ID, build.NodeSucceeded, nil); serr != nil {
				logger.Error("persist node success", "error", serr)
			}
			e.emit(buildID, map[string]any{"event": "node_succeeded", "node_id": node.ID, "outputs": outputs})
			return nodeOutcome{nodeID: node.ID}
		}

		kind := build.Classify(err)
		isAutoFix := attemptNo > 1
		_ = e.Store.AppendAttempt(buildID, build.StepAttempt{
			NodeID:     node.ID,
			Attempt:    attemptNo,
			StartedAt:  started,
			FinishedAt: finished,
			ErrorKind:  kind,
			Detail:     err.Error(),
			AutoFix:    isAutoFix,
		})
		decision := autofix.Decide(kind, e.Store.AttemptCount(buildID, node.ID), e.Store.TotalAttempts(buildID))
		logger.Warn("node attempt failed", "attempt", attemptNo, "kind", string(kind), "decision", string(decision), "error", err)
		e.emit(buildID, map[string]any{
			"event":              "node_attempt_failed",
			"node_id":            node.ID,
			"attempt":            attemptNo,
			"kind":               string(kind),
			"decision":           string(decision),
			"detail":             err.Error(),
			"is_autofix_attempt": isAutoFix,
		})

		info := &build.StepErrorInfo{Kind: kind, Detail: err.Error(), AutoFix: isAutoFix}
		switch decision {
		case DecisionRetry:
			delay := DelayForAttempt(attemptNo, backoffConfigFrom(e.Config))
			e.emit(buildID, map[string]any{"event": "node_retry_sleep", "node_id": node.ID, "delay_ms": delay.Milliseconds()})
			if serr := e.sleep(ctx, delay); serr != nil {
				// Cancelled between attempts: checkpoint the node back to
				// pending so a resumed run can retry it.
				_ = e.Store.ResetNode(buildID, node.ID)
				return nodeOutcome{nodeID: node.ID, cancelled: true}
			}
		case DecisionEscalate:
			if serr := e.Store.CompleteNode(buildID, node.ID, build.NodeFailed, info); serr != nil {
				logger.Error("persist node failure", "error", serr)
			}
			return nodeOutcome{nodeID: node.ID, decision: DecisionEscalate, gateErr: err}
		default:
			if serr := e.Store.CompleteNode(buildID, node.ID, build.NodeFailed, info); serr != nil {
				logger.Error("persist node failure", "error", serr)
			}
			return nodeOutcome{nodeID: node.ID, decision: DecisionFail, gateErr: err}
		}
	}
}

// executeOnce runs the handler under the per-node timeout. The timeout
// context is detached from the run's cancel cause so an external cancel lets
// the attempt finish; timing out classifies as transient_error.
func (e *Engine) executeOnce(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	handler, err := e.Registry.Resolve(node.Type)
	if err != nil {
		return nil, err
	}
	hctx := context.WithoutCancel(ctx)
	if d := e.Config.NodeTimeout(); d > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d)
		defer cancel()
	}
	outputs, err := handler.Execute(hctx, exec, node)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return outputs, build.NewStepError(build.KindTransientError, "node %s timed out: %v", node.ID, err)
	}
	return outputs, err
}

func (e *Engine) openGate(buildID, nodeID string, cause error) (*build.EscalationGate, error) {
	reason := "escalated by auto-fix controller"
	if cause != nil {
		reason = cause.Error()
	}
	gate, err := e.Store.OpenGate(buildID, nodeID, reason, e.Config.RequiredApprovalRole)
	if err != nil {
		return nil, err
	}
	e.emit(buildID, map[string]any{
		"event":                  "gate_opened",
		"gate_id":                gate.GateID,
		"node_id":                nodeID,
		"required_approval_role": gate.RequiredRole,
	})
	return gate, nil
}

// skipDependents marks every pending transitive dependent of a failed node
// as skipped; they can never become ready.
func (e *Engine) skipDependents(buildID string, graph *build.TaskGraph, failedID string) {
	dependents := map[string][]string{}
	for _, n := range graph.Nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	run, err := e.Store.GetBuild(buildID)
	if err != nil {
		return
	}
	seen := map[string]bool{}
	queue := []string{failedID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if run.NodeStatuses[dep] == build.NodePending {
				_ = e.Store.CompleteNode(buildID, dep, build.NodeSkipped, nil)
				e.emit(buildID, map[string]any{"event": "node_skipped", "node_id": dep, "upstream": failedID})
			}
			queue = append(queue, dep)
		}
	}
}

// ApproveGate resolves a pending gate, gives the node a fresh per-node
// attempt budget (the build-wide total keeps counting) and returns the node
// to pending with the build back in running. The caller decides whether to
// resume synchronously (CLI) or in a background goroutine (HTTP server).
func (e *Engine) ApproveGate(gateID, approvedBy string) (*build.EscalationGate, error) {
	gate, err := e.Store.ResolveGate(gateID, build.GateApproved, approvedBy)
	if err != nil {
		return nil, err
	}
	if err := e.Store.ResetAttemptCount(gate.BuildID, gate.NodeID); err != nil {
		return nil, err
	}
	if err := e.Store.ResetNode(gate.BuildID, gate.NodeID); err != nil {
		return nil, err
	}
	if err := e.Store.SetBuildStatus(gate.BuildID, build.BuildRunning, ""); err != nil {
		return nil, err
	}
	e.emit(gate.BuildID, map[string]any{"event": "gate_approved", "gate_id": gateID, "by": approvedBy})
	return gate, nil
}

// Approve is ApproveGate followed by a synchronous resume.
func (e *Engine) Approve(ctx context.Context, gateID, approvedBy string) (*Result, error) {
	gate, err := e.ApproveGate(gateID, approvedBy)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, gate.BuildID)
}

// Reject resolves a pending gate and fails the build with no further attempts.
func (e *Engine) Reject(gateID, rejectedBy string) (*build.EscalationGate, error) {
	gate, err := e.Store.ResolveGate(gateID, build.GateRejected, rejectedBy)
	if err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("escalation gate %s rejected", gateID)
	if err := e.Store.SetBuildStatus(gate.BuildID, build.BuildFailed, reason); err != nil {
		return nil, err
	}
	e.emit(gate.BuildID, map[string]any{"event": "gate_rejected", "gate_id": gateID, "by": rejectedBy})
	return gate, nil
}

func (e *Engine) emit(buildID string, event map[string]any) {
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	// The event feed is best-effort; state transitions are already durable.
	_ = e.Store.AppendEvent(buildID, event)
	if e.Sink != nil {
		e.Sink(buildID, event)
	}
}
