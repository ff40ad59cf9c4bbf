package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/avolkov/drafthorse/internal/build"
	"github.com/avolkov/drafthorse/internal/plan"
	"github.com/avolkov/drafthorse/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"builds": len(s.store.ListBuilds()),
	})
}

// handleSubmitBuild parses the plan synchronously — a ParseError is returned
// before any BuildRun exists — then creates-or-returns the build for the
// (tenant, Idempotency-Key) pair and launches execution asynchronously.
// Re-submission returns the existing build id and never re-executes.
func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var req SubmitBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if strings.TrimSpace(req.Plan) == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	graph, err := plan.Parse(req.Plan, req.Format)
	if err != nil {
		if build.IsParseError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	run, created, err := s.store.CreateBuild(req.TenantID, idemKey, graph)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create build: %v", err))
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, SubmitBuildResponse{BuildID: run.BuildID, Accepted: false})
		return
	}

	s.launch(run.BuildID)
	writeJSON(w, http.StatusAccepted, SubmitBuildResponse{BuildID: run.BuildID, Accepted: true})
}

// launch starts (or resumes) executing a build in a background goroutine and
// tracks it in the live registry for SSE and cancellation.
func (s *Server) launch(buildID string) {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	bs := &buildState{
		BuildID:     buildID,
		Broadcaster: NewBroadcaster(),
		Cancel:      cancel,
	}
	if err := s.registry.Register(buildID, bs); err != nil {
		// Already executing in this process; never start a second executor
		// on the same workspace.
		cancel(nil)
		return
	}

	go func() {
		defer func() {
			bs.Broadcaster.Close()
			s.registry.Remove(buildID)
		}()
		res, err := s.engine.Run(ctx, buildID)
		switch {
		case err != nil:
			s.logger.Printf("build %s: %v", buildID, err)
		case res.Status == build.BuildEscalated:
			s.logger.Printf("build %s escalated (gate pending approval)", buildID)
		default:
			s.logger.Printf("build %s finished: %s", buildID, res.Status)
		}
	}()
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	run, err := s.store.GetBuild(buildID)
	if err != nil {
		writeStoreError(w, buildID, err)
		return
	}

	view := BuildView{
		BuildID:       run.BuildID,
		TenantID:      run.TenantID,
		Status:        run.Status,
		WorkspacePath: run.WorkspacePath,
		Bootable:      run.Bootable,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		FailureReason: run.FailureReason,
		Nodes:         map[string]NodeView{},
	}
	for id, st := range run.NodeStatuses {
		view.Nodes[id] = NodeView{Status: st, LastError: run.NodeErrors[id]}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleBuildEvents streams the persisted event feed, then live events while
// the build is still executing in this process. The subscription is taken
// BEFORE the history read: an event persisted after the read is then always
// delivered live, and one persisted before it is replayed from history, with
// the overlap filtered by sequence number inside WriteSSE. Reversing the
// order opens a window where an event lands in neither.
func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")

	var (
		live <-chan map[string]any
		done <-chan struct{}
	)
	if bs, ok := s.registry.Get(buildID); ok {
		var unsub func()
		live, done, unsub = bs.Broadcaster.Subscribe()
		defer unsub()
	}

	history, err := s.store.Events(buildID)
	if err != nil {
		writeStoreError(w, buildID, err)
		return
	}
	WriteSSE(w, r, history, live, done)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	if _, err := s.store.GetBuild(buildID); err != nil {
		writeStoreError(w, buildID, err)
		return
	}
	bs, ok := s.registry.Get(buildID)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("build %s is not executing", buildID))
		return
	}
	bs.Cancel(errors.New("cancelled via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("id")
	gates, err := s.store.ListOpenGates(buildID)
	if err != nil {
		writeStoreError(w, buildID, err)
		return
	}
	writeJSON(w, http.StatusOK, gates)
}

func (s *Server) handleApproveGate(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("id")
	decidedBy := decodeDecision(r)

	// Resolve the gate synchronously so the caller gets a definite answer;
	// the resumed execution runs in the background like any other build.
	gate, err := s.engine.ApproveGate(gateID, decidedBy)
	if err != nil {
		writeGateError(w, gateID, err)
		return
	}
	s.launch(gate.BuildID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "approved",
		"build_id": gate.BuildID,
	})
}

func (s *Server) handleRejectGate(w http.ResponseWriter, r *http.Request) {
	gateID := r.PathValue("id")
	decidedBy := decodeDecision(r)

	gate, err := s.engine.Reject(gateID, decidedBy)
	if err != nil {
		writeGateError(w, gateID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "rejected",
		"build_id": gate.BuildID,
	})
}

func decodeDecision(r *http.Request) string {
	var req GateDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.DecidedBy)
}

// --- Helpers ---

func writeStoreError(w http.ResponseWriter, buildID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("build %s not found", buildID))
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeGateError(w http.ResponseWriter, gateID string, err error) {
	if errors.Is(err, store.ErrGateNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("gate %s not found", gateID))
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
