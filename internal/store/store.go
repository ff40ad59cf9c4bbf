// Package store is the durable record of BuildRun, TaskNode, StepAttempt and
// EscalationGate state. It is the single source of truth: the executor holds
// no build state of its own and recomputes its ready set from here, which is
// what makes restart/resume safe.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/avolkov/drafthorse/internal/build"
)

var (
	ErrNotFound      = errors.New("build not found")
	ErrGateNotFound  = errors.New("gate not found")
	ErrClaimConflict = errors.New("node already claimed")
)

// buildDoc is the on-disk shape of one build: the run plus the attempt
// counters the Auto-Fix Controller budgets against.
type buildDoc struct {
	Run           build.BuildRun `json:"run"`
	NodeAttempts  map[string]int `json:"node_attempts"`
	TotalAttempts int            `json:"total_attempts"`
}

// Store persists builds under root, one directory per build:
//
//	<root>/<build_id>/build.json       run + counters (atomic rewrite)
//	<root>/<build_id>/graph.json       the parsed TaskGraph (write-once)
//	<root>/<build_id>/attempts.ndjson  append-only StepAttempt log
//	<root>/<build_id>/gates.json       escalation gates (atomic rewrite)
//	<root>/<build_id>/events.ndjson    progress event feed
//	<root>/<build_id>/workspace/       the build's exclusive workspace
//
// Every mutation is persisted before the mutating call returns.
type Store struct {
	root string

	mu       sync.Mutex
	builds   map[string]*buildDoc
	gates    map[string][]*build.EscalationGate // keyed by build id
	eventSeq map[string]int                     // last event sequence per build
}

func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		root:     root,
		builds:   map[string]*buildDoc{},
		gates:    map[string][]*build.EscalationGate{},
		eventSeq: map[string]int{},
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		doc, err := readJSONFile[buildDoc](s.buildPath(id, "build.json"))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load build %s: %w", id, err)
		}
		// A node left running is a crash artifact: no executor outlives the
		// process, so demote it and let the resumed run re-claim it.
		for nid, st := range doc.Run.NodeStatuses {
			if st == build.NodeRunning {
				doc.Run.NodeStatuses[nid] = build.NodePending
			}
		}
		if doc.NodeAttempts == nil {
			doc.NodeAttempts = map[string]int{}
		}
		s.builds[id] = doc

		gates, err := readJSONFile[[]*build.EscalationGate](s.buildPath(id, "gates.json"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load gates %s: %w", id, err)
		}
		if gates != nil {
			s.gates[id] = *gates
		}

		events, err := readNDJSON[map[string]any](s.buildPath(id, "events.ndjson"))
		if err != nil {
			return fmt.Errorf("load events %s: %w", id, err)
		}
		for _, ev := range events {
			if n, ok := EventSeq(ev); ok && n > s.eventSeq[id] {
				s.eventSeq[id] = n
			}
		}
	}
	return nil
}

// CreateBuild creates the BuildRun for (tenant, idempotency key), or returns
// the existing one. created=false means this was a re-submission; the caller
// must not execute the build a second time.
func (s *Store) CreateBuild(tenantID, idempotencyKey string, g *build.TaskGraph) (run *build.BuildRun, created bool, err error) {
	id := build.DeriveBuildID(tenantID, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.builds[id]; ok {
		r := doc.Run
		return &r, false, nil
	}

	dir := filepath.Join(s.root, id)
	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	doc := &buildDoc{
		Run: build.BuildRun{
			BuildID:       id,
			TenantID:      tenantID,
			Status:        build.BuildQueued,
			WorkspacePath: workspace,
			CreatedAt:     now,
			UpdatedAt:     now,
			NodeStatuses:  map[string]build.NodeStatus{},
			NodeErrors:    map[string]*build.StepErrorInfo{},
		},
		NodeAttempts: map[string]int{},
	}
	for _, n := range g.Nodes {
		doc.Run.NodeStatuses[n.ID] = build.NodePending
	}

	if err := writeJSONAtomic(filepath.Join(dir, "graph.json"), g); err != nil {
		return nil, false, err
	}
	if err := s.persistBuildLocked(doc); err != nil {
		return nil, false, err
	}
	s.builds[id] = doc
	r := doc.Run
	return &r, true, nil
}

// GetBuild returns a copy of the run; callers never share live store state.
func (s *Store) GetBuild(buildID string) (*build.BuildRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	r := doc.Run
	r.NodeStatuses = copyMap(doc.Run.NodeStatuses)
	r.NodeErrors = copyMap(doc.Run.NodeErrors)
	return &r, nil
}

func (s *Store) LoadGraph(buildID string) (*build.TaskGraph, error) {
	s.mu.Lock()
	_, ok := s.builds[buildID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	g, err := readJSONFile[build.TaskGraph](s.buildPath(buildID, "graph.json"))
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ClaimNode transitions a node pending->running, compare-and-swap style: the
// transition is persisted before the claim is granted, and a concurrent or
// restarted worker claiming the same node gets ErrClaimConflict.
func (s *Store) ClaimNode(buildID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	if doc.Run.NodeStatuses[nodeID] != build.NodePending {
		return fmt.Errorf("%w: %s is %s", ErrClaimConflict, nodeID, doc.Run.NodeStatuses[nodeID])
	}
	doc.Run.NodeStatuses[nodeID] = build.NodeRunning
	return s.persistBuildLocked(doc)
}

// CompleteNode records the terminal status of a claimed node.
func (s *Store) CompleteNode(buildID, nodeID string, status build.NodeStatus, stepErr *build.StepErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	doc.Run.NodeStatuses[nodeID] = status
	if stepErr != nil {
		if doc.Run.NodeErrors == nil {
			doc.Run.NodeErrors = map[string]*build.StepErrorInfo{}
		}
		doc.Run.NodeErrors[nodeID] = stepErr
	}
	return s.persistBuildLocked(doc)
}

// ResetNode returns a node to pending so a retry or an approved escalation
// can re-claim it.
func (s *Store) ResetNode(buildID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	doc.Run.NodeStatuses[nodeID] = build.NodePending
	return s.persistBuildLocked(doc)
}

// SetBuildStatus updates the run status. Status is monotonic: transitions out
// of a terminal state are rejected.
func (s *Store) SetBuildStatus(buildID string, status build.BuildStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	if doc.Run.Status.Terminal() && status != doc.Run.Status {
		return fmt.Errorf("build %s is %s (terminal); refusing transition to %s", buildID, doc.Run.Status, status)
	}
	doc.Run.Status = status
	if reason != "" {
		doc.Run.FailureReason = reason
	}
	if status == build.BuildSucceeded {
		doc.Run.Bootable = true
	}
	return s.persistBuildLocked(doc)
}

// AppendAttempt records a StepAttempt in the forensic log. Failed attempts
// bump the per-node and build-wide counters the Auto-Fix Controller budgets
// against; successful attempts are logged but consume no budget, so a build
// with many nodes keeps its full retry budget for the ones that fail.
func (s *Store) AppendAttempt(buildID string, att build.StepAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	if err := appendNDJSON(s.buildPath(buildID, "attempts.ndjson"), att); err != nil {
		return err
	}
	if !att.Success {
		doc.NodeAttempts[att.NodeID]++
		doc.TotalAttempts++
	}
	return s.persistBuildLocked(doc)
}

func (s *Store) AttemptCount(buildID, nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.builds[buildID]; ok {
		return doc.NodeAttempts[nodeID]
	}
	return 0
}

func (s *Store) TotalAttempts(buildID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.builds[buildID]; ok {
		return doc.TotalAttempts
	}
	return 0
}

// ResetAttemptCount zeroes a node's attempt counter. Gate approval does this
// so the approved node gets a fresh per-node budget while the build-wide
// total keeps counting.
func (s *Store) ResetAttemptCount(buildID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	delete(doc.NodeAttempts, nodeID)
	return s.persistBuildLocked(doc)
}

// Attempts returns the full attempt history for a build, oldest first.
func (s *Store) Attempts(buildID string) ([]build.StepAttempt, error) {
	s.mu.Lock()
	_, ok := s.builds[buildID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return readNDJSON[build.StepAttempt](s.buildPath(buildID, "attempts.ndjson"))
}

// OpenGate creates a pending escalation gate for a node.
func (s *Store) OpenGate(buildID, nodeID, reason, requiredRole string) (*build.EscalationGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[buildID]; !ok {
		return nil, ErrNotFound
	}
	gate := &build.EscalationGate{
		GateID:       "gate_" + ulid.Make().String(),
		BuildID:      buildID,
		NodeID:       nodeID,
		Reason:       reason,
		RequiredRole: requiredRole,
		Status:       build.GatePending,
		OpenedAt:     time.Now().UTC(),
	}
	s.gates[buildID] = append(s.gates[buildID], gate)
	if err := s.persistGatesLocked(buildID); err != nil {
		return nil, err
	}
	g := *gate
	return &g, nil
}

// ResolveGate marks a pending gate approved or rejected.
func (s *Store) ResolveGate(gateID string, status build.GateStatus, resolvedBy string) (*build.EscalationGate, error) {
	if status != build.GateApproved && status != build.GateRejected {
		return nil, fmt.Errorf("invalid gate resolution %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for buildID, gates := range s.gates {
		for _, gate := range gates {
			if gate.GateID != gateID {
				continue
			}
			if gate.Status != build.GatePending {
				return nil, fmt.Errorf("gate %s already %s", gateID, gate.Status)
			}
			now := time.Now().UTC()
			gate.Status = status
			gate.ResolvedAt = &now
			gate.ResolvedBy = resolvedBy
			if err := s.persistGatesLocked(buildID); err != nil {
				return nil, err
			}
			g := *gate
			return &g, nil
		}
	}
	return nil, ErrGateNotFound
}

// ListOpenGates returns pending gates for a build, oldest first.
func (s *Store) ListOpenGates(buildID string) ([]build.EscalationGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[buildID]; !ok {
		return nil, ErrNotFound
	}
	out := []build.EscalationGate{}
	for _, gate := range s.gates[buildID] {
		if gate.Status == build.GatePending {
			out = append(out, *gate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// AppendEvent adds a progress event to the build's durable event feed. Each
// event is stamped with a per-build monotonic sequence number; feed consumers
// that merge the persisted history with a live stream deduplicate on it.
func (s *Store) AppendEvent(buildID string, event map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[buildID]; !ok {
		return ErrNotFound
	}
	s.eventSeq[buildID]++
	event["seq"] = s.eventSeq[buildID]
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return appendNDJSON(s.buildPath(buildID, "events.ndjson"), event)
}

// EventSeq extracts an event's sequence number. JSON decoding yields float64;
// events still in memory carry int.
func EventSeq(event map[string]any) (int, bool) {
	switch v := event["seq"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Events returns the persisted event feed, oldest first.
func (s *Store) Events(buildID string) ([]map[string]any, error) {
	s.mu.Lock()
	_, ok := s.builds[buildID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return readNDJSON[map[string]any](s.buildPath(buildID, "events.ndjson"))
}

// ListBuilds returns all known build ids.
func (s *Store) ListBuilds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.builds))
	for id := range s.builds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) buildPath(buildID, name string) string {
	return filepath.Join(s.root, buildID, name)
}

func (s *Store) persistBuildLocked(doc *buildDoc) error {
	doc.Run.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(s.buildPath(doc.Run.BuildID, "build.json"), doc)
}

func (s *Store) persistGatesLocked(buildID string) error {
	return writeJSONAtomic(s.buildPath(buildID, "gates.json"), s.gates[buildID])
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSONFile[T any](path string) (*T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &v, nil
}

func appendNDJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readNDJSON[T any](path string) ([]T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []T{}, nil
		}
		return nil, err
	}
	var out []T
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var v T
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, v)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
