package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avolkov/drafthorse/internal/acceptance"
	"github.com/avolkov/drafthorse/internal/build"
	"github.com/avolkov/drafthorse/internal/skeleton"
)

// Execution is the per-build environment handed to leaf handlers.
type Execution struct {
	BuildID    string
	Workspace  string
	Skeleton   *skeleton.Generator
	Acceptance *acceptance.Runner
	Generator  ContentGenerator
}

// Handler executes one node. Outputs are workspace-relative refs to produced
// artifacts. Errors should be *build.StepError so the Auto-Fix Controller
// gets a classification hint; anything else is classified by heuristic.
type Handler interface {
	Execute(ctx context.Context, exec *Execution, node *build.TaskNode) (outputs []string, err error)
}

// ContentGenerator is the pluggable collaborator behind create_generator
// nodes. Real content generation (LLM-backed) lives outside this core; the
// default implementation writes a descriptor stub.
type ContentGenerator interface {
	Generate(ctx context.Context, exec *Execution, node *build.TaskNode, description string) (outputs []string, err error)
}

type HandlerRegistry struct {
	handlers map[build.TaskType]Handler
}

func NewDefaultRegistry() *HandlerRegistry {
	reg := &HandlerRegistry{handlers: map[build.TaskType]Handler{}}
	reg.Register(build.TaskCreateDirectory, &DirectoryHandler{})
	reg.Register(build.TaskCreateFile, &FileHandler{})
	reg.Register(build.TaskDefineSpec, &SpecHandler{})
	reg.Register(build.TaskCreateGenerator, &GeneratorHandler{})
	reg.Register(build.TaskAcceptanceTest, &AcceptanceHandler{})
	reg.Register(build.TaskWait, &WaitHandler{})
	return reg
}

func (r *HandlerRegistry) Register(tt build.TaskType, h Handler) {
	if r.handlers == nil {
		r.handlers = map[build.TaskType]Handler{}
	}
	r.handlers[tt] = h
}

func (r *HandlerRegistry) Resolve(tt build.TaskType) (Handler, error) {
	h, ok := r.handlers[tt]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", tt)
	}
	return h, nil
}

func decodePayload[T any](node *build.TaskNode) (T, error) {
	var v T
	if err := json.Unmarshal(node.Payload, &v); err != nil {
		return v, build.NewStepError(build.KindUnknown, "decode %s payload: %v", node.Type, err)
	}
	return v, nil
}

type DirectoryHandler struct{}

func (h *DirectoryHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.DirectoryPayload](node)
	if err != nil {
		return nil, err
	}
	report, err := exec.Skeleton.Apply(ctx, []skeleton.Op{{Kind: skeleton.OpDir, Path: p.Path}})
	if err != nil {
		return report.Succeeded, err
	}
	return report.Succeeded, nil
}

type FileHandler struct{}

func (h *FileHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.FilePayload](node)
	if err != nil {
		return nil, err
	}
	report, err := exec.Skeleton.Apply(ctx, []skeleton.Op{{Kind: skeleton.OpFile, Path: p.Path, Content: p.Content}})
	if err != nil {
		return report.Succeeded, err
	}
	return report.Succeeded, nil
}

// SpecHandler materializes a spec note under specs/. The note is the durable
// record of what was asked for; downstream generators consume it.
type SpecHandler struct{}

func (h *SpecHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.SpecPayload](node)
	if err != nil {
		return nil, err
	}
	path := "specs/" + node.ID + ".md"
	report, err := exec.Skeleton.Apply(ctx, []skeleton.Op{{
		Kind:    skeleton.OpFile,
		Path:    path,
		Content: "# Spec\n\n" + p.Description + "\n",
	}})
	if err != nil {
		return report.Succeeded, err
	}
	return report.Succeeded, nil
}

type GeneratorHandler struct{}

func (h *GeneratorHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.GeneratorPayload](node)
	if err != nil {
		return nil, err
	}
	gen := exec.Generator
	if gen == nil {
		gen = &StubContentGenerator{}
	}
	return gen.Generate(ctx, exec, node, p.Description)
}

// StubContentGenerator writes a generator descriptor instead of generated
// code. It keeps the pipeline runnable without the external generation
// collaborator.
type StubContentGenerator struct{}

func (g *StubContentGenerator) Generate(ctx context.Context, exec *Execution, node *build.TaskNode, description string) ([]string, error) {
	path := "generators/" + node.ID + ".md"
	report, err := exec.Skeleton.Apply(ctx, []skeleton.Op{{
		Kind:    skeleton.OpFile,
		Path:    path,
		Content: "# Generator\n\n" + description + "\n",
	}})
	if err != nil {
		return report.Succeeded, err
	}
	return report.Succeeded, nil
}

type AcceptanceHandler struct{}

func (h *AcceptanceHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.AcceptancePayload](node)
	if err != nil {
		return nil, err
	}
	manifest, err := exec.Acceptance.Synthesize(ctx, p.Criteria)
	if err != nil {
		return manifest.GeneratedFiles, err
	}
	return manifest.GeneratedFiles, nil
}

// WaitHandler suspends for the configured duration. A wait step is an
// ordinary node: it blocks exactly where any other node would block on I/O,
// so the scheduler needs no special case.
type WaitHandler struct{}

func (h *WaitHandler) Execute(ctx context.Context, exec *Execution, node *build.TaskNode) ([]string, error) {
	p, err := decodePayload[build.WaitPayload](node)
	if err != nil {
		return nil, err
	}
	d := time.Duration(p.DurationMS) * time.Millisecond
	if d <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, build.NewStepError(build.KindTransientError, "wait interrupted: %v", ctx.Err())
	}
}
