package server

import (
	"context"
	"fmt"
	"sync"
)

// buildState tracks the live (in-process) side of one build: its event
// broadcaster and the cancel handle for its executor goroutine. Durable state
// lives in the store; this registry only exists so SSE clients and cancel
// requests can reach a running build.
type buildState struct {
	BuildID     string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
}

// BuildRegistry tracks builds currently executing in this server process.
type BuildRegistry struct {
	mu     sync.RWMutex
	builds map[string]*buildState
}

func NewBuildRegistry() *BuildRegistry {
	return &BuildRegistry{builds: make(map[string]*buildState)}
}

// Register adds a running build. Errors if the id is already live, which
// would mean two executors on one workspace.
func (r *BuildRegistry) Register(buildID string, bs *buildState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builds[buildID]; exists {
		return fmt.Errorf("build %s already executing", buildID)
	}
	r.builds[buildID] = bs
	return nil
}

// Remove drops a finished build from the live set.
func (r *BuildRegistry) Remove(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builds, buildID)
}

// Get returns a live build, or false if it is not executing here.
func (r *BuildRegistry) Get(buildID string) (*buildState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bs, ok := r.builds[buildID]
	return bs, ok
}

// CancelAll cancels every live build with the given reason.
func (r *BuildRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, bs := range r.builds {
		if bs.Cancel != nil {
			bs.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
