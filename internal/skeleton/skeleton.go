// Package skeleton materializes directory/file specs inside a build's
// workspace. Writes are atomic (write-then-rename) and checksum-verified;
// paths that escape the workspace or match a protected pattern are rejected
// outright and never auto-retried.
package skeleton

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/avolkov/drafthorse/internal/build"
	"github.com/avolkov/drafthorse/internal/ctxlog"
)

type OpKind string

const (
	OpDir  OpKind = "dir"
	OpFile OpKind = "file"
)

// Op is one materialization operation.
type Op struct {
	Kind    OpKind
	Path    string // workspace-relative
	Content string // file ops only
}

// Report says exactly which ops already succeeded, so a retried batch redoes
// only the remainder.
type Report struct {
	Succeeded []string `json:"succeeded"`
	Failed    string   `json:"failed,omitempty"`
}

// DefaultProtected are path patterns no plan may write to, on top of the
// workspace containment check.
var DefaultProtected = []string{
	"**/.git/**",
	"**/.ssh/**",
}

// Generator applies ops inside Root. Root must exist and be exclusively owned
// by one BuildRun.
type Generator struct {
	Root      string
	Protected []string // doublestar patterns, workspace-relative
}

func New(root string, protected []string) *Generator {
	if protected == nil {
		protected = DefaultProtected
	}
	return &Generator{Root: root, Protected: protected}
}

// Apply runs ops in order. On the first failure it stops and returns the
// error alongside a report of everything that already succeeded. Re-applying
// a completed op is a no-op (existing dir) or an identical rewrite (file).
func (g *Generator) Apply(ctx context.Context, ops []Op) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	report := &Report{Succeeded: []string{}}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			report.Failed = op.Path
			return report, build.NewStepError(build.KindTransientError, "apply interrupted: %v", err)
		}
		abs, err := g.resolve(op.Path)
		if err != nil {
			report.Failed = op.Path
			return report, err
		}
		switch op.Kind {
		case OpDir:
			if err := os.MkdirAll(abs, 0o755); err != nil {
				report.Failed = op.Path
				return report, build.NewStepError(build.KindTransientError, "mkdir %s: %v", op.Path, err)
			}
		case OpFile:
			if err := g.writeFile(abs, []byte(op.Content)); err != nil {
				report.Failed = op.Path
				return report, err
			}
		default:
			report.Failed = op.Path
			return report, build.NewStepError(build.KindUnknown, "unknown op kind %q", op.Kind)
		}
		logger.Debug("materialized", "kind", string(op.Kind), "path", op.Path)
		report.Succeeded = append(report.Succeeded, op.Path)
	}
	return report, nil
}

// resolve enforces workspace containment and the protected patterns. The
// path is cleaned relative to Root; anything that climbs out (absolute paths,
// leading "..") is a WorkspaceViolation.
func (g *Generator) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", build.WorkspaceViolation(rel, "empty path")
	}
	if filepath.IsAbs(rel) {
		return "", build.WorkspaceViolation(rel, "absolute path")
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", build.WorkspaceViolation(rel, "path escapes workspace root")
	}
	for _, pat := range g.Protected {
		ok, err := doublestar.Match(pat, filepath.ToSlash(clean))
		if err != nil {
			return "", fmt.Errorf("protected pattern %q: %w", pat, err)
		}
		if ok {
			return "", build.WorkspaceViolation(rel, "matches protected pattern "+pat)
		}
	}
	return filepath.Join(g.Root, clean), nil
}

// writeFile writes atomically and then verifies the on-disk content hashes to
// the intended content. A mismatch is reported as retryable: repeating it is
// the Auto-Fix Controller's transient_error path.
func (g *Generator) writeFile(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return build.NewStepError(build.KindTransientError, "mkdir %s: %v", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".drafthorse-*")
	if err != nil {
		return build.NewStepError(build.KindTransientError, "temp file: %v", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return build.NewStepError(build.KindTransientError, "write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return build.NewStepError(build.KindTransientError, "close: %v", err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return build.NewStepError(build.KindTransientError, "rename: %v", err)
	}

	want := Checksum(content)
	got, err := fileChecksum(abs)
	if err != nil {
		return build.NewStepError(build.KindTransientError, "verify read %s: %v", abs, err)
	}
	if got != want {
		return build.NewStepError(build.KindTransientError, "checksum mismatch for %s: got %s want %s", abs, got, want)
	}
	return nil
}

// Checksum returns the blake3 hex digest of content.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func fileChecksum(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Checksum(b), nil
}
