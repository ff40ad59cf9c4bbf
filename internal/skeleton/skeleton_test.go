package skeleton

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/avolkov/drafthorse/internal/build"
)

func TestApply_DirsAndFiles(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)

	ops := []Op{
		{Kind: OpDir, Path: "studio"},
		{Kind: OpFile, Path: "studio/README.md", Content: "studio scaffolding\n"},
		{Kind: OpFile, Path: "cmd/studio/main.go", Content: "package main\n"},
	}
	report, err := g.Apply(context.Background(), ops)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(report.Succeeded) != 3 {
		t.Fatalf("succeeded: got %d want 3", len(report.Succeeded))
	}

	b, err := os.ReadFile(filepath.Join(root, "studio", "README.md"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "studio scaffolding\n" {
		t.Fatalf("content: got %q", b)
	}
	info, err := os.Stat(filepath.Join(root, "cmd", "studio"))
	if err != nil || !info.IsDir() {
		t.Fatalf("intermediate dir missing: %v", err)
	}
}

func TestApply_IdempotentReapply(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)
	ops := []Op{
		{Kind: OpDir, Path: "src"},
		{Kind: OpFile, Path: "src/a.txt", Content: "hello"},
	}
	if _, err := g.Apply(context.Background(), ops); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	report, err := g.Apply(context.Background(), ops)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(report.Succeeded) != 2 {
		t.Fatalf("reapply succeeded: got %d want 2", len(report.Succeeded))
	}
	b, _ := os.ReadFile(filepath.Join(root, "src", "a.txt"))
	if string(b) != "hello" {
		t.Fatalf("content after reapply: got %q", b)
	}
}

func TestApply_EscapePathsRejected(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)

	cases := []string{
		"../../etc/passwd",
		"..",
		"/etc/passwd",
		"src/../../outside.txt",
		"",
	}
	for _, path := range cases {
		report, err := g.Apply(context.Background(), []Op{{Kind: OpFile, Path: path, Content: "x"}})
		if err == nil {
			t.Errorf("Apply(%q): expected error", path)
			continue
		}
		if !errors.Is(err, build.ErrWorkspaceViolation) {
			t.Errorf("Apply(%q): got %v want ErrWorkspaceViolation", path, err)
		}
		if len(report.Succeeded) != 0 {
			t.Errorf("Apply(%q): nothing should have succeeded", path)
		}
	}
	// Nothing escaped above the workspace.
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("a rejected path was written outside the workspace")
	}
}

func TestApply_ProtectedPatterns(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil) // DefaultProtected

	for _, path := range []string{".git/config", "repo/.ssh/id_rsa"} {
		_, err := g.Apply(context.Background(), []Op{{Kind: OpFile, Path: path, Content: "x"}})
		if !errors.Is(err, build.ErrWorkspaceViolation) {
			t.Errorf("Apply(%q): got %v want ErrWorkspaceViolation", path, err)
		}
	}

	custom := New(root, []string{"secrets/**"})
	if _, err := custom.Apply(context.Background(), []Op{{Kind: OpFile, Path: "secrets/token", Content: "x"}}); !errors.Is(err, build.ErrWorkspaceViolation) {
		t.Fatalf("custom pattern: got %v want ErrWorkspaceViolation", err)
	}
	// Custom patterns replace the defaults.
	if _, err := custom.Apply(context.Background(), []Op{{Kind: OpFile, Path: ".git/config", Content: "x"}}); err != nil {
		t.Fatalf("custom pattern should not protect .git: %v", err)
	}
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)

	ops := []Op{
		{Kind: OpDir, Path: "ok-1"},
		{Kind: OpFile, Path: "../escape.txt", Content: "x"},
		{Kind: OpDir, Path: "never"},
	}
	report, err := g.Apply(context.Background(), ops)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(report.Succeeded) != 1 || report.Succeeded[0] != "ok-1" {
		t.Fatalf("succeeded: got %v want [ok-1]", report.Succeeded)
	}
	if report.Failed != "../escape.txt" {
		t.Fatalf("failed: got %q", report.Failed)
	}
	if _, statErr := os.Stat(filepath.Join(root, "never")); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("ops after the failure must not run")
	}
}

func TestApply_CancelledContext(t *testing.T) {
	root := t.TempDir()
	g := New(root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Apply(ctx, []Op{{Kind: OpDir, Path: "src"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := build.Classify(err); got != build.KindTransientError {
		t.Fatalf("classification: got %q want %q", got, build.KindTransientError)
	}
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("hello"))
	b := Checksum([]byte("hello"))
	if a != b {
		t.Fatal("checksum must be deterministic")
	}
	if a == Checksum([]byte("hello!")) {
		t.Fatal("different content must not collide")
	}
	if len(a) != 64 {
		t.Fatalf("digest length: got %d want 64", len(a))
	}
}
