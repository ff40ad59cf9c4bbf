// Package acceptance converts free-text acceptance criteria into test-stub
// artifacts. Stubs are placeholders for human or generator follow-up, not
// verified implementations.
package acceptance

import (
	"context"
	"fmt"
	"strings"

	"github.com/avolkov/drafthorse/internal/skeleton"
)

// Manifest reports what Synthesize produced. Criteria that could not be
// mapped to a stub are flagged for manual review, never dropped.
type Manifest struct {
	TotalCriteria  int      `json:"total_criteria"`
	GeneratedFiles []string `json:"generated_files"`
	ManualReview   []string `json:"manual_review,omitempty"`
}

// Runner writes stub artifacts through a skeleton generator so acceptance
// files get the same atomic-write discipline as everything else in the
// workspace.
type Runner struct {
	Gen *skeleton.Generator
	Dir string // workspace-relative output dir, default "acceptance"
}

func New(gen *skeleton.Generator) *Runner {
	return &Runner{Gen: gen, Dir: "acceptance"}
}

// Synthesize emits one stub artifact per criterion and returns the manifest.
func (r *Runner) Synthesize(ctx context.Context, criteria []string) (*Manifest, error) {
	m := &Manifest{GeneratedFiles: []string{}}
	ops := make([]skeleton.Op, 0, len(criteria))

	for i, raw := range criteria {
		crit := strings.TrimSpace(raw)
		if crit == "" {
			continue
		}
		m.TotalCriteria++
		manual := !mappable(crit)
		if manual {
			m.ManualReview = append(m.ManualReview, crit)
		}
		name := fmt.Sprintf("%02d_%s_test.stub.md", i+1, slug(crit))
		ops = append(ops, skeleton.Op{
			Kind:    skeleton.OpFile,
			Path:    r.Dir + "/" + name,
			Content: stubContent(crit, manual),
		})
	}

	report, err := r.Gen.Apply(ctx, ops)
	if report != nil {
		m.GeneratedFiles = report.Succeeded
	}
	if err != nil {
		return m, err
	}
	return m, nil
}

// mappable is a cheap tell for whether a criterion reads like a checkable
// behavior statement. Anything else still gets a stub, just flagged.
func mappable(crit string) bool {
	lower := strings.ToLower(crit)
	for _, kw := range []string{"should", "must", "returns", "return", "respond", "expect"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func stubContent(crit string, manual bool) string {
	var b strings.Builder
	b.WriteString("# Acceptance test stub\n\n")
	b.WriteString("Criterion: " + crit + "\n\n")
	if manual {
		b.WriteString("Status: manual-review-required\n")
		b.WriteString("This criterion could not be mapped to a checkable assertion.\n")
	} else {
		b.WriteString("Status: stub\n")
		b.WriteString("Assertion sketch: verify the behavior described above.\n")
	}
	return b.String()
}

func slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('_')
				prevDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "criterion"
	}
	return out
}
