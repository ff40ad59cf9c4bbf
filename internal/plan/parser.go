package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/avolkov/drafthorse/internal/build"
)

// FormatText is the only accepted plan format. Document-to-text conversion
// (docx, markdown export, ...) happens upstream of this parser.
const FormatText = "text"

// section identifies one recognized plan heading. Order here is dependency
// order: every node depends on all nodes of the nearest preceding non-empty
// section, so scaffolding exists before specs, specs before generators, and
// generators before acceptance tests.
type section int

const (
	sectionNone section = iota
	sectionSkeleton
	sectionSpec
	sectionGenerators
	sectionAcceptance
)

var sectionHeadings = []struct {
	heading string
	sec     section
}{
	{"repo skeleton", sectionSkeleton},
	{"spec", sectionSpec},
	{"generators", sectionGenerators},
	{"acceptance criteria", sectionAcceptance},
}

// Parse converts raw plan text into a validated, acyclic TaskGraph. It is
// deterministic: identical text and format always yield a structurally
// identical graph (same ids, edges, ordering). It never returns a
// partially-formed graph; any problem yields a *build.ParseError.
func Parse(text, format string) (*build.TaskGraph, error) {
	if f := strings.ToLower(strings.TrimSpace(format)); f != "" && f != FormatText {
		return nil, build.NewParseError("unsupported plan format %q", format)
	}

	lines := splitSections(text)
	if len(lines) == 0 {
		return nil, build.NewParseError("no recognizable section heading found")
	}

	g := &build.TaskGraph{}
	// Nodes of the most recent non-empty section; the next section depends on them.
	var prevSection []*build.TaskNode
	ordinal := map[build.TaskType]int{}

	newNode := func(tt build.TaskType, payload any) *build.TaskNode {
		ordinal[tt]++
		n := &build.TaskNode{
			ID:      fmt.Sprintf("%s-%d", tt, ordinal[tt]),
			Type:    tt,
			Status:  build.NodePending,
			Payload: build.MarshalPayload(payload),
		}
		for _, dep := range prevSection {
			n.DependsOn = append(n.DependsOn, dep.ID)
		}
		g.Nodes = append(g.Nodes, n)
		return n
	}

	for _, sec := range []section{sectionSkeleton, sectionSpec, sectionGenerators, sectionAcceptance} {
		items := lines[sec]
		if len(items) == 0 {
			continue
		}
		var emitted []*build.TaskNode
		switch sec {
		case sectionSkeleton:
			for _, item := range items {
				if n, ok := waitNode(item, newNode); ok {
					emitted = append(emitted, n)
					continue
				}
				path, content, isFile := splitFileSpec(item)
				if isFile {
					emitted = append(emitted, newNode(build.TaskCreateFile, build.FilePayload{Path: path, Content: content}))
				} else {
					emitted = append(emitted, newNode(build.TaskCreateDirectory, build.DirectoryPayload{Path: path}))
				}
			}
		case sectionSpec:
			for _, item := range items {
				if n, ok := waitNode(item, newNode); ok {
					emitted = append(emitted, n)
					continue
				}
				emitted = append(emitted, newNode(build.TaskDefineSpec, build.SpecPayload{Description: item}))
			}
		case sectionGenerators:
			for _, item := range items {
				if n, ok := waitNode(item, newNode); ok {
					emitted = append(emitted, n)
					continue
				}
				emitted = append(emitted, newNode(build.TaskCreateGenerator, build.GeneratorPayload{Description: item}))
			}
		case sectionAcceptance:
			// All criteria land on one node; the acceptance runner fans out per
			// criterion internally and reports a manifest.
			emitted = append(emitted, newNode(build.TaskAcceptanceTest, build.AcceptancePayload{Criteria: items}))
		}
		if len(emitted) > 0 {
			prevSection = emitted
		}
	}

	if len(g.Nodes) == 0 {
		return nil, build.NewParseError("plan has recognizable headings but no task lines")
	}
	for _, n := range g.Nodes {
		if err := validatePayload(n.Type, n.Payload); err != nil {
			return nil, err
		}
	}
	if err := ValidateGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// splitSections buckets non-empty plan lines under their section. A heading
// may be "Heading:" on its own line or "Heading: first item" inline. Returns
// nil when no heading was recognized at all.
func splitSections(text string) map[section][]string {
	out := map[section][]string{}
	current := sectionNone
	seenHeading := false

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if sec, rest, ok := matchHeading(line); ok {
			current = sec
			seenHeading = true
			if rest != "" {
				out[current] = append(out[current], rest)
			}
			continue
		}
		if current == sectionNone {
			continue // preamble before the first heading
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = strings.TrimSpace(line)
		if line != "" {
			out[current] = append(out[current], line)
		}
	}
	if !seenHeading {
		return nil
	}
	return out
}

func matchHeading(line string) (section, string, bool) {
	lower := strings.ToLower(line)
	for _, h := range sectionHeadings {
		prefix := h.heading + ":"
		if strings.HasPrefix(lower, prefix) {
			rest := strings.TrimSpace(line[len(prefix):])
			return h.sec, rest, true
		}
	}
	return sectionNone, "", false
}

// splitFileSpec decides dir-vs-file for a skeleton line. "path => content"
// is always a file; a trailing slash is always a directory; otherwise the
// presence of an extension on the last path element decides.
func splitFileSpec(item string) (path, content string, isFile bool) {
	item = strings.TrimPrefix(item, "Create ")
	item = strings.TrimPrefix(item, "create ")
	item = strings.TrimSuffix(item, " directory")
	item = strings.TrimSpace(item)
	// Plan paths are workspace-relative; a leading slash is presentation.
	item = strings.TrimLeft(item, "/")

	if idx := strings.Index(item, "=>"); idx >= 0 {
		return strings.TrimSpace(item[:idx]), strings.TrimSpace(item[idx+2:]), true
	}
	if strings.HasSuffix(item, "/") {
		return strings.TrimSuffix(item, "/"), "", false
	}
	base := item
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if strings.Contains(base, ".") {
		return item, "", true
	}
	return item, "", false
}

// waitNode recognizes "wait <duration>" lines in any section and models them
// as ordinary nodes; their handler just suspends like any other blocking node.
func waitNode(item string, newNode func(build.TaskType, any) *build.TaskNode) (*build.TaskNode, bool) {
	lower := strings.ToLower(item)
	if !strings.HasPrefix(lower, "wait ") && lower != "wait" {
		return nil, false
	}
	rest := strings.TrimSpace(item[4:])
	d, err := time.ParseDuration(rest)
	if err != nil || d < 0 {
		d = 0
	}
	return newNode(build.TaskWait, build.WaitPayload{DurationMS: int(d / time.Millisecond)}), true
}

// ValidateGraph checks the two graph invariants: every dependency id exists
// in the same graph, and the graph is acyclic.
func ValidateGraph(g *build.TaskGraph) error {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if ids[n.ID] {
			return build.NewParseError("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}
	indegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return build.NewParseError("node %q depends on unknown node %q", n.ID, dep)
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	// Kahn's algorithm; anything left with indegree > 0 is on a cycle.
	var queue []string
	for _, n := range g.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.Nodes) {
		return build.NewParseError("task graph contains a cycle")
	}
	return nil
}
