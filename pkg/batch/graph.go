package batch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aperture-cli/aperture/pkg/errs"
)

var varRefRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// varRefs returns the variable names referenced by an operation's args.
func varRefs(op *Operation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, arg := range op.Args {
		for _, m := range varRefRe.FindAllStringSubmatch(arg, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// graph is the validated dependency structure for dependent mode.
type graph struct {
	ops   []Operation
	order []int // topological order as indices into ops
}

// buildGraph pre-validates the file and computes the execution order:
// explicit depends_on edges unioned with implicit edges from variable
// captures to their consumers, topologically sorted by Kahn's algorithm
// with original file order breaking ties.
func buildGraph(f *File) (*graph, error) {
	n := len(f.Operations)
	byID := make(map[string]int, n)

	for i := range f.Operations {
		op := &f.Operations[i]
		usesDeps := len(op.Capture) > 0 || len(op.CaptureAppend) > 0 || len(op.DependsOn) > 0
		if usesDeps && op.ID == "" {
			return nil, errs.New(errs.KindValidation,
				"operation %d uses capture or depends_on but has no id", i+1)
		}
		if op.ID == "" {
			continue
		}
		if prev, dup := byID[op.ID]; dup {
			return nil, errs.New(errs.KindValidation,
				"duplicate operation id %q (operations %d and %d)", op.ID, prev+1, i+1)
		}
		byID[op.ID] = i
	}

	// Producers per variable name.
	producers := make(map[string][]int)
	for i := range f.Operations {
		op := &f.Operations[i]
		for name := range op.Capture {
			producers[name] = append(producers[name], i)
		}
		for name := range op.CaptureAppend {
			producers[name] = append(producers[name], i)
		}
	}

	// Edges: edge[from] -> consumers that must wait for it.
	adj := make([][]int, n)
	indegree := make([]int, n)
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		adj[from] = append(adj[from], to)
		indegree[to]++
	}

	for i := range f.Operations {
		op := &f.Operations[i]

		for _, dep := range op.DependsOn {
			from, ok := byID[dep]
			if !ok {
				return nil, errs.New(errs.KindValidation,
					"operation %q depends on unknown operation %q", op.ID, dep)
			}
			addEdge(from, i)
		}

		for _, name := range varRefs(op) {
			prods, ok := producers[name]
			if !ok {
				return nil, errs.New(errs.KindValidation,
					"operation %s references undefined variable {{%s}}", opLabel(op, i), name)
			}
			for _, from := range prods {
				addEdge(from, i)
			}
		}
	}

	// Kahn's algorithm; the ready set is kept sorted so siblings run in
	// original file order.
	var ready []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, n)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, to := range adj[next] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
		sort.Ints(ready)
	}

	if len(order) != n {
		var cycle []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				cycle = append(cycle, opLabel(&f.Operations[i], i))
			}
		}
		return nil, errs.New(errs.KindValidation,
			"dependency cycle detected involving: %s", strings.Join(cycle, ", "))
	}

	return &graph{ops: f.Operations, order: order}, nil
}

func opLabel(op *Operation, index int) string {
	if op.ID != "" {
		return op.ID
	}
	return fmt.Sprintf("#%d", index+1)
}
