package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/rs/zerolog/log"
	"github.com/zclconf/go-cty/cty"

	"github.com/provisio/provisio/pkg/config"
)

// Node is one instance in the dependency graph.
type Node struct {
	Instance *Instance
	// DependsOn are the instances that must be applied before this one.
	DependsOn map[string]*Node
	// Dependents are the instances waiting on this one.
	Dependents map[string]*Node
	// Level is the topological depth, 0 for instances with no dependencies.
	Level int
}

// Graph is the instance dependency graph for one run.
type Graph struct {
	Nodes map[string]*Node
	// Levels groups instance IDs by topological depth; every instance in
	// level n depends only on instances in levels < n.
	Levels [][]string

	// order preserves configuration order for deterministic iteration.
	order []string
}

// Order returns instance IDs in configuration order.
func (g *Graph) Order() []string { return g.order }

// Instances returns the graph's instances in configuration order.
func (g *Graph) Instances() []*Instance {
	out := make([]*Instance, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.Nodes[id].Instance)
	}
	return out
}

// BuildGraph derives the dependency graph from expression references. For
// each instance, every traversal in its attribute, connection, and provision
// expressions becomes an edge: an indexed reference like sub[0] depends on
// that single instance, while an un-indexed reference to a counted
// declaration fans out to all of its instances. References rooted at var,
// local, count, or self never create edges. BuildGraph fails on references
// to undeclared names, on out-of-range indexes, and on cycles.
func BuildGraph(cfg *config.Config, byDecl map[string][]*Instance) (*Graph, error) {
	g := &Graph{Nodes: make(map[string]*Node)}
	for _, decl := range cfg.Declarations {
		for _, inst := range byDecl[decl.Name] {
			g.Nodes[inst.ID] = &Node{
				Instance:   inst,
				DependsOn:  make(map[string]*Node),
				Dependents: make(map[string]*Node),
			}
			g.order = append(g.order, inst.ID)
		}
	}

	for _, decl := range cfg.Declarations {
		refs, err := declarationRefs(cfg, decl, byDecl)
		if err != nil {
			return nil, err
		}
		for _, inst := range byDecl[decl.Name] {
			node := g.Nodes[inst.ID]
			for _, dep := range refs {
				depNode := g.Nodes[dep]
				node.DependsOn[dep] = depNode
				depNode.Dependents[inst.ID] = node
			}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.computeLevels()

	log.Debug().Int("instances", len(g.Nodes)).Int("levels", len(g.Levels)).Msg("dependency graph built")
	return g, nil
}

// declarationRefs resolves every resource reference in a declaration's
// expressions to the set of instance IDs it depends on.
func declarationRefs(cfg *config.Config, decl *config.Declaration, byDecl map[string][]*Instance) ([]string, error) {
	var exprs []hcl.Expression
	names := make([]string, 0, len(decl.Attributes))
	for name := range decl.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exprs = append(exprs, decl.Attributes[name])
	}
	if conn := decl.Connection; conn != nil {
		for _, e := range []hcl.Expression{conn.Host, conn.Port, conn.User, conn.Password, conn.PrivateKeyPath, conn.Timeout} {
			if e != nil {
				exprs = append(exprs, e)
			}
		}
	}
	for _, prov := range decl.Provisioners {
		for _, e := range []hcl.Expression{prov.Source, prov.Destination, prov.Commands} {
			if e != nil {
				exprs = append(exprs, e)
			}
		}
	}

	seen := make(map[string]bool)
	var refs []string
	for _, e := range exprs {
		for _, traversal := range e.Variables() {
			ids, err := resolveTraversal(cfg, traversal, byDecl)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					refs = append(refs, id)
				}
			}
		}
	}
	return refs, nil
}

// resolveTraversal maps one traversal to the instance IDs it references.
func resolveTraversal(cfg *config.Config, traversal hcl.Traversal, byDecl map[string][]*Instance) ([]string, error) {
	root := traversal.RootName()
	switch root {
	case "var", "local", "count", "self":
		return nil, nil
	}

	target := cfg.Declaration(root)
	if target == nil {
		r := traversal.SourceRange()
		return nil, NewPermanentError(CodeUnknownReference,
			fmt.Sprintf("reference to undeclared resource %q at %s:%d", root, r.Filename, r.Start.Line), nil)
	}
	instances := byDecl[root]

	if index, ok := traversalIndex(traversal); ok {
		if !target.HasCount() {
			r := traversal.SourceRange()
			return nil, NewPermanentError(CodeUnknownReference,
				fmt.Sprintf("resource %q has no count and cannot be indexed, at %s:%d", root, r.Filename, r.Start.Line), nil)
		}
		if index < 0 || index >= len(instances) {
			r := traversal.SourceRange()
			return nil, NewPermanentError(CodeUnknownReference,
				fmt.Sprintf("index %d out of range for resource %q with %d instance(s), at %s:%d",
					index, root, len(instances), r.Filename, r.Start.Line), nil)
		}
		return []string{instances[index].ID}, nil
	}

	// Un-indexed reference: depend on every instance of the declaration.
	// An empty expansion is a valid empty collection, contributing no edges.
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids, nil
}

// traversalIndex extracts a literal numeric index immediately following the
// traversal root, as in sub[0].id.
func traversalIndex(traversal hcl.Traversal) (int, bool) {
	if len(traversal) < 2 {
		return 0, false
	}
	idx, ok := traversal[1].(hcl.TraverseIndex)
	if !ok || idx.Key.Type() != cty.Number {
		return 0, false
	}
	n, _ := idx.Key.AsBigFloat().Int64()
	return int(n), true
}

// detectCycles runs a DFS with a recursion stack and reports the full cycle
// path when one exists.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		deps := make([]string, 0, len(g.Nodes[id].DependsOn))
		for dep := range g.Nodes[id].DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return NewPermanentError(CodeCycle,
					fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil)
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels assigns topological depths with Kahn's algorithm. Called
// only after detectCycles has passed.
func (g *Graph) computeLevels() {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		inDegree[id] = len(node.DependsOn)
	}

	var frontier []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	level := 0
	for len(frontier) > 0 {
		g.Levels = append(g.Levels, frontier)
		var next []string
		for _, id := range frontier {
			g.Nodes[id].Level = level
			for depID := range g.Nodes[id].Dependents {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		sort.Strings(next)
		frontier = next
		level++
	}
}
