package rewrite

import (
	"fmt"

	"github.com/born-ml/gradgraph/internal/ir"
)

// Pass is one graph rewrite. Apply reports whether it changed the graph.
//
// Contract: a pass mutates the graph it is given and nothing else, runs to
// completion within the call, and is idempotent at its fix point — once
// Apply reports false, running it again must keep reporting false and leave
// the graph unchanged. level is the subgraph nesting depth, 0 for the main
// graph.
type Pass interface {
	Name() string
	Apply(g *ir.Graph, level int) (bool, error)
}

// TargetFilter gates which nodes a pass may rewrite, typically on the
// node's execution-target assignment. A nil filter admits every node.
type TargetFilter func(*ir.Node) bool

// maxTransformSteps bounds how often a level's passes are re-applied while
// they keep reporting modifications.
const maxTransformSteps = 10

// Manager applies registered passes level by level, sequentially, on the
// calling goroutine. Within a level the passes run in registration order and
// the level is repeated until no pass fires (bounded by maxTransformSteps).
type Manager struct {
	levels [][]Pass
}

// NewManager creates an empty pass manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a pass at the given level (level 1 is the first to run).
func (m *Manager) Register(level int, p Pass) {
	for len(m.levels) < level {
		m.levels = append(m.levels, nil)
	}
	m.levels[level-1] = append(m.levels[level-1], p)
}

// Apply runs all levels to their fix points. It reports whether any pass
// modified the graph.
func (m *Manager) Apply(g *ir.Graph) (bool, error) {
	anyModified := false
	for li, passes := range m.levels {
		for step := 0; step < maxTransformSteps; step++ {
			stepModified := false
			for _, p := range passes {
				modified, err := p.Apply(g, 0)
				if err != nil {
					return anyModified, fmt.Errorf("pass %s (level %d): %w", p.Name(), li+1, err)
				}
				stepModified = stepModified || modified
			}
			anyModified = anyModified || stepModified
			if !stepModified {
				break
			}
		}
	}
	return anyModified, nil
}

// applyToSubgraphs recurses the pass into every graph-valued attribute of
// the node before the node itself is considered, mirroring how conditional
// branches and loop bodies nest in ONNX.
func applyToSubgraphs(p Pass, g *ir.Graph, n *ir.Node, level int) (bool, error) {
	modified := false
	for _, attr := range n.Attrs() {
		changedAttr := false
		if attr.G != nil {
			changed, rewritten, err := applyToGraphProto(p, g, attr.G, level+1)
			if err != nil {
				return modified, err
			}
			if changed {
				attr.G = rewritten
				changedAttr = true
			}
		}
		for i := range attr.Graphs {
			changed, rewritten, err := applyToGraphProto(p, g, &attr.Graphs[i], level+1)
			if err != nil {
				return modified, err
			}
			if changed {
				attr.Graphs[i] = *rewritten
				changedAttr = true
			}
		}
		if changedAttr {
			n.SetAttr(attr)
			modified = true
		}
	}
	return modified, nil
}

func applyToGraphProto(p Pass, parent *ir.Graph, gp *ir.GraphProto, level int) (bool, *ir.GraphProto, error) {
	sub, err := parent.Subgraph(gp)
	if err != nil {
		return false, nil, fmt.Errorf("subgraph %q: %w", gp.Name, err)
	}
	modified, err := p.Apply(sub, level)
	if err != nil {
		return false, nil, fmt.Errorf("subgraph %q: %w", gp.Name, err)
	}
	if !modified {
		return false, nil, nil
	}
	return true, sub.ToProto(), nil
}

// isSupportedOpTypeVersionDomain reports whether the node's operator type
// and domain match, and the graph imports one of the listed operator
// versions for that domain (the highest listed version not exceeding the
// imported opset).
func isSupportedOpTypeVersionDomain(g *ir.Graph, n *ir.Node, opType string, versions []int64, domain string) bool {
	if n.OpType() != opType || n.Domain() != domain {
		return false
	}
	opset := g.OpsetVersion(domain)
	for _, v := range versions {
		if v <= opset {
			return true
		}
	}
	return false
}
