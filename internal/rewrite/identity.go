package rewrite

import "github.com/born-ml/gradgraph/internal/ir"

// IdentityElimination removes Identity nodes by rewiring their consumers to
// the identity's input. Identities feeding a declared graph output are kept:
// removing them would rename the output.
type IdentityElimination struct{}

// Name implements Pass.
func (IdentityElimination) Name() string { return "IdentityElimination" }

// Apply implements Pass.
func (p IdentityElimination) Apply(g *ir.Graph, level int) (bool, error) {
	modified := false
	for _, idx := range g.TopologicalOrder() {
		node := g.Node(idx)
		if node == nil {
			continue
		}
		subModified, err := applyToSubgraphs(p, g, node, level)
		if err != nil {
			return modified, err
		}
		modified = modified || subModified

		if node.OpType() != "Identity" || node.Domain() != "" {
			continue
		}
		if len(node.Inputs()) != 1 || node.Inputs()[0] == nil {
			continue
		}
		if g.ProducesOutput(node) {
			continue
		}

		in := node.Inputs()[0]
		out := node.Outputs()[0]
		g.RewireConsumers(out, in, node)
		g.DetachNode(node)
		if err := g.RemoveNode(idx); err != nil {
			return modified, err
		}
		modified = true
	}
	return modified, nil
}
