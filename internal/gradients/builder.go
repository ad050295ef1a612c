package gradients

import (
	"fmt"
	"strconv"

	"github.com/born-ml/gradgraph/internal/ir"
)

// Build extends the graph with reverse-mode gradient nodes. xNames are the
// values to differentiate with respect to (graph inputs or promoted
// initializers), yNames the forward outputs gradients flow back from.
//
// The gradient of each y arrives as an externally supplied seed value named
// GradientName(y), consumed but not produced, unless y is itself consumed on
// the gradient path: then GradientName(y) accumulates only the internal
// contributions and is produced by a node, and reconciling it with the
// external seed is the caller's job.
//
// The gradient of each reachable x is produced under GradientName(x) and
// appended to the graph outputs in xNames order. Unreachable xs are silently
// absent; callers that require them must check.
func Build(g *ir.Graph, reg *Registry, xNames, yNames []string, opts Options) error {
	xSet := make(map[*ir.Value]bool, len(xNames))
	for _, name := range xNames {
		if v := g.Value(name); v != nil {
			xSet[v] = true
		}
	}
	ySet := make(map[*ir.Value]bool, len(yNames))
	for _, name := range yNames {
		if v := g.Value(name); v != nil {
			ySet[v] = true
		}
	}

	nodeSet := gradientNodeSet(g, xSet, ySet)
	if len(nodeSet) == 0 {
		return fmt.Errorf("differentiate %v with respect to %v: %w", yNames, xNames, ErrNoGradientPath)
	}

	b := &builder{
		graph:   g,
		reg:     reg,
		opts:    opts,
		nodeSet: nodeSet,
		xSet:    xSet,
		ySet:    ySet,
		accs:    make(map[*ir.Value]*accumulator),
	}
	b.countContributions()

	order := g.TopologicalOrder()
	for i := len(order) - 1; i >= 0; i-- {
		idx := order[i]
		if !nodeSet[idx] {
			continue
		}
		if err := b.processNode(g.Node(idx)); err != nil {
			return err
		}
	}

	// Expose the requested gradients as graph outputs, in xNames order.
	outputs := g.Outputs()
	for _, name := range xNames {
		v := g.Value(name)
		if v == nil {
			continue
		}
		grad, err := b.finalize(v)
		if err != nil {
			return err
		}
		if grad != nil {
			outputs = append(outputs, grad)
		}
	}
	g.SetOutputs(outputs)
	return nil
}

// gradientNodeSet returns the nodes on some forward path from an x to a y:
// the intersection of the descendants of xSet and the ancestors of ySet.
func gradientNodeSet(g *ir.Graph, xSet, ySet map[*ir.Value]bool) map[ir.NodeIndex]bool {
	descendants := make(map[ir.NodeIndex]bool)
	var forward func(v *ir.Value)
	forward = func(v *ir.Value) {
		for _, n := range g.Consumers(v.Name()) {
			if n == nil || descendants[n.Index()] {
				continue
			}
			descendants[n.Index()] = true
			for _, out := range n.Outputs() {
				if out != nil {
					forward(out)
				}
			}
		}
	}
	for v := range xSet {
		forward(v)
	}

	ancestors := make(map[ir.NodeIndex]bool)
	var backward func(v *ir.Value)
	backward = func(v *ir.Value) {
		n := g.Producer(v.Name())
		if n == nil || ancestors[n.Index()] {
			return
		}
		ancestors[n.Index()] = true
		for _, in := range n.Inputs() {
			if in != nil {
				backward(in)
			}
		}
	}
	for v := range ySet {
		backward(v)
	}

	set := make(map[ir.NodeIndex]bool)
	for idx := range descendants {
		if ancestors[idx] {
			set[idx] = true
		}
	}
	return set
}

// accumulator gathers the gradient contributions flowing into one forward
// value.
type accumulator struct {
	expected      int
	contributions []*ir.Value
	final         *ir.Value
}

type builder struct {
	graph   *ir.Graph
	reg     *Registry
	opts    Options
	nodeSet map[ir.NodeIndex]bool
	xSet    map[*ir.Value]bool
	ySet    map[*ir.Value]bool
	accs    map[*ir.Value]*accumulator
}

// needsGrad reports whether a value lies on the differentiation path: it is
// a requested x or produced by a node in the gradient set.
func (b *builder) needsGrad(v *ir.Value) bool {
	if b.xSet[v] {
		return true
	}
	p := b.graph.Producer(v.Name())
	return p != nil && b.nodeSet[p.Index()]
}

// countContributions sizes every accumulator up front: one contribution per
// gradient-set consumer edge of the value. Knowing the total before any rule
// runs decides whether the canonical gradient name goes to the single
// contribution directly or to a Sum over numbered contributions.
func (b *builder) countContributions() {
	for idx := range b.nodeSet {
		n := b.graph.Node(idx)
		for _, in := range n.Inputs() {
			if in == nil || !b.needsGrad(in) {
				continue
			}
			acc := b.accs[in]
			if acc == nil {
				acc = &accumulator{}
				b.accs[in] = acc
			}
			acc.expected++
		}
	}
}

// newContribution allocates the target value for one gradient contribution
// to v. A sole contribution takes the canonical gradient name; multiple
// contributions take numbered names and are summed in finalize.
func (b *builder) newContribution(v *ir.Value) *ir.Value {
	acc := b.accs[v]
	gradName := GradientName(v.Name())
	var name string
	if acc.expected == 1 {
		name = gradName
	} else {
		name = b.graph.GenerateValueName(gradName + "_" + strconv.Itoa(len(acc.contributions)))
	}
	target := b.graph.GetOrCreateValue(name, ir.CloneTypeProto(v.Type()))
	acc.contributions = append(acc.contributions, target)
	return target
}

// finalize returns the completed gradient of v, inserting the Sum node over
// numbered contributions on first use. Returns nil when no gradient flowed
// into v.
func (b *builder) finalize(v *ir.Value) (*ir.Value, error) {
	acc := b.accs[v]
	if acc == nil || len(acc.contributions) == 0 {
		return nil, nil
	}
	if acc.final != nil {
		return acc.final, nil
	}
	if len(acc.contributions) == 1 {
		acc.final = acc.contributions[0]
		return acc.final, nil
	}
	gradName := GradientName(v.Name())
	sum := b.graph.GetOrCreateValue(gradName, ir.CloneTypeProto(v.Type()))
	if _, err := b.graph.AddNode(b.graph.GenerateNodeName(gradName+"_sum"),
		"Sum", "", acc.contributions, []*ir.Value{sum}, nil); err != nil {
		return nil, fmt.Errorf("accumulate gradient of %q: %w", v.Name(), err)
	}
	acc.final = sum
	return acc.final, nil
}

// outputGradient returns the gradient flowing into a forward output, or nil.
// A differentiated output with no consumers on the gradient path reads the
// external seed value directly.
func (b *builder) outputGradient(o *ir.Value) (*ir.Value, error) {
	grad, err := b.finalize(o)
	if grad != nil || err != nil {
		return grad, err
	}
	if b.ySet[o] {
		return b.graph.GetOrCreateValue(GradientName(o.Name()), ir.CloneTypeProto(o.Type())), nil
	}
	return nil, nil
}

func (b *builder) processNode(n *ir.Node) error {
	outGrads := make([]*ir.Value, len(n.Outputs()))
	any := false
	for i, o := range n.Outputs() {
		if o == nil {
			continue
		}
		grad, err := b.outputGradient(o)
		if err != nil {
			return err
		}
		if outGrads[i] = grad; grad != nil {
			any = true
		}
	}
	if !any {
		return nil
	}

	rule, ok := b.reg.Get(n.OpType())
	if !ok {
		return &UnsupportedOperatorError{OpType: n.OpType()}
	}

	inGrads := make([]*ir.Value, len(n.Inputs()))
	for i, in := range n.Inputs() {
		if in != nil && b.needsGrad(in) {
			inGrads[i] = b.newContribution(in)
		}
	}

	ctx := &Context{
		graph:    b.graph,
		node:     n,
		outGrads: outGrads,
		inGrads:  inGrads,
		opts:     b.opts,
	}
	if err := rule(ctx); err != nil {
		return fmt.Errorf("gradient of node %q (%s): %w", n.Name(), n.OpType(), err)
	}
	return nil
}
