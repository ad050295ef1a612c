package gradients

import (
	"github.com/born-ml/gradgraph/internal/ir"
)

// Options control gradient construction.
type Options struct {
	// UseInvertibleLayerNormGrad recomputes the layer normalization input
	// from its output in the backward pass instead of keeping the input
	// alive, trading compute for memory.
	UseInvertibleLayerNormGrad bool
}

// Context is what a gradient rule sees while differentiating one forward
// node. The rule reads the forward node's inputs and outputs plus the
// gradients flowing into its outputs, and must produce a node chain ending
// in the pre-named target value for every input gradient that is requested.
type Context struct {
	graph    *ir.Graph
	node     *ir.Node
	outGrads []*ir.Value // aligned with node outputs, nil = no gradient flows
	inGrads  []*ir.Value // aligned with node inputs, nil = gradient not requested
	opts     Options
}

// Node returns the forward node being differentiated.
func (c *Context) Node() *ir.Node { return c.node }

// Input returns the forward node's i-th input value.
func (c *Context) Input(i int) *ir.Value { return c.node.Inputs()[i] }

// Output returns the forward node's i-th output value.
func (c *Context) Output(i int) *ir.Value { return c.node.Outputs()[i] }

// OutputGradient returns the gradient flowing into the i-th output, or nil
// when none does.
func (c *Context) OutputGradient(i int) *ir.Value {
	if i >= len(c.outGrads) {
		return nil
	}
	return c.outGrads[i]
}

// InputGradient returns the target value the rule must produce for the i-th
// input's gradient, or nil when that gradient is not requested.
func (c *Context) InputGradient(i int) *ir.Value {
	if i >= len(c.inGrads) {
		return nil
	}
	return c.inGrads[i]
}

// Options returns the construction options.
func (c *Context) Options() Options { return c.opts }

// Intermediate creates a fresh unnamed-shape value for wiring between the
// rule's own nodes, named after the given base.
func (c *Context) Intermediate(base string) *ir.Value {
	return c.graph.GetOrCreateValue(c.graph.GenerateValueName(base), nil)
}

// AddNode appends a gradient node. The name is derived from the forward
// node's name and the given suffix, uniquified per graph.
func (c *Context) AddNode(suffix, opType, domain string, inputs, outputs []*ir.Value, attrs ...ir.AttributeProto) (*ir.Node, error) {
	attrMap := make(map[string]ir.AttributeProto, len(attrs))
	for _, a := range attrs {
		attrMap[a.Name] = a
	}
	name := c.graph.GenerateNodeName(c.node.Name() + "_" + suffix)
	return c.graph.AddNode(name, opType, domain, inputs, outputs, attrMap)
}

// identity emits an Identity node carrying grad into the target value.
func (c *Context) identity(grad, target *ir.Value) error {
	_, err := c.AddNode("grad_identity", "Identity", "",
		[]*ir.Value{grad}, []*ir.Value{target})
	return err
}

// Rule builds the backward nodes for one forward operator.
type Rule func(c *Context) error

// Registry maps forward operator types to gradient rules.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry creates a registry with all built-in gradient rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}
	r.registerArithmeticRules()
	r.registerMatMulRules()
	r.registerActivationRules()
	r.registerShapeRules()
	r.registerNormalizationRules()
	return r
}

// Register adds or replaces the rule for an operator type.
func (r *Registry) Register(opType string, rule Rule) {
	r.rules[opType] = rule
}

// Get returns the rule for an operator type.
func (r *Registry) Get(opType string) (Rule, bool) {
	rule, ok := r.rules[opType]
	return rule, ok
}

// SupportedOps returns all operator types with a gradient rule.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.rules))
	for op := range r.rules {
		ops = append(ops, op)
	}
	return ops
}
