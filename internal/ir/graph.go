package ir

import (
	"fmt"
	"strconv"
)

// NodeIndex identifies a node within its graph. An index stays valid for the
// node's whole lifetime: removal tombstones the arena slot and the index is
// never reused, so traversal snapshots survive mid-walk mutation.
type NodeIndex int

// Value is a named tensor slot flowing between nodes. Values are interned
// per graph: two nodes referring to the same name share one *Value, which is
// what lets pass-scoped bookkeeping key on value identity.
type Value struct {
	name string
	typ  *TypeProto
}

// Name returns the value's graph-unique name.
func (v *Value) Name() string { return v.name }

// Type returns the declared type, or nil when unknown.
func (v *Value) Type() *TypeProto { return v.typ }

// SetType replaces the declared type.
func (v *Value) SetType(t *TypeProto) { v.typ = t }

// ElemType returns the element type, or TensorProtoUndefined when unknown.
func (v *Value) ElemType() int32 {
	if v.typ == nil || v.typ.TensorType == nil {
		return TensorProtoUndefined
	}
	return v.typ.TensorType.ElemType
}

// Shape returns the declared shape, or nil when unknown.
func (v *Value) Shape() *TensorShapeProto {
	if v.typ == nil || v.typ.TensorType == nil {
		return nil
	}
	return v.typ.TensorType.Shape
}

// Rank returns the declared rank. ok is false when the shape is unknown.
func (v *Value) Rank() (rank int, ok bool) {
	s := v.Shape()
	if s == nil {
		return 0, false
	}
	return len(s.Dims), true
}

// SetShape overwrites the declared shape with concrete dimensions, keeping
// the element type.
func (v *Value) SetShape(dims []int64) {
	if v.typ == nil {
		v.typ = &TypeProto{}
	}
	if v.typ.TensorType == nil {
		v.typ.TensorType = &TensorTypeProto{}
	}
	shape := &TensorShapeProto{Dims: make([]DimensionProto, len(dims))}
	for i, d := range dims {
		shape.Dims[i] = DimensionProto{DimValue: d}
	}
	v.typ.TensorType.Shape = shape
}

// Node is an operator instance with ordered input and output values.
type Node struct {
	index   NodeIndex
	name    string
	opType  string
	domain  string
	inputs  []*Value // nil entries are absent optional inputs
	outputs []*Value
	attrs   map[string]AttributeProto
	target  string // execution-target tag, "" = unassigned
}

// Index returns the node's stable index.
func (n *Node) Index() NodeIndex { return n.index }

// Name returns the node's graph-unique name.
func (n *Node) Name() string { return n.name }

// OpType returns the operator type.
func (n *Node) OpType() string { return n.opType }

// Domain returns the operator domain ("" for the default ONNX domain).
func (n *Node) Domain() string { return n.domain }

// Inputs returns the ordered input values. The slice is shared; callers must
// not mutate it directly.
func (n *Node) Inputs() []*Value { return n.inputs }

// Outputs returns the ordered output values.
func (n *Node) Outputs() []*Value { return n.outputs }

// Target returns the execution-target tag assigned to this node.
func (n *Node) Target() string { return n.target }

// SetTarget assigns the execution-target tag.
func (n *Node) SetTarget(target string) { n.target = target }

// Attr returns the named attribute.
func (n *Node) Attr(name string) (AttributeProto, bool) {
	a, ok := n.attrs[name]
	return a, ok
}

// SetAttr stores an attribute, replacing any existing one of the same name.
func (n *Node) SetAttr(a AttributeProto) {
	if n.attrs == nil {
		n.attrs = make(map[string]AttributeProto)
	}
	n.attrs[a.Name] = a
}

// Attrs returns a copy of the attribute map.
func (n *Node) Attrs() map[string]AttributeProto {
	out := make(map[string]AttributeProto, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

// AttrInt returns an integer attribute or the default.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a, ok := n.attrs[name]; ok {
		return a.I
	}
	return def
}

// AttrFloat returns a float attribute or the default.
func (n *Node) AttrFloat(name string, def float32) float32 {
	if a, ok := n.attrs[name]; ok {
		return a.F
	}
	return def
}

// AttrInts returns an integer-array attribute, or nil when absent.
func (n *Node) AttrInts(name string) []int64 {
	if a, ok := n.attrs[name]; ok {
		return a.Ints
	}
	return nil
}

// Graph owns all nodes (by stable index) and all values (by unique name) of
// one computation graph, and maintains the non-owning producer and consumer
// lookup indices alongside.
type Graph struct {
	name         string
	nodes        []*Node // arena; nil entries are removed nodes
	nodeNames    map[string]NodeIndex
	values       map[string]*Value
	producers    map[string]NodeIndex   // value name -> producing node
	consumers    map[string][]NodeIndex // value name -> one entry per input edge
	inputs       []*Value
	outputs      []*Value
	initializers map[string]*TensorProto
	initOrder    []string
	opsets       map[string]int64
	nameCounter  int
	docString    string
}

// NewGraph creates an empty graph with the given opset imports.
func NewGraph(name string, opsets map[string]int64) *Graph {
	if opsets == nil {
		opsets = make(map[string]int64)
	}
	return &Graph{
		name:         name,
		nodeNames:    make(map[string]NodeIndex),
		values:       make(map[string]*Value),
		producers:    make(map[string]NodeIndex),
		consumers:    make(map[string][]NodeIndex),
		initializers: make(map[string]*TensorProto),
		opsets:       opsets,
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// OpsetVersion returns the imported opset version for a domain, 0 if absent.
func (g *Graph) OpsetVersion(domain string) int64 { return g.opsets[domain] }

// Node returns the node at the given index, or nil if the index is out of
// range or the node has been removed.
func (g *Graph) Node(i NodeIndex) *Node {
	if i < 0 || int(i) >= len(g.nodes) {
		return nil
	}
	return g.nodes[i]
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int {
	n := 0
	for _, node := range g.nodes {
		if node != nil {
			n++
		}
	}
	return n
}

// Value returns the named value, or nil if unknown.
func (g *Graph) Value(name string) *Value { return g.values[name] }

// GetOrCreateValue returns the named value, creating it with the given type
// if absent. An existing value keeps its type unless it had none.
func (g *Graph) GetOrCreateValue(name string, typ *TypeProto) *Value {
	if v, ok := g.values[name]; ok {
		if v.typ == nil {
			v.typ = typ
		}
		return v
	}
	v := &Value{name: name, typ: typ}
	g.values[name] = v
	return v
}

// Producer returns the node producing the named value, or nil for graph
// inputs and initializers.
func (g *Graph) Producer(name string) *Node {
	if idx, ok := g.producers[name]; ok {
		return g.nodes[idx]
	}
	return nil
}

// Consumers returns the nodes consuming the named value, one entry per edge.
func (g *Graph) Consumers(name string) []*Node {
	idxs := g.consumers[name]
	out := make([]*Node, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, g.nodes[idx])
	}
	return out
}

// ConsumerCount returns the number of live input edges referencing the value.
func (g *Graph) ConsumerCount(name string) int { return len(g.consumers[name]) }

// OutputEdgeCount returns the number of consumer edges on all of the node's
// outputs. Declared graph outputs do not count as edges.
func (g *Graph) OutputEdgeCount(n *Node) int {
	count := 0
	for _, out := range n.outputs {
		if out != nil {
			count += len(g.consumers[out.name])
		}
	}
	return count
}

// Inputs returns the declared graph inputs in order.
func (g *Graph) Inputs() []*Value { return g.inputs }

// SetInputs replaces the declared graph inputs.
func (g *Graph) SetInputs(inputs []*Value) { g.inputs = inputs }

// Outputs returns the declared graph outputs in order.
func (g *Graph) Outputs() []*Value { return g.outputs }

// SetOutputs replaces the declared graph outputs.
func (g *Graph) SetOutputs(outputs []*Value) { g.outputs = outputs }

// IsOutput reports whether the value is a declared graph output.
func (g *Graph) IsOutput(v *Value) bool {
	for _, out := range g.outputs {
		if out == v {
			return true
		}
	}
	return false
}

// ProducesOutput reports whether any of the node's outputs is a declared
// graph output.
func (g *Graph) ProducesOutput(n *Node) bool {
	for _, out := range n.outputs {
		if out != nil && g.IsOutput(out) {
			return true
		}
	}
	return false
}

// Initializer returns the named initializer tensor.
func (g *Graph) Initializer(name string) (*TensorProto, bool) {
	t, ok := g.initializers[name]
	return t, ok
}

// AddInitializer registers an initializer tensor and its value.
func (g *Graph) AddInitializer(t *TensorProto) *Value {
	if _, ok := g.initializers[t.Name]; !ok {
		g.initOrder = append(g.initOrder, t.Name)
	}
	g.initializers[t.Name] = t
	return g.GetOrCreateValue(t.Name, TensorType(t.DataType, t.Dims))
}

// RemoveInitializer drops the named initializer. The value survives; it
// simply no longer has constant data baked into the graph.
func (g *Graph) RemoveInitializer(name string) {
	if _, ok := g.initializers[name]; !ok {
		return
	}
	delete(g.initializers, name)
	for i, n := range g.initOrder {
		if n == name {
			g.initOrder = append(g.initOrder[:i], g.initOrder[i+1:]...)
			break
		}
	}
}

// AddNode creates a node and registers its edges. It fails on a node-name
// collision or when an output already has a producer; both are programming
// contract violations since names are generated to be unique.
func (g *Graph) AddNode(name, opType, domain string, inputs, outputs []*Value, attrs map[string]AttributeProto) (*Node, error) {
	if _, ok := g.nodeNames[name]; ok {
		return nil, fmt.Errorf("add node %q: %w", name, ErrNameCollision)
	}
	for _, out := range outputs {
		if out == nil {
			continue
		}
		if prev, ok := g.producers[out.name]; ok {
			return nil, fmt.Errorf("add node %q: output %q already produced by %q: %w",
				name, out.name, g.nodes[prev].name, ErrDuplicateProducer)
		}
	}

	n := &Node{
		index:   NodeIndex(len(g.nodes)),
		name:    name,
		opType:  opType,
		domain:  domain,
		inputs:  append([]*Value(nil), inputs...),
		outputs: append([]*Value(nil), outputs...),
		attrs:   make(map[string]AttributeProto, len(attrs)),
	}
	for k, v := range attrs {
		n.attrs[k] = v
	}

	g.nodes = append(g.nodes, n)
	g.nodeNames[name] = n.index
	for _, in := range n.inputs {
		if in != nil {
			g.consumers[in.name] = append(g.consumers[in.name], n.index)
		}
	}
	for _, out := range n.outputs {
		if out != nil {
			g.producers[out.name] = n.index
		}
	}
	return n, nil
}

// DetachNode clears all of the node's edges: its input edges leave the
// consumer index and its outputs lose their producer. The node stays in the
// arena with a valid index until RemoveNode, so traversal snapshots taken
// before the detach remain safe.
func (g *Graph) DetachNode(n *Node) {
	for _, in := range n.inputs {
		if in == nil {
			continue
		}
		g.dropConsumerEdge(in.name, n.index)
	}
	for _, out := range n.outputs {
		if out != nil && g.producers[out.name] == n.index {
			delete(g.producers, out.name)
		}
	}
	n.inputs = nil
	n.outputs = nil
}

// dropConsumerEdge removes one consumer-index entry for the node.
func (g *Graph) dropConsumerEdge(valueName string, idx NodeIndex) {
	edges := g.consumers[valueName]
	for i, e := range edges {
		if e == idx {
			g.consumers[valueName] = append(edges[:i], edges[i+1:]...)
			return
		}
	}
}

// RemoveNode physically erases a detached node. Removing a node that still
// has live edges is a structural contract violation and fails.
func (g *Graph) RemoveNode(i NodeIndex) error {
	n := g.Node(i)
	if n == nil {
		return fmt.Errorf("remove node %d: %w", i, ErrNodeNotFound)
	}
	if len(n.inputs) > 0 || len(n.outputs) > 0 {
		return fmt.Errorf("remove node %q: %w", n.name, ErrNodeHasEdges)
	}
	delete(g.nodeNames, n.name)
	g.nodes[i] = nil
	return nil
}

// RewireConsumers makes every consumer of from (other than except) consume
// to instead, updating the consumer index. Declared graph outputs are not
// touched.
func (g *Graph) RewireConsumers(from, to *Value, except *Node) {
	edges := append([]NodeIndex(nil), g.consumers[from.name]...)
	for _, idx := range edges {
		n := g.nodes[idx]
		if n == nil || n == except {
			continue
		}
		for i, in := range n.inputs {
			if in == from {
				n.inputs[i] = to
				g.dropConsumerEdge(from.name, idx)
				g.consumers[to.name] = append(g.consumers[to.name], idx)
			}
		}
	}
}

// GenerateValueName returns a fresh value name derived from the prefix.
// Generation is monotonic and scoped to this graph instance.
func (g *Graph) GenerateValueName(prefix string) string {
	if _, taken := g.values[prefix]; !taken {
		if _, init := g.initializers[prefix]; !init {
			return prefix
		}
	}
	for {
		g.nameCounter++
		candidate := prefix + "_" + strconv.Itoa(g.nameCounter)
		if _, taken := g.values[candidate]; !taken {
			return candidate
		}
	}
}

// GenerateNodeName returns a fresh node name derived from the prefix.
func (g *Graph) GenerateNodeName(prefix string) string {
	if prefix != "" {
		if _, taken := g.nodeNames[prefix]; !taken {
			return prefix
		}
	}
	for {
		g.nameCounter++
		candidate := prefix + "_" + strconv.Itoa(g.nameCounter)
		if _, taken := g.nodeNames[candidate]; !taken {
			return candidate
		}
	}
}

// TopologicalOrder returns the indices of all live nodes in an order where
// every producer precedes its consumers. The slice is a snapshot: it stays
// fixed while the caller mutates the graph, and removed nodes show up as nil
// from Node.
func (g *Graph) TopologicalOrder() []NodeIndex {
	visited := make([]bool, len(g.nodes))
	order := make([]NodeIndex, 0, len(g.nodes))

	var visit func(idx NodeIndex)
	visit = func(idx NodeIndex) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		n := g.nodes[idx]
		if n == nil {
			return
		}
		for _, in := range n.inputs {
			if in == nil {
				continue
			}
			if dep, ok := g.producers[in.name]; ok {
				visit(dep)
			}
		}
		order = append(order, idx)
	}

	for i := range g.nodes {
		if g.nodes[i] != nil {
			visit(NodeIndex(i))
		}
	}
	return order
}

// Validate checks global graph invariants: acyclicity and consistency of the
// producer and consumer indices with actual node edges.
func (g *Graph) Validate() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.nodes))

	var visit func(idx NodeIndex) error
	visit = func(idx NodeIndex) error {
		switch state[idx] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("node %q: %w", g.nodes[idx].name, ErrGraphCycle)
		}
		state[idx] = visiting
		for _, in := range g.nodes[idx].inputs {
			if in == nil {
				continue
			}
			if dep, ok := g.producers[in.name]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[idx] = done
		return nil
	}

	for i, n := range g.nodes {
		if n == nil {
			continue
		}
		if err := visit(NodeIndex(i)); err != nil {
			return err
		}
		for _, out := range n.outputs {
			if out != nil && g.producers[out.name] != n.index {
				return fmt.Errorf("node %q: output %q not in producer index", n.name, out.name)
			}
		}
	}

	// Consumer count of a value must equal the live edges referencing it.
	counts := make(map[string]int)
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		for _, in := range n.inputs {
			if in != nil {
				counts[in.name]++
			}
		}
	}
	for name, edges := range g.consumers {
		if len(edges) != counts[name] {
			return fmt.Errorf("value %q: consumer index has %d edges, graph has %d", name, len(edges), counts[name])
		}
	}
	return nil
}
