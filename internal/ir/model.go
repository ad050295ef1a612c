package ir

import (
	"fmt"
	"sort"
)

// Model wraps a parsed ONNX model and its main graph in mutable form.
// The in-memory graph never crosses the serialized-model boundary: callers
// hand in bytes and get bytes back.
type Model struct {
	proto *ModelProto // header fields; Graph field is rebuilt on serialization
	graph *Graph
}

// LoadModel parses a serialized ONNX model and builds the mutable graph.
func LoadModel(data []byte) (*Model, error) {
	proto, err := ParseModel(data)
	if err != nil {
		return nil, err
	}
	return ModelFromProto(proto)
}

// ModelFromProto builds the mutable graph from an already-parsed model.
func ModelFromProto(proto *ModelProto) (*Model, error) {
	if proto.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	opsets := make(map[string]int64, len(proto.OpsetImport))
	for _, op := range proto.OpsetImport {
		domain := op.Domain
		if domain == "ai.onnx" {
			domain = ""
		}
		opsets[domain] = op.Version
	}
	graph, err := GraphFromProto(proto.Graph, opsets)
	if err != nil {
		return nil, err
	}
	return &Model{proto: proto, graph: graph}, nil
}

// Graph returns the model's main graph.
func (m *Model) Graph() *Graph { return m.graph }

// OpsetVersion returns the default-domain opset version.
func (m *Model) OpsetVersion() int64 { return m.graph.OpsetVersion("") }

// ToProto rebuilds the full ModelProto from the current graph state.
func (m *Model) ToProto() *ModelProto {
	out := *m.proto
	out.Graph = m.graph.ToProto()
	return &out
}

// Bytes serializes the model with the current graph state.
func (m *Model) Bytes() ([]byte, error) {
	data, err := EncodeModel(m.ToProto())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}
	return data, nil
}

// GraphFromProto builds a mutable Graph from its proto form. The opset map
// is shared with nested subgraphs, which inherit the parent's imports.
func GraphFromProto(p *GraphProto, opsets map[string]int64) (*Graph, error) {
	g := NewGraph(p.Name, opsets)
	g.docString = p.DocString

	for i := range p.Initializers {
		init := p.Initializers[i]
		g.AddInitializer(&init)
	}
	for i := range p.Inputs {
		vi := &p.Inputs[i]
		g.inputs = append(g.inputs, g.GetOrCreateValue(vi.Name, CloneTypeProto(vi.Type)))
	}
	for i := range p.ValueInfo {
		vi := &p.ValueInfo[i]
		g.GetOrCreateValue(vi.Name, CloneTypeProto(vi.Type))
	}

	for i := range p.Nodes {
		np := &p.Nodes[i]
		inputs := make([]*Value, len(np.Inputs))
		for j, name := range np.Inputs {
			if name == "" {
				continue // absent optional input
			}
			inputs[j] = g.GetOrCreateValue(name, nil)
		}
		outputs := make([]*Value, len(np.Outputs))
		for j, name := range np.Outputs {
			if name == "" {
				continue
			}
			outputs[j] = g.GetOrCreateValue(name, nil)
		}
		attrs := make(map[string]AttributeProto, len(np.Attributes))
		for _, a := range np.Attributes {
			attrs[a.Name] = a
		}
		name := np.Name
		if name == "" {
			name = g.GenerateNodeName(np.OpType)
		}
		if _, err := g.AddNode(name, np.OpType, np.Domain, inputs, outputs, attrs); err != nil {
			return nil, fmt.Errorf("graph %q: %w", p.Name, err)
		}
	}

	// Outputs resolved last so GetOrCreateValue sees node-declared values.
	for i := range p.Outputs {
		vi := &p.Outputs[i]
		g.outputs = append(g.outputs, g.GetOrCreateValue(vi.Name, CloneTypeProto(vi.Type)))
	}
	return g, nil
}

// Subgraph builds a mutable Graph for a graph-valued attribute, inheriting
// this graph's opset imports.
func (g *Graph) Subgraph(p *GraphProto) (*Graph, error) {
	return GraphFromProto(p, g.opsets)
}

// ToProto converts the graph back to proto form, emitting live nodes in
// topological order.
func (g *Graph) ToProto() *GraphProto {
	p := &GraphProto{Name: g.name, DocString: g.docString}

	for _, idx := range g.TopologicalOrder() {
		n := g.nodes[idx]
		if n == nil {
			continue
		}
		np := NodeProto{
			Name:   n.name,
			OpType: n.opType,
			Domain: n.domain,
		}
		for _, in := range n.inputs {
			np.Inputs = append(np.Inputs, valueName(in))
		}
		for _, out := range n.outputs {
			np.Outputs = append(np.Outputs, valueName(out))
		}
		np.Attributes = sortedAttrs(n.attrs)
		p.Nodes = append(p.Nodes, np)
	}

	for _, name := range g.initOrder {
		p.Initializers = append(p.Initializers, *g.initializers[name])
	}
	for _, in := range g.inputs {
		p.Inputs = append(p.Inputs, ValueInfoProto{Name: in.name, Type: CloneTypeProto(in.typ)})
	}
	for _, out := range g.outputs {
		p.Outputs = append(p.Outputs, ValueInfoProto{Name: out.name, Type: CloneTypeProto(out.typ)})
	}

	// Preserve intermediate shape/type info for typed values that are not
	// already covered by inputs, outputs or initializers.
	covered := make(map[string]bool)
	for _, in := range g.inputs {
		covered[in.name] = true
	}
	for _, out := range g.outputs {
		covered[out.name] = true
	}
	for name := range g.initializers {
		covered[name] = true
	}
	for _, idx := range g.TopologicalOrder() {
		n := g.nodes[idx]
		if n == nil {
			continue
		}
		for _, out := range n.outputs {
			if out == nil || out.typ == nil || covered[out.name] {
				continue
			}
			covered[out.name] = true
			p.ValueInfo = append(p.ValueInfo, ValueInfoProto{Name: out.name, Type: CloneTypeProto(out.typ)})
		}
	}
	return p
}

func valueName(v *Value) string {
	if v == nil {
		return ""
	}
	return v.name
}

// sortedAttrs returns attributes ordered by name for deterministic output.
func sortedAttrs(attrs map[string]AttributeProto) []AttributeProto {
	if len(attrs) == 0 {
		return nil
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]AttributeProto, len(names))
	for i, name := range names {
		out[i] = attrs[name]
	}
	return out
}
