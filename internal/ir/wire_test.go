package ir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testModelProto() *ModelProto {
	return &ModelProto{
		IRVersion:    7,
		ProducerName: "gradgraph",
		OpsetImport: []OperatorSetID{
			{Domain: "", Version: 13},
			{Domain: MSDomain, Version: 1},
		},
		Graph: &GraphProto{
			Name: "g",
			Nodes: []NodeProto{
				{
					Name:    "trans",
					OpType:  "Transpose",
					Inputs:  []string{"A"},
					Outputs: []string{"A_t"},
					Attributes: []AttributeProto{
						MakeAttrInts("perm", []int64{1, 0}),
					},
				},
				{
					Name:    "fused",
					OpType:  "FusedMatMul",
					Domain:  MSDomain,
					Inputs:  []string{"A_t", "B"},
					Outputs: []string{"Y"},
					Attributes: []AttributeProto{
						MakeAttrInt("transA", 0),
						MakeAttrInt("transB", 1),
						MakeAttrFloat("alpha", 0.5),
					},
				},
			},
			Inputs: []ValueInfoProto{
				{Name: "A", Type: TensorType(TensorProtoFloat, []int64{3, 2})},
				{Name: "B", Type: TensorType(TensorProtoFloat, []int64{4, 3})},
			},
			Outputs: []ValueInfoProto{
				{Name: "Y", Type: TensorType(TensorProtoFloat, []int64{2, 4})},
			},
			Initializers: []TensorProto{
				{
					Name:      "B",
					DataType:  TensorProtoFloat,
					Dims:      []int64{4, 3},
					FloatData: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
				},
			},
		},
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	original := testModelProto()

	data, err := EncodeModel(original)
	if err != nil {
		t.Fatalf("EncodeModel failed: %v", err)
	}
	parsed, err := ParseModel(data)
	if err != nil {
		t.Fatalf("ParseModel failed: %v", err)
	}

	if diff := cmp.Diff(original, parsed); diff != "" {
		t.Errorf("round trip mismatch (-original +parsed):\n%s", diff)
	}
}

func TestRoundTripNestedSubgraph(t *testing.T) {
	branch := &GraphProto{
		Name: "then",
		Nodes: []NodeProto{
			{Name: "id", OpType: "Identity", Inputs: []string{"X"}, Outputs: []string{"Y"}},
		},
		Inputs:  []ValueInfoProto{{Name: "X", Type: TensorType(TensorProtoFloat, []int64{2})}},
		Outputs: []ValueInfoProto{{Name: "Y", Type: TensorType(TensorProtoFloat, []int64{2})}},
	}
	original := &ModelProto{
		IRVersion:   7,
		OpsetImport: []OperatorSetID{{Domain: "", Version: 13}},
		Graph: &GraphProto{
			Name: "g",
			Nodes: []NodeProto{
				{
					Name:    "if",
					OpType:  "If",
					Inputs:  []string{"cond"},
					Outputs: []string{"out"},
					Attributes: []AttributeProto{
						MakeAttrGraph("then_branch", branch),
						MakeAttrGraph("else_branch", branch),
					},
				},
			},
			Inputs:  []ValueInfoProto{{Name: "cond", Type: TensorType(TensorProtoBool, []int64{1})}},
			Outputs: []ValueInfoProto{{Name: "out", Type: TensorType(TensorProtoFloat, []int64{2})}},
		},
	}

	data, err := EncodeModel(original)
	if err != nil {
		t.Fatalf("EncodeModel failed: %v", err)
	}
	parsed, err := ParseModel(data)
	if err != nil {
		t.Fatalf("ParseModel failed: %v", err)
	}
	if diff := cmp.Diff(original, parsed); diff != "" {
		t.Errorf("round trip mismatch (-original +parsed):\n%s", diff)
	}
}

func TestCloneModelProtoIsDeep(t *testing.T) {
	original := testModelProto()
	clone, err := CloneModelProto(original)
	if err != nil {
		t.Fatalf("CloneModelProto failed: %v", err)
	}

	clone.Graph.Nodes[0].OpType = "Changed"
	clone.Graph.Inputs[0].Type.TensorType.Shape.Dims[0].DimValue = 99

	if original.Graph.Nodes[0].OpType != "Transpose" {
		t.Error("mutating the clone changed the original node")
	}
	if original.Graph.Inputs[0].Type.TensorType.Shape.Dims[0].DimValue != 3 {
		t.Error("mutating the clone changed the original shape")
	}
}

func TestParseRejectsTruncatedData(t *testing.T) {
	data, err := EncodeModel(testModelProto())
	if err != nil {
		t.Fatalf("EncodeModel failed: %v", err)
	}
	if _, err := ParseModel(data[:len(data)-3]); err == nil {
		t.Error("truncated model parsed without error")
	}
}

func TestGraphFromProtoBuildsIndices(t *testing.T) {
	model, err := ModelFromProto(testModelProto())
	if err != nil {
		t.Fatalf("ModelFromProto failed: %v", err)
	}
	g := model.Graph()

	if got := g.OpsetVersion(""); got != 13 {
		t.Errorf("OpsetVersion = %d, want 13", got)
	}
	if got := g.OpsetVersion(MSDomain); got != 1 {
		t.Errorf("OpsetVersion(%s) = %d, want 1", MSDomain, got)
	}
	trans := g.Producer("A_t")
	if trans == nil || trans.OpType() != "Transpose" {
		t.Fatalf("Producer(A_t) = %v, want the transpose", trans)
	}
	if got := g.ConsumerCount("A_t"); got != 1 {
		t.Errorf("ConsumerCount(A_t) = %d, want 1", got)
	}
	if _, ok := g.Initializer("B"); !ok {
		t.Error("initializer B not registered")
	}
	if err := g.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	// Conversion back keeps the structure parseable and equivalent.
	again, err := ModelFromProto(model.ToProto())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Graph().NumNodes() != g.NumNodes() {
		t.Errorf("reload changed node count: %d != %d", again.Graph().NumNodes(), g.NumNodes())
	}
}
