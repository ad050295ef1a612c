package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradgraph/internal/gradients"
	"github.com/born-ml/gradgraph/internal/ir"
)

func floatValue(g *ir.Graph, name string, dims []int64) *ir.Value {
	return g.GetOrCreateValue(name, ir.TensorType(ir.TensorProtoFloat, dims))
}

func mustAddNode(t *testing.T, g *ir.Graph, name, opType, domain string, inputs, outputs []*ir.Value, attrs ...ir.AttributeProto) *ir.Node {
	t.Helper()
	attrMap := make(map[string]ir.AttributeProto, len(attrs))
	for _, a := range attrs {
		attrMap[a.Name] = a
	}
	n, err := g.AddNode(name, opType, domain, inputs, outputs, attrMap)
	require.NoError(t, err)
	return n
}

func floatInitializer(name string, dims []int64) *ir.TensorProto {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return &ir.TensorProto{
		Name:      name,
		DataType:  ir.TensorProtoFloat,
		Dims:      dims,
		FloatData: make([]float32, n),
	}
}

func modelBytes(t *testing.T, g *ir.Graph) []byte {
	t.Helper()
	data, err := ir.EncodeModel(&ir.ModelProto{
		IRVersion:    7,
		ProducerName: "gradgraph_test",
		OpsetImport: []ir.OperatorSetID{
			{Domain: "", Version: 13},
			{Domain: ir.MSDomain, Version: 1},
		},
		Graph: g.ToProto(),
	})
	require.NoError(t, err)
	return data
}

// twoLayerModel builds Y = (I1 x P1) x P2 with P1, P2 as initializers.
func twoLayerModel(t *testing.T) []byte {
	t.Helper()
	g := ir.NewGraph("two_layer", map[string]int64{"": 13, ir.MSDomain: 1})
	i1 := floatValue(g, "I1", []int64{4, 8})
	p1 := g.AddInitializer(floatInitializer("P1", []int64{8, 8}))
	p2 := g.AddInitializer(floatInitializer("P2", []int64{8, 2}))
	h := floatValue(g, "H", []int64{4, 8})
	y := floatValue(g, "Y", []int64{4, 2})
	g.SetInputs([]*ir.Value{i1})
	g.SetOutputs([]*ir.Value{y})
	mustAddNode(t, g, "layer1", "MatMul", "", []*ir.Value{i1, p1}, []*ir.Value{h})
	mustAddNode(t, g, "layer2", "MatMul", "", []*ir.Value{h, p2}, []*ir.Value{y})
	return modelBytes(t, g)
}

func loadGraph(t *testing.T, data []byte) *ir.Graph {
	t.Helper()
	model, err := ir.LoadModel(data)
	require.NoError(t, err)
	return model.Graph()
}

func opCounts(g *ir.Graph) map[string]int {
	counts := make(map[string]int)
	for _, idx := range g.TopologicalOrder() {
		if n := g.Node(idx); n != nil {
			counts[n.OpType()]++
		}
	}
	return counts
}

func inputNames(g *ir.Graph) []string {
	names := make([]string, 0, len(g.Inputs()))
	for _, in := range g.Inputs() {
		names = append(names, in.Name())
	}
	return names
}

func outputNames(g *ir.Graph) []string {
	names := make([]string, 0, len(g.Outputs()))
	for _, out := range g.Outputs() {
		names = append(names, out.Name())
	}
	return names
}

func TestInitializerPromotionAndOutputOrder(t *testing.T) {
	b, err := New(twoLayerModel(t), Config{
		TrainableNames:        []string{"P1", "P2"},
		InputNamesRequireGrad: []string{"I1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, b.UserInputNames())

	data, info, err := b.Build(nil)
	require.NoError(t, err)
	g := loadGraph(t, data)
	require.NoError(t, g.Validate())

	// Trainable parameters promoted after the user inputs, in training
	// order, and no longer materialized as initializers.
	assert.Equal(t, []string{"I1", "P1", "P2"}, inputNames(g))
	_, hasP1 := g.Initializer("P1")
	assert.False(t, hasP1)

	// Gradients of inputs requiring grad first, then trainable gradients
	// in training order, regardless of node creation order.
	assert.Equal(t, []string{"I1_grad", "P1_grad", "P2_grad"}, outputNames(g))
	assert.Equal(t, []string{"I1_grad"}, info.UserInputGradNames)
	assert.Equal(t, []string{"P1_grad", "P2_grad"}, info.TrainableGradNames)
	assert.Equal(t, []string{"Y"}, info.UserOutputNames)
	assert.Equal(t, []bool{true}, info.RequiresFullShapeGrad)

	// The boundary node consumes the forward output and produces the seed.
	yield := g.Producer("Y_grad")
	require.NotNil(t, yield)
	assert.Equal(t, "YieldOp", yield.OpType())
	assert.Equal(t, ir.MSDomain, yield.Domain())
	assert.Equal(t, "Y", yield.Inputs()[0].Name())
	assert.Equal(t, []int64{0}, yield.AttrInts("full_shape_outputs"))

	counts := opCounts(g)
	assert.Equal(t, 2, counts["MatMul"])
	assert.Equal(t, 4, counts["FusedMatMul"])
}

func TestBuildIsIsolatedPerCall(t *testing.T) {
	g := ir.NewGraph("linear", map[string]int64{"": 13, ir.MSDomain: 1})
	x := g.GetOrCreateValue("X", ir.TensorType(ir.TensorProtoFloat, nil))
	w := g.AddInitializer(floatInitializer("W", []int64{8, 2}))
	y := floatValue(g, "Y", nil)
	g.SetInputs([]*ir.Value{x})
	g.SetOutputs([]*ir.Value{y})
	mustAddNode(t, g, "matmul", "MatMul", "", []*ir.Value{x, w}, []*ir.Value{y})

	b, err := New(modelBytes(t, g), Config{TrainableNames: []string{"W"}})
	require.NoError(t, err)

	shapeOf := func(data []byte) []int64 {
		loaded := loadGraph(t, data)
		shape := loaded.Value("X").Shape()
		require.NotNil(t, shape)
		dims := make([]int64, len(shape.Dims))
		for i, d := range shape.Dims {
			dims[i] = d.DimValue
		}
		return dims
	}

	first, _, err := b.Build(map[string][]int64{"X": {2, 8}})
	require.NoError(t, err)
	second, _, err := b.Build(map[string][]int64{"X": {16, 8}})
	require.NoError(t, err)

	// Each build specializes its own copy; the first result is unaffected
	// by the second build's shapes.
	assert.Equal(t, []int64{2, 8}, shapeOf(first))
	assert.Equal(t, []int64{16, 8}, shapeOf(second))
}

func TestShapeCountMismatchFails(t *testing.T) {
	b, err := New(twoLayerModel(t), Config{TrainableNames: []string{"P1", "P2"}})
	require.NoError(t, err)
	_, _, err = b.Build(map[string][]int64{"I1": {4, 8}, "bogus": {1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input shapes")
}

func TestInternalOutputGradientIsReconciled(t *testing.T) {
	g := ir.NewGraph("feedback", map[string]int64{"": 13, ir.MSDomain: 1})
	x := floatValue(g, "X", []int64{4})
	y1 := floatValue(g, "Y1", []int64{4})
	y2 := floatValue(g, "Y2", []int64{4})
	g.SetInputs([]*ir.Value{x})
	g.SetOutputs([]*ir.Value{y1, y2})
	mustAddNode(t, g, "relu", "Relu", "", []*ir.Value{x}, []*ir.Value{y1})
	mustAddNode(t, g, "sigmoid", "Sigmoid", "", []*ir.Value{y1}, []*ir.Value{y2})

	b, err := New(modelBytes(t, g), Config{InputNamesRequireGrad: []string{"X"}})
	require.NoError(t, err)
	data, info, err := b.Build(nil)
	require.NoError(t, err)

	built := loadGraph(t, data)
	require.NoError(t, built.Validate())
	assert.Equal(t, []string{"X_grad"}, outputNames(built))

	// Y1 feeds back into the sigmoid, so its seed gradient is only an
	// addend; Y2's seed flows into the backward graph directly and must be
	// full shape.
	assert.Equal(t, []bool{false, true}, info.RequiresFullShapeGrad)

	yield := built.Producer("Y2_grad")
	require.NotNil(t, yield)
	assert.Equal(t, "YieldOp", yield.OpType())
	assert.Equal(t, []int64{1}, yield.AttrInts("full_shape_outputs"))
	assert.Same(t, yield, built.Producer("Y1_grad_external"))

	// The external seed and the internal contribution are summed, and the
	// downstream gradient consumer reads the sum, not either part.
	add := built.Producer("Y1_grad_add_output")
	require.NotNil(t, add)
	assert.Equal(t, "Add", add.OpType())
	assert.Equal(t, "Y1_grad_external", add.Inputs()[0].Name())
	assert.Equal(t, "Y1_grad", add.Inputs()[1].Name())

	reluGrad := built.Producer("X_grad")
	require.NotNil(t, reluGrad)
	assert.Equal(t, "ReluGrad", reluGrad.OpType())
	assert.Equal(t, "Y1_grad_add_output", reluGrad.Inputs()[0].Name())
}

func TestMissingGradientFailsBuild(t *testing.T) {
	g := ir.NewGraph("partial", map[string]int64{"": 13, ir.MSDomain: 1})
	x := floatValue(g, "X", []int64{4})
	a := floatValue(g, "A", []int64{4})
	y := floatValue(g, "Y", []int64{4})
	g.SetInputs([]*ir.Value{x, a})
	g.SetOutputs([]*ir.Value{y})
	mustAddNode(t, g, "relu", "Relu", "", []*ir.Value{a}, []*ir.Value{y})

	b, err := New(modelBytes(t, g), Config{InputNamesRequireGrad: []string{"X", "A"}})
	require.NoError(t, err)

	data, info, err := b.Build(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingGradient)
	assert.Nil(t, data)
	assert.Nil(t, info)
}

func TestNoGradientPathFailsBuild(t *testing.T) {
	g := ir.NewGraph("detached", map[string]int64{"": 13, ir.MSDomain: 1})
	x := floatValue(g, "X", []int64{4})
	a := floatValue(g, "A", []int64{4})
	y := floatValue(g, "Y", []int64{4})
	g.SetInputs([]*ir.Value{x, a})
	g.SetOutputs([]*ir.Value{y})
	mustAddNode(t, g, "relu", "Relu", "", []*ir.Value{a}, []*ir.Value{y})

	b, err := New(modelBytes(t, g), Config{InputNamesRequireGrad: []string{"X"}})
	require.NoError(t, err)

	_, _, err = b.Build(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gradients.ErrNoGradientPath)
}

func TestUnknownTrainableFails(t *testing.T) {
	_, err := New(twoLayerModel(t), Config{TrainableNames: []string{"P3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "P3")
}

func TestEndToEndTransposeMatMulFusion(t *testing.T) {
	g := ir.NewGraph("fusable", map[string]int64{"": 13, ir.MSDomain: 1})
	x := floatValue(g, "X", []int64{3, 2})
	w := g.AddInitializer(floatInitializer("W", []int64{3, 4}))
	xt := floatValue(g, "X_t", []int64{2, 3})
	y := floatValue(g, "Y", []int64{2, 4})
	g.SetInputs([]*ir.Value{x})
	g.SetOutputs([]*ir.Value{y})
	mustAddNode(t, g, "trans", "Transpose", "", []*ir.Value{x}, []*ir.Value{xt},
		ir.MakeAttrInts("perm", []int64{1, 0}))
	mustAddNode(t, g, "matmul", "MatMul", "", []*ir.Value{xt, w}, []*ir.Value{y})

	b, err := New(modelBytes(t, g), Config{
		TrainableNames:        []string{"W"},
		InputNamesRequireGrad: []string{"X"},
	})
	require.NoError(t, err)
	data, info, err := b.Build(nil)
	require.NoError(t, err)

	built := loadGraph(t, data)
	require.NoError(t, built.Validate())
	assert.Equal(t, []string{"X_grad", "W_grad"}, outputNames(built))
	assert.Equal(t, []string{"Y"}, info.UserOutputNames)

	// The forward pair fused before differentiation, and the backward
	// matmuls fold their transposes into flags too: no Transpose survives
	// anywhere in the training graph.
	counts := opCounts(built)
	assert.Zero(t, counts["Transpose"])
	assert.Zero(t, counts["MatMul"])
	assert.Equal(t, 3, counts["FusedMatMul"])
	assert.Equal(t, 1, counts["YieldOp"])

	forward := built.Producer("Y")
	require.NotNil(t, forward)
	assert.Equal(t, "FusedMatMul", forward.OpType())
	assert.Equal(t, "X", forward.Inputs()[0].Name())
	assert.Equal(t, "W", forward.Inputs()[1].Name())
	assert.Equal(t, int64(1), forward.AttrInt("transA", -1))
	assert.Equal(t, int64(0), forward.AttrInt("transB", -1))
	assert.Equal(t, float32(1.0), forward.AttrFloat("alpha", 0))
}
