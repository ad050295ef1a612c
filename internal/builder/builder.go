package builder

import (
	"errors"
	"fmt"

	"github.com/born-ml/gradgraph/internal/gradients"
	"github.com/born-ml/gradgraph/internal/ir"
	"github.com/born-ml/gradgraph/internal/rewrite"
)

// ErrMissingGradient reports a requested trainable parameter or gradient
// input whose gradient was not produced by the backward graph.
var ErrMissingGradient = errors.New("required gradient not produced by backward graph")

// Config selects what to differentiate and how.
type Config struct {
	// TrainableNames lists the initializers to train, in training order.
	TrainableNames []string
	// InputNamesRequireGrad lists the user inputs whose gradients are
	// required in addition to the trainable parameters.
	InputNamesRequireGrad []string
	// UseInvertibleLayerNormGrad selects the layer normalization gradient
	// variant that recomputes the forward input from the output.
	UseInvertibleLayerNormGrad bool
	// TargetFilter gates which nodes the forward optimization passes may
	// rewrite. Nil admits all nodes.
	TargetFilter rewrite.TargetFilter
}

// TrainingInfo describes the interface of a built training graph.
type TrainingInfo struct {
	// UserInputNames are the forward graph's non-trainable inputs, in
	// original order.
	UserInputNames []string
	// UserOutputNames are the forward outputs, consumed by the boundary
	// node at the forward/backward split.
	UserOutputNames []string
	// TrainableNames are the promoted trainable parameters, in training
	// order.
	TrainableNames []string
	// UserInputGradNames are the gradient outputs for the inputs requiring
	// grad, in user-input order.
	UserInputGradNames []string
	// TrainableGradNames are the gradient outputs for the trainable
	// parameters, in training order.
	TrainableGradNames []string
	// RequiresFullShapeGrad records, per user output, whether its seed
	// gradient feeds the backward graph directly and must be a full-shape
	// tensor. A seed used only inside a reconciliation Add may be a scalar
	// zero instead.
	RequiresFullShapeGrad []bool
}

// Builder turns a serialized forward model into serialized training graphs.
// The forward model is captured once at construction with its trainable
// initializers promoted to inputs; every Build starts from a fresh copy of
// that capture.
type Builder struct {
	proto    *ir.ModelProto
	config   Config
	registry *gradients.Registry

	userInputNames  []string
	userOutputNames []string
}

// New parses the forward model and promotes the trainable initializers to
// graph inputs, after the existing inputs, in Config order.
func New(modelData []byte, config Config) (*Builder, error) {
	proto, err := ir.ParseModel(modelData)
	if err != nil {
		return nil, fmt.Errorf("load forward model: %w", err)
	}
	model, err := ir.ModelFromProto(proto)
	if err != nil {
		return nil, fmt.Errorf("load forward model: %w", err)
	}
	g := model.Graph()

	// The graph may already list some trainable parameters as inputs;
	// those are not user inputs.
	trainableSet := make(map[string]bool, len(config.TrainableNames))
	for _, name := range config.TrainableNames {
		trainableSet[name] = true
	}
	b := &Builder{
		config:   config,
		registry: gradients.NewRegistry(),
	}
	inputs := make([]*ir.Value, 0, len(g.Inputs())+len(config.TrainableNames))
	for _, in := range g.Inputs() {
		if trainableSet[in.Name()] {
			continue
		}
		b.userInputNames = append(b.userInputNames, in.Name())
		inputs = append(inputs, in)
	}
	for _, out := range g.Outputs() {
		b.userOutputNames = append(b.userOutputNames, out.Name())
	}

	for _, name := range config.TrainableNames {
		v := g.Value(name)
		if v == nil {
			return nil, fmt.Errorf("trainable parameter %q not found in forward graph", name)
		}
		g.RemoveInitializer(name)
		inputs = append(inputs, v)
	}
	g.SetInputs(inputs)

	b.proto = model.ToProto()
	return b, nil
}

// RegisterGradient adds or replaces the gradient rule used for an operator
// type in all subsequent builds.
func (b *Builder) RegisterGradient(opType string, rule gradients.Rule) {
	b.registry.Register(opType, rule)
}

// TrainableNames returns the trainable parameter names in training order.
func (b *Builder) TrainableNames() []string { return b.config.TrainableNames }

// UserInputNames returns the non-trainable input names in original order.
func (b *Builder) UserInputNames() []string { return b.userInputNames }

// Build constructs the training graph: it specializes the user input shapes
// when given, optimizes the forward graph, differentiates it, reconciles the
// output gradients, and fixes the output order. Each call works on a fresh
// copy of the promoted forward model, since shape specialization followed by
// optimization can bake shapes into the graph.
//
// The returned bytes are the serialized training model.
func (b *Builder) Build(inputShapes map[string][]int64) ([]byte, *TrainingInfo, error) {
	clone, err := ir.CloneModelProto(b.proto)
	if err != nil {
		return nil, nil, fmt.Errorf("copy forward model: %w", err)
	}
	model, err := ir.ModelFromProto(clone)
	if err != nil {
		return nil, nil, fmt.Errorf("copy forward model: %w", err)
	}
	g := model.Graph()

	info := &TrainingInfo{
		UserInputNames:  append([]string(nil), b.userInputNames...),
		UserOutputNames: append([]string(nil), b.userOutputNames...),
		TrainableNames:  append([]string(nil), b.config.TrainableNames...),
	}

	if inputShapes != nil {
		if err := b.setConcreteInputShapes(g, inputShapes); err != nil {
			return nil, nil, err
		}
	}

	m := rewrite.NewManager()
	m.Register(1, rewrite.IdentityElimination{})
	m.Register(2, rewrite.NewMatMulTransposeFusion(b.config.TargetFilter))
	if _, err := m.Apply(g); err != nil {
		return nil, nil, fmt.Errorf("optimize forward graph: %w", err)
	}

	xNames := b.gradientInputNames()
	opts := gradients.Options{UseInvertibleLayerNormGrad: b.config.UseInvertibleLayerNormGrad}
	if err := gradients.Build(g, b.registry, xNames, b.userOutputNames, opts); err != nil {
		return nil, nil, fmt.Errorf("build gradient graph: %w", err)
	}

	if err := b.handleOutputsAndGrads(g, info); err != nil {
		return nil, nil, err
	}
	if err := b.reorderOutputs(g, info); err != nil {
		return nil, nil, err
	}

	data, err := model.Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize training model: %w", err)
	}
	return data, info, nil
}

// gradientInputNames returns the differentiation targets: the inputs
// requiring grad in user-input order, then the trainable parameters in
// training order.
func (b *Builder) gradientInputNames() []string {
	requireGrad := make(map[string]bool, len(b.config.InputNamesRequireGrad))
	for _, name := range b.config.InputNamesRequireGrad {
		requireGrad[name] = true
	}
	names := make([]string, 0, len(requireGrad)+len(b.config.TrainableNames))
	for _, name := range b.userInputNames {
		if requireGrad[name] {
			names = append(names, name)
		}
	}
	return append(names, b.config.TrainableNames...)
}

// setConcreteInputShapes overwrites every user input's declared shape.
// Shapes must be supplied for exactly the user inputs; the promoted
// trainable inputs already carry concrete shapes.
func (b *Builder) setConcreteInputShapes(g *ir.Graph, inputShapes map[string][]int64) error {
	if len(inputShapes) != len(b.userInputNames) {
		return fmt.Errorf("got %d input shapes for %d user inputs", len(inputShapes), len(b.userInputNames))
	}
	for _, name := range b.userInputNames {
		dims, ok := inputShapes[name]
		if !ok {
			return fmt.Errorf("no concrete shape for user input %q", name)
		}
		g.Value(name).SetShape(dims)
	}
	return nil
}

// handleOutputsAndGrads reconciles external seed gradients with internally
// produced output gradients and appends the boundary node that consumes the
// forward outputs and produces the seed gradients.
func (b *Builder) handleOutputsAndGrads(g *ir.Graph, info *TrainingInfo) error {
	// An output gradient produced by a node means the output feeds back
	// into the graph and its external seed must be added on top.
	external := make(map[string]*ir.Value)
	for _, name := range b.userOutputNames {
		gradName := gradients.GradientName(name)
		produced := g.Value(gradName)
		if produced == nil || g.Producer(gradName) == nil {
			continue
		}
		seed := g.GetOrCreateValue(
			g.GenerateValueName(gradients.ExternalGradientName(gradName)),
			ir.CloneTypeProto(produced.Type()))
		combined := g.GetOrCreateValue(
			g.GenerateValueName(gradName+"_add_output"), ir.CloneTypeProto(produced.Type()))
		add, err := g.AddNode(g.GenerateNodeName(gradName+"_add"), "Add", "",
			[]*ir.Value{seed, produced}, []*ir.Value{combined}, nil)
		if err != nil {
			return fmt.Errorf("reconcile gradient %q: %w", gradName, err)
		}
		g.RewireConsumers(produced, combined, add)
		external[gradName] = seed
	}

	yieldInputs := make([]*ir.Value, 0, len(b.userOutputNames))
	yieldOutputs := make([]*ir.Value, 0, len(b.userOutputNames))
	var fullShapeIndices []int64
	info.RequiresFullShapeGrad = make([]bool, len(b.userOutputNames))
	for i, name := range b.userOutputNames {
		out := g.Value(name)
		yieldInputs = append(yieldInputs, out)
		gradName := gradients.GradientName(name)
		if seed, ok := external[gradName]; ok {
			// The seed only feeds the reconciliation Add, so a scalar
			// zero suffices when the caller has no real gradient.
			yieldOutputs = append(yieldOutputs, seed)
			continue
		}
		info.RequiresFullShapeGrad[i] = true
		fullShapeIndices = append(fullShapeIndices, int64(i))
		yieldOutputs = append(yieldOutputs,
			g.GetOrCreateValue(gradName, ir.CloneTypeProto(out.Type())))
	}

	_, err := g.AddNode(g.GenerateNodeName("YieldOp"), "YieldOp", ir.MSDomain,
		yieldInputs, yieldOutputs,
		map[string]ir.AttributeProto{
			"full_shape_outputs": ir.MakeAttrInts("full_shape_outputs", fullShapeIndices),
		})
	if err != nil {
		return fmt.Errorf("add boundary node: %w", err)
	}
	return nil
}

// reorderOutputs fixes the training graph outputs as the gradients of the
// inputs requiring grad in user-input order, then the gradients of the
// trainable parameters in training order. A requested gradient missing at
// this point fails the build.
func (b *Builder) reorderOutputs(g *ir.Graph, info *TrainingInfo) error {
	produced := make(map[string]*ir.Value, len(g.Outputs()))
	for _, out := range g.Outputs() {
		produced[out.Name()] = out
	}

	requireGrad := make(map[string]bool, len(b.config.InputNamesRequireGrad))
	for _, name := range b.config.InputNamesRequireGrad {
		requireGrad[name] = true
	}

	var outputs []*ir.Value
	for _, name := range b.userInputNames {
		if !requireGrad[name] {
			continue
		}
		gradName := gradients.GradientName(name)
		grad, ok := produced[gradName]
		if !ok {
			return fmt.Errorf("user input %q: %w", name, ErrMissingGradient)
		}
		info.UserInputGradNames = append(info.UserInputGradNames, gradName)
		outputs = append(outputs, grad)
	}
	for _, name := range b.config.TrainableNames {
		gradName := gradients.GradientName(name)
		grad, ok := produced[gradName]
		if !ok {
			return fmt.Errorf("trainable parameter %q: %w", name, ErrMissingGradient)
		}
		info.TrainableGradNames = append(info.TrainableGradNames, gradName)
		outputs = append(outputs, grad)
	}
	g.SetOutputs(outputs)
	return nil
}
