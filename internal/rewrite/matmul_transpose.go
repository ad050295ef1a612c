package rewrite

import (
	"fmt"

	"github.com/born-ml/gradgraph/internal/ir"
)

// Operator types this pass matches and synthesizes.
const (
	opMatMul      = "MatMul"
	opFusedMatMul = "FusedMatMul"
	opTranspose   = "Transpose"
	opCast        = "Cast"
)

// MatMulTransposeFusion folds a Transpose feeding a MatMul (or an already
// fused FusedMatMul) into a single FusedMatMul carrying transA/transB flags.
// A Transpose separated from the consumer by a Cast is first reordered past
// the Cast when both nodes have single-consumer outputs.
type MatMulTransposeFusion struct {
	filter TargetFilter
}

// NewMatMulTransposeFusion creates the pass. filter gates which nodes may be
// rewritten (nil admits all).
func NewMatMulTransposeFusion(filter TargetFilter) *MatMulTransposeFusion {
	return &MatMulTransposeFusion{filter: filter}
}

// Name implements Pass.
func (f *MatMulTransposeFusion) Name() string { return "MatMulTransposeFusion" }

// Apply walks a topological-order snapshot taken before any mutation, so
// rewrites during the walk cannot change which nodes are visited. Matched
// transpose nodes whose last consumer has been claimed are queued and only
// physically erased after the walk completes.
func (f *MatMulTransposeFusion) Apply(g *ir.Graph, level int) (bool, error) {
	order := g.TopologicalOrder()
	counts := consumerCounter{}
	var removed []ir.NodeIndex // reverse-of-discovery order
	modified := false

	for _, idx := range order {
		node := g.Node(idx)
		if node == nil {
			continue // removed by an earlier rewrite in this walk
		}

		subModified, err := applyToSubgraphs(f, g, node, level)
		if err != nil {
			return modified, err
		}
		modified = modified || subModified

		if !f.eligible(g, node) {
			continue
		}
		if len(node.Inputs()) < 2 {
			return modified, fmt.Errorf("node %q (%s): binary operator with %d inputs",
				node.Name(), node.OpType(), len(node.Inputs()))
		}

		leftInput := node.Inputs()[0]
		rightInput := node.Inputs()[1]
		left, err := transposeProducer(g, leftInput)
		if err != nil {
			return modified, err
		}
		right, err := transposeProducer(g, rightInput)
		if err != nil {
			return modified, err
		}

		if left == nil && right == nil {
			// Try reordering a Transpose past an intervening Cast,
			// left operand first.
			left, err = f.castInterchange(g, leftInput)
			if err != nil {
				return modified, err
			}
			if left == nil {
				right, err = f.castInterchange(g, rightInput)
				if err != nil {
					return modified, err
				}
			}
		}
		if left == nil && right == nil {
			continue
		}

		transA := false
		transB := false
		if left != nil {
			if counts.claim(g, leftInput) == 0 {
				removed = append([]ir.NodeIndex{left.Index()}, removed...)
			}
			leftInput = left.Inputs()[0]
			transA = true
		}
		if right != nil {
			if counts.claim(g, rightInput) == 0 {
				removed = append([]ir.NodeIndex{right.Index()}, removed...)
			}
			rightInput = right.Inputs()[0]
			transB = true
		}

		alpha := float32(1.0)
		if node.OpType() == opFusedMatMul {
			// Re-fusing an already fused node composes the flags.
			transA = transA != (node.AttrInt("transA", 0) != 0)
			transB = transB != (node.AttrInt("transB", 0) != 0)
			alpha = node.AttrFloat("alpha", 1.0)
		}

		output := node.Outputs()[0]
		target := node.Target()
		g.DetachNode(node)
		if err := g.RemoveNode(node.Index()); err != nil {
			return modified, err
		}

		fused, err := g.AddNode(g.GenerateNodeName("MatMul_With_Transpose"),
			opFusedMatMul, ir.MSDomain,
			[]*ir.Value{leftInput, rightInput}, []*ir.Value{output}, nil)
		if err != nil {
			return modified, err
		}
		fused.SetAttr(ir.MakeAttrInt("transA", boolToInt(transA)))
		fused.SetAttr(ir.MakeAttrInt("transB", boolToInt(transB)))
		fused.SetAttr(ir.MakeAttrFloat("alpha", alpha))
		fused.SetTarget(target)
		modified = true
	}

	// Physically erase queued transposes now that the walk is done. The
	// no-live-edges precondition in RemoveNode makes removal safe in any
	// order; queueing in reverse-of-discovery keeps feeders before
	// dependents anyway.
	for _, idx := range removed {
		n := g.Node(idx)
		if n == nil {
			continue
		}
		for _, out := range n.Outputs() {
			if out != nil && g.ConsumerCount(out.Name()) > 0 {
				return modified, fmt.Errorf("node %q: %w", n.Name(), ir.ErrNodeHasEdges)
			}
		}
		g.DetachNode(n)
		if err := g.RemoveNode(idx); err != nil {
			return modified, err
		}
	}
	return modified, nil
}

// eligible filters to supported (op type, version, domain) combinations that
// also pass the caller's capability predicate.
func (f *MatMulTransposeFusion) eligible(g *ir.Graph, n *ir.Node) bool {
	if !isSupportedOpTypeVersionDomain(g, n, opMatMul, []int64{9, 13}, "") &&
		!isSupportedOpTypeVersionDomain(g, n, opFusedMatMul, []int64{1}, ir.MSDomain) {
		return false
	}
	return f.filter == nil || f.filter(n)
}

// transposeProducer returns the node producing the value iff it is a
// Transpose that does not feed a declared graph output and whose
// permutation swaps exactly the trailing two axes. Anything else is a
// non-match, not an error; a malformed Transpose is a structural error.
func transposeProducer(g *ir.Graph, v *ir.Value) (*ir.Node, error) {
	if v == nil {
		return nil, nil
	}
	trans := g.Producer(v.Name())
	if trans == nil || trans.OpType() != opTranspose {
		return nil, nil
	}
	if len(trans.Inputs()) != 1 || trans.Inputs()[0] == nil {
		return nil, fmt.Errorf("node %q: Transpose with %d inputs", trans.Name(), len(trans.Inputs()))
	}
	if g.ProducesOutput(trans) {
		return nil, nil
	}
	perms, ok := transposePerms(trans)
	if !ok {
		return nil, nil
	}
	if !swapsLastTwoAxes(perms) {
		return nil, nil
	}
	return trans, nil
}

// transposePerms resolves the transpose's permutation: the explicit perm
// attribute when present, otherwise the fully reversed axis order — which
// requires the input rank to be statically known.
func transposePerms(trans *ir.Node) ([]int64, bool) {
	if a, ok := trans.Attr("perm"); ok {
		return a.Ints, true
	}
	rank, ok := trans.Inputs()[0].Rank()
	if !ok {
		return nil, false
	}
	perms := make([]int64, rank)
	for i := range perms {
		perms[i] = int64(rank - 1 - i)
	}
	return perms, true
}

// swapsLastTwoAxes reports whether the permutation is the identity on all
// leading axes and swaps exactly the trailing two. Only these transposes are
// fusible: FusedMatMul transposes its operands' trailing two dimensions.
func swapsLastTwoAxes(perms []int64) bool {
	rank := int64(len(perms))
	if rank < 2 {
		return false
	}
	for i := int64(0); i < rank-2; i++ {
		if perms[i] != i {
			return false
		}
	}
	return perms[rank-2] == rank-1 && perms[rank-1] == rank-2
}

// castInterchange reorders a producer(Cast) <- producer(Transpose) chain
// feeding the operand value into Cast-then-Transpose, so the transpose
// becomes the operand's direct producer and can fuse. Requires both original
// nodes to have exactly one consumer edge on their output: any other fan-out
// would duplicate or lose work for the other consumers. Returns the matched
// transpose after the swap, re-validated by transposeProducer.
func (f *MatMulTransposeFusion) castInterchange(g *ir.Graph, operand *ir.Value) (*ir.Node, error) {
	if operand == nil {
		return nil, nil
	}
	cast := g.Producer(operand.Name())
	if cast == nil || cast.OpType() != opCast {
		return nil, nil
	}
	if len(cast.Inputs()) != 1 || cast.Inputs()[0] == nil {
		return nil, fmt.Errorf("node %q: Cast with %d inputs", cast.Name(), len(cast.Inputs()))
	}
	trans, err := transposeProducer(g, cast.Inputs()[0])
	if trans == nil || err != nil {
		return nil, err
	}
	if g.OutputEdgeCount(cast) != 1 || g.OutputEdgeCount(trans) != 1 {
		return nil, nil
	}
	// A Cast whose output is also a declared graph output would survive
	// the swap only to be rejected by the post-swap re-check, leaving the
	// graph rewritten with nothing fused. Reject before mutating.
	if g.ProducesOutput(cast) {
		return nil, nil
	}

	castOutput := cast.Outputs()[0]
	transInput := trans.Inputs()[0]

	// The swapped cast produces a value with the transpose input's shape
	// but the original cast output's element type.
	swappedType := ir.CloneTypeProto(transInput.Type())
	if swappedType == nil {
		swappedType = &ir.TypeProto{TensorType: &ir.TensorTypeProto{}}
	}
	swappedType.TensorType.ElemType = castOutput.ElemType()
	swapped := g.GetOrCreateValue(g.GenerateValueName(castOutput.Name()+"_transformed"), swappedType)

	castName, castDomain, castAttrs, castTarget := cast.Name(), cast.Domain(), cast.Attrs(), cast.Target()
	transName, transDomain, transAttrs, transTarget := trans.Name(), trans.Domain(), trans.Attrs(), trans.Target()
	castIdx, transIdx := cast.Index(), trans.Index()

	// This sub-rewrite is self-contained: both originals are detached and
	// erased immediately, which cannot invalidate the outer traversal
	// snapshot.
	g.DetachNode(cast)
	g.DetachNode(trans)

	newCast, err := g.AddNode(g.GenerateNodeName(castName+"_transformed"),
		opCast, castDomain, []*ir.Value{transInput}, []*ir.Value{swapped}, castAttrs)
	if err != nil {
		return nil, err
	}
	newCast.SetTarget(castTarget)
	newTrans, err := g.AddNode(g.GenerateNodeName(transName+"_transformed"),
		opTranspose, transDomain, []*ir.Value{swapped}, []*ir.Value{castOutput}, transAttrs)
	if err != nil {
		return nil, err
	}
	newTrans.SetTarget(transTarget)

	if err := g.RemoveNode(castIdx); err != nil {
		return nil, err
	}
	if err := g.RemoveNode(transIdx); err != nil {
		return nil, err
	}
	return transposeProducer(g, operand)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
