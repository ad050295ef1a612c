package gradients

import "github.com/born-ml/gradgraph/internal/ir"

func (r *Registry) registerMatMulRules() {
	r.Register("MatMul", matMulGrad)
	r.Register("FusedMatMul", fusedMatMulGrad)
}

// matMulGrad differentiates Y = A x B:
//
//	dA = dY x B^T
//	dB = A^T x dY
//
// Both products are emitted as FusedMatMul so no explicit Transpose nodes
// appear in the backward graph.
func matMulGrad(c *Context) error {
	return emitMatMulGrads(c, 0, 0, 1.0)
}

// fusedMatMulGrad differentiates Y = alpha * op(A) x op(B) where op is
// controlled by the transA/transB flags. The operand gradients fold the
// required transposes back into FusedMatMul flags, so a transposed operand
// never needs an explicit Transpose in the backward graph either.
func fusedMatMulGrad(c *Context) error {
	return emitMatMulGrads(c,
		c.Node().AttrInt("transA", 0),
		c.Node().AttrInt("transB", 0),
		c.Node().AttrFloat("alpha", 1.0))
}

func emitMatMulGrads(c *Context, transA, transB int64, alpha float32) error {
	dy := c.OutputGradient(0)
	a := c.Input(0)
	b := c.Input(1)

	if target := c.InputGradient(0); target != nil {
		var inputs []*ir.Value
		var ta, tb int64
		if transA == 0 {
			// dA = alpha * dY x op(B)^T
			inputs = []*ir.Value{dy, b}
			ta, tb = 0, 1-transB
		} else {
			// dA = alpha * (op(B) x dY^T)^T, expressed untransposed as
			// op(B) x dY with the flags below.
			inputs = []*ir.Value{b, dy}
			ta, tb = transB, 1
		}
		if err := emitFusedMatMul(c, "grad_a", inputs, target, ta, tb, alpha); err != nil {
			return err
		}
	}

	if target := c.InputGradient(1); target != nil {
		var inputs []*ir.Value
		var ta, tb int64
		if transB == 0 {
			// dB = alpha * op(A)^T x dY
			inputs = []*ir.Value{a, dy}
			ta, tb = 1-transA, 0
		} else {
			inputs = []*ir.Value{dy, a}
			ta, tb = 1, transA
		}
		if err := emitFusedMatMul(c, "grad_b", inputs, target, ta, tb, alpha); err != nil {
			return err
		}
	}
	return nil
}

func emitFusedMatMul(c *Context, suffix string, inputs []*ir.Value, output *ir.Value, transA, transB int64, alpha float32) error {
	_, err := c.AddNode(suffix, "FusedMatMul", ir.MSDomain,
		inputs, []*ir.Value{output},
		ir.MakeAttrInt("transA", transA),
		ir.MakeAttrInt("transB", transB),
		ir.MakeAttrFloat("alpha", alpha))
	return err
}
