package gradients

import "github.com/born-ml/gradgraph/internal/ir"

func (r *Registry) registerShapeRules() {
	r.Register("Transpose", transposeGrad)
	r.Register("Cast", castGrad)
}

// transposeGrad transposes the output gradient with the inverse permutation.
// A Transpose without a perm attribute reverses all axes, which is its own
// inverse, so the gradient node omits the attribute too.
func transposeGrad(c *Context) error {
	target := c.InputGradient(0)
	if target == nil {
		return nil
	}
	var attrs []ir.AttributeProto
	if perm := c.Node().AttrInts("perm"); perm != nil {
		inverse := make([]int64, len(perm))
		for i, p := range perm {
			inverse[p] = int64(i)
		}
		attrs = append(attrs, ir.MakeAttrInts("perm", inverse))
	}
	_, err := c.AddNode("grad", "Transpose", "",
		[]*ir.Value{c.OutputGradient(0)}, []*ir.Value{target}, attrs...)
	return err
}

// castGrad casts the output gradient back to the forward input's element
// type.
func castGrad(c *Context) error {
	target := c.InputGradient(0)
	if target == nil {
		return nil
	}
	_, err := c.AddNode("grad", "Cast", "",
		[]*ir.Value{c.OutputGradient(0)}, []*ir.Value{target},
		ir.MakeAttrInt("to", int64(c.Input(0).ElemType())))
	return err
}
