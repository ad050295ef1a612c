package gradients

import (
	"fmt"

	"github.com/born-ml/gradgraph/internal/ir"
)

func (r *Registry) registerNormalizationRules() {
	r.Register("LayerNormalization", layerNormGrad)
}

// layerNormGrad differentiates LayerNormalization(X, Scale, B) -> (Y, Mean,
// InvStdDev). The standard variant reads the saved forward input; the
// invertible variant reconstructs it from Y, Scale and B so X need not be
// kept alive for the backward pass.
func layerNormGrad(c *Context) error {
	node := c.Node()
	if len(node.Outputs()) < 3 {
		return fmt.Errorf("node %q: LayerNormalization with %d outputs, saved mean and inverse stddev required",
			node.Name(), len(node.Outputs()))
	}
	dy := c.OutputGradient(0)
	invStdDev := c.Output(2)
	axis := node.AttrInt("axis", -1)

	outputs := []*ir.Value{c.InputGradient(0), c.InputGradient(1), c.InputGradient(2)}

	if c.Options().UseInvertibleLayerNormGrad {
		_, err := c.AddNode("grad", "InvertibleLayerNormalizationGrad", ir.MSDomain,
			[]*ir.Value{dy, c.Output(0), c.Input(1), c.Input(2), invStdDev},
			outputs, ir.MakeAttrInt("axis", axis))
		return err
	}
	_, err := c.AddNode("grad", "LayerNormalizationGrad", ir.MSDomain,
		[]*ir.Value{dy, c.Input(0), c.Input(1), c.Output(1), invStdDev},
		outputs, ir.MakeAttrInt("axis", axis))
	return err
}
