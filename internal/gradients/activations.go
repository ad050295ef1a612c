package gradients

import "github.com/born-ml/gradgraph/internal/ir"

func (r *Registry) registerActivationRules() {
	r.Register("Relu", reluGrad)
	r.Register("Sigmoid", sigmoidGrad)
}

func reluGrad(c *Context) error {
	if target := c.InputGradient(0); target != nil {
		if _, err := c.AddNode("grad", "ReluGrad", ir.MSDomain,
			[]*ir.Value{c.OutputGradient(0), c.Input(0)},
			[]*ir.Value{target}); err != nil {
			return err
		}
	}
	return nil
}

// sigmoidGrad uses the forward output: d/dx sigmoid(x) = y * (1 - y).
func sigmoidGrad(c *Context) error {
	if target := c.InputGradient(0); target != nil {
		if _, err := c.AddNode("grad", "SigmoidGrad", ir.MSDomain,
			[]*ir.Value{c.OutputGradient(0), c.Output(0)},
			[]*ir.Value{target}); err != nil {
			return err
		}
	}
	return nil
}
