package gradients

import "github.com/born-ml/gradgraph/internal/ir"

func (r *Registry) registerArithmeticRules() {
	r.Register("Add", addGrad)
	r.Register("Sub", subGrad)
	r.Register("Mul", mulGrad)
	r.Register("Neg", negGrad)
	r.Register("Sum", sumGrad)
	r.Register("Identity", identityGrad)
}

// addGrad passes the output gradient through to both operands.
func addGrad(c *Context) error {
	dy := c.OutputGradient(0)
	for i := 0; i < 2; i++ {
		if target := c.InputGradient(i); target != nil {
			if err := c.identity(dy, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func subGrad(c *Context) error {
	dy := c.OutputGradient(0)
	if target := c.InputGradient(0); target != nil {
		if err := c.identity(dy, target); err != nil {
			return err
		}
	}
	if target := c.InputGradient(1); target != nil {
		if _, err := c.AddNode("grad_neg", "Neg", "",
			[]*ir.Value{dy}, []*ir.Value{target}); err != nil {
			return err
		}
	}
	return nil
}

func mulGrad(c *Context) error {
	dy := c.OutputGradient(0)
	if target := c.InputGradient(0); target != nil {
		if _, err := c.AddNode("grad_mul_a", "Mul", "",
			[]*ir.Value{dy, c.Input(1)}, []*ir.Value{target}); err != nil {
			return err
		}
	}
	if target := c.InputGradient(1); target != nil {
		if _, err := c.AddNode("grad_mul_b", "Mul", "",
			[]*ir.Value{dy, c.Input(0)}, []*ir.Value{target}); err != nil {
			return err
		}
	}
	return nil
}

func negGrad(c *Context) error {
	if target := c.InputGradient(0); target != nil {
		if _, err := c.AddNode("grad_neg", "Neg", "",
			[]*ir.Value{c.OutputGradient(0)}, []*ir.Value{target}); err != nil {
			return err
		}
	}
	return nil
}

// sumGrad passes the output gradient through to every summand.
func sumGrad(c *Context) error {
	dy := c.OutputGradient(0)
	for i := range c.Node().Inputs() {
		if target := c.InputGradient(i); target != nil {
			if err := c.identity(dy, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func identityGrad(c *Context) error {
	if target := c.InputGradient(0); target != nil {
		return c.identity(c.OutputGradient(0), target)
	}
	return nil
}
