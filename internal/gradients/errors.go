package gradients

import (
	"errors"
	"fmt"
)

// ErrNoGradientPath reports that no differentiated input can influence any
// of the requested outputs.
var ErrNoGradientPath = errors.New("no gradient path between inputs and outputs")

// UnsupportedOperatorError reports a forward operator on the gradient path
// with no registered gradient rule.
type UnsupportedOperatorError struct {
	OpType string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("no gradient rule for operator %s", e.OpType)
}
