package rewrite

import "github.com/born-ml/gradgraph/internal/ir"

// consumerCounter tracks, for one pass invocation, how many consumers of a
// value remain unclaimed by rewrites. It is keyed on value identity and
// discarded at pass end; the count is never persisted on the value itself.
type consumerCounter map[*ir.Value]int

// claim accounts for the calling rewrite's own edge on the value and returns
// the number of consumers still remaining. The first claim seeds the count
// from the live graph at query time; later claims decrement.
func (c consumerCounter) claim(g *ir.Graph, v *ir.Value) int {
	if remaining, ok := c[v]; ok {
		remaining--
		c[v] = remaining
		return remaining
	}
	remaining := g.ConsumerCount(v.Name()) - 1
	c[v] = remaining
	return remaining
}
