// Package gradients synthesizes reverse-mode gradient graphs.
//
// Build walks the forward graph backwards from the requested outputs,
// restricted to nodes that a differentiated input can influence, and calls a
// per-operator Rule from a Registry for each node. Gradient contributions
// that fan in from multiple consumers are accumulated with a Sum node; every
// gradient value follows the GradientName naming scheme.
package gradients
