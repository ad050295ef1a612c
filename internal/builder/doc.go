// Package builder assembles training graphs from serialized forward models.
//
// A Builder captures the forward model once, with its trainable initializers
// promoted to graph inputs. Each Build then works on a fresh copy: it
// specializes input shapes, runs the rewrite passes over the forward nodes,
// differentiates the result, reconciles externally seeded output gradients
// with internally produced ones behind a boundary node, and orders the
// gradient outputs deterministically.
package builder
