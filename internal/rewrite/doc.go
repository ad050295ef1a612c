// Package rewrite applies structural graph transformations ahead of
// execution or differentiation.
//
// A transformation implements Pass and is run by a Manager, which groups
// passes into ordered levels and repeats each level until no pass reports a
// change. Passes recurse into control-flow subgraphs held in node
// attributes.
//
// Included passes:
//   - IdentityElimination: drops pass-through Identity nodes
//   - MatMulTransposeFusion: folds Transpose producers into FusedMatMul
package rewrite
