// Package ir is the mutable graph substrate the rewrite passes and the
// gradient builder operate on.
//
// It models the minimal slice of ONNX needed for graph rewriting — nodes,
// named values, attributes, initializers and nested subgraphs — with a
// hand-written protobuf wire decoder and encoder, no external protobuf
// dependency.
//
// Key components:
//   - ModelProto/GraphProto/NodeProto/...: hand-written ONNX protobuf structs
//   - Graph: arena of nodes by stable index plus values interned by name,
//     with producer/consumer lookup indices maintained alongside
//   - Node/Value: operator instances and the tensor slots flowing between them
//
// The arena uses tombstone-and-deferred-erase semantics: DetachNode clears a
// node's edges immediately, RemoveNode erases it afterwards, and indices are
// never reused. A TopologicalOrder snapshot therefore stays valid while a
// pass mutates the graph mid-walk.
//
// Example usage:
//
//	model, err := ir.LoadModel(data)
//	if err != nil {
//	    return err
//	}
//	g := model.Graph()
//	for _, idx := range g.TopologicalOrder() {
//	    node := g.Node(idx)
//	    if node == nil {
//	        continue // removed mid-walk
//	    }
//	    // inspect or rewrite node
//	}
//	out, err := model.Bytes()
package ir
