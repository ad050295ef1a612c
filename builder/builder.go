// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package builder provides training-graph construction for ONNX models.
//
// A Builder consumes a serialized forward model, promotes its trainable
// initializers to graph inputs, and produces serialized training models
// whose outputs are the requested gradients. Forward optimization (including
// transpose fusion into FusedMatMul) runs before differentiation, so the
// backward graph derives from the optimized forward graph.
//
// # Example Usage
//
//	import "github.com/born-ml/gradgraph/builder"
//
//	data, _ := os.ReadFile("model.onnx")
//	b, err := builder.New(data, builder.Config{
//	    TrainableNames:        []string{"fc1.weight", "fc2.weight"},
//	    InputNamesRequireGrad: []string{"input"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	trainingModel, info, err := b.Build(map[string][]int64{"input": {32, 784}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = info.TrainableGradNames // gradient outputs, in training order
//	_ = trainingModel           // serialized ONNX training graph
package builder

import (
	internalbuilder "github.com/born-ml/gradgraph/internal/builder"
)

// Config selects what to differentiate and how.
type Config = internalbuilder.Config

// TrainingInfo describes the interface of a built training graph.
type TrainingInfo = internalbuilder.TrainingInfo

// Builder turns a serialized forward model into serialized training graphs.
type Builder = internalbuilder.Builder

// ErrMissingGradient reports a requested trainable parameter or gradient
// input whose gradient was not produced by the backward graph.
var ErrMissingGradient = internalbuilder.ErrMissingGradient

// New parses a serialized forward model and prepares it for training-graph
// builds.
func New(modelData []byte, config Config) (*Builder, error) {
	return internalbuilder.New(modelData, config)
}
