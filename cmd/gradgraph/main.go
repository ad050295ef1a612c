// Package main provides the gradgraph CLI.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/born-ml/gradgraph/builder"
	"github.com/born-ml/gradgraph/internal/ir"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("gradgraph %s\n", version)
	case "info":
		err = runInfo(os.Args[2:])
	case "build":
		err = runBuild(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gradgraph: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("gradgraph - ONNX training-graph builder")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version                                Show version")
	fmt.Println("  info <model.onnx>                      Summarize a model")
	fmt.Println("  build <model.onnx> <out.onnx> <names>  Build a training graph")
	fmt.Println("")
	fmt.Println("For build, <names> is a comma-separated list of trainable initializers.")
}

func runInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gradgraph info <model.onnx>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	model, err := ir.LoadModel(data)
	if err != nil {
		return err
	}
	g := model.Graph()
	fmt.Printf("graph: %s\n", g.Name())
	fmt.Printf("opset: %d\n", model.OpsetVersion())
	fmt.Printf("nodes: %d\n", g.NumNodes())
	for _, in := range g.Inputs() {
		fmt.Printf("input: %s\n", in.Name())
	}
	for _, out := range g.Outputs() {
		fmt.Printf("output: %s\n", out.Name())
	}
	return nil
}

func runBuild(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: gradgraph build <model.onnx> <out.onnx> <trainable,names>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	b, err := builder.New(data, builder.Config{
		TrainableNames: strings.Split(args[2], ","),
	})
	if err != nil {
		return err
	}
	trainingModel, info, err := b.Build(nil)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], trainingModel, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", args[1], len(trainingModel))
	for i, name := range info.TrainableNames {
		fmt.Printf("gradient: %s -> %s\n", name, info.TrainableGradNames[i])
	}
	return nil
}
