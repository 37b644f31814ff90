// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"fmt"

	"github.com/creachadair/prmi"
	"github.com/creachadair/prmi/handler"
)

// Names of the demo object type and its methods.
const (
	baseType = "prmi.Object"
	demoType = "prmi.Demo"
	demoSpec = "demo"
)

// demoRegistry returns a registry defining the demo object type. The server
// and the client both use it, so they agree on handler IDs.
func demoRegistry() *prmi.Registry {
	reg := prmi.NewRegistry()
	reg.Define(baseType)
	reg.Define(demoType, baseType).
		Methods("echo", "scale").
		Handle("echo", handler.ParamResult(echo)).
		Handle("scale", scale)
	return reg
}

// echo replies with its argument, prefixed by the spec of the object.
func echo(ctx context.Context, s string) string {
	return fmt.Sprintf("%s: %s", prmi.ContextObject(ctx).Spec(), s)
}

// scale reads a factor and a counted array of values, and replies with the
// values multiplied by the factor.
func scale(_ context.Context, args, reply *prmi.Message) error {
	f, err := args.Double()
	if err != nil {
		return fmt.Errorf("factor: %w", err)
	}
	n, err := args.Int()
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	vs, err := args.UnmarshalDouble(int(n))
	if err != nil {
		return fmt.Errorf("values: %w", err)
	}
	for i := range vs {
		vs[i] *= f
	}
	reply.MarshalInt(n)
	reply.MarshalDouble(vs...)
	return nil
}
