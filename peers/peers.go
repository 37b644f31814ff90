// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing groups of
// multiplexers.
package peers

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/prmi"
	"github.com/creachadair/prmi/link"
)

// Local is a pair of open multiplexers that communicate over an in-memory
// carrier, suitable for testing. A and B listen on distinct hosts, so a
// reference made by one to an object of the other crosses a connection.
type Local struct {
	A *prmi.Mux
	B *prmi.Mux
}

// Stop closes both the multiplexers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of open in-memory multiplexers sharing the types
// of reg and configured by opts.
func NewLocal(ctx context.Context, reg *prmi.Registry, opts *prmi.MuxOptions) (*Local, error) {
	g, err := NewGroup(ctx, 2, reg, opts)
	if err != nil {
		return nil, err
	}
	return &Local{A: g.Muxes[0], B: g.Muxes[1]}, nil
}

// A Group is a collection of open multiplexers sharing one in-memory carrier.
// The multiplexer at index i listens on host "rank<i>", so a group can stand
// in for the ranks of a parallel component.
type Group struct {
	Muxes   []*prmi.Mux
	Carrier *link.Memory
}

// NewGroup creates a group of n open in-memory multiplexers sharing the types
// of reg and configured by opts.
func NewGroup(ctx context.Context, n int, reg *prmi.Registry, opts *prmi.MuxOptions) (*Group, error) {
	g := &Group{Carrier: link.NewMemory()}
	for i := range n {
		m := prmi.NewMux(g.Carrier, reg, opts)
		if _, err := m.Open(ctx, fmt.Sprintf("rank%d", i)); err != nil {
			m.Close()
			g.Stop()
			return nil, err
		}
		g.Muxes = append(g.Muxes, m)
	}
	return g, nil
}

// Addrs returns the addresses of the objects with the given spec exported by
// each multiplexer of g, in rank order.
func (g *Group) Addrs(spec string) []prmi.Address {
	out := make([]prmi.Address, len(g.Muxes))
	for i, m := range g.Muxes {
		base, _ := m.Addr()
		out[i] = base.WithSpec(spec)
	}
	return out
}

// Stop closes all the multiplexers of g and blocks until they have exited.
func (g *Group) Stop() error {
	var errs []error
	for _, m := range g.Muxes {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

// Proxy constructs a proxy on m holding one reference per address, in rank
// order. If any reference cannot be made, the references already made are
// closed and Proxy reports the error.
func Proxy(ctx context.Context, m *prmi.Mux, addrs ...prmi.Address) (*prmi.Proxy, error) {
	rm := prmi.NewReferenceManager()
	for _, addr := range addrs {
		ref, err := m.Reference(ctx, addr)
		if err != nil {
			for _, r := range rm.All() {
				r.Channel().Close()
			}
			return nil, fmt.Errorf("reference %v: %w", addr, err)
		}
		rm.Add(ref)
	}
	return prmi.NewProxy(rm), nil
}
