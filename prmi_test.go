// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/prmi"
	"github.com/creachadair/prmi/link"
	"github.com/creachadair/prmi/mxn"
	"github.com/creachadair/prmi/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Handler IDs of the test types, assigned by newRegistry.
var (
	echoID  int32 // test.Base: reply with the argument string
	panicID int32 // test.Base: panic
	blockID int32 // test.Derived: block until released
)

// release is closed or sent to by tests that use the block method.
var release = make(chan struct{})

// started receives a value each time the block method begins.
var started = make(chan struct{}, 16)

func echo(_ context.Context, args, reply *prmi.Message) error {
	s, err := args.Text()
	if err != nil {
		return err
	}
	reply.MarshalString(s)
	return nil
}

func newRegistry() *prmi.Registry {
	reg := prmi.NewRegistry()
	base := reg.Define("test.Base").Methods("echo", "panic")
	base.Handle("echo", echo)
	base.Handle("panic", func(context.Context, *prmi.Message, *prmi.Message) error {
		panic("kaboom")
	})
	derived := reg.Define("test.Derived", "test.Base").Methods("block")
	derived.Handle("block", func(ctx context.Context, _, _ *prmi.Message) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	echoID, panicID, blockID = base.Method("echo"), base.Method("panic"), derived.Method("block")
	return reg
}

func callEcho(ctx context.Context, p *prmi.Proxy, s string) (string, error) {
	rsp, err := p.Call(ctx, echoID, func(m *prmi.Message) { m.MarshalString(s) })
	if err != nil {
		return "", err
	}
	return rsp.Text()
}

// newLocal returns a pair of connected multiplexers where A exports an object
// of type test.Derived at "obj", and a proxy to it from B.
func newLocal(t *testing.T, opts *prmi.MuxOptions) (*peers.Local, *prmi.Object, *prmi.Proxy) {
	t.Helper()
	loc, err := peers.NewLocal(t.Context(), newRegistry(), opts)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	obj, err := loc.A.Endpoint().Export("obj", "test.Derived", nil)
	if err != nil {
		loc.Stop()
		t.Fatalf("Export: %v", err)
	}
	addr, _ := obj.Addr()
	p, err := peers.Proxy(t.Context(), loc.B, addr)
	if err != nil {
		loc.Stop()
		t.Fatalf("Proxy: %v", err)
	}
	return loc, obj, p
}

func metric(m *prmi.Mux, name string) int64 {
	return m.Metrics().Get(name).(*expvar.Int).Value()
}

func TestCall(t *testing.T) {
	defer leaktest.Check(t)()
	loc, _, p := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	t.Run("Echo", func(t *testing.T) {
		got, err := callEcho(ctx, p, "hello, world")
		if err != nil {
			t.Fatalf("Call: %v", err)
		} else if got != "hello, world" {
			t.Errorf("Call: got %q, want %q", got, "hello, world")
		}
	})

	t.Run("UnknownHandler", func(t *testing.T) {
		_, err := p.Call(ctx, 99, nil)
		var ce *prmi.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got %v, want *CallError", err)
		}
		if ce.Code != prmi.CodeUnknownHandler || ce.HandlerID != 99 {
			t.Errorf("Call: got code %v, handler %d; want %v, 99", ce.Code, ce.HandlerID, prmi.CodeUnknownHandler)
		}
		if !errors.Is(err, prmi.ErrRemoteObjectNotFound) {
			t.Errorf("Call: got %v, want %v", err, prmi.ErrRemoteObjectNotFound)
		}
	})

	t.Run("ObjectNotFound", func(t *testing.T) {
		base, _ := loc.A.Addr()
		q, err := peers.Proxy(ctx, loc.B, base.WithSpec("nonesuch"))
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer q.Close()
		_, _, err = q.Identify(ctx)
		var ce *prmi.CallError
		if !errors.As(err, &ce) || ce.Code != prmi.CodeObjectNotFound {
			t.Errorf("Identify: got %v, want %v", err, prmi.CodeObjectNotFound)
		}
		if !errors.Is(err, prmi.ErrRemoteObjectNotFound) {
			t.Errorf("Identify: got %v, want %v", err, prmi.ErrRemoteObjectNotFound)
		}
	})

	t.Run("Underrun", func(t *testing.T) {
		// The echo handler expects a string, but receives nothing.
		_, err := p.Call(ctx, echoID, nil)
		if !errors.Is(err, prmi.ErrUnderrun) {
			t.Errorf("Call: got %v, want %v", err, prmi.ErrUnderrun)
		}
	})

	t.Run("Panic", func(t *testing.T) {
		_, err := p.Call(ctx, panicID, nil)
		var ce *prmi.CallError
		if !errors.As(err, &ce) || ce.Code != prmi.CodeServiceError {
			t.Fatalf("Call: got %v, want service error", err)
		}
		if want := "handler panicked (recovered): kaboom"; ce.Message != want {
			t.Errorf("Message: got %q, want %q", ce.Message, want)
		}
		// The connection survives.
		if _, err := callEcho(ctx, p, "still here"); err != nil {
			t.Errorf("Call after panic: %v", err)
		}
	})

	if n := metric(loc.A, "calls_in_failed"); n != 4 {
		t.Errorf("A calls_in_failed: got %d, want 4", n)
	}
	if n := metric(loc.B, "calls_out_failed"); n != 4 {
		t.Errorf("B calls_out_failed: got %d, want 4", n)
	}
}

func TestNullProxy(t *testing.T) {
	ctx := context.Background()
	var nilProxy *prmi.Proxy
	for _, p := range []*prmi.Proxy{nilProxy, prmi.NewProxy(prmi.NewReferenceManager())} {
		if !p.IsNull() {
			t.Errorf("IsNull(%v): got false, want true", p)
		}
		if _, err := p.Call(ctx, echoID, nil); !errors.Is(err, prmi.ErrNullProxy) {
			t.Errorf("Call: got %v, want %v", err, prmi.ErrNullProxy)
		}
		if err := p.AddRef(ctx); !errors.Is(err, prmi.ErrNullProxy) {
			t.Errorf("AddRef: got %v, want %v", err, prmi.ErrNullProxy)
		}
		if _, err := p.IsType(ctx, "test.Base"); !errors.Is(err, prmi.ErrNullProxy) {
			t.Errorf("IsType: got %v, want %v", err, prmi.ErrNullProxy)
		}
		if _, err := p.GetFirstReference(true); !errors.Is(err, prmi.ErrNullProxy) {
			t.Errorf("GetFirstReference: got %v, want %v", err, prmi.ErrNullProxy)
		}
		if err := p.SendArray(ctx, "x", nil); !errors.Is(err, prmi.ErrNullProxy) {
			t.Errorf("SendArray: got %v, want %v", err, prmi.ErrNullProxy)
		}
	}
}

func TestRefCount(t *testing.T) {
	defer leaktest.Check(t)()
	loc, obj, p := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	var destroyed []string
	obj.OnDestroy(func(o *prmi.Object) { destroyed = append(destroyed, o.Spec()) })

	if n := obj.RefCount(); n != 1 {
		t.Errorf("Initial RefCount: got %d, want 1", n)
	}
	for range 3 {
		if err := p.AddRef(ctx); err != nil {
			t.Fatalf("AddRef: %v", err)
		}
	}
	if n := obj.RefCount(); n != 4 {
		t.Errorf("RefCount after AddRef: got %d, want 4", n)
	}

	// Release the creator's reference, then the remote ones.
	obj.DeleteRef()
	for i := range 3 {
		if obj.Destroyed() {
			t.Fatalf("Object destroyed early at step %d", i)
		}
		if err := p.DeleteRef(ctx); err != nil {
			t.Fatalf("DeleteRef: %v", err)
		}
	}
	if !obj.Destroyed() {
		t.Error("Object not destroyed at refcount 0")
	}
	if diff := cmp.Diff(destroyed, []string{"obj"}); diff != "" {
		t.Errorf("Destroy hooks (-got, +want):\n%s", diff)
	}
	if o := loc.A.Endpoint().Lookup("obj"); o != nil {
		t.Errorf("Lookup after destroy: got %v, want nil", o)
	}

	// The object is gone, so further calls cannot find it.
	if err := p.AddRef(ctx); !errors.Is(err, prmi.ErrRemoteObjectNotFound) {
		t.Errorf("AddRef after destroy: got %v, want %v", err, prmi.ErrRemoteObjectNotFound)
	}
	if n := obj.AddRef(); n != 0 {
		t.Errorf("Local AddRef after destroy: got %d, want 0", n)
	}
}

func TestIdentity(t *testing.T) {
	defer leaktest.Check(t)()
	loc, obj, p := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	other, err := loc.A.Endpoint().Export("other", "test.Base", nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := loc.A.Endpoint().Export("other", "test.Base", nil); err == nil {
		t.Error("Export of a duplicate spec did not fail")
	}
	if _, err := loc.A.Endpoint().Export("x", "test.Unknown", nil); err == nil {
		t.Error("Export of an undefined type did not fail")
	}
	if diff := cmp.Diff(loc.A.Endpoint().Specs(), []string{"obj", "other"}); diff != "" {
		t.Errorf("Specs (-got, +want):\n%s", diff)
	}

	objAddr, _ := obj.Addr()
	otherAddr, _ := other.Addr()
	same, err := peers.Proxy(ctx, loc.B, objAddr) // second channel, same connection
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer same.Close()
	local, err := peers.Proxy(ctx, loc.A, objAddr) // co-located
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer local.Close()
	dq, err := peers.Proxy(ctx, loc.B, otherAddr)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer dq.Close()

	id, typeName, err := p.Identify(ctx)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id != obj.ID() || typeName != "test.Derived" {
		t.Errorf("Identify: got (%q, %q), want (%q, %q)", id, typeName, obj.ID(), "test.Derived")
	}

	for _, tc := range []struct {
		name string
		q    *prmi.Proxy
		want bool
	}{
		{"Self", p, true},
		{"SameConn", same, true},
		{"CoLocated", local, true},
		{"Other", dq, false},
	} {
		got, err := p.IsSame(ctx, tc.q)
		if err != nil {
			t.Errorf("IsSame %s: %v", tc.name, err)
		} else if got != tc.want {
			t.Errorf("IsSame %s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if _, err := p.IsSame(ctx, nil); !errors.Is(err, prmi.ErrNullProxy) {
		t.Errorf("IsSame(nil): got %v, want %v", err, prmi.ErrNullProxy)
	}
}

func TestIsType(t *testing.T) {
	defer leaktest.Check(t)()
	loc, _, p := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	if n := loc.B.Types().Len(); n != 0 {
		t.Errorf("Initial type cache: got %d entries, want 0", n)
	}
	before := metric(loc.B, "calls_out")
	for _, tc := range []struct {
		name string
		want bool
	}{
		{"test.Derived", true},
		{"test.Base", true},
		{"test.Other", false},
		{"", false},
	} {
		got, err := p.IsType(ctx, tc.name)
		if err != nil {
			t.Errorf("IsType(%q): %v", tc.name, err)
		} else if got != tc.want {
			t.Errorf("IsType(%q): got %v, want %v", tc.name, got, tc.want)
		}
	}

	// The lineage is fetched once: the first query costs an identify and a
	// describe, the rest only an identify.
	if got, want := metric(loc.B, "calls_out")-before, int64(4+1); got != want {
		t.Errorf("Calls made: got %d, want %d", got, want)
	}
	if n := loc.B.Types().Len(); n != 2 {
		t.Errorf("Type cache: got %d entries, want 2", n)
	}
	td, ok := loc.B.Types().Lookup("test.Derived")
	if !ok {
		t.Fatal("Type cache has no entry for test.Derived")
	}
	if diff := cmp.Diff(td.Parents, []string{"test.Base"}); diff != "" {
		t.Errorf("Parents (-got, +want):\n%s", diff)
	}
	if got := td.Methods["block"]; got != blockID {
		t.Errorf("Method block: got %d, want %d", got, blockID)
	}
}

func TestCoLocated(t *testing.T) {
	defer leaktest.Check(t)()
	loc, obj, _ := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	addr, _ := obj.Addr()
	ref, err := loc.A.Reference(ctx, addr)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if ref.Local != obj {
		t.Errorf("Reference.Local: got %v, want %v", ref.Local, obj)
	}
	if !ref.Channel().Local() {
		t.Error("Channel of a co-located reference is not local")
	}
	p := prmi.NewProxy(prmi.NewReferenceManager(ref))
	defer p.Close()

	before := metric(loc.A, "frames_sent")
	got, err := callEcho(ctx, p, "nearby")
	if err != nil {
		t.Fatalf("Call: %v", err)
	} else if got != "nearby" {
		t.Errorf("Call: got %q, want %q", got, "nearby")
	}
	if err := p.AddRef(ctx); err != nil {
		t.Fatalf("AddRef: %v", err)
	}
	if n := obj.RefCount(); n != 2 {
		t.Errorf("RefCount: got %d, want 2", n)
	}
	if n := metric(loc.A, "frames_sent") - before; n != 0 {
		t.Errorf("Co-located calls sent %d frames, want 0", n)
	}

	// A reference with a spec that is not exported is still co-located.
	miss, err := loc.A.Reference(ctx, addr.WithSpec("nonesuch"))
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if miss.Local != nil {
		t.Errorf("Reference.Local: got %v, want nil", miss.Local)
	}
	q := prmi.NewProxy(prmi.NewReferenceManager(miss))
	defer q.Close()
	if _, _, err := q.Identify(ctx); !errors.Is(err, prmi.ErrRemoteObjectNotFound) {
		t.Errorf("Identify: got %v, want %v", err, prmi.ErrRemoteObjectNotFound)
	}
}

func TestChannel(t *testing.T) {
	defer leaktest.Check(t)()
	loc, _, p := newLocal(t, nil)
	defer loc.Stop()
	ctx := t.Context()

	ref, err := p.GetFirstReference(false)
	if err != nil {
		t.Fatalf("GetFirstReference: %v", err)
	}
	ch := ref.Channel()

	t.Run("Busy", func(t *testing.T) {
		done := taskgroup.Go(func() error {
			_, err := ch.SendAndWait(ctx, ref.NewMessage(), blockID)
			return err
		})
		<-started
		if !ch.Busy() {
			t.Error("Channel is not busy during a call")
		}
		if _, err := ch.SendAndWait(ctx, ref.NewMessage(), blockID); !errors.Is(err, prmi.ErrChannelBusy) {
			t.Errorf("Concurrent SendAndWait: got %v, want %v", err, prmi.ErrChannelBusy)
		}
		release <- struct{}{}
		if err := done.Wait(); err != nil {
			t.Errorf("SendAndWait: %v", err)
		}
		if ch.Busy() {
			t.Error("Channel is busy after the reply")
		}
	})

	t.Run("Abandon", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		done := taskgroup.Go(func() error {
			_, err := ch.SendAndWait(cctx, ref.NewMessage(), blockID)
			return err
		})
		<-started
		cancel()
		if err := done.Wait(); !errors.Is(err, context.Canceled) {
			t.Errorf("SendAndWait: got %v, want %v", err, context.Canceled)
		}

		// The channel stays busy until the late reply arrives.
		if !ch.Busy() {
			t.Error("Channel is not busy after abandoning a call")
		}
		release <- struct{}{}
		for ch.Busy() {
			time.Sleep(time.Millisecond)
		}
		got, err := callEcho(ctx, p, "after")
		if err != nil {
			t.Fatalf("Call after abandon: %v", err)
		} else if got != "after" {
			t.Errorf("Call after abandon: got %q, want %q", got, "after")
		}
	})

	t.Run("Serial", func(t *testing.T) {
		sc := prmi.Serial(ch)
		g := taskgroup.New(nil)
		for i := range 8 {
			g.Go(func() error {
				want := fmt.Sprint("call ", i)
				msg := ref.NewMessage()
				msg.MarshalString(want)
				rsp, err := sc.SendAndWait(ctx, msg, echoID)
				if err != nil {
					return err
				}
				got, err := rsp.Text()
				if err != nil {
					return err
				} else if got != want {
					return fmt.Errorf("got %q, want %q", got, want)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Errorf("Serial calls: %v", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		ref2 := ref.Copy()
		if ref2.Channel() != ch {
			t.Error("Copy does not share the channel")
		}
		if err := ch.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := ch.SendAndWait(ctx, ref.NewMessage(), echoID); !errors.Is(err, prmi.ErrClosed) {
			t.Errorf("SendAndWait after close: got %v, want %v", err, prmi.ErrClosed)
		}
	})
}

func TestDisconnect(t *testing.T) {
	for _, reclaim := range []bool{false, true} {
		t.Run(fmt.Sprintf("Reclaim=%v", reclaim), func(t *testing.T) {
			defer leaktest.Check(t)()
			loc, obj, p := newLocal(t, &prmi.MuxOptions{ReclaimOrphans: reclaim})
			defer loc.Stop()
			ctx := t.Context()

			gone := make(chan string, 1)
			loc.A.OnDisconnect(func(peer string, err error) {
				if err != nil {
					t.Errorf("OnDisconnect %q: unexpected error: %v", peer, err)
				}
				gone <- peer
			})

			// Hand the object to B, then block a call in progress.
			if err := p.AddRef(ctx); err != nil {
				t.Fatalf("AddRef: %v", err)
			}
			obj.DeleteRef()
			done := taskgroup.Go(func() error {
				_, err := p.Call(ctx, blockID, nil)
				return err
			})
			<-started

			// Closing B ends the connection, and the pending call fails.
			if err := loc.B.Close(); err != nil {
				t.Errorf("Close B: %v", err)
			}
			if err := done.Wait(); !errors.Is(err, prmi.ErrConnection) {
				t.Errorf("Pending call: got %v, want %v", err, prmi.ErrConnection)
			}
			if _, err := callEcho(ctx, p, "x"); err == nil {
				t.Error("Call after disconnect did not fail")
			}
			<-gone
			release <- struct{}{}

			if got := obj.Destroyed(); got != reclaim {
				t.Errorf("Destroyed: got %v, want %v", got, reclaim)
			}
			var want int64
			if reclaim {
				want = 1
			}
			if n := metric(loc.A, "refs_reclaimed"); n != want {
				t.Errorf("refs_reclaimed: got %d, want %d", n, want)
			}
		})
	}
}

func TestClosedMux(t *testing.T) {
	defer leaktest.Check(t)()
	loc, obj, _ := newLocal(t, nil)
	loc.Stop()
	ctx := t.Context()

	addr, _ := obj.Addr()
	if _, err := loc.B.Reference(ctx, addr); !errors.Is(err, prmi.ErrClosed) {
		t.Errorf("Reference: got %v, want %v", err, prmi.ErrClosed)
	}
	if _, err := loc.B.Open(ctx, "again"); !errors.Is(err, prmi.ErrClosed) {
		t.Errorf("Open: got %v, want %v", err, prmi.ErrClosed)
	}
	if err := loc.A.Close(); err != nil {
		t.Errorf("Second Close: %v", err)
	}
}

// newRanks returns a group of n multiplexers, each exporting an object of
// type test.Rank at spec "r" whose value is its rank.
func newRanks(t *testing.T, n int, reg *prmi.Registry) (*peers.Group, []*prmi.Object) {
	t.Helper()
	g, err := peers.NewGroup(t.Context(), n, reg, nil)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	var objs []*prmi.Object
	for i, m := range g.Muxes {
		obj, err := m.Endpoint().Export("r", "test.Rank", i)
		if err != nil {
			g.Stop()
			t.Fatalf("Export: %v", err)
		}
		objs = append(objs, obj)
	}
	return g, objs
}

func rankRegistry() (*prmi.Registry, int32, int32) {
	reg := prmi.NewRegistry()
	typ := reg.Define("test.Rank").Methods("rank", "double")
	typ.Handle("rank", func(ctx context.Context, _, reply *prmi.Message) error {
		reply.MarshalInt(int32(prmi.ContextObject(ctx).Value().(int)))
		return nil
	})

	// double takes the object's share of array "x", and publishes its values
	// multiplied by two.
	typ.Handle("double", func(ctx context.Context, _, _ *prmi.Message) error {
		obj := prmi.ContextObject(ctx)
		rank := obj.Value().(int)
		group := prmi.ContextCaller(ctx)
		vs, err := obj.Arrays().Take(ctx, group, "x", rank)
		if err != nil {
			return err
		}
		for i := range vs {
			vs[i] *= 2
		}
		return obj.Arrays().Publish(group, "x", rank, vs)
	})
	return reg, typ.Method("rank"), typ.Method("double")
}

func TestCollective(t *testing.T) {
	defer leaktest.Check(t)()
	reg, rankID, _ := rankRegistry()
	g, objs := newRanks(t, 5, reg)
	defer g.Stop()
	ctx := t.Context()

	// Two caller ranks sharing one proxy identity, on different muxes.
	var ps []*prmi.Proxy
	for i := range 2 {
		p, err := peers.Proxy(ctx, g.Muxes[i], g.Addrs("r")...)
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer p.Close()
		if err := p.SetCallerGroup(i, 2, "shared-uuid"); err != nil {
			t.Fatalf("SetCallerGroup: %v", err)
		}
		ps = append(ps, p)
	}
	if err := ps[0].SetCallerGroup(2, 2, ""); err == nil {
		t.Error("SetCallerGroup with rank ≥ size did not fail")
	}

	// collect runs a collective call from both caller ranks and reports which
	// callee ranks each one reached.
	collect := func(t *testing.T) [][]int {
		t.Helper()
		out := make([][]int, len(ps))
		g := taskgroup.New(nil)
		for i, p := range ps {
			g.Go(func() error {
				rsps, err := p.CallCollective(ctx, rankID, nil)
				if err != nil {
					return err
				}
				for j, rsp := range rsps {
					if rsp == nil {
						continue
					}
					v, err := rsp.Int()
					if err != nil {
						return err
					} else if int(v) != j {
						return fmt.Errorf("callee rank %d replied %d", j, v)
					}
					out[i] = append(out[i], j)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("CallCollective: %v", err)
		}
		return out
	}

	t.Run("Full", func(t *testing.T) {
		got := collect(t)
		if diff := cmp.Diff(got, [][]int{{0, 2, 4}, {1, 3}}); diff != "" {
			t.Errorf("Targets (-got, +want):\n%s", diff)
		}
	})

	t.Run("Subset", func(t *testing.T) {
		for _, p := range ps {
			if err := p.CreateSubset(ctx, 1, 3); err != nil {
				t.Fatalf("CreateSubset: %v", err)
			}
		}
		for i, obj := range objs {
			s, ok := obj.Subset("shared-uuid")
			if want := i < 3; ok != want {
				t.Errorf("Rank %d subset: got %v, want %v", i, ok, want)
			} else if ok && s != (prmi.Subset{LocalSize: 1, RemoteSize: 3}) {
				t.Errorf("Rank %d subset: got %+v", i, s)
			}
		}
		got := collect(t)
		if diff := cmp.Diff(got, [][]int{{0, 1, 2}, nil}); diff != "" {
			t.Errorf("Targets (-got, +want):\n%s", diff)
		}
	})

	t.Run("Restore", func(t *testing.T) {
		for _, p := range ps {
			if err := p.CreateSubset(ctx, 0, 0); err != nil {
				t.Fatalf("CreateSubset: %v", err)
			}
		}
		for i, obj := range objs {
			if s, ok := obj.Subset("shared-uuid"); ok {
				t.Errorf("Rank %d subset: got %+v, want none", i, s)
			}
		}
		got := collect(t)
		if diff := cmp.Diff(got, [][]int{{0, 2, 4}, {1, 3}}); diff != "" {
			t.Errorf("Targets (-got, +want):\n%s", diff)
		}
	})

	t.Run("BadSubset", func(t *testing.T) {
		if err := ps[0].CreateSubset(ctx, 3, 1); err == nil {
			t.Error("CreateSubset with too many caller ranks did not fail")
		}
		if err := ps[0].CreateSubset(ctx, 1, 6); err == nil {
			t.Error("CreateSubset with too many callee ranks did not fail")
		}
	})
}

func TestRedistribute(t *testing.T) {
	defer leaktest.Check(t)()
	reg, _, doubleID := rankRegistry()
	g, objs := newRanks(t, 3, reg)
	defer g.Stop()
	ctx := t.Context()

	caller := mxn.Distribution{{0, 6}, {6, 12}}
	callee := mxn.Distribution{{0, 4}, {4, 8}, {8, 12}}
	for _, obj := range objs {
		s := obj.Arrays().Scheduler()
		if err := s.RegisterCallerDistribution("x", caller); err != nil {
			t.Fatal(err)
		}
		if err := s.RegisterCalleeDistribution("x", callee); err != nil {
			t.Fatal(err)
		}
	}

	input := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	output := make([][]float64, len(caller))

	tg := taskgroup.New(nil)
	for r := range caller {
		p, err := peers.Proxy(ctx, g.Muxes[r], g.Addrs("r")...)
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer p.Close()
		if err := p.SetCallerGroup(r, len(caller), "array-uuid"); err != nil {
			t.Fatalf("SetCallerGroup: %v", err)
		}
		if err := p.RegisterCallerDistribution("x", caller); err != nil {
			t.Fatal(err)
		}
		if err := p.RegisterCalleeDistribution("x", callee); err != nil {
			t.Fatal(err)
		}

		tg.Go(func() error {
			own := caller[r]
			if err := p.SendArray(ctx, "x", input[own.Lo:own.Hi]); err != nil {
				return fmt.Errorf("rank %d: send: %w", r, err)
			}
			if _, err := p.CallCollective(ctx, doubleID, nil); err != nil {
				return fmt.Errorf("rank %d: call: %w", r, err)
			}
			vs, err := p.RecvArray(ctx, "x")
			if err != nil {
				return fmt.Errorf("rank %d: recv: %w", r, err)
			}
			output[r] = vs
			return nil
		})
	}
	if err := tg.Wait(); err != nil {
		t.Fatal(err)
	}
	want := [][]float64{{2, 4, 6, 8, 10, 12}, {14, 16, 18, 20, 22, 24}}
	if diff := cmp.Diff(output, want); diff != "" {
		t.Errorf("Output (-got, +want):\n%s", diff)
	}

	// Each caller rank runs several rounds without waiting for the others, so
	// a rank may send its next round before a callee rank has taken the
	// current one.
	t.Run("Rounds", func(t *testing.T) {
		const rounds = 4
		output := make([][][]float64, len(caller))

		tg := taskgroup.New(nil)
		for r := range caller {
			p, err := peers.Proxy(ctx, g.Muxes[r], g.Addrs("r")...)
			if err != nil {
				t.Fatalf("Proxy: %v", err)
			}
			defer p.Close()
			if err := p.SetCallerGroup(r, len(caller), "rounds-uuid"); err != nil {
				t.Fatalf("SetCallerGroup: %v", err)
			}
			p.RegisterCallerDistribution("x", caller)
			p.RegisterCalleeDistribution("x", callee)

			tg.Go(func() error {
				own := caller[r]
				for i := range rounds {
					vs := make([]float64, own.Len())
					for j := range vs {
						vs[j] = float64(100*i + own.Lo + j)
					}
					if err := p.SendArray(ctx, "x", vs); err != nil {
						return fmt.Errorf("rank %d round %d: send: %w", r, i, err)
					}
					if _, err := p.CallCollective(ctx, doubleID, nil); err != nil {
						return fmt.Errorf("rank %d round %d: call: %w", r, i, err)
					}
					got, err := p.RecvArray(ctx, "x")
					if err != nil {
						return fmt.Errorf("rank %d round %d: recv: %w", r, i, err)
					}
					output[r] = append(output[r], got)
				}
				return nil
			})
		}
		if err := tg.Wait(); err != nil {
			t.Fatal(err)
		}
		for r, own := range caller {
			for i := range rounds {
				want := make([]float64, own.Len())
				for j := range want {
					want[j] = 2 * float64(100*i+own.Lo+j)
				}
				if diff := cmp.Diff(output[r][i], want); diff != "" {
					t.Errorf("Rank %d round %d (-got, +want):\n%s", r, i, diff)
				}
			}
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		p, err := peers.Proxy(ctx, g.Muxes[0], g.Addrs("r")...)
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer p.Close()
		p.RegisterCallerDistribution("x", mxn.Distribution{{0, 12}})
		p.RegisterCalleeDistribution("x", mxn.Distribution{{0, 6}, {6, 12}})

		err = p.SendArray(ctx, "x", input)
		if !errors.Is(err, prmi.ErrDistributionMismatch) {
			t.Errorf("SendArray: got %v, want %v", err, prmi.ErrDistributionMismatch)
		}
	})

	t.Run("WrongLength", func(t *testing.T) {
		p, err := peers.Proxy(ctx, g.Muxes[0], g.Addrs("r")...)
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer p.Close()
		p.RegisterCallerDistribution("x", caller)
		p.RegisterCalleeDistribution("x", callee)
		if err := p.SendArray(ctx, "x", input[:3]); err == nil {
			t.Error("SendArray with a short array did not fail")
		}
	})

	t.Run("Unregistered", func(t *testing.T) {
		p, err := peers.Proxy(ctx, g.Muxes[0], g.Addrs("r")...)
		if err != nil {
			t.Fatalf("Proxy: %v", err)
		}
		defer p.Close()
		if _, err := p.RecvArray(ctx, "y"); !errors.Is(err, mxn.ErrNotRegistered) {
			t.Errorf("RecvArray: got %v, want %v", err, mxn.ErrNotRegistered)
		}
	})
}

func TestTCP(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := t.Context()
	reg := newRegistry()

	srv := prmi.NewMux(link.TCP(), reg, &prmi.MuxOptions{Protocol: "tcp"})
	defer srv.Close()
	if _, err := srv.Endpoint().Export("obj", "test.Base", nil); err != nil {
		t.Fatalf("Export: %v", err)
	}
	base, err := srv.Open(ctx, "localhost")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if base.Protocol != "tcp" || base.Port == 0 {
		t.Errorf("Open: got %v, want a tcp address with a port", base)
	}
	if _, err := srv.Open(ctx, "localhost"); err == nil {
		t.Error("Second Open did not fail")
	}

	cli := prmi.NewMux(link.TCP(), reg, nil)
	defer cli.Close()

	// Text addresses round-trip through the parser.
	addr, err := prmi.ParseAddress(base.WithSpec("obj").String())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	p, err := peers.Proxy(ctx, cli, addr, addr)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer p.Close()

	for i := range 2 {
		want := fmt.Sprint("over the wire ", i)
		rsp, err := p.CallRank(ctx, i, echoID, func(m *prmi.Message) { m.MarshalString(want) })
		if err != nil {
			t.Fatalf("CallRank %d: %v", i, err)
		}
		if got, err := rsp.Text(); err != nil || got != want {
			t.Errorf("CallRank %d: got (%q, %v), want %q", i, got, err, want)
		}
	}
	if n := metric(cli, "conns_open"); n != 1 {
		t.Errorf("Client conns_open: got %d, want 1", n)
	}
	if _, err := p.CallRank(ctx, 2, echoID, nil); err == nil {
		t.Error("CallRank out of range did not fail")
	}
}

func TestLogFrames(t *testing.T) {
	defer leaktest.Check(t)()
	loc, _, p := newLocal(t, nil)
	defer loc.Stop()

	var μ sync.Mutex
	var got []string
	loc.B.LogFrames(func(fi prmi.FrameInfo) {
		μ.Lock()
		defer μ.Unlock()
		dir := "recv"
		if fi.Sent {
			dir = "send"
		}
		got = append(got, fmt.Sprintf("%s %d", dir, fi.HandlerID()))
	})
	if _, err := callEcho(t.Context(), p, "logged"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	loc.B.LogFrames(nil)

	μ.Lock()
	defer μ.Unlock()
	want := []string{fmt.Sprintf("send %d", echoID), fmt.Sprintf("recv %d", prmi.HandlerReply)}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Frames (-got, +want):\n%s", diff)
	}
}

func TestMetrics(t *testing.T) {
	defer leaktest.Check(t)()
	loc, _, p := newLocal(t, nil)
	defer loc.Stop()

	for range 3 {
		if _, err := callEcho(t.Context(), p, "count me"); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	for _, tc := range []struct {
		m    *prmi.Mux
		name string
		want int64
	}{
		{loc.A, "calls_in", 3},
		{loc.A, "frames_sent", 3},
		{loc.B, "calls_out", 3},
		{loc.B, "calls_pending", 0},
		{loc.B, "conns_open", 1},
	} {
		if got := metric(tc.m, tc.name); got != tc.want {
			t.Errorf("Metric %q: got %d, want %d", tc.name, got, tc.want)
		}
	}

	col := loc.A.Collector(map[string]string{"side": "A"})
	if n := testutil.CollectAndCount(col); n != 11 {
		t.Errorf("Collected metrics: got %d, want 11", n)
	}
	if n := testutil.CollectAndCount(col, "prmi_mux_calls_in"); n != 1 {
		t.Errorf("Collected prmi_mux_calls_in: got %d, want 1", n)
	}
}

func TestContextMux(t *testing.T) {
	defer leaktest.Check(t)()
	reg := prmi.NewRegistry()
	type key struct{}
	reg.Define("test.Ctx").Methods("check").Handle("check", func(ctx context.Context, _, reply *prmi.Message) error {
		reply.MarshalBool(prmi.ContextMux(ctx) != nil, ctx.Value(key{}) == "ok")
		reply.MarshalString(prmi.ContextCaller(ctx))
		return nil
	})
	loc, err := peers.NewLocal(t.Context(), reg, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()
	loc.A.NewContext(func() context.Context { return context.WithValue(context.Background(), key{}, "ok") })

	if _, err := loc.A.Endpoint().Export("c", "test.Ctx", nil); err != nil {
		t.Fatalf("Export: %v", err)
	}
	base, _ := loc.A.Addr()
	p, err := peers.Proxy(t.Context(), loc.B, base.WithSpec("c"))
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer p.Close()

	rsp, err := p.Call(t.Context(), reg.Lookup("test.Ctx").Method("check"), nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	flags, err := rsp.UnmarshalBool(2)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	caller, err := rsp.Text()
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !flags[0] || !flags[1] {
		t.Errorf("Handler context: mux %v, base value %v; want both", flags[0], flags[1])
	}
	if caller != p.UUID() {
		t.Errorf("ContextCaller: got %q, want %q", caller, p.UUID())
	}
}

func TestMultipleInheritance(t *testing.T) {
	defer leaktest.Check(t)()
	reg := prmi.NewRegistry()
	reply := func(tag string) prmi.Handler {
		return func(_ context.Context, _, reply *prmi.Message) error { reply.MarshalString(tag); return nil }
	}
	reg.Define("test.A").Methods("x").Handle("x", reply("x"))
	reg.Define("test.B").Methods("y").Handle("y", reply("y"))
	c := reg.Define("test.C", "test.A", "test.B").Methods("z").Handle("z", reply("z"))

	loc, err := peers.NewLocal(t.Context(), reg, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()
	obj, err := loc.A.Endpoint().Export("c", "test.C", nil)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	addr, _ := obj.Addr()
	p, err := peers.Proxy(t.Context(), loc.B, addr)
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	defer p.Close()

	for _, name := range []string{"x", "y", "z"} {
		rsp, err := p.Call(t.Context(), c.Method(name), nil)
		if err != nil {
			t.Errorf("Call %q: %v", name, err)
			continue
		}
		if got, err := rsp.Text(); err != nil || got != name {
			t.Errorf("Call %q: got (%q, %v), want %q", name, got, err, name)
		}
	}
	for _, parent := range []string{"test.A", "test.B"} {
		if ok, err := p.IsType(t.Context(), parent); err != nil || !ok {
			t.Errorf("IsType(%q): got (%v, %v), want true", parent, ok, err)
		}
	}
}
