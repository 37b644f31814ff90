// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package prmi implements remote method invocation on distributed objects,
// including objects that are parallel components replicated across many
// ranks.
//
// # Multiplexers
//
// The core type defined by this package is the [Mux]. A Mux owns the
// connections of a process to its peers, over a [Carrier] that opens
// listeners and dials links. The link package provides carriers for TCP and
// for in-memory testing.
//
//	reg := prmi.NewRegistry()
//	m := prmi.NewMux(link.TCP(), reg, nil)
//	defer m.Close()
//
// # Exporting Objects
//
// Object types are defined once in a [Registry] shared by the multiplexers
// of a process. A type maps method names to handler IDs and handlers:
//
//	reg.Define("demo.Echo").Methods("echo").Handle("echo", func(ctx context.Context, args, reply *prmi.Message) error {
//	   s, err := args.Text()
//	   if err != nil {
//	      return err
//	   }
//	   reply.MarshalString(s)
//	   return nil
//	})
//
// To export an object, add it to the [Endpoint] of the Mux and open the Mux:
//
//	obj, err := m.Endpoint().Export("echo/1", "demo.Echo", impl)
//	...
//	base, err := m.Open(ctx, "localhost")
//	addr := base.WithSpec("echo/1") // e.g., prmi://localhost:41123/echo/1
//
// An exported object has a reference count, initially 1, which belongs to the
// code that exported it. When the count reaches zero the object is removed
// from its endpoint.
//
// # Calls
//
// A caller obtains a [Reference] for each rank of a (possibly parallel)
// callee, collects them in a [ReferenceManager], and wraps that in a [Proxy]:
//
//	ref, err := m.Reference(ctx, addr)
//	...
//	p := prmi.NewProxy(prmi.NewReferenceManager(ref))
//	rsp, err := p.Call(ctx, reg.Lookup("demo.Echo").Method("echo"), func(m *prmi.Message) {
//	   m.MarshalString("hello")
//	})
//
// Arguments and results are written to a [Message] and read back in the same
// order; the encoding carries no field names or types. The handler package
// generates matching stubs and skeletons from a single definition.
//
// Each reference has its own [ProxyChannel], which carries at most one
// outstanding request. A call made while another is in flight on the same
// channel fails with [ErrChannelBusy]. Use [Serial] to share a channel among
// goroutines.
//
// Errors reported by the callee have concrete type [*CallError]. An unknown
// object or handler is reported as [ErrRemoteObjectNotFound].
//
// # Parallel Components
//
// A caller with M ranks and a callee with N ranks cooperate in collective
// calls with [Proxy.CallCollective]. Array arguments partitioned differently
// on the two sides are redistributed according to a plan computed by the mxn
// package; see [Proxy.SendArray] and [Proxy.RecvArray].
//
// # Metrics
//
// Each Mux maintains a collection of metrics while running. Use [Mux.Metrics]
// to obtain an [expvar.Map], or [Mux.Collector] to export them to Prometheus.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in faults
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - calls_pending: gauge of outbound calls currently pending
//   - conns_open: gauge of open connections
//   - refs_reclaimed: counter of references released on disconnection
package prmi
