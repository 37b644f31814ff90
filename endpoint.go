// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/prmi/mxn"
	"github.com/creachadair/prmi/packet"
	"github.com/nats-io/nuid"
)

// An Endpoint is the callee side of a multiplexer. It holds the objects
// exported by the multiplexer, keyed by spec path, and dispatches inbound
// requests to the handlers of their types.
//
// Each request is served by its own goroutine, so a handler may itself make
// calls to other objects, including objects of the same endpoint.
type Endpoint struct {
	mux *Mux

	μ       sync.Mutex
	objects map[string]*Object
	held    map[*Conn]map[*Object]int // references acquired per connection
}

func newEndpoint(m *Mux) *Endpoint {
	return &Endpoint{
		mux:     m,
		objects: make(map[string]*Object),
		held:    make(map[*Conn]map[*Object]int),
	}
}

// Export adds impl to e under the given spec path, as an object of the named
// type, and returns the new object. The type must be defined in the registry
// of the multiplexer, and spec must not already be in use. The object starts
// with a reference count of 1, which belongs to the caller.
func (e *Endpoint) Export(spec, typeName string, impl any) (*Object, error) {
	spec = strings.TrimPrefix(spec, "/")
	typ := e.mux.reg.Lookup(typeName)
	if typ == nil {
		return nil, fmt.Errorf("export %q: type %q is not defined", spec, typeName)
	}
	obj := &Object{
		ep:     e,
		spec:   spec,
		id:     nuid.Next(),
		typ:    typ,
		value:  impl,
		arrays: mxn.NewExchange(),
		refs:   1,
	}

	e.μ.Lock()
	defer e.μ.Unlock()
	if _, ok := e.objects[spec]; ok {
		return nil, fmt.Errorf("export %q: spec is already in use", spec)
	}
	e.objects[spec] = obj
	e.mux.log.Debug().Str("spec", spec).Str("type", typeName).Str("id", obj.id).Msg("exported object")
	return obj, nil
}

// Lookup returns the object exported at spec, or nil.
func (e *Endpoint) Lookup(spec string) *Object {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.objects[strings.TrimPrefix(spec, "/")]
}

// Specs returns the spec paths of the exported objects in lexicographic order.
func (e *Endpoint) Specs() []string {
	e.μ.Lock()
	defer e.μ.Unlock()
	out := make([]string, 0, len(e.objects))
	for spec := range e.objects {
		out = append(out, spec)
	}
	slices.Sort(out)
	return out
}

func (e *Endpoint) remove(o *Object) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.objects[o.spec] == o {
		delete(e.objects, o.spec)
	}
	for _, objs := range e.held {
		delete(objs, o)
	}
}

// track records a change of delta in the references to o held by the peer
// on c. Co-located callers (c == nil) are not tracked.
func (e *Endpoint) track(c *Conn, o *Object, delta int) {
	if c == nil {
		return
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	objs, ok := e.held[c]
	if !ok {
		objs = make(map[*Object]int)
		e.held[c] = objs
	}
	n := max(objs[o]+delta, 0)
	if n == 0 {
		delete(objs, o)
	} else {
		objs[o] = n
	}
}

// disconnected is called when c is lost. If the multiplexer reclaims
// orphans, the references still held by the peer on c are released.
func (e *Endpoint) disconnected(c *Conn) {
	e.μ.Lock()
	objs := e.held[c]
	delete(e.held, c)
	e.μ.Unlock()

	if len(objs) == 0 {
		return
	} else if !e.mux.reclaim {
		e.mux.log.Debug().Str("peer", c.peer).Int("objects", len(objs)).Msg("peer left references outstanding")
		return
	}
	for o, n := range objs {
		for range n {
			o.DeleteRef()
		}
		e.mux.metrics.reclaimed.Add(int64(n))
		e.mux.log.Info().Str("peer", c.peer).Str("spec", o.spec).Int("refs", n).Msg("reclaimed orphaned references")
	}
}

// serve runs the request in f, which arrived on c, and returns the reply
// frame. A nil c means the request came from a co-located caller. The result
// is nil if the request is too malformed to reply to.
func (e *Endpoint) serve(c *Conn, f *Frame) *Frame {
	hid := f.HandlerID()
	req := messageFromFrame(f)
	s := req.scanner()
	chID, err := s.Uint32()
	if err != nil {
		e.mux.log.Warn().Err(err).Int32("handler", hid).Msg("discarding request without a channel")
		return nil
	}
	spec, err := packet.VGet[string](s)
	if err != nil {
		return faultFrame(chID, Fault{Code: CodeBadRequest, Message: "invalid object spec: " + err.Error()})
	}
	caller, err := packet.VGet[string](s)
	if err != nil {
		return faultFrame(chID, Fault{Code: CodeBadRequest, Message: "invalid caller ID: " + err.Error()})
	}

	obj := e.Lookup(spec)
	if obj == nil {
		return faultFrame(chID, Fault{Code: CodeObjectNotFound, Message: fmt.Sprintf("no object at %q", spec)})
	}
	h := obj.handler(hid)
	if h == nil {
		return faultFrame(chID, Fault{
			Code:    CodeUnknownHandler,
			Message: fmt.Sprintf("type %q has no handler %d", obj.typ.name, hid),
		})
	}

	ctx, cancel := e.mux.handlerContext()
	defer cancel()
	ctx = context.WithValue(ctx, callContextKey{}, &callInfo{obj: obj, caller: caller, conn: c})

	reply := newReply(chID)
	err = func() (err error) {
		// Ensure a panic out of the handler is turned into a graceful response.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
				e.mux.log.Error().Str("spec", spec).Int32("handler", hid).Interface("panic", x).Msg("recovered panic")
			}
		}()
		return h(ctx, req, reply)
	}()
	if err != nil {
		return faultFrame(chID, faultFor(err))
	}
	reply.stamp(HandlerReply)
	return reply.frame()
}

func faultFrame(channelID uint32, f Fault) *Frame {
	m := newReply(channelID)
	f.encode(&m.buf)
	m.stamp(HandlerFault)
	return m.frame()
}

// An Object is an object exported by an endpoint. Its lifetime is governed
// by a reference count: when a DeleteRef brings the count to zero, the object
// is removed from its endpoint and its destroy hooks run.
type Object struct {
	ep     *Endpoint
	spec   string
	id     string
	typ    *Type
	value  any
	arrays *mxn.Exchange

	μ         sync.Mutex
	refs      int
	dead      bool
	subsets   map[string]Subset
	onDestroy []func(*Object)
}

// ID returns the identity of o. Every object has a distinct ID, so two
// references denote the same object exactly when their IDs match.
func (o *Object) ID() string { return o.id }

// Spec returns the spec path under which o is exported.
func (o *Object) Spec() string { return o.spec }

// Type returns the type of o.
func (o *Object) Type() *Type { return o.typ }

// Value returns the implementation value passed to Export.
func (o *Object) Value() any { return o.value }

// Arrays returns the exchange holding the array pieces sent to o.
func (o *Object) Arrays() *mxn.Exchange { return o.arrays }

// Addr returns the address of o, and whether its multiplexer is open.
func (o *Object) Addr() (Address, bool) {
	base, ok := o.ep.mux.Addr()
	return base.WithSpec(o.spec), ok
}

// RefCount reports the current reference count of o.
func (o *Object) RefCount() int {
	o.μ.Lock()
	defer o.μ.Unlock()
	return o.refs
}

// Destroyed reports whether the reference count of o has reached zero.
func (o *Object) Destroyed() bool {
	o.μ.Lock()
	defer o.μ.Unlock()
	return o.dead
}

// OnDestroy registers f to be called when o is destroyed.
func (o *Object) OnDestroy(f func(*Object)) {
	o.μ.Lock()
	defer o.μ.Unlock()
	o.onDestroy = append(o.onDestroy, f)
}

// AddRef increments the reference count of o and returns the new count.
// It has no effect once o is destroyed, and returns 0.
func (o *Object) AddRef() int {
	o.μ.Lock()
	defer o.μ.Unlock()
	if o.dead {
		return 0
	}
	o.refs++
	return o.refs
}

// DeleteRef decrements the reference count of o and returns the new count.
// When the count reaches zero, o is destroyed.
func (o *Object) DeleteRef() int {
	o.μ.Lock()
	if o.dead {
		o.μ.Unlock()
		return 0
	}
	o.refs--
	n := o.refs
	var hooks []func(*Object)
	if n == 0 {
		o.dead = true
		hooks = o.onDestroy
		o.onDestroy = nil
	}
	o.μ.Unlock()

	if n == 0 {
		o.ep.remove(o)
		o.ep.mux.log.Debug().Str("spec", o.spec).Str("id", o.id).Msg("destroyed object")
		for _, f := range hooks {
			f(o)
		}
	}
	return n
}

// A Subset records the sizes of a partial collective declared by a caller
// proxy with CreateSubset.
type Subset struct {
	LocalSize  int // number of participating caller ranks
	RemoteSize int // number of participating callee ranks
}

// Subset returns the subset declared by the proxy with the given UUID.
func (o *Object) Subset(uuid string) (Subset, bool) {
	o.μ.Lock()
	defer o.μ.Unlock()
	s, ok := o.subsets[uuid]
	return s, ok
}

func (o *Object) setSubset(uuid string, s Subset) {
	o.μ.Lock()
	defer o.μ.Unlock()
	if s.RemoteSize <= 0 {
		delete(o.subsets, uuid)
		return
	}
	if o.subsets == nil {
		o.subsets = make(map[string]Subset)
	}
	o.subsets[uuid] = s
}

// handler returns the handler for id, or nil.
func (o *Object) handler(id int32) Handler {
	if h, ok := builtins[id]; ok {
		return h
	}
	return o.typ.handler(id)
}

type callInfo struct {
	obj    *Object
	caller string
	conn   *Conn
}

type callContextKey struct{}

func contextCall(ctx context.Context) *callInfo {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*callInfo)
	}
	return nil
}

// ContextObject returns the object targeted by the call, or nil if ctx is
// not the context of a handler.
func ContextObject(ctx context.Context) *Object {
	if ci := contextCall(ctx); ci != nil {
		return ci.obj
	}
	return nil
}

// ContextCaller returns the UUID of the proxy that made the call, or ""
// if ctx is not the context of a handler or the caller did not identify
// itself.
func ContextCaller(ctx context.Context) string {
	if ci := contextCall(ctx); ci != nil {
		return ci.caller
	}
	return ""
}

func contextConn(ctx context.Context) *Conn {
	if ci := contextCall(ctx); ci != nil {
		return ci.conn
	}
	return nil
}
