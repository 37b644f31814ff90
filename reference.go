// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import "context"

// A Reference is a handle to one remote or co-located object instance. Each
// reference has its own proxy channel, so calls through one reference are
// strictly sequential.
type Reference struct {
	Addr  Address // the address of the object
	Local *Object // the object, if it was co-located when the reference was made

	ch *ProxyChannel
}

// Channel returns the proxy channel of r.
func (r *Reference) Channel() *ProxyChannel { return r.ch }

// Copy returns a copy of r that shares its channel.
func (r *Reference) Copy() *Reference { cp := *r; return &cp }

// NewMessage returns a request message addressed to the object of r. The
// caller writes the arguments of the call to the message and sends it with
// the channel of r.
func (r *Reference) NewMessage() *Message { return r.newRequest("") }

// newRequest returns a request message carrying the channel ID of r, the spec
// of its object, and the UUID of the calling proxy.
func (r *Reference) newRequest(caller string) *Message {
	m := NewMessage()
	m.buf.Uint32(r.ch.id)
	m.MarshalString(r.Addr.Spec, caller)
	return m
}

// call sends a request for handlerID to r on behalf of caller, with
// arguments written by args (if non-nil).
func (r *Reference) call(ctx context.Context, caller string, handlerID int32, args func(*Message)) (*Message, error) {
	m := r.newRequest(caller)
	if args != nil {
		args(m)
	}
	return r.ch.SendAndWait(ctx, m, handlerID)
}

// A ReferenceManager is the ordered collection of references representing
// one, possibly parallel, callee. The reference at index i addresses callee
// rank i. A ReferenceManager belongs to exactly one proxy.
type ReferenceManager struct {
	refs []*Reference
}

// NewReferenceManager constructs a manager holding refs in rank order.
func NewReferenceManager(refs ...*Reference) *ReferenceManager {
	return &ReferenceManager{refs: refs}
}

// Add appends a reference for the next callee rank.
func (rm *ReferenceManager) Add(r *Reference) { rm.refs = append(rm.refs, r) }

// Len reports the number of references, which is the number of callee ranks.
func (rm *ReferenceManager) Len() int {
	if rm == nil {
		return 0
	}
	return len(rm.refs)
}

// At returns the reference for callee rank i.
func (rm *ReferenceManager) At(i int) *Reference { return rm.refs[i] }

// All returns the references of rm in rank order. The caller must not modify
// the returned slice.
func (rm *ReferenceManager) All() []*Reference {
	if rm == nil {
		return nil
	}
	return rm.refs
}
