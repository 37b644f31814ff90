// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/prmi/catalog"
)

// A Handler processes a request for a method of an exported object. It reads
// the arguments from args and writes its results to reply, in the order
// agreed with the caller. A handler can obtain the target object with
// ContextObject and the calling proxy's identity with ContextCaller.
//
// By default, an error reported by a handler is returned to the caller as a
// service error with the text of the error as its message. A handler may
// return a value of concrete type Fault or *Fault to control the fault code.
type Handler func(ctx context.Context, args, reply *Message) error

// A Registry is a table of object types and their method handlers. A
// registry is constructed once at startup and shared by the multiplexers that
// export objects of its types.
//
// Handler IDs are assigned from a single counter shared by all the types of a
// registry, so distinct methods never share an ID, even when a type has
// several parents. Processes that define the same types in the same order
// agree on the IDs.
type Registry struct {
	next atomic.Int32 // method IDs assigned so far

	μ     sync.Mutex
	types map[string]*Type
}

// newID returns a fresh handler ID.
func (r *Registry) newID() uint32 { return uint32(FirstUserHandler + r.next.Add(1) - 1) }

// NewRegistry constructs an empty type registry.
func NewRegistry() *Registry { return &Registry{types: make(map[string]*Type)} }

// Define adds a new type with the given name and parent types to r and
// returns it. A type inherits the methods and handlers of its parents. If two
// parents define a method with the same name, the first parent's ID is used
// for the name, and the other remains reachable by its own ID.
//
// Define panics if name is already defined, if a parent is not, or if two
// parents would map different methods to one ID.
func (r *Registry) Define(name string, parents ...string) *Type {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.types[name]; ok {
		panic(fmt.Sprintf("type %q is already defined", name))
	}
	t := &Type{
		reg:      r,
		name:     name,
		methods:  catalog.NewAt(uint32(FirstUserHandler)),
		handlers: make(map[int32]Handler),
	}
	owner := make(map[uint32]string) // ID → inherited method name
	for _, pname := range parents {
		p, ok := r.types[pname]
		if !ok {
			panic(fmt.Sprintf("type %q: parent %q is not defined", name, pname))
		}
		t.parents = append(t.parents, p)
		p.μ.RLock()
		for _, m := range p.methods.Names() {
			id := p.methods.Lookup(m)
			if prev, ok := owner[id]; ok && prev != m {
				p.μ.RUnlock()
				panic(fmt.Sprintf("type %q: methods %q and %q of its parents share ID %d", name, prev, m, id))
			}
			owner[id] = m
			if !t.methods.Has(m) {
				t.methods.Set(m, id)
			}
		}
		p.μ.RUnlock()
	}
	r.types[name] = t
	return t
}

// Lookup returns the type with the given name, or nil.
func (r *Registry) Lookup(name string) *Type {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.types[name]
}

// A Type describes a type of exported object: its name, its parents, and a
// table of handlers keyed by handler ID.
type Type struct {
	reg     *Registry
	name    string
	parents []*Type
	methods catalog.Catalog

	μ        sync.RWMutex
	handlers map[int32]Handler
}

// Name reports the name of t.
func (t *Type) Name() string { return t.name }

// Methods assigns fresh handler IDs to the given method names, and returns t
// to allow chaining. Names already known to t, including inherited names, keep
// their existing IDs.
func (t *Type) Methods(names ...string) *Type {
	t.μ.Lock()
	defer t.μ.Unlock()
	for _, name := range names {
		if !t.methods.Has(name) {
			t.methods.Set(name, t.reg.newID())
		}
	}
	return t
}

// Method returns the handler ID assigned to name, or 0 if t has no such method.
func (t *Type) Method(name string) int32 {
	t.μ.RLock()
	defer t.μ.RUnlock()
	return int32(t.methods.Lookup(name))
}

// Handle registers h as the handler for the named method, and returns t to
// allow chaining. It panics if t has no method with that name. A nil h removes
// the handler.
func (t *Type) Handle(name string, h Handler) *Type {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.methods.Has(name) {
		panic(fmt.Sprintf("type %q has no method %q", t.name, name))
	}
	id := int32(t.methods.Lookup(name))
	if h == nil {
		delete(t.handlers, id)
	} else {
		t.handlers[id] = h
	}
	return t
}

// handler returns the handler for id, searching the parents of t if t does
// not define one itself.
func (t *Type) handler(id int32) Handler {
	t.μ.RLock()
	h, ok := t.handlers[id]
	t.μ.RUnlock()
	if ok {
		return h
	}
	for _, p := range t.parents {
		if h := p.handler(id); h != nil {
			return h
		}
	}
	return nil
}

// Descriptor returns a description of t.
func (t *Type) Descriptor() TypeDescriptor {
	t.μ.RLock()
	defer t.μ.RUnlock()
	td := TypeDescriptor{Name: t.name, Methods: make(map[string]int32)}
	for _, p := range t.parents {
		td.Parents = append(td.Parents, p.name)
	}
	for _, m := range t.methods.Names() {
		td.Methods[m] = int32(t.methods.Lookup(m))
	}
	return td
}

// lineage returns the descriptors of t and all its ancestors, each once,
// with t first.
func (t *Type) lineage() []TypeDescriptor {
	var out []TypeDescriptor
	seen := make(map[string]bool)
	var walk func(*Type)
	walk = func(t *Type) {
		if seen[t.name] {
			return
		}
		seen[t.name] = true
		out = append(out, t.Descriptor())
		for _, p := range t.parents {
			walk(p)
		}
	}
	walk(t)
	return out
}

// A TypeDescriptor is the immutable description of a type shipped from a
// callee to a caller.
type TypeDescriptor struct {
	Name    string
	Parents []string
	Methods map[string]int32
}

func (td TypeDescriptor) encode(m *Message) {
	m.MarshalString(td.Name)
	m.MarshalInt(int32(len(td.Parents)))
	m.MarshalString(td.Parents...)

	cat := catalog.New()
	for name, id := range td.Methods {
		cat.Set(name, uint32(id))
	}
	m.MarshalBytes(cat.Encode())
}

func (td *TypeDescriptor) decode(m *Message) error {
	name, err := m.Text()
	if err != nil {
		return fmt.Errorf("type name: %w", err)
	}
	np, err := m.Int()
	if err != nil {
		return fmt.Errorf("parent count: %w", err)
	} else if np < 0 || int(np) > m.Remaining() {
		return fmt.Errorf("invalid parent count %d: %w", np, ErrUnderrun)
	}
	parents, err := m.UnmarshalString(int(np))
	if err != nil {
		return fmt.Errorf("parents: %w", err)
	}
	raw, err := one(m.UnmarshalBytes(1))
	if err != nil {
		return fmt.Errorf("methods: %w", err)
	}
	var cat catalog.Catalog
	if err := cat.Decode(raw); err != nil {
		return fmt.Errorf("methods: %w", err)
	}
	td.Name, td.Parents = name, nilIfEmpty(parents)
	td.Methods = make(map[string]int32, cat.Len())
	for _, m := range cat.Names() {
		td.Methods[m] = int32(cat.Lookup(m))
	}
	return nil
}

// nilIfEmpty returns nil for an empty slice, so decoded descriptors compare
// equal to constructed ones.
func nilIfEmpty(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	return slices.Clip(ss)
}

// A TypeCache holds type descriptors fetched from remote objects, keyed by
// type name. A descriptor is fetched at most once and never replaced.
type TypeCache struct {
	μ     sync.Mutex
	types map[string]TypeDescriptor
}

// Lookup returns the cached descriptor for name, if any.
func (c *TypeCache) Lookup(name string) (TypeDescriptor, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	td, ok := c.types[name]
	return td, ok
}

// Len reports the number of cached descriptors.
func (c *TypeCache) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.types)
}

// add records tds, keeping any descriptor already cached under the same name.
func (c *TypeCache) add(tds []TypeDescriptor) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.types == nil {
		c.types = make(map[string]TypeDescriptor)
	}
	for _, td := range tds {
		if _, ok := c.types[td.Name]; !ok {
			c.types[td.Name] = td
		}
	}
}

// isA reports whether the type named have is, or descends from, the type
// named want. Ancestors missing from the cache are treated as unrelated.
func (c *TypeCache) isA(have, want string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	seen := make(map[string]bool)
	queue := []string{have}
	for len(queue) != 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == want {
			return true
		} else if seen[cur] {
			continue
		}
		seen[cur] = true
		if td, ok := c.types[cur]; ok {
			queue = append(queue, td.Parents...)
		}
	}
	return false
}
