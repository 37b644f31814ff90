// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to handler IDs.
// Method names are not exchanged between processes on the wire when calls are
// made, but a Catalog can be encoded into a type descriptor and shipped from
// the callee to the caller.
//
// # Usage
//
// Construct a new empty catalog and add methods to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Add assigns handler IDs to the specified names. To recover the assigned ID
// use the Lookup method:
//
//	id := cat.Lookup("foo")
//
// If you want to choose the ID, use Set:
//
//	cat.Set("quux", 125)
//
// Handler IDs are assigned systematically, so that repeating the same sequence
// of Add and Set calls will always result in the same handler IDs. This is what
// lets a stub and a skeleton built from the same interface definition agree on
// IDs without negotiating them.
//
// Use NewAt to reserve a range of low IDs for other purposes:
//
//	cat := catalog.NewAt(16).Add("first") // "first" is assigned ID 16
package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
)

// A Catalog is a static mapping from method names to handler IDs.
type Catalog struct {
	base    uint32
	methods map[string]uint32
}

// New creates a new empty catalog to map names to handler IDs. The first ID
// assigned by Add is 1.  It is safe to copy the resulting value, all copies
// share a reference to the same name to ID mapping.
func New() Catalog { return NewAt(1) }

// NewAt creates a new empty catalog whose first assigned ID is base.
func NewAt(base uint32) Catalog { return Catalog{base: base, methods: make(map[string]uint32)} }

// Add adds the specified names to c with fresh IDs, and returns c to allow
// chaining. Names already present in c keep their existing IDs.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		if _, ok := c.methods[name]; ok {
			continue
		}
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to methodID in c, and return c to allow chaining.  If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it.  It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, methodID uint32) Catalog {
	c.methods[name] = methodID
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	next := max(c.base, 1)
	for _, id := range c.methods {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// Lookup returns the handler ID assigned to name, or 0.
//
// Note that the caller may Set a method with ID 0, but assigned IDs will
// always be positive, so a 0 return value of 0 means name was not assigned an
// ID even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.methods[name] }

// Has reports whether name is mapped in c.
func (c Catalog) Has(name string) bool { _, ok := c.methods[name]; return ok }

// Len reports the number of names mapped in c.
func (c Catalog) Len() int { return len(c.methods) }

// Names returns the names mapped in c in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a 64-bit FNV hash of the encoding of c. Two catalogs
// with the same names mapped to the same IDs have the same fingerprint.
func (c Catalog) Fingerprint() uint64 {
	h := fnv.New64a()
	h.Write(c.Encode())
	return h.Sum64()
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods in
// lexicgraphic order, followed by the corresponding method IDs in the reverse
// order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each method ID is encoded as a big-endian uint32.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	var nlen int
	names := c.Names()
	for _, name := range names {
		nlen += 2 + len(name) // +2 for length tag
	}
	buf := make([]byte, nlen+4*len(c.methods))
	npos, mpos := 0, len(buf)
	putName := func(s string) {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(s)))
		npos += 2
		npos += copy(buf[npos:], s)
	}
	putMethod := func(id uint32) {
		mpos -= 4
		binary.BigEndian.PutUint32(buf[mpos:], id)
	}

	for _, name := range names {
		putName(name)
		putMethod(c.methods[name])
	}
	return buf
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.methods == nil {
		c.methods = make(map[string]uint32)
	} else {
		clear(c.methods)
	}
	npos, mpos := 0, len(data)
	for {
		if npos == mpos {
			break
		} else if npos+2 > len(data) || npos > mpos {
			return fmt.Errorf("truncated catalog at offset %d", npos)
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}

		mpos -= 4
		if mpos < npos+nlen {
			return fmt.Errorf("truncated ID at offset %d", mpos)
		}
		id := binary.BigEndian.Uint32(data[mpos:])

		c.methods[string(data[npos:npos+nlen])] = id
		npos += nlen
	}
	return nil
}
