// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"fmt"

	"github.com/creachadair/prmi/packet"
)

// slotLen is the size in bytes of the handler ID slot that begins every
// message.
const slotLen = 4

// A Message is a buffer of call arguments or results.
//
// Values are written with the Marshal methods and read back with the
// Unmarshal methods, which must be called in the same order and with the same
// types. The encoding carries no field names or type tags. Reading past the
// end of the written data reports an error wrapping ErrUnderrun.
//
// The first bytes of a message are reserved for the handler ID, which is
// stamped exactly once when the message is sent. A message must not be
// modified or resent after it has been sent.
type Message struct {
	buf     packet.Builder
	scan    *packet.Scanner
	stamped bool
}

// NewMessage constructs an empty message.
func NewMessage() *Message {
	m := &Message{buf: *packet.NewBuilder(packet.InitialCapacity)}
	m.buf.Uint32(0) // handler ID slot
	return m
}

// messageFromFrame constructs a message to read the payload of f.
func messageFromFrame(f *Frame) *Message {
	m := &Message{buf: packet.FromBytes(f.Data), stamped: true}
	m.scanner()
	return m
}

// newReply constructs an empty reply message addressed to the given channel.
func newReply(channelID uint32) *Message {
	m := NewMessage()
	m.buf.Uint32(channelID)
	return m
}

// HandlerID reports the handler ID stamped on m, or 0 if m has not been sent.
func (m *Message) HandlerID() int32 {
	if !m.stamped {
		return 0
	}
	return (&Frame{Data: m.buf.Bytes()}).HandlerID()
}

// Len reports the number of bytes written to m, not counting the handler ID.
func (m *Message) Len() int { return max(m.buf.Len()-slotLen, 0) }

// Remaining reports the number of bytes of m not yet read.
func (m *Message) Remaining() int { return m.scanner().Len() }

// stamp writes the handler ID into the slot reserved for it. It panics if m
// has already been stamped.
func (m *Message) stamp(id int32) {
	if m.stamped {
		panic("prmi: message was already sent")
	}
	m.buf.SetUint32(0, uint32(id))
	m.stamped = true
}

// frame returns a frame whose data is the contents of m.
// The frame shares storage with m.
func (m *Message) frame() *Frame { return &Frame{Data: m.buf.Bytes()} }

func (m *Message) scanner() *packet.Scanner {
	if m.scan == nil {
		data := m.buf.Bytes()
		m.scan = packet.NewScanner(data[min(len(data), slotLen):])
	}
	return m.scan
}

// MarshalInt appends 32-bit signed integers to m.
func (m *Message) MarshalInt(vs ...int32) {
	for _, v := range vs {
		m.buf.Int32(v)
	}
}

// MarshalLong appends 64-bit signed integers to m.
func (m *Message) MarshalLong(vs ...int64) {
	for _, v := range vs {
		m.buf.Int64(v)
	}
}

// MarshalByte appends bytes to m.
func (m *Message) MarshalByte(vs ...byte) { m.buf.Put(vs...) }

// MarshalChar appends characters to m. Each is encoded as a 32-bit code point.
func (m *Message) MarshalChar(vs ...rune) {
	for _, v := range vs {
		m.buf.Uint32(uint32(v))
	}
}

// MarshalFloat appends single-precision floating-point values to m.
func (m *Message) MarshalFloat(vs ...float32) {
	for _, v := range vs {
		m.buf.Float32(v)
	}
}

// MarshalDouble appends double-precision floating-point values to m.
func (m *Message) MarshalDouble(vs ...float64) {
	for _, v := range vs {
		m.buf.Float64(v)
	}
}

// MarshalBool appends Booleans to m, one byte each.
func (m *Message) MarshalBool(vs ...bool) {
	for _, v := range vs {
		m.buf.Bool(v)
	}
}

// MarshalString appends length-prefixed strings to m.
func (m *Message) MarshalString(vs ...string) {
	for _, v := range vs {
		m.buf.VPutString(v)
	}
}

// MarshalBytes appends length-prefixed byte strings to m.
func (m *Message) MarshalBytes(vs ...[]byte) {
	for _, v := range vs {
		m.buf.VPut(v)
	}
}

// unmarshalN reads n values of a fixed encoded size from m using get.  If
// fewer than n*size bytes remain, it fails without consuming any input.  A
// size of 0 means the values have variable length.
func unmarshalN[T any](m *Message, n, size int, get func(*packet.Scanner) (T, error)) ([]T, error) {
	s := m.scanner()
	if n < 0 {
		return nil, fmt.Errorf("invalid count %d", n)
	} else if size > 0 && s.Len() < n*size {
		return nil, fmt.Errorf("read %d values of %d bytes with %d remaining: %w", n, size, s.Len(), ErrUnderrun)
	}
	out := make([]T, n)
	for i := range out {
		v, err := get(s)
		if err != nil {
			return nil, fmt.Errorf("value %d of %d: %w", i+1, n, err)
		}
		out[i] = v
	}
	return out, nil
}

// UnmarshalInt reads n 32-bit signed integers from m.
func (m *Message) UnmarshalInt(n int) ([]int32, error) {
	return unmarshalN(m, n, 4, (*packet.Scanner).Int32)
}

// UnmarshalLong reads n 64-bit signed integers from m.
func (m *Message) UnmarshalLong(n int) ([]int64, error) {
	return unmarshalN(m, n, 8, (*packet.Scanner).Int64)
}

// UnmarshalByte reads n bytes from m.
func (m *Message) UnmarshalByte(n int) ([]byte, error) {
	return unmarshalN(m, n, 1, (*packet.Scanner).Byte)
}

// UnmarshalChar reads n characters from m.
func (m *Message) UnmarshalChar(n int) ([]rune, error) {
	return unmarshalN(m, n, 4, func(s *packet.Scanner) (rune, error) {
		v, err := s.Uint32()
		return rune(v), err
	})
}

// UnmarshalFloat reads n single-precision floating-point values from m.
func (m *Message) UnmarshalFloat(n int) ([]float32, error) {
	return unmarshalN(m, n, 4, (*packet.Scanner).Float32)
}

// UnmarshalDouble reads n double-precision floating-point values from m.
func (m *Message) UnmarshalDouble(n int) ([]float64, error) {
	return unmarshalN(m, n, 8, (*packet.Scanner).Float64)
}

// UnmarshalBool reads n Booleans from m.
func (m *Message) UnmarshalBool(n int) ([]bool, error) {
	return unmarshalN(m, n, 1, (*packet.Scanner).Bool)
}

// UnmarshalString reads n length-prefixed strings from m.
func (m *Message) UnmarshalString(n int) ([]string, error) {
	return unmarshalN(m, n, 0, packet.VGet[string])
}

// UnmarshalBytes reads n length-prefixed byte strings from m. The results
// are copies and do not alias m.
func (m *Message) UnmarshalBytes(n int) ([][]byte, error) {
	return unmarshalN(m, n, 0, func(s *packet.Scanner) ([]byte, error) {
		v, err := packet.VGet[[]byte](s)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), v...), nil
	})
}

// Int reads a single 32-bit signed integer from m.
func (m *Message) Int() (int32, error) { return one(m.UnmarshalInt(1)) }

// Long reads a single 64-bit signed integer from m.
func (m *Message) Long() (int64, error) { return one(m.UnmarshalLong(1)) }

// Double reads a single double-precision floating-point value from m.
func (m *Message) Double() (float64, error) { return one(m.UnmarshalDouble(1)) }

// Text reads a single length-prefixed string from m.
func (m *Message) Text() (string, error) { return one(m.UnmarshalString(1)) }

func one[T any](vs []T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return vs[0], nil
}
