// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"errors"
	"fmt"

	"github.com/creachadair/prmi/mxn"
	"github.com/creachadair/prmi/packet"
)

var (
	// ErrMalformedAddress is reported when address text violates the grammar.
	ErrMalformedAddress = errors.New("malformed address")

	// ErrConnection is reported when a carrier cannot listen, accept, or
	// connect, or when a connection is lost while a call is waiting.
	ErrConnection = errors.New("connection error")

	// ErrUnderrun is reported when a message is read past the end of the data
	// written into it. It indicates the caller and callee disagree about the
	// layout of a message.
	ErrUnderrun = packet.ErrUnderrun

	// ErrNullProxy is reported by operations on a proxy that is not bound to
	// any references.
	ErrNullProxy = errors.New("null proxy")

	// ErrRemoteObjectNotFound is reported when the callee does not know the
	// requested object or handler.
	ErrRemoteObjectNotFound = errors.New("remote object not found")

	// ErrChannelBusy is reported by a call on a proxy channel that already has
	// a request outstanding.
	ErrChannelBusy = errors.New("channel busy")

	// ErrDistributionMismatch is reported when caller and callee disagree
	// about the distributions of an array parameter.
	ErrDistributionMismatch = mxn.ErrDistributionMismatch

	// ErrClosed is reported by operations on a closed multiplexer.
	ErrClosed = errors.New("multiplexer closed")
)

// FaultCode classifies an error carried in a fault reply.
type FaultCode uint16

const (
	CodeServiceError         FaultCode = 0 // Handler reported an error
	CodeObjectNotFound       FaultCode = 1 // No object exported at the requested spec
	CodeUnknownHandler       FaultCode = 2 // Object type has no handler for the ID
	CodeUnderrun             FaultCode = 3 // Handler read past the end of the request
	CodeDistributionMismatch FaultCode = 4 // Array distributions disagree
	CodeBadRequest           FaultCode = 5 // Request header could not be decoded
)

func (c FaultCode) String() string {
	switch c {
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeObjectNotFound:
		return "OBJECT_NOT_FOUND"
	case CodeUnknownHandler:
		return "UNKNOWN_HANDLER"
	case CodeUnderrun:
		return "UNDERRUN"
	case CodeDistributionMismatch:
		return "DISTRIBUTION_MISMATCH"
	case CodeBadRequest:
		return "BAD_REQUEST"
	default:
		return fmt.Sprintf("fault code %d", uint16(c))
	}
}

// sentinel returns the package error corresponding to c, or nil.
func (c FaultCode) sentinel() error {
	switch c {
	case CodeObjectNotFound, CodeUnknownHandler:
		return ErrRemoteObjectNotFound
	case CodeUnderrun:
		return ErrUnderrun
	case CodeDistributionMismatch:
		return ErrDistributionMismatch
	}
	return nil
}

// faultCoder is an extension interface an error may implement to override the
// fault code reported for the error.
type faultCoder interface{ FaultCode() FaultCode }

// A Fault is the data of a fault reply. A handler may return a Fault or
// *Fault to control the code reported to the caller.
type Fault struct {
	Code    FaultCode
	Message string
}

// Error implements the error interface.
func (f Fault) Error() string {
	if f.Code != CodeServiceError {
		return fmt.Sprintf("[%v] %s", f.Code, f.Message)
	}
	return f.Message
}

// FaultCode implements the faultCoder interface.
func (f Fault) FaultCode() FaultCode { return f.Code }

// Encode appends the binary encoding of f to b.
func (f Fault) encode(b *packet.Builder) {
	b.Uint16(uint16(f.Code))
	b.VPutString(truncate(f.Message, packet.MaxVint30))
}

func (f *Fault) decode(s *packet.Scanner) error {
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("fault code: %w", err)
	}
	msg, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("fault message: %w", err)
	}
	f.Code, f.Message = FaultCode(code), msg
	return nil
}

// faultFor returns the fault to report for an error returned by a handler.
func faultFor(err error) Fault {
	switch t := err.(type) {
	case Fault:
		return t
	case *Fault:
		return *t
	}
	var fc faultCoder
	if errors.As(err, &fc) {
		return Fault{Code: fc.FaultCode(), Message: err.Error()}
	} else if errors.Is(err, ErrUnderrun) {
		return Fault{Code: CodeUnderrun, Message: err.Error()}
	} else if errors.Is(err, ErrDistributionMismatch) {
		return Fault{Code: CodeDistributionMismatch, Message: err.Error()}
	}
	return Fault{Code: CodeServiceError, Message: err.Error()}
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// CallError is the concrete type of errors reported for a call that reached
// the callee and failed there. It unwraps to ErrRemoteObjectNotFound,
// ErrUnderrun, or ErrDistributionMismatch when the fault code corresponds.
type CallError struct {
	Fault
	HandlerID int32 // the handler that was invoked
}

// Unwrap reports the package error corresponding to the fault code, if any.
func (c *CallError) Unwrap() error { return c.Code.sentinel() }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if s := c.Code.sentinel(); s != nil {
		return fmt.Sprintf("handler %d: %v: %s", c.HandlerID, s, c.Message)
	} else if c.Code != CodeServiceError {
		return fmt.Sprintf("handler %d: %v", c.HandlerID, c.Fault)
	}
	return fmt.Sprintf("handler %d: service error: %s", c.HandlerID, c.Message)
}

func connError(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrConnection, err)
}
