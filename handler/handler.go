// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters between the prmi.Handler type and
// functions with other signatures, and matching typed stubs for callers.
//
// Parameters and results may be any of the following types, written to the
// message in its native encoding:
//
//	bool, int32, int64, float32, float64, string, []byte, []int32, []float64
//
// Slices other than []byte are written as an int count followed by the
// elements. Other types must implement encoding.BinaryMarshaler or
// encoding.TextMarshaler (and the pointer must implement the corresponding
// unmarshaler), and are written as a byte string or a string.
//
// Use the None type for a method with no parameters or no result.
package handler

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/creachadair/prmi"
)

// None is a parameter or result type that occupies no space in a message.
type None struct{}

// argsContextKey is a context key for the request arguments of a handler.
type argsContextKey struct{}

// ContextArgs returns the original request message passed to the handler, or
// nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextArgs(ctx context.Context) *prmi.Message {
	if v := ctx.Value(argsContextKey{}); v != nil {
		return v.(*prmi.Message)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a prmi.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) prmi.Handler {
	return func(ctx context.Context, args, reply *prmi.Message) error {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx, p)
		if err != nil {
			return err
		}
		return marshal(reply, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a prmi.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) prmi.Handler {
	return func(ctx context.Context, args, reply *prmi.Message) error {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return marshal(reply, f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a prmi.Handler.
func ParamError[P any](f func(context.Context, P) error) prmi.Handler {
	return func(ctx context.Context, args, _ *prmi.Message) error {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a prmi.Handler.
func ResultError[R any](f func(context.Context) (R, error)) prmi.Handler {
	return func(ctx context.Context, args, reply *prmi.Message) error {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx)
		if err != nil {
			return err
		}
		return marshal(reply, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a prmi.Handler.
func ResultOnly[R any](f func(context.Context) R) prmi.Handler {
	return func(ctx context.Context, args, reply *prmi.Message) error {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return marshal(reply, f(hctx))
	}
}

// Call is the stub matching a handler adapted by this package. It sends arg
// to method through p, and decodes the result as R. The call goes to the
// callee rank selected by p.Call.
func Call[R, P any](ctx context.Context, p *prmi.Proxy, method int32, arg P) (R, error) {
	var r R
	put, err := encoder(arg)
	if err != nil {
		return r, err
	}
	rsp, err := p.Call(ctx, method, put)
	if err != nil {
		return r, err
	}
	if err := unmarshal(rsp, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// Collective is the stub for a collective call to method through p. The
// argument for callee rank j is args(j), and the result has one entry per
// active callee rank, with the zero value at ranks this caller rank did not
// call. If the argument for a rank cannot be encoded, that rank receives an
// empty request and Collective reports the encoding error.
func Collective[R, P any](ctx context.Context, p *prmi.Proxy, method int32, args func(int) P) ([]R, error) {
	var μ sync.Mutex
	var errs []error
	rsps, err := p.CallCollective(ctx, method, func(j int, m *prmi.Message) {
		put, err := encoder(args(j))
		if err != nil {
			μ.Lock()
			errs = append(errs, fmt.Errorf("callee rank %d: %w", j, err))
			μ.Unlock()
			return
		}
		put(m)
	})
	if jerr := errors.Join(errs...); jerr != nil {
		return nil, jerr
	} else if err != nil {
		return nil, err
	}
	out := make([]R, len(rsps))
	for j, rsp := range rsps {
		if rsp == nil {
			continue
		}
		if err := unmarshal(rsp, &out[j]); err != nil {
			return nil, fmt.Errorf("callee rank %d: decode result: %w", j, err)
		}
	}
	return out, nil
}

// unmarshal decodes the next value of m into v. The concrete type of v must
// be a pointer to one of the native types, or must implement either the
// encoding.BinaryUnmarshaler interface or the encoding.TextUnmarshaler
// interface. If v implements both, BinaryUnmarshaler is preferred.
func unmarshal(m *prmi.Message, v any) (err error) {
	switch t := v.(type) {
	case *None:
	case *bool:
		*t, err = one(m.UnmarshalBool(1))
	case *int32:
		*t, err = m.Int()
	case *int64:
		*t, err = m.Long()
	case *float32:
		*t, err = one(m.UnmarshalFloat(1))
	case *float64:
		*t, err = m.Double()
	case *string:
		*t, err = m.Text()
	case *[]byte:
		*t, err = one(m.UnmarshalBytes(1))
	case *[]int32:
		*t, err = counted(m, m.UnmarshalInt)
	case *[]float64:
		*t, err = counted(m, m.UnmarshalDouble)
	case encoding.BinaryUnmarshaler:
		var data []byte
		if data, err = one(m.UnmarshalBytes(1)); err == nil {
			err = t.UnmarshalBinary(data)
		}
	case encoding.TextUnmarshaler:
		var text string
		if text, err = m.Text(); err == nil {
			err = t.UnmarshalText([]byte(text))
		}
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return err
}

// marshal encodes v onto m. The concrete type of v must be one of the native
// types; otherwise it must implement either the encoding.BinaryMarshaler
// interface or the encoding.TextMarshaler interface. If v implements both,
// BinaryMarshaler is preferred. If marshal reports an error, m is unchanged.
func marshal(m *prmi.Message, v any) error {
	put, err := encoder(v)
	if err != nil {
		return err
	}
	put(m)
	return nil
}

// encoder does the fallible part of encoding v, and returns a function that
// writes the encoding onto a message.
func encoder(v any) (func(*prmi.Message), error) {
	switch t := v.(type) {
	case None:
		return func(*prmi.Message) {}, nil
	case bool:
		return func(m *prmi.Message) { m.MarshalBool(t) }, nil
	case int32:
		return func(m *prmi.Message) { m.MarshalInt(t) }, nil
	case int64:
		return func(m *prmi.Message) { m.MarshalLong(t) }, nil
	case float32:
		return func(m *prmi.Message) { m.MarshalFloat(t) }, nil
	case float64:
		return func(m *prmi.Message) { m.MarshalDouble(t) }, nil
	case string:
		return func(m *prmi.Message) { m.MarshalString(t) }, nil
	case []byte:
		return func(m *prmi.Message) { m.MarshalBytes(t) }, nil
	case []int32:
		if len(t) > math.MaxInt32 {
			return nil, fmt.Errorf("slice of %d values is too long", len(t))
		}
		return func(m *prmi.Message) {
			m.MarshalInt(int32(len(t)))
			m.MarshalInt(t...)
		}, nil
	case []float64:
		if len(t) > math.MaxInt32 {
			return nil, fmt.Errorf("slice of %d values is too long", len(t))
		}
		return func(m *prmi.Message) {
			m.MarshalInt(int32(len(t)))
			m.MarshalDouble(t...)
		}, nil
	case encoding.BinaryMarshaler:
		data, err := t.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return func(m *prmi.Message) { m.MarshalBytes(data) }, nil
	case encoding.TextMarshaler:
		text, err := t.MarshalText()
		if err != nil {
			return nil, err
		}
		return func(m *prmi.Message) { m.MarshalString(string(text)) }, nil
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

func one[T any](vs []T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return vs[0], nil
}

// counted reads an int count n followed by n values using get.
func counted[T any](m *prmi.Message, get func(int) ([]T, error)) ([]T, error) {
	n, err := m.Int()
	if err != nil {
		return nil, err
	} else if n < 0 {
		return nil, fmt.Errorf("invalid count %d", n)
	}
	return get(int(n))
}
