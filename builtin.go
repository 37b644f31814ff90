// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"fmt"

	"github.com/creachadair/prmi/mxn"
)

// builtins are the handlers every exported object supports, keyed by
// handler ID.
var builtins = map[int32]Handler{
	HandlerAddRef:       addRefHandler,
	HandlerDeleteRef:    deleteRefHandler,
	HandlerIdentify:     identifyHandler,
	HandlerDescribe:     describeHandler,
	HandlerCreateSubset: createSubsetHandler,
	HandlerPutArray:     putArrayHandler,
	HandlerGetArray:     getArrayHandler,
}

// addRefHandler replies with the new reference count.
func addRefHandler(ctx context.Context, _, reply *Message) error {
	obj := ContextObject(ctx)
	n := obj.AddRef()
	obj.ep.track(contextConn(ctx), obj, 1)
	reply.MarshalInt(int32(n))
	return nil
}

// deleteRefHandler replies with the new reference count.
func deleteRefHandler(ctx context.Context, _, reply *Message) error {
	obj := ContextObject(ctx)
	obj.ep.track(contextConn(ctx), obj, -1)
	n := obj.DeleteRef()
	reply.MarshalInt(int32(n))
	return nil
}

// identifyHandler replies with the object ID and type name.
func identifyHandler(ctx context.Context, _, reply *Message) error {
	obj := ContextObject(ctx)
	reply.MarshalString(obj.id, obj.typ.name)
	return nil
}

// describeHandler replies with the descriptors of the object's type and all
// its ancestors.
func describeHandler(ctx context.Context, _, reply *Message) error {
	tds := ContextObject(ctx).typ.lineage()
	reply.MarshalInt(int32(len(tds)))
	for _, td := range tds {
		td.encode(reply)
	}
	return nil
}

// createSubsetHandler records the subset sizes declared by the calling proxy.
func createSubsetHandler(ctx context.Context, args, _ *Message) error {
	sizes, err := args.UnmarshalInt(2)
	if err != nil {
		return err
	}
	caller := ContextCaller(ctx)
	if caller == "" {
		return Fault{Code: CodeBadRequest, Message: "subset requires a caller ID"}
	}
	ContextObject(ctx).setSubset(caller, Subset{LocalSize: int(sizes[0]), RemoteSize: int(sizes[1])})
	return nil
}

// putArrayHandler delivers an inbound array piece to the object's exchange.
func putArrayHandler(ctx context.Context, args, _ *Message) error {
	param, seq, fp, t, err := readTransfer(args)
	if err != nil {
		return err
	}
	n, err := args.Long()
	if err != nil {
		return err
	} else if n < 0 || n > int64(args.Remaining()) {
		return fmt.Errorf("invalid value count %d: %w", n, ErrUnderrun)
	}
	data, err := args.UnmarshalDouble(int(n))
	if err != nil {
		return err
	}
	tag := mxn.Tag{Group: ContextCaller(ctx), Seq: seq}
	return ContextObject(ctx).arrays.Deliver(tag, param, fp, t, data)
}

// getArrayHandler replies with an outbound array piece once the callee rank
// has published it.
func getArrayHandler(ctx context.Context, args, reply *Message) error {
	param, seq, fp, t, err := readTransfer(args)
	if err != nil {
		return err
	}
	tag := mxn.Tag{Group: ContextCaller(ctx), Seq: seq}
	data, err := ContextObject(ctx).arrays.Fetch(ctx, tag, param, fp, t)
	if err != nil {
		return err
	}
	reply.MarshalLong(int64(len(data)))
	reply.MarshalDouble(data...)
	return nil
}

// writeTransfer encodes the header of an array piece: the parameter name,
// the round, the plan fingerprint, and the transfer.
func writeTransfer(m *Message, param string, seq, fp uint64, t mxn.Transfer) {
	m.MarshalString(param)
	m.MarshalLong(int64(seq), int64(fp))
	m.MarshalLong(int64(t.CallerRank), int64(t.CalleeRank), int64(t.Lo), int64(t.Hi))
}

func readTransfer(m *Message) (param string, seq, fp uint64, t mxn.Transfer, err error) {
	param, err = m.Text()
	if err != nil {
		return "", 0, 0, t, fmt.Errorf("parameter name: %w", err)
	}
	h, err := m.UnmarshalLong(2)
	if err != nil {
		return "", 0, 0, t, fmt.Errorf("round: %w", err)
	}
	f, err := m.UnmarshalLong(4)
	if err != nil {
		return "", 0, 0, t, fmt.Errorf("transfer: %w", err)
	}
	t = mxn.Transfer{
		CallerRank: int(f[0]),
		CalleeRank: int(f[1]),
		Range:      mxn.Range{Lo: int(f[2]), Hi: int(f[3])},
	}
	return param, uint64(h[0]), uint64(h[1]), t, nil
}
