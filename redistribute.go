// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"fmt"

	"github.com/creachadair/prmi/mxn"
	"github.com/creachadair/taskgroup"
)

// RegisterCallerDistribution records how the caller ranks of p partition the
// named array parameter. It must be called before the first transfer of
// param, and registering again affects only later transfers.
func (p *Proxy) RegisterCallerDistribution(param string, d mxn.Distribution) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.sched.RegisterCallerDistribution(param, d)
}

// RegisterCalleeDistribution records how the callee ranks of p partition the
// named array parameter. The callee objects must register the same
// distributions on their exchanges.
func (p *Proxy) RegisterCalleeDistribution(param string, d mxn.Distribution) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.sched.RegisterCalleeDistribution(param, d)
}

// Scheduler returns the scheduler holding the distributions of p.
func (p *Proxy) Scheduler() *mxn.Scheduler {
	if p == nil {
		return nil
	}
	return p.sched
}

// ownRange returns the plan for param and the range owned by the caller rank
// of p.
func (p *Proxy) ownRange(param string) (mxn.Plan, uint64, mxn.Range, error) {
	caller, callee, err := p.sched.Distributions(param)
	if err != nil {
		return nil, 0, mxn.Range{}, err
	} else if p.rank >= len(caller) {
		return nil, 0, mxn.Range{}, fmt.Errorf("parameter %q: caller rank %d has no range in %v", param, p.rank, caller)
	} else if len(callee) > p.rm.Len() {
		return nil, 0, mxn.Range{}, fmt.Errorf("parameter %q: %d callee ranks but %d references", param, len(callee), p.rm.Len())
	}
	return mxn.ComputePlan(caller, callee), mxn.Fingerprint(caller, callee), caller[p.rank], nil
}

// SendArray sends the caller rank's portion of the named array to the callee
// ranks that need it, according to the plan for param. The length of data
// must equal the length of the caller rank's range. Each callee rank receives
// at most one piece from this caller rank, and the pieces are sent
// concurrently.
//
// Each call to SendArray for param starts a new round, and the callee ranks
// take the rounds of a caller group in order. Call SendArray before the
// collective call that consumes the array.
func (p *Proxy) SendArray(ctx context.Context, param string, data []float64) error {
	if err := p.check(); err != nil {
		return err
	}
	plan, fp, own, err := p.ownRange(param)
	if err != nil {
		return err
	} else if len(data) != own.Len() {
		return fmt.Errorf("parameter %q: got %d values, want %d", param, len(data), own.Len())
	}
	tag := p.nextRound(&p.sent, param)
	g := taskgroup.New(nil)
	for _, t := range plan.FromCaller(p.rank) {
		piece := data[t.Lo-own.Lo : t.Hi-own.Lo]
		g.Go(func() error {
			_, err := p.rm.At(t.CalleeRank).call(ctx, tag.Group, HandlerPutArray, func(m *Message) {
				writeTransfer(m, param, tag.Seq, fp, t)
				m.MarshalLong(int64(len(piece)))
				m.MarshalDouble(piece...)
			})
			if err != nil {
				return fmt.Errorf("transfer %v: %w", t, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecvArray collects the caller rank's portion of the named output array from
// the callee ranks that hold it, according to the plan for param. Indices of
// the caller rank's range not covered by any callee rank are zero.
//
// Each call to RecvArray for param fetches the next round published by the
// callee ranks. Call RecvArray after the collective call that produces the
// array.
func (p *Proxy) RecvArray(ctx context.Context, param string) ([]float64, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	plan, fp, own, err := p.ownRange(param)
	if err != nil {
		return nil, err
	}
	tag := p.nextRound(&p.recvd, param)
	ts := plan.FromCaller(p.rank)
	pieces := make([][]float64, len(ts))
	g := taskgroup.New(nil)
	for i, t := range ts {
		g.Go(func() error {
			rsp, err := p.rm.At(t.CalleeRank).call(ctx, tag.Group, HandlerGetArray, func(m *Message) {
				writeTransfer(m, param, tag.Seq, fp, t)
			})
			if err != nil {
				return fmt.Errorf("transfer %v: %w", t, err)
			}
			n, err := rsp.Long()
			if err != nil {
				return err
			} else if n != int64(t.Len()) {
				return fmt.Errorf("transfer %v: got %d values, want %d", t, n, t.Len())
			}
			vs, err := rsp.UnmarshalDouble(int(n))
			if err != nil {
				return err
			}
			pieces[i] = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]float64, own.Len())
	for i, t := range ts {
		copy(out[t.Lo-own.Lo:], pieces[i])
	}
	return out, nil
}
