// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package mxn

import (
	"context"
	"fmt"
	"sync"
)

// A Tag identifies one transfer round of a parameter by a caller group. Group
// is the identity shared by the caller ranks, and Seq numbers the rounds of
// the parameter in each direction, starting at 1. Every caller rank counts
// its rounds independently, and because all ranks make the same sequence of
// transfers their counts agree.
type Tag struct {
	Group string
	Seq   uint64
}

type slot struct {
	group string
	param string
	rank  int
}

// A stream holds the rounds of one callee slot.
type stream struct {
	nextTake uint64                      // round consumed by the next Take
	in       map[uint64]map[int][]float64 // round → caller rank → piece
	nextPub  uint64                      // round posted by the next Publish
	out      map[uint64]*posted           // round → published array
}

type posted struct {
	data []float64
	left int // fetches outstanding
}

// An Exchange holds array pieces on the callee side of a redistribution.
//
// Inbound pieces arrive from caller ranks via Deliver, and a callee rank
// collects its whole range with Take. Outbound arrays are posted by a callee
// rank with Publish, and caller ranks retrieve their pieces with Fetch.
//
// Pieces are kept per caller group and round, so a caller rank that runs
// ahead of the others cannot mix its next round into the current one. Take
// and Publish each advance through the rounds in order.
//
// The distributions used by an Exchange are registered on its Scheduler, and
// must agree with the ones the callers use.
type Exchange struct {
	sched *Scheduler

	μ       sync.Mutex
	streams map[slot]*stream
	changed chan struct{} // closed and replaced on each update
}

// NewExchange constructs an empty exchange with its own scheduler.
func NewExchange() *Exchange {
	return &Exchange{
		sched:   NewScheduler(),
		streams: make(map[slot]*stream),
		changed: make(chan struct{}),
	}
}

// Scheduler returns the scheduler holding the distributions of e.
func (e *Exchange) Scheduler() *Scheduler { return e.sched }

func (e *Exchange) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Exchange) streamLocked(key slot) *stream {
	s, ok := e.streams[key]
	if !ok {
		s = &stream{
			nextTake: 1,
			in:       make(map[uint64]map[int][]float64),
			nextPub:  1,
			out:      make(map[uint64]*posted),
		}
		e.streams[key] = s
	}
	return s
}

// wait blocks until the exchange changes after ch was read, or ctx ends.
func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// check verifies that fp matches the local fingerprint of param and that t is
// a transfer of the local plan.
func (e *Exchange) check(param string, fp uint64, t Transfer) error {
	caller, callee, err := e.sched.Distributions(param)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDistributionMismatch, err)
	}
	if got := Fingerprint(caller, callee); got != fp {
		return fmt.Errorf("parameter %q: fingerprint %016x ≠ %016x: %w", param, fp, got, ErrDistributionMismatch)
	}
	if !ComputePlan(caller, callee).Has(t) {
		return fmt.Errorf("parameter %q: transfer %v not in plan: %w", param, t, ErrDistributionMismatch)
	}
	return nil
}

// Deliver records an inbound piece of round tag for param. The fingerprint fp
// is the one computed by the sender, and t is the transfer the piece belongs
// to. It is an error to deliver a piece for a round already taken.
func (e *Exchange) Deliver(tag Tag, param string, fp uint64, t Transfer, data []float64) error {
	if err := e.check(param, fp, t); err != nil {
		return err
	} else if len(data) != t.Len() {
		return fmt.Errorf("transfer %v: got %d values, want %d", t, len(data), t.Len())
	} else if tag.Seq == 0 {
		return fmt.Errorf("transfer %v: invalid round 0", t)
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	s := e.streamLocked(slot{tag.Group, param, t.CalleeRank})
	if tag.Seq < s.nextTake {
		return fmt.Errorf("transfer %v: round %d was already taken", t, tag.Seq)
	}
	pieces, ok := s.in[tag.Seq]
	if !ok {
		pieces = make(map[int][]float64)
		s.in[tag.Seq] = pieces
	}
	pieces[t.CallerRank] = data
	e.signalLocked()
	return nil
}

// Take blocks until every inbound piece planned for the given callee rank of
// param has been delivered by group for the next round, or until ctx ends. It
// returns the array for the rank's whole range; indices not covered by any
// caller are zero. The round is consumed, so the next call waits for the
// following round.
func (e *Exchange) Take(ctx context.Context, group, param string, rank int) ([]float64, error) {
	caller, callee, err := e.sched.Distributions(param)
	if err != nil {
		return nil, err
	} else if rank < 0 || rank >= len(callee) {
		return nil, fmt.Errorf("parameter %q: rank %d out of range", param, rank)
	}
	want := ComputePlan(caller, callee).ToCallee(rank)
	own := callee[rank]
	key := slot{group, param, rank}

	for {
		e.μ.Lock()
		s := e.streamLocked(key)
		pieces := s.in[s.nextTake]
		if covers(pieces, want) {
			out := make([]float64, own.Len())
			for _, t := range want {
				copy(out[t.Lo-own.Lo:], pieces[t.CallerRank])
			}
			delete(s.in, s.nextTake)
			s.nextTake++
			e.μ.Unlock()
			return out, nil
		}
		ch := e.changed
		e.μ.Unlock()

		if err := wait(ctx, ch); err != nil {
			return nil, err
		}
	}
}

func covers(pieces map[int][]float64, want Plan) bool {
	for _, t := range want {
		if _, ok := pieces[t.CallerRank]; !ok {
			return false
		}
	}
	return true
}

// Publish posts the output array of the given callee rank for param as the
// next round of group. The length of data must equal the length of the rank's
// range. A round is kept until every caller rank that needs a piece of it has
// fetched its piece.
func (e *Exchange) Publish(group, param string, rank int, data []float64) error {
	caller, callee, err := e.sched.Distributions(param)
	if err != nil {
		return err
	} else if rank < 0 || rank >= len(callee) {
		return fmt.Errorf("parameter %q: rank %d out of range", param, rank)
	} else if n := callee[rank].Len(); len(data) != n {
		return fmt.Errorf("parameter %q: got %d values, want %d", param, len(data), n)
	}
	readers := len(ComputePlan(caller, callee).ToCallee(rank))

	e.μ.Lock()
	defer e.μ.Unlock()
	s := e.streamLocked(slot{group, param, rank})
	seq := s.nextPub
	s.nextPub++
	if readers > 0 {
		s.out[seq] = &posted{data: append([]float64(nil), data...), left: readers}
	}
	e.signalLocked()
	return nil
}

// Fetch blocks until the callee rank named by t has published round tag of
// param, or until ctx ends, and returns a copy of the values in the range of
// t.
func (e *Exchange) Fetch(ctx context.Context, tag Tag, param string, fp uint64, t Transfer) ([]float64, error) {
	if err := e.check(param, fp, t); err != nil {
		return nil, err
	} else if tag.Seq == 0 {
		return nil, fmt.Errorf("transfer %v: invalid round 0", t)
	}
	_, callee, _ := e.sched.Distributions(param)
	own := callee[t.CalleeRank]
	key := slot{tag.Group, param, t.CalleeRank}
	for {
		e.μ.Lock()
		s := e.streamLocked(key)
		if p, ok := s.out[tag.Seq]; ok {
			out := append([]float64(nil), p.data[t.Lo-own.Lo:t.Hi-own.Lo]...)
			if p.left--; p.left <= 0 {
				delete(s.out, tag.Seq)
			}
			e.μ.Unlock()
			return out, nil
		} else if tag.Seq < s.nextPub {
			e.μ.Unlock()
			return nil, fmt.Errorf("transfer %v: round %d was already fetched", t, tag.Seq)
		}
		ch := e.changed
		e.μ.Unlock()

		if err := wait(ctx, ch); err != nil {
			return nil, err
		}
	}
}
