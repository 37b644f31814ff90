// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/prmi/mxn"
	"github.com/creachadair/taskgroup"
	"github.com/nats-io/nuid"
)

// A Proxy is the caller-side handle of a remote object. It owns a
// ReferenceManager with one reference per callee rank, and provides the
// operations every remote object supports.
//
// The caller of a proxy may itself be parallel: each of its M ranks holds a
// copy of the proxy and calls SetCallerGroup so that all copies share one
// UUID. A collective call made by every caller rank then reaches every
// callee rank exactly once.
//
// The zero Proxy is null, and all its methods report ErrNullProxy. A Proxy
// is owned by the goroutines of its creator and must not be reconfigured
// concurrently with calls.
type Proxy struct {
	rm    *ReferenceManager
	uuid  string
	rank  int // this caller's rank in its group
	size  int // number of caller ranks
	local int // caller ranks taking part in collective calls
	sub   int // callee ranks taking part in collective calls
	sched *mxn.Scheduler

	μ     sync.Mutex
	sent  map[string]uint64 // param → rounds sent
	recvd map[string]uint64 // param → rounds received
}

// NewProxy constructs a proxy for the references in rm, with a fresh UUID. The
// proxy is the only caller rank of its group until SetCallerGroup is called.
// If rm has no references, the proxy is null.
func NewProxy(rm *ReferenceManager) *Proxy {
	return &Proxy{rm: rm, uuid: nuid.Next(), size: 1, local: 1, sched: mxn.NewScheduler()}
}

func (p *Proxy) check() error {
	if p == nil || p.rm.Len() == 0 {
		return ErrNullProxy
	}
	return nil
}

// IsNull reports whether p is not bound to any references.
func (p *Proxy) IsNull() bool { return p.check() != nil }

// UUID returns the identity of p shared by all the ranks of its caller group.
func (p *Proxy) UUID() string {
	if p == nil {
		return ""
	}
	return p.uuid
}

// References returns the reference manager of p.
func (p *Proxy) References() *ReferenceManager {
	if p == nil {
		return nil
	}
	return p.rm
}

// Rank reports the caller rank of p and the size of its caller group.
func (p *Proxy) Rank() (rank, size int) {
	if p == nil {
		return 0, 0
	}
	return p.rank, p.size
}

// SetCallerGroup declares that p is held by caller rank rank of a group of
// size ranks, all of which share the given proxy UUID. If uuid == "", the
// current UUID is kept. Any subset created earlier is reset. Changing the UUID
// restarts the count of array transfer rounds.
func (p *Proxy) SetCallerGroup(rank, size int, uuid string) error {
	if err := p.check(); err != nil {
		return err
	} else if size < 1 || rank < 0 || rank >= size {
		return fmt.Errorf("invalid caller rank %d of %d", rank, size)
	}
	p.rank, p.size, p.local, p.sub = rank, size, size, 0
	if uuid != "" && uuid != p.uuid {
		p.μ.Lock()
		p.uuid, p.sent, p.recvd = uuid, nil, nil
		p.μ.Unlock()
	}
	return nil
}

// nextRound advances the round counter for param in m and returns the tag of
// the new round.
func (p *Proxy) nextRound(m *map[string]uint64, param string) mxn.Tag {
	p.μ.Lock()
	defer p.μ.Unlock()
	if *m == nil {
		*m = make(map[string]uint64)
	}
	(*m)[param]++
	return mxn.Tag{Group: p.uuid, Seq: (*m)[param]}
}

// GetFirstReference returns the reference for callee rank 0. If copy is true,
// the result is a copy that the caller may modify.
func (p *Proxy) GetFirstReference(copy bool) (*Reference, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	r := p.rm.At(0)
	if copy {
		return r.Copy(), nil
	}
	return r, nil
}

// active reports the number of callee ranks taking part in collective calls.
func (p *Proxy) active() int {
	if p.sub > 0 {
		return min(p.sub, p.rm.Len())
	}
	return p.rm.Len()
}

// targets returns the callee ranks this caller rank calls in a collective
// call. A caller rank outside the active caller group has no targets.
func (p *Proxy) targets() []int {
	var out []int
	if p.rank >= p.local {
		return nil
	}
	for j := p.rank; j < p.active(); j += p.local {
		out = append(out, j)
	}
	return out
}

// Call makes an independent call to handlerID with arguments written by
// args, and returns the reply. The call goes to callee rank r mod N, where r
// is the caller rank of p and N the number of callee ranks.
func (p *Proxy) Call(ctx context.Context, handlerID int32, args func(*Message)) (*Message, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.CallRank(ctx, p.rank%p.rm.Len(), handlerID, args)
}

// CallRank makes a call to handlerID on the given callee rank.
func (p *Proxy) CallRank(ctx context.Context, rank int, handlerID int32, args func(*Message)) (*Message, error) {
	if err := p.check(); err != nil {
		return nil, err
	} else if rank < 0 || rank >= p.rm.Len() {
		return nil, fmt.Errorf("callee rank %d out of range [0, %d)", rank, p.rm.Len())
	}
	return p.rm.At(rank).call(ctx, p.uuid, handlerID, args)
}

// CallCollective makes this caller rank's share of a collective call to
// handlerID. Caller rank r calls each active callee rank j with j mod M = r,
// where M is the number of active caller ranks, so that across all caller
// ranks each active callee rank is called exactly once. The calls run
// concurrently, and args is called once per target to write its arguments.
//
// The result has one entry per active callee rank, holding the replies for
// the ranks this caller called and nil for the others.
func (p *Proxy) CallCollective(ctx context.Context, handlerID int32, args func(calleeRank int, m *Message)) ([]*Message, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	replies := make([]*Message, p.active())
	g := taskgroup.New(nil)
	for _, j := range p.targets() {
		g.Go(func() error {
			rsp, err := p.rm.At(j).call(ctx, p.uuid, handlerID, func(m *Message) {
				if args != nil {
					args(j, m)
				}
			})
			if err != nil {
				return fmt.Errorf("callee rank %d: %w", j, err)
			}
			replies[j] = rsp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replies, nil
}

// CreateSubset asks the callee to form a sub-group of its first remoteSize
// ranks for collective calls made by localSize caller ranks of p. Thereafter
// collective calls from p use only those ranks. If remoteSize ≤ 0, the full
// callee and caller groups are restored.
//
// Like a collective call, each caller rank sends the request to the callee
// ranks it owns under the new grouping.
func (p *Proxy) CreateSubset(ctx context.Context, localSize, remoteSize int) error {
	if err := p.check(); err != nil {
		return err
	}
	if remoteSize <= 0 {
		// Clear the subset on every callee rank this caller owns in the full
		// grouping.
		p.local, p.sub = p.size, 0
		_, err := p.CallCollective(ctx, HandlerCreateSubset, func(_ int, m *Message) { m.MarshalInt(0, 0) })
		return err
	}
	if localSize < 1 || localSize > p.size {
		return fmt.Errorf("invalid local subset size %d of %d", localSize, p.size)
	} else if remoteSize > p.rm.Len() {
		return fmt.Errorf("invalid remote subset size %d of %d", remoteSize, p.rm.Len())
	}
	p.local, p.sub = localSize, remoteSize
	_, err := p.CallCollective(ctx, HandlerCreateSubset, func(_ int, m *Message) {
		m.MarshalInt(int32(localSize), int32(remoteSize))
	})
	return err
}

// AddRef adds a reference to the object at every callee rank.
func (p *Proxy) AddRef(ctx context.Context) error { return p.eachRef(ctx, HandlerAddRef) }

// DeleteRef releases a reference to the object at every callee rank. A callee
// object whose count reaches zero is destroyed.
func (p *Proxy) DeleteRef(ctx context.Context) error { return p.eachRef(ctx, HandlerDeleteRef) }

func (p *Proxy) eachRef(ctx context.Context, handlerID int32) error {
	if err := p.check(); err != nil {
		return err
	}
	var errs []error
	for i, r := range p.rm.All() {
		if _, err := r.call(ctx, p.uuid, handlerID, nil); err != nil {
			errs = append(errs, fmt.Errorf("callee rank %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Identify reports the object ID and type name of the object at callee rank 0.
func (p *Proxy) Identify(ctx context.Context) (id, typeName string, _ error) {
	if err := p.check(); err != nil {
		return "", "", err
	}
	rsp, err := p.rm.At(0).call(ctx, p.uuid, HandlerIdentify, nil)
	if err != nil {
		return "", "", err
	}
	vs, err := rsp.UnmarshalString(2)
	if err != nil {
		return "", "", err
	}
	return vs[0], vs[1], nil
}

// IsSame reports whether p and other denote the same object. Objects are
// compared by identity, so proxies reaching one object through different
// channels or connections are the same.
func (p *Proxy) IsSame(ctx context.Context, other *Proxy) (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	} else if err := other.check(); err != nil {
		return false, err
	}
	id1, _, err := p.Identify(ctx)
	if err != nil {
		return false, err
	}
	id2, _, err := other.Identify(ctx)
	if err != nil {
		return false, err
	}
	return id1 == id2, nil
}

// IsType reports whether the object of p has the named type or a type
// descending from it. The descriptors of remote types are fetched once per
// type name and cached by the multiplexer.
func (p *Proxy) IsType(ctx context.Context, name string) (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	ref := p.rm.At(0)
	_, typeName, err := p.Identify(ctx)
	if err != nil {
		return false, err
	}
	cache := ref.ch.mux.types
	if _, ok := cache.Lookup(typeName); !ok {
		tds, err := p.describe(ctx, ref)
		if err != nil {
			return false, err
		}
		cache.add(tds)
	}
	return cache.isA(typeName, name), nil
}

func (p *Proxy) describe(ctx context.Context, ref *Reference) ([]TypeDescriptor, error) {
	rsp, err := ref.call(ctx, p.uuid, HandlerDescribe, nil)
	if err != nil {
		return nil, err
	}
	n, err := rsp.Int()
	if err != nil {
		return nil, err
	} else if n < 0 || int(n) > rsp.Remaining() {
		return nil, fmt.Errorf("invalid descriptor count %d: %w", n, ErrUnderrun)
	}
	tds := make([]TypeDescriptor, n)
	for i := range tds {
		if err := tds[i].decode(rsp); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}
	return tds, nil
}

// Close releases the channels of all the references of p. It does not
// release the remote objects; use DeleteRef for that.
func (p *Proxy) Close() error {
	if err := p.check(); err != nil {
		return err
	}
	var errs []error
	for _, r := range p.rm.All() {
		errs = append(errs, r.ch.Close())
	}
	return errors.Join(errs...)
}
