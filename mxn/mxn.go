// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package mxn computes redistribution plans for arrays shared between a
// parallel caller with M ranks and a parallel callee with N ranks.
//
// Each side declares a [Distribution] for a named array parameter: one
// half-open index [Range] per rank. A [Plan] is the set of point-to-point
// transfers needed to move data from one partitioning to the other:
//
//	caller := mxn.Distribution{{0, 50}, {50, 100}}
//	callee := mxn.Distribution{{0, 100}}
//	plan := mxn.ComputePlan(caller, callee)
//	// plan == [(0→0 [0,50)) (1→0 [50,100))]
//
// A plan depends only on the two distributions, so every rank on either side
// computes the same plan independently and executes only the transfers that
// name it. A [Scheduler] records distributions by parameter name, and an
// [Exchange] collects and serves array pieces on the callee side.
package mxn

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNotRegistered is reported when a plan is requested for a parameter
	// that does not have both distributions registered.
	ErrNotRegistered = errors.New("distribution not registered")

	// ErrDistributionMismatch is reported when the two sides of a transfer
	// disagree about the distributions of a parameter.
	ErrDistributionMismatch = errors.New("distribution mismatch")
)

// A Range is a half-open interval [Lo, Hi) of array indices.
type Range struct {
	Lo, Hi int
}

// Len reports the number of indices in r.
func (r Range) Len() int { return max(r.Hi-r.Lo, 0) }

// Empty reports whether r contains no indices.
func (r Range) Empty() bool { return r.Hi <= r.Lo }

// Contains reports whether o is a subrange of r.
func (r Range) Contains(o Range) bool { return o.Empty() || (r.Lo <= o.Lo && o.Hi <= r.Hi) }

// Intersect returns the intersection of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	out := Range{Lo: max(r.Lo, o.Lo), Hi: min(r.Hi, o.Hi)}
	if out.Empty() {
		return Range{}
	}
	return out
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Lo, r.Hi) }

// A Distribution assigns one index range to each participating rank.
// The range at offset i belongs to rank i.
type Distribution []Range

// Validate reports an error if any range of d has Lo > Hi or Lo < 0.
func (d Distribution) Validate() error {
	for i, r := range d {
		if r.Lo < 0 || r.Lo > r.Hi {
			return fmt.Errorf("rank %d: invalid range %v", i, r)
		}
	}
	return nil
}

// String renders d in the format accepted by ParseDistribution.
func (d Distribution) String() string {
	parts := make([]string, len(d))
	for i, r := range d {
		parts[i] = fmt.Sprintf("%d:%d", r.Lo, r.Hi)
	}
	return strings.Join(parts, ",")
}

// ParseDistribution parses a comma-separated list of lo:hi ranges, one per
// rank, for example "0:50,50:100".
func ParseDistribution(s string) (Distribution, error) {
	var d Distribution
	for i, part := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("rank %d: missing colon in %q", i, part)
		}
		l, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("rank %d: invalid low bound: %w", i, err)
		}
		h, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("rank %d: invalid high bound: %w", i, err)
		}
		d = append(d, Range{Lo: l, Hi: h})
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// A Transfer is a single point-to-point movement of an index range between a
// caller rank and a callee rank.
type Transfer struct {
	CallerRank int
	CalleeRank int
	Range
}

func (t Transfer) String() string {
	return fmt.Sprintf("(%d→%d %v)", t.CallerRank, t.CalleeRank, t.Range)
}

// A Plan is the complete set of transfers between two distributions, ordered
// by caller rank, then callee rank.
type Plan []Transfer

// ComputePlan computes the redistribution plan from caller to callee.  For
// each pair of ranks whose ranges intersect, the plan contains exactly one
// transfer of the intersection. The result depends only on the arguments.
func ComputePlan(caller, callee Distribution) Plan {
	var plan Plan
	for i, cr := range caller {
		for j, er := range callee {
			if r := cr.Intersect(er); !r.Empty() {
				plan = append(plan, Transfer{CallerRank: i, CalleeRank: j, Range: r})
			}
		}
	}
	return plan
}

// FromCaller returns the transfers of p whose caller rank is rank.
func (p Plan) FromCaller(rank int) Plan {
	var out Plan
	for _, t := range p {
		if t.CallerRank == rank {
			out = append(out, t)
		}
	}
	return out
}

// ToCallee returns the transfers of p whose callee rank is rank.
func (p Plan) ToCallee(rank int) Plan {
	var out Plan
	for _, t := range p {
		if t.CalleeRank == rank {
			out = append(out, t)
		}
	}
	return out
}

// Has reports whether t is one of the transfers of p.
func (p Plan) Has(t Transfer) bool {
	i := sort.Search(len(p), func(i int) bool {
		if p[i].CallerRank != t.CallerRank {
			return p[i].CallerRank > t.CallerRank
		}
		return p[i].CalleeRank >= t.CalleeRank
	})
	return i < len(p) && p[i] == t
}

// Fingerprint returns a 64-bit FNV hash of a pair of distributions. Both
// sides of an exchange compute it independently and compare.
func Fingerprint(caller, callee Distribution) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%v|%d|%v", len(caller), caller, len(callee), callee)
	return h.Sum64()
}

type pair struct {
	caller, callee Distribution
}

// A Scheduler records the caller and callee distributions of named array
// parameters and computes plans for them.
//
// Distributions must be registered before the first call that uses the
// parameter. Registering again replaces the previous distribution, and affects
// only plans computed afterward.
type Scheduler struct {
	μ      sync.Mutex
	params map[string]*pair
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler { return new(Scheduler) }

func (s *Scheduler) paramLocked(name string) *pair {
	if s.params == nil {
		s.params = make(map[string]*pair)
	}
	p, ok := s.params[name]
	if !ok {
		p = new(pair)
		s.params[name] = p
	}
	return p
}

// RegisterCallerDistribution records the caller distribution for param.
func (s *Scheduler) RegisterCallerDistribution(param string, d Distribution) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("caller distribution %q: %w", param, err)
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.paramLocked(param).caller = append(Distribution(nil), d...)
	return nil
}

// RegisterCalleeDistribution records the callee distribution for param.
func (s *Scheduler) RegisterCalleeDistribution(param string, d Distribution) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("callee distribution %q: %w", param, err)
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	s.paramLocked(param).callee = append(Distribution(nil), d...)
	return nil
}

// Distributions returns the caller and callee distributions of param.
// It reports ErrNotRegistered unless both have been registered.
func (s *Scheduler) Distributions(param string) (caller, callee Distribution, _ error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	p, ok := s.params[param]
	if !ok || p.caller == nil || p.callee == nil {
		return nil, nil, fmt.Errorf("parameter %q: %w", param, ErrNotRegistered)
	}
	return p.caller, p.callee, nil
}

// ComputePlan computes the current plan for param.
func (s *Scheduler) ComputePlan(param string) (Plan, error) {
	caller, callee, err := s.Distributions(param)
	if err != nil {
		return nil, err
	}
	return ComputePlan(caller, callee), nil
}

// Fingerprint returns the fingerprint of the current distributions of param.
func (s *Scheduler) Fingerprint(param string) (uint64, error) {
	caller, callee, err := s.Distributions(param)
	if err != nil {
		return 0, err
	}
	return Fingerprint(caller, callee), nil
}
