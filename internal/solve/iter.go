package solve

import (
	"context"

	"scbldr/internal/catalog"
)

// Iter walks valid schedules one at a time, in odometer order over the
// per-course pools: first course slowest, last course fastest, catalogue
// order within each pool. The product is never materialized.
//
// Usage:
//
//	it, err := solve.New(cat, req)
//	for it.Next(ctx) {
//		use(it.Schedule())
//	}
//	err = it.Err()
type Iter struct {
	req   Request
	slots [][]catalog.Section // per-course candidates, constraint-filtered
	idx   []int               // odometer; next combination to examine
	cur   []catalog.Section   // scratch combination
	last  []catalog.Section   // schedule captured by the latest Next

	emitted int
	done    bool
	err     error
}

// New validates the request against the catalogue and returns an iterator
// positioned before the first schedule. All request-level errors surface
// here, before any enumeration work: an *UnknownCourseError names every
// unresolved code, an *InvalidConstraintError a violated constraint.
func New(cat *catalog.Catalog, req Request) (*Iter, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, catalog.ErrUnavailable
	}

	pools := make([][]catalog.Section, 0, len(req.Courses))
	var missing []string
	seen := make(map[string]bool)
	for _, code := range req.Courses {
		pool, ok := cat.Pool(code)
		if !ok {
			if !seen[code] {
				seen[code] = true
				missing = append(missing, code)
			}
			continue
		}
		pools = append(pools, pool)
	}
	if len(missing) > 0 {
		return nil, &UnknownCourseError{Courses: missing}
	}

	it := &Iter{
		req:   req,
		slots: make([][]catalog.Section, len(pools)),
		idx:   make([]int, len(pools)),
		cur:   make([]catalog.Section, len(pools)),
	}
	// Day and window constraints depend on one section only, so the pools
	// can be narrowed up front. Order within each pool is preserved, which
	// keeps the yield sequence identical to filtering inside the walk.
	for i, pool := range pools {
		kept := make([]catalog.Section, 0, len(pool))
		for _, s := range pool {
			if !s.Days.SubsetOf(req.Days) {
				continue
			}
			if s.Start < req.Earliest || s.End > req.Latest {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			it.done = true
		}
		it.slots[i] = kept
	}
	return it, nil
}

// Next advances to the next clash-free schedule. It returns false when the
// cap is reached, the product is exhausted, or ctx is done; Err
// distinguishes cancellation from a normal end.
func (it *Iter) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.fail(err)
		return false
	}
	if it.emitted >= it.req.Max {
		it.done = true
		return false
	}
	for steps := 1; ; steps++ {
		if steps&0x3ff == 0 {
			if err := ctx.Err(); err != nil {
				it.fail(err)
				return false
			}
		}
		for i, j := range it.idx {
			it.cur[i] = it.slots[i][j]
		}
		ok := clashFree(it.cur)
		it.step()
		if ok {
			it.last = append(it.last[:0:0], it.cur...)
			it.emitted++
			return true
		}
		if it.done {
			return false
		}
	}
}

// Schedule returns the schedule yielded by the latest successful Next. The
// slice is owned by the caller.
func (it *Iter) Schedule() []catalog.Section { return it.last }

// Err returns the cancellation error, if any. A capped or exhausted
// iterator returns nil.
func (it *Iter) Err() error { return it.err }

// Emitted returns the number of schedules yielded so far.
func (it *Iter) Emitted() int { return it.emitted }

// Truncated reports whether enumeration stopped at the cap. It is true
// exactly when the yielded count equals the cap, so a product that ran out
// at the cap still reads as "possibly more".
func (it *Iter) Truncated() bool { return it.emitted == it.req.Max }

func (it *Iter) fail(err error) {
	it.err = err
	it.done = true
}

// step advances the odometer: last slot fastest. Carrying past the first
// slot ends the walk.
func (it *Iter) step() {
	for i := len(it.idx) - 1; i >= 0; i-- {
		it.idx[i]++
		if it.idx[i] < len(it.slots[i]) {
			return
		}
		it.idx[i] = 0
	}
	it.done = true
}

func clashFree(ss []catalog.Section) bool {
	for i := 0; i < len(ss); i++ {
		for j := i + 1; j < len(ss); j++ {
			if ss[i].Clashes(ss[j]) {
				return false
			}
		}
	}
	return true
}

// Result is a fully collected enumeration.
type Result struct {
	Schedules [][]catalog.Section
	Truncated bool
}

// Solve runs the iterator to completion and collects every schedule.
func Solve(ctx context.Context, cat *catalog.Catalog, req Request) (Result, error) {
	it, err := New(cat, req)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for it.Next(ctx) {
		res.Schedules = append(res.Schedules, it.Schedule())
	}
	if err := it.Err(); err != nil {
		return Result{}, err
	}
	res.Truncated = it.Truncated()
	return res, nil
}
