// Package mem provides a hierarchical byte-budget allocator used by the sort
// operator to bound its working set.  The allocator tracks bytes, it does not
// own them: callers Grow before allocating and Shrink after releasing.
package mem

import (
	"fmt"
	"sync"

	"github.com/pbnjay/memory"
)

// DefaultLimitDivisor sizes the default budget as a fraction of total system
// memory when no explicit limit is configured.
const DefaultLimitDivisor = 8

const fallbackLimit = 128 * 1024 * 1024

// AllocationError reports a budget request that cannot be satisfied.  It is
// distinct from other errors so callers can react by releasing memory (e.g.
// spilling) rather than failing.
type AllocationError struct {
	Allocator string
	Requested int64
	Used      int64
	Limit     int64
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocator %q: cannot grow by %d bytes (used %d of limit %d)",
		e.Allocator, e.Requested, e.Used, e.Limit)
}

// Allocator is one node in a budget hierarchy.  A child's usage is charged
// against its parent as well, but the child's own limit is independent, so a
// dedicated child can keep working under pressure that exhausts a sibling.
type Allocator struct {
	name   string
	parent *Allocator
	limit  int64

	mu   sync.Mutex
	used int64
}

// New returns a root allocator.  A non-positive limit selects a default
// derived from total system memory.
func New(name string, limit int64) *Allocator {
	if limit <= 0 {
		limit = defaultLimit()
	}
	return &Allocator{name: name, limit: limit}
}

// DefaultLimit returns the budget used when no explicit limit is configured.
func DefaultLimit() int64 {
	return defaultLimit()
}

func defaultLimit() int64 {
	if total := memory.TotalMemory(); total > 0 {
		return int64(total / DefaultLimitDivisor)
	}
	return fallbackLimit
}

// NewChild returns a child allocator charging against a.  A non-positive
// limit gives the child the parent's limit.
func (a *Allocator) NewChild(name string, limit int64) *Allocator {
	if limit <= 0 {
		limit = a.limit
	}
	return &Allocator{name: name, parent: a, limit: limit}
}

func (a *Allocator) Name() string {
	return a.name
}

func (a *Allocator) Limit() int64 {
	return a.limit
}

func (a *Allocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Grow reserves n bytes against a and each of its ancestors, or returns an
// *AllocationError naming the node that refused without changing any usage.
func (a *Allocator) Grow(n int64) error {
	if n <= 0 {
		return nil
	}
	a.mu.Lock()
	if a.used+n > a.limit {
		err := &AllocationError{Allocator: a.name, Requested: n, Used: a.used, Limit: a.limit}
		a.mu.Unlock()
		return err
	}
	a.used += n
	a.mu.Unlock()
	if a.parent != nil {
		if err := a.parent.Grow(n); err != nil {
			a.mu.Lock()
			a.used -= n
			a.mu.Unlock()
			return err
		}
	}
	return nil
}

// Shrink returns n bytes to a and each of its ancestors.
func (a *Allocator) Shrink(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.used -= n
	if a.used < 0 {
		panic(fmt.Sprintf("allocator %q: usage underflow", a.name))
	}
	a.mu.Unlock()
	if a.parent != nil {
		a.parent.Shrink(n)
	}
}

// Release returns all of a's outstanding bytes to its ancestors, closing out
// a child allocator.
func (a *Allocator) Release() {
	a.mu.Lock()
	n := a.used
	a.used = 0
	a.mu.Unlock()
	if a.parent != nil {
		a.parent.Shrink(n)
	}
}
