package failover

import "sync"

// schedule is the ordered list of child indices the dial path walks,
// rewritten wholesale by the health-check loop. It is always accessed
// through Snapshot/Replace so no caller ever invokes a child while
// holding the lock.
type schedule struct {
	mu      sync.Mutex
	indices []int
}

// newIdentitySchedule returns a schedule in [0, n) order, usable before
// the first health-check cycle completes.
func newIdentitySchedule(n int) *schedule {
	s := &schedule{indices: make([]int, n)}
	for i := range s.indices {
		s.indices[i] = i
	}
	return s
}

// Snapshot returns a copy of the current order. The caller must not
// mutate the returned slice.
func (s *schedule) Snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// Replace installs a new order wholesale.
func (s *schedule) Replace(indices []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices = indices
}
