package booking

import "sync"

// bookingLocks serializes all transitions for a given booking so a
// check-in race, an auto-release firing, and a dispute cannot interleave
// into an inconsistent ledger. Different bookings proceed concurrently.
// Entries are reference counted and evicted once the last holder
// releases, so terminal bookings do not pin memory forever.
type bookingLocks struct {
	mu    sync.Mutex
	locks map[string]*bookingLock
}

type bookingLock struct {
	mu   sync.Mutex
	refs int
}

func newBookingLocks() *bookingLocks {
	return &bookingLocks{locks: make(map[string]*bookingLock)}
}

// lock acquires the per-booking mutex and returns its unlock function.
func (registry *bookingLocks) lock(bookingID string) func() {
	registry.mu.Lock()
	entry, ok := registry.locks[bookingID]
	if !ok {
		entry = &bookingLock{}
		registry.locks[bookingID] = entry
	}
	entry.refs++
	registry.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		registry.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(registry.locks, bookingID)
		}
		registry.mu.Unlock()
	}
}
