package booking

import (
	"sync"
	"testing"
)

func TestBookingLockEvictedAfterLastRelease(t *testing.T) {
	t.Parallel()
	registry := newBookingLocks()

	unlock := registry.lock("booking-a")
	registry.mu.Lock()
	if len(registry.locks) != 1 {
		t.Fatalf("expected one live entry, got %d", len(registry.locks))
	}
	registry.mu.Unlock()

	unlock()
	registry.mu.Lock()
	if len(registry.locks) != 0 {
		t.Fatalf("released entry must be evicted, got %d entries", len(registry.locks))
	}
	registry.mu.Unlock()
}

func TestBookingLockKeptWhileAnotherHolderWaits(t *testing.T) {
	t.Parallel()
	registry := newBookingLocks()

	first := registry.lock("booking-a")
	var group sync.WaitGroup
	group.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer group.Done()
		second := registry.lock("booking-a")
		close(acquired)
		second()
	}()

	// The waiter holds a reference, so releasing the first holder must
	// not evict the entry out from under it.
	first()
	<-acquired
	group.Wait()

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.locks) != 0 {
		t.Fatalf("all holders released, expected empty registry, got %d entries", len(registry.locks))
	}
}

func TestBookingLocksIndependentPerBooking(t *testing.T) {
	t.Parallel()
	registry := newBookingLocks()

	unlockA := registry.lock("booking-a")
	// A different booking must not block behind booking-a.
	unlockB := registry.lock("booking-b")
	unlockB()
	unlockA()

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.locks) != 0 {
		t.Fatalf("expected empty registry, got %d entries", len(registry.locks))
	}
}
