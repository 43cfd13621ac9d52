package dynso

import "sync"

const (
	rwWriteEntered = uint32(1) << 31
	rwMaxReaders   = ^rwWriteEntered
)

// RWLock is a readers-writer lock with writer priority.
//
// The state word keeps the write-entered flag in its high bit and the number of
// held reader locks in the rest.
//
// To take a reader lock, wait on gate1 while the write-entered flag is set or
// the reader count is at its maximum, then increment the count.
// To release it, decrement the count; if the write-entered flag is set and the
// count reaches zero signal gate2 to wake the queued writer, otherwise if the
// count was at its maximum signal gate1 to wake one reader.
//
// To take the writer lock, wait on gate1 while the write-entered flag is set,
// set the flag to start queueing, then wait on gate2 until no reader remains.
// To release it, clear the flag and wake everything blocked on gate1.
//
// With no reader held, readers and writers get equal chances. Once a reader is
// held, a queued writer keeps new readers out until it has run.
//
// The zero value is an unlocked RWLock. A goroutine must not re-acquire the
// lock in a conflicting mode while holding it.
type RWLock struct {
	mu    sync.Mutex
	gate1 *sync.Cond
	gate2 *sync.Cond
	state uint32
	limit uint32 // maximum readers, rwMaxReaders when zero
}

func (rw *RWLock) init() {
	if rw.gate1 == nil {
		rw.gate1 = sync.NewCond(&rw.mu)
		rw.gate2 = sync.NewCond(&rw.mu)
	}
	if rw.limit == 0 {
		rw.limit = rwMaxReaders
	}
}

func (rw *RWLock) writeEntered() bool {
	return rw.state&rwWriteEntered != 0
}

func (rw *RWLock) readers() uint32 {
	return rw.state & rwMaxReaders
}

// Lock acquires the lock for writing.
func (rw *RWLock) Lock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	for rw.writeEntered() {
		rw.gate1.Wait()
	}
	rw.state |= rwWriteEntered
	for rw.readers() != 0 {
		rw.gate2.Wait()
	}
}

// TryLock acquires the writer lock only if nothing holds or waits for the lock.
func (rw *RWLock) TryLock() bool {
	if !rw.mu.TryLock() {
		return false
	}
	defer rw.mu.Unlock()
	rw.init()
	if rw.state != 0 {
		return false
	}
	rw.state = rwWriteEntered
	return true
}

// Unlock releases the writer lock.
func (rw *RWLock) Unlock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	if !rw.writeEntered() || rw.readers() != 0 {
		panic("dynso: Unlock of unlocked RWLock")
	}
	rw.state = 0
	// broadcast while holding mu, so the lock can not be reused in between
	rw.gate1.Broadcast()
}

// RLock acquires the lock for reading.
func (rw *RWLock) RLock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	for rw.writeEntered() || rw.readers() >= rw.limit {
		rw.gate1.Wait()
	}
	rw.state++
}

// TryRLock acquires a reader lock unless a writer holds or waits for the lock.
func (rw *RWLock) TryRLock() bool {
	if !rw.mu.TryLock() {
		return false
	}
	defer rw.mu.Unlock()
	rw.init()
	if rw.writeEntered() || rw.readers() >= rw.limit {
		return false
	}
	rw.state++
	return true
}

// RUnlock releases one reader lock.
func (rw *RWLock) RUnlock() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.init()
	if rw.readers() == 0 {
		panic("dynso: RUnlock of unlocked RWLock")
	}
	prev := rw.readers()
	rw.state--
	if rw.writeEntered() {
		// the queued writer wakes gate1 once it is done
		if rw.readers() == 0 {
			rw.gate2.Signal()
		}
	} else if prev == rw.limit {
		rw.gate1.Signal()
	}
}
