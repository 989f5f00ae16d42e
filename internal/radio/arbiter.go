// Package radio arbitrates exclusive use of the modem's single radio.
//
// The modem cannot scan and carry data at the same time: mode switching is
// slow and stateful, and an uncoordinated switch corrupts both the in-flight
// AT session and any open network link. All access therefore funnels through
// one Arbiter, which issues at most one Lease at a time. Only the lease
// holder may touch the AT channel or the network link.
package radio

import (
	"errors"
	"sync"
	"time"
)

// Mode is the purpose a lease grants the radio for.
type Mode int

const (
	// ModeScan grants the radio for AT survey commands.
	ModeScan Mode = iota + 1
	// ModeData grants the radio for the IP data bearer.
	ModeData
)

func (m Mode) String() string {
	switch m {
	case ModeScan:
		return "scan"
	case ModeData:
		return "data"
	}
	return "unknown"
}

var (
	// ErrBusy means a request for this mode is already queued.
	ErrBusy = errors.New("radio: a request for this mode is already pending")
	// ErrTimeout means the lease could not be granted before the deadline.
	ErrTimeout = errors.New("radio: lease not granted before deadline")
)

type state int

const (
	stateIdle state = iota
	stateScanActive
	stateDataActive
	stateTransitioning
)

// Lease is the exclusive, time-bounded right to use the radio in one mode.
type Lease struct {
	mode     Mode
	id       uint64
	expiry   time.Time
	released bool // guarded by the arbiter's mutex
}

// Mode reports which mode the lease grants.
func (l *Lease) Mode() Mode { return l.mode }

// ID is the lease's issue sequence number.
func (l *Lease) ID() uint64 { return l.id }

// Expired reports whether the lease has outlived its expiry. A holder whose
// operation runs past this must abandon the operation and release.
func (l *Lease) Expired() bool { return time.Now().After(l.expiry) }

type waiter struct {
	mode    Mode
	ch      chan *Lease // buffered so a grant never blocks the releaser
	granted bool
}

// Teardown is invoked while the arbiter transitions out of a mode, before
// the radio is handed to the next holder. It performs the mode-specific
// cleanup (tearing down the data link before the radio can accept scan
// commands, or vice versa).
type Teardown func(Mode)

// Arbiter owns the radio. At most one lease is outstanding at any time;
// requests made while the radio is busy queue FIFO, at most one pending
// request per mode.
type Arbiter struct {
	mu       sync.Mutex
	state    state
	active   *Lease
	queue    []*waiter
	leaseTTL time.Duration
	teardown Teardown
	nextID   uint64
}

// NewArbiter creates an arbiter issuing leases valid for leaseTTL.
// teardown may be nil.
func NewArbiter(leaseTTL time.Duration, teardown Teardown) *Arbiter {
	return &Arbiter{leaseTTL: leaseTTL, teardown: teardown}
}

// Acquire requests the radio in the given mode, waiting up to timeout. It
// returns ErrBusy if a request for the same mode is already queued, and
// ErrTimeout if the radio is not granted before the deadline.
func (a *Arbiter) Acquire(mode Mode, timeout time.Duration) (*Lease, error) {
	a.mu.Lock()
	if a.state == stateIdle && len(a.queue) == 0 {
		lease := a.grantLocked(mode)
		a.mu.Unlock()
		return lease, nil
	}

	for _, w := range a.queue {
		if w.mode == mode {
			a.mu.Unlock()
			return nil, ErrBusy
		}
	}
	w := &waiter{mode: mode, ch: make(chan *Lease, 1)}
	a.queue = append(a.queue, w)
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lease := <-w.ch:
		return lease, nil
	case <-timer.C:
		a.mu.Lock()
		if w.granted {
			// The grant raced the deadline; the lease is already in the
			// channel, so take it rather than leaking the radio.
			a.mu.Unlock()
			return <-w.ch, nil
		}
		a.removeLocked(w)
		a.mu.Unlock()
		return nil, ErrTimeout
	}
}

// Release returns the radio. It runs the mode teardown, then hands the
// radio to the oldest queued waiter. Release is idempotent and is always
// safe to defer, including on failure paths of the holder's operation.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}
	a.mu.Lock()
	if l.released || a.active != l {
		a.mu.Unlock()
		return
	}
	l.released = true
	a.active = nil
	a.state = stateTransitioning
	mode := l.mode
	a.mu.Unlock()

	if a.teardown != nil {
		a.teardown(mode)
	}

	a.mu.Lock()
	a.state = stateIdle
	if len(a.queue) > 0 {
		w := a.queue[0]
		a.queue = a.queue[1:]
		w.granted = true
		w.ch <- a.grantLocked(w.mode)
	}
	a.mu.Unlock()
}

func (a *Arbiter) grantLocked(mode Mode) *Lease {
	a.nextID++
	lease := &Lease{mode: mode, id: a.nextID, expiry: time.Now().Add(a.leaseTTL)}
	a.active = lease
	if mode == ModeScan {
		a.state = stateScanActive
	} else {
		a.state = stateDataActive
	}
	return lease
}

func (a *Arbiter) removeLocked(w *waiter) {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}
