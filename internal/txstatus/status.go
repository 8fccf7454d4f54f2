// Package txstatus models the four-valued transaction status rendered by
// callers, and the ownership rules for writing it.
package txstatus

import (
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrLeased = errors.New("status is leased to an in-flight transaction")
)

type state uint8

const (
	stateNone state = iota
	statePending
	stateSuccess
	stateError
)

// Status is a value with exactly one of none, pending, success or error set.
// The zero value is none.
type Status struct {
	s state
}

var (
	None    = Status{s: stateNone}
	Pending = Status{s: statePending}
	Success = Status{s: stateSuccess}
	Error   = Status{s: stateError}
)

func (s Status) None() bool    { return s.s == stateNone }
func (s Status) Pending() bool { return s.s == statePending }
func (s Status) Success() bool { return s.s == stateSuccess }
func (s Status) Error() bool   { return s.s == stateError }

func (s Status) String() string {
	switch s.s {
	case statePending:
		return "pending"
	case stateSuccess:
		return "success"
	case stateError:
		return "error"
	default:
		return "none"
	}
}

type wireStatus struct {
	None    bool `json:"none"`
	Pending bool `json:"pending"`
	Success bool `json:"success"`
	Error   bool `json:"error"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireStatus{
		None:    s.None(),
		Pending: s.Pending(),
		Success: s.Success(),
		Error:   s.Error(),
	})
}

// Tracker is owned by whoever renders the status. Write access is granted
// to one transaction at a time through a Lease.
type Tracker struct {
	mu    sync.RWMutex
	cur   Status
	lease *Lease
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Get() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Leased reports whether a transaction currently holds write access.
func (t *Tracker) Leased() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lease != nil
}

// Reset sets the status back to none before a new attempt. It is refused
// while a lease is outstanding.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease != nil {
		return ErrLeased
	}
	t.cur = None
	return nil
}

// Fail marks the status as error for an attempt rejected before it could
// take a lease. It is refused while a lease is outstanding.
func (t *Tracker) Fail() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease != nil {
		return ErrLeased
	}
	t.cur = Error
	return nil
}

// Acquire grants exclusive write access until the lease is released.
func (t *Tracker) Acquire() (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease != nil {
		return nil, ErrLeased
	}
	l := &Lease{tracker: t}
	t.lease = l
	return l, nil
}

// Lease is a scoped write handle. Writes after Release are dropped.
type Lease struct {
	tracker *Tracker
}

func (l *Lease) Set(s Status) {
	t := l.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease != l {
		return
	}
	t.cur = s
}

func (l *Lease) Release() {
	t := l.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease == l {
		t.lease = nil
	}
}
