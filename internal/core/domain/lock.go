package domain

import "time"

// Lock is the persisted lease row for a named lock.
type Lock struct {
	Name      string
	Holder    string
	LockedAt  time.Time
	LockUntil time.Time
}

// Held reports whether the lease is still active at now.
func (l *Lock) Held(now time.Time) bool {
	return l != nil && l.LockUntil.After(now)
}

// LockHandle is returned by a successful acquisition. Release is keyed on
// all of its fields.
type LockHandle struct {
	Name     string
	Holder   string
	LockedAt time.Time
	Until    time.Time
}

// OrderLockName is the lock that serializes transitions of one order.
func OrderLockName(orderID string) string {
	return "order:" + orderID
}
