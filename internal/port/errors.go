package port

import "github.com/pkg/errors"

// ErrStaleOrder reports a lost optimistic precondition on an order save.
var ErrStaleOrder = errors.New("order status changed concurrently")
