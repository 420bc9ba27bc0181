package syncq

import (
	"errors"

	"github.com/UniQw/syncq/internal/lock"
)

// ErrLockHeld is returned when another flush (or queue maintenance call) holds
// the advisory lock. A lock left behind by a crashed process expires after 60s.
var ErrLockHeld = lock.ErrHeld

// ErrItemNotFound is returned when no item has the requested ID.
var ErrItemNotFound = errors.New("syncq: item not found")

// ErrTerminalItem is returned when an operation would move an item out of DONE.
var ErrTerminalItem = errors.New("syncq: item is done")

// ErrUnknownKind is returned when an invalid kind is used.
var ErrUnknownKind = errors.New("syncq: unknown kind")

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = errors.New("syncq: unknown status")

// ErrInvalidPayload is returned for a nil payload or a payload that does not match its kind.
var ErrInvalidPayload = errors.New("syncq: invalid payload")

// ErrNoHandler indicates there is no executor registered for an item's kind.
// The flush engine treats it as a rejection, not as a connectivity failure.
var ErrNoHandler = errors.New("syncq: no handler")
