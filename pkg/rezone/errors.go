package rezone

import (
	"errors"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
)

// Sentinel errors a caller of the inbound operations (Submit/Cancel/Remove)
// can match with errors.Is, mirroring enterprise/kms's sentinel style.
var (
	ErrZoneNotFound  = errors.New("rezone: zone not found")
	ErrZoneNotEZRoot = errors.New("rezone: not an encryption zone root")
	ErrZoneNotActive = errors.New("rezone: zone is not under re-encryption")
	ErrShuttingDown  = errors.New("rezone: coordinator is shutting down")
)

// errCanceled is the sentinel IsCancelled matches for a zone canceled
// mid-flight. No walk or apply path in this package returns it; those paths
// check the zone status's Canceled flag directly.
var errCanceled = errors.New("rezone: zone canceled")

// IsTransient reports whether err should cause a zone to be requeued rather
// than failed outright (spec.md §7): namespace pressure that is expected to
// clear (retry-later, safe mode).
func IsTransient(err error) bool {
	return errors.Is(err, namespace.ErrRetryLater) || errors.Is(err, namespace.ErrSafeMode)
}

// IsNotFound reports whether err reflects a zone or inode that no longer
// exists, which the walk/apply paths treat as "skip, not a failure".
func IsNotFound(err error) bool {
	return errors.Is(err, namespace.ErrNotFound)
}

// IsCancelled reports whether err originated from a zone cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, errCanceled)
}

// IsFatal reports whether err should mark the zone Failed outright: neither
// transient, not-found, nor a cancellation.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err) && !IsNotFound(err) && !IsCancelled(err)
}
