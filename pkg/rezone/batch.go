package rezone

import (
	"path"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
	"github.com/google/uuid"
)

// EDEKRecord is one file discovered by the tree walk that needs its EDEK
// rewrapped, carrying everything the updater needs to apply the result
// without re-resolving the file (spec.md §3, Batch/Record).
type EDEKRecord struct {
	InodeID           namespace.InodeID
	Name              string
	ParentPath        string
	OldEDEK           []byte
	OldKeyVersionName string

	// NewEDEK is filled in by the worker pool on a successful KMS call,
	// in the same slice position the record held in its Batch.
	NewEDEK []byte
}

// Path is the record's full path at the time it was discovered. Renames
// between discovery and apply are not tracked; SetFileEncryptionInfo
// operates on InodeID, not this path, so a rename doesn't lose the record,
// it just makes this string stale for logging purposes only.
func (r *EDEKRecord) Path() string { return path.Join(r.ParentPath, r.Name) }

// Batch is the unit the coordinator submits to the worker pool: every
// record in it shares one target key version and is sent to the KMS
// provider in a single call (spec.md §4.2). Immutable once handed to the
// pool - the coordinator never reuses a Batch after Add returns a full one.
type Batch struct {
	ID      uuid.UUID
	ZoneID  namespace.ZoneID
	MaxSize int
	records []*EDEKRecord
}

// NewBatch creates an empty batch for zoneID that accepts up to maxSize
// records before Full reports true.
func NewBatch(zoneID namespace.ZoneID, maxSize int) *Batch {
	return &Batch{ID: uuid.New(), ZoneID: zoneID, MaxSize: maxSize}
}

// Add appends rec to the batch.
func (b *Batch) Add(rec *EDEKRecord) { b.records = append(b.records, rec) }

// Len returns the number of records currently in the batch.
func (b *Batch) Len() int { return len(b.records) }

// Full reports whether the batch has reached its configured maximum size.
func (b *Batch) Full() bool { return b.MaxSize > 0 && len(b.records) >= b.MaxSize }

// Records returns the batch's records in submission order.
func (b *Batch) Records() []*EDEKRecord { return b.records }
