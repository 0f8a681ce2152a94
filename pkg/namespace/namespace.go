// Package namespace declares the external collaborator the re-encryption
// coordinator depends on: the hierarchical, lock-protected directory tree
// that owns inodes, their encryption metadata, and the persisted zone status
// extended attributes.
//
// This package is a dependency boundary, not the subsystem itself (see
// spec.md §1/§6): the coordinator and updater in pkg/rezone are written
// entirely against the Namespace interface below. pkg/namespace also ships
// an in-memory reference implementation (memory.go) used by the rezone test
// suite and suitable for single-process deployments that don't need a real
// inode store.
package namespace

import (
	"context"
	"errors"
)

// ZoneID opaquely identifies the root directory of an encryption zone. It
// shares the same numeric space as InodeID - a zone's id is simply its
// root directory's inode id - so callers may convert between the two
// directly instead of tracking a separate allocator.
type ZoneID uint64

// InodeID opaquely identifies a node (file or directory) in the namespace.
type InodeID uint64

// Operation is a namespace-wide capability checked before mutating calls.
type Operation string

// OpWrite is the only operation the coordinator/updater ever check; it
// fails when the namespace is in a read-only or degraded state.
const OpWrite Operation = "write"

// Sentinel errors returned by Namespace implementations. The rezone
// coordinator ends a zone's walk when its status is NotFound, and sleeps and
// retries in place while CheckOperation or CheckSafeMode fail
// (NotWritable, SafeMode); the updater skips files that are NotFound.
// RetryLater is not checked by either, and no error moves a zone to the
// Failed phase.
var (
	ErrNotFound    = errors.New("namespace: not found")
	ErrRetryLater  = errors.New("namespace: retry later")
	ErrSafeMode    = errors.New("namespace: safe mode")
	ErrNotWritable = errors.New("namespace: not writable")
)

// Inode is the subset of namespace node state the coordinator/updater need.
type Inode struct {
	ID             InodeID
	Name           string
	ParentID       InodeID
	IsDir          bool
	IsEncrypted    bool // false: no encryption metadata at all (warn + skip)
	EDEK           []byte
	KeyVersionName string
}

// DirEntry is one child of a directory, as returned by ListChildren.
type DirEntry struct {
	Name  string
	ID    InodeID
	IsDir bool
}

// Phase is the lifecycle state of a zone's re-encryption run (spec.md §4.4).
type Phase string

const (
	PhaseSubmitted  Phase = "Submitted"
	PhaseProcessing Phase = "Processing"
	PhaseCompleted  Phase = "Completed"
	PhaseCanceled   Phase = "Canceled"
	PhaseFailed     Phase = "Failed"
)

// ZoneStatus is the persisted, per-zone record described in spec.md §3.
// It round-trips through GetZoneStatus/UpdateZoneStatus; the on-disk
// encoding (extended attributes in a real namespace) is an implementation
// detail of the Namespace backend.
type ZoneStatus struct {
	ZoneID             ZoneID
	ZonePath           string // absolute path of the zone root, captured at submission
	Phase              Phase
	EZKeyVersionName   string
	LastCheckpointFile string
	FilesReencrypted   uint64
	NumFailures        uint64
	Canceled           bool
}

// Namespace is the hierarchical, lock-protected tree the coordinator walks
// and the updater mutates. Implementations must provide reader/writer lock
// semantics matching spec.md §5: ReadLock/ReadUnlock protect a consistent
// snapshot of inode data for the coordinator's walk; WriteLock/WriteUnlock
// serialize the updater's mutations. Callers are responsible for holding the
// appropriate lock around every other method below; the interface does not
// lock internally, so the blocking KMS call the coordinator makes between a
// read-lock release and the next acquire never happens under lock.
type Namespace interface {
	// ReadLock/ReadUnlock guard a read-only view of the tree. Held by the
	// coordinator only; never across a KMS call.
	ReadLock()
	ReadUnlock()

	// WriteLock/WriteUnlock guard mutation of the tree and of zone status
	// records. The updater holds it to apply EDEKs; status writers (Manager,
	// coordinator phase changes) hold it briefly.
	WriteLock()
	WriteUnlock()

	// GetInode resolves an inode by id. Returns ErrNotFound if it no longer
	// exists (e.g. deleted in the gap between lock release/re-acquire).
	GetInode(ctx context.Context, id InodeID) (*Inode, error)

	// ListChildren returns a directory's children. startAfter is advisory:
	// backends may use it to page server-side, but callers must still pass
	// the full (or paged) result through NextChildIndex to find the resume
	// point, since ListChildren is not required to honor it exactly.
	ListChildren(ctx context.Context, dir InodeID, startAfter string) ([]DirEntry, error)

	// NextChildIndex returns the index of the first entry in children whose
	// name is strictly greater than startAfter, or len(children) if none.
	// Pure and side-effect free; does not require a lock.
	NextChildIndex(children []DirEntry, startAfter string) int

	// SetFileEncryptionInfo atomically rewrites a file's EDEK and key
	// version. Must be called under the write lock. Returns ErrNotFound if
	// the file was deleted or moved since it was read.
	SetFileEncryptionInfo(ctx context.Context, inode InodeID, newEDEK []byte, newKeyVersionName string) error

	// GetZoneStatus/UpdateZoneStatus round-trip the persisted status record
	// for a zone (spec.md §3). UpdateZoneStatus must be durable before it
	// returns: the updater relies on this for checkpoint durability.
	GetZoneStatus(ctx context.Context, zoneID ZoneID) (*ZoneStatus, error)
	UpdateZoneStatus(ctx context.Context, status *ZoneStatus) error
	RemoveZoneStatus(ctx context.Context, zoneID ZoneID) error

	// ListZoneStatuses returns every zone status currently tracked, for the
	// inbound listStatus() operation and for restart-time resumption.
	ListZoneStatuses(ctx context.Context) ([]*ZoneStatus, error)

	// GetINodesInPath resolves a '/'-separated absolute path to the inode
	// ids of every successfully-resolved path element, root first. If the
	// full path cannot be resolved, it returns the ids resolved so far
	// together with ErrNotFound, so callers can truncate a stale path stack
	// at the lowest surviving ancestor (spec.md §4.1 Resume).
	GetINodesInPath(ctx context.Context, path string) ([]InodeID, error)

	// IsEncryptionZoneRoot reports whether id is itself the root of a
	// (possibly nested) encryption zone.
	IsEncryptionZoneRoot(ctx context.Context, id InodeID) (bool, error)

	// CheckOperation fails with ErrNotWritable if op is not currently
	// permitted against the namespace (e.g. read-only standby).
	CheckOperation(ctx context.Context, op Operation) error

	// CheckSafeMode fails with ErrSafeMode while the namespace is in safe
	// mode and should not be mutated.
	CheckSafeMode(ctx context.Context) error
}
