package rezone

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/kms"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager wires a Manager against a fresh in-memory namespace and
// mock KMS provider, and arranges for it to be stopped at test end so
// goleak sees every coordinator/updater/pool goroutine exit.
func newTestManager(t *testing.T, cfg Config) (*Manager, *namespace.Memory, *kms.MockProvider) {
	t.Helper()
	ns := namespace.NewMemory()
	provider := kms.NewMockProvider()
	mgr := NewManager(ns, provider, cfg)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)
	return mgr, ns, provider
}

func waitForPhase(t *testing.T, mgr *Manager, zoneID namespace.ZoneID, phase namespace.Phase) *namespace.ZoneStatus {
	t.Helper()
	var found *namespace.ZoneStatus
	require.Eventually(t, func() bool {
		statuses, err := mgr.ListStatus(context.Background())
		if err != nil {
			return false
		}
		for _, s := range statuses {
			if s.ZoneID == zoneID {
				found = s
				return s.Phase == phase
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "zone %d never reached phase %s", zoneID, phase)
	return found
}

// TestSmallZone is spec.md §8 scenario 1: /z has 3 files, batch size 2.
func TestSmallZone(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	mgr, ns, provider := newTestManager(t, cfg)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	ns.CreateFile(zone, "a", []byte("edek-a"), "v1")
	ns.CreateFile(zone, "b", []byte("edek-b"), "v1")
	ns.CreateFile(zone, "c", []byte("edek-c"), "v1")

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 3, status.FilesReencrypted)
	assert.EqualValues(t, 0, status.NumFailures)

	// batch size 2 over 3 files: [a,b], [c] - exactly two KMS calls.
	assert.Equal(t, 2, provider.CallCount())
}

// TestNestedEncryptionZoneIsSkipped is spec.md §8 scenario 2.
func TestNestedEncryptionZoneIsSkipped(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	mgr, ns, _ := newTestManager(t, cfg)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	ns.CreateFile(zone, "a", []byte("edek-a"), "v1")

	nested := ns.Mkdir(zone, "n")
	ns.MarkEncryptionZoneRoot(nested)
	nestedFile := ns.CreateFile(nested, "b", []byte("edek-b"), "v1")

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 1, status.FilesReencrypted)

	// The nested zone's file is untouched by the outer zone's run.
	inode, err := ns.GetInode(context.Background(), nestedFile)
	require.NoError(t, err)
	assert.Equal(t, "v1", inode.KeyVersionName)
}

// TestResumeFromCheckpoint is spec.md §8 scenario 3: files a..j, crash after
// applying a,b, restart with lastCheckpointFile=b. The resumed run must pick
// up at c and must not re-touch a or b.
func TestResumeFromCheckpoint(t *testing.T) {
	t.Parallel()

	ns := namespace.NewMemory()
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, n := range names {
		if n == "a" || n == "b" {
			// Already applied by the "crashed" prior run.
			ns.CreateFile(zone, n, []byte("edek-"+n), "v2")
			continue
		}
		ns.CreateFile(zone, n, []byte("edek-"+n), "v1")
	}

	// Simulate the crash: a zone stuck Processing with a checkpoint past b.
	require.NoError(t, ns.UpdateZoneStatus(context.Background(), &namespace.ZoneStatus{
		ZoneID:             namespace.ZoneID(zone),
		ZonePath:           "/z",
		Phase:              namespace.PhaseProcessing,
		EZKeyVersionName:   "v2",
		LastCheckpointFile: "/z/b",
		FilesReencrypted:   2,
	}))

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	provider := kms.NewMockProvider()
	mgr := NewManager(ns, provider, cfg)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)

	status := waitForPhase(t, mgr, namespace.ZoneID(zone), namespace.PhaseCompleted)

	// a and b were already at v2 and must not be recounted; only c..j (8
	// files) are processed by the resumed run.
	assert.EqualValues(t, 2+8, status.FilesReencrypted)
	for _, call := range provider.Calls {
		for _, entry := range call {
			assert.NotEqual(t, []byte("edek-a"), entry.EDEK)
			assert.NotEqual(t, []byte("edek-b"), entry.EDEK)
		}
	}
}

// TestKMSTransientFailureAdvancesPastBatch is spec.md §8 scenario 4: a batch
// of 5 fails its KMS call once; failures are counted but the zone still
// completes.
func TestKMSTransientFailureAdvancesPastBatch(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 5
	ns := namespace.NewMemory()
	provider := kms.NewMockProvider()

	var failed atomic.Bool
	provider.Fail = func(batch []kms.Entry) error {
		if failed.CompareAndSwap(false, true) {
			return fmt.Errorf("kms: simulated outage")
		}
		return nil
	}

	mgr := NewManager(ns, provider, cfg)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	for i := 0; i < 5; i++ {
		ns.CreateFile(zone, fmt.Sprintf("f%d", i), []byte("edek"), "v1")
	}

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 5, status.NumFailures)
	assert.EqualValues(t, 0, status.FilesReencrypted)
}

// TestCancelMidFlightDiscardsResults is spec.md §8 scenario 5: cancellation
// mid-walk must stop further KMS work and leave the zone Canceled, with
// fewer than all files applied.
func TestCancelMidFlightDiscardsResults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	mgr, ns, provider := newTestManager(t, cfg)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	for i := 0; i < 100; i++ {
		ns.CreateFile(zone, fmt.Sprintf("f%03d", i), []byte("edek"), "v1")
	}

	// Pause the coordinator right after its 2nd batch submission (20
	// files already handed to the pool) so cancellation lands mid-walk
	// deterministically instead of racing the whole 100-file walk.
	mgr.PauseAfterNthSubmission(2)

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return provider.CallCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Cancel(context.Background(), zoneID))
	mgr.ResumeForTesting()

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCanceled)
	assert.Less(t, status.FilesReencrypted, uint64(100))

	callsAtCancel := provider.CallCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, callsAtCancel, provider.CallCount(), "no further KMS calls should occur after cancellation settles")
}

// TestEmptyZoneCompletesViaDummyTracker is spec.md §8's empty-zone boundary
// behavior.
func TestEmptyZoneCompletesViaDummyTracker(t *testing.T) {
	t.Parallel()

	mgr, ns, _ := newTestManager(t, DefaultConfig())
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 0, status.FilesReencrypted)
}

// TestRoundTripSameKeyVersionPerformsNoKMSCalls is spec.md §8's round-trip
// property: re-running against a zone already at the target key version
// makes zero KMS calls.
func TestRoundTripSameKeyVersionPerformsNoKMSCalls(t *testing.T) {
	t.Parallel()

	mgr, ns, provider := newTestManager(t, DefaultConfig())
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	ns.CreateFile(zone, "a", []byte("edek-a"), "v2")
	ns.CreateFile(zone, "b", []byte("edek-b"), "v2")

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 0, status.FilesReencrypted)
	assert.Equal(t, 0, provider.CallCount())
}

// TestExactlyBatchSizeFilesSubmitsOneBatch is a boundary behavior from
// spec.md §8.
func TestExactlyBatchSizeFilesSubmitsOneBatch(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 4
	mgr, ns, provider := newTestManager(t, cfg)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	for i := 0; i < 4; i++ {
		ns.CreateFile(zone, fmt.Sprintf("f%d", i), []byte("edek"), "v1")
	}

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 4, status.FilesReencrypted)
	assert.Equal(t, 1, provider.CallCount())
}

func TestSubmitRejectsNonEncryptionZoneRoot(t *testing.T) {
	t.Parallel()

	mgr, ns, _ := newTestManager(t, DefaultConfig())
	root := ns.Root()
	ns.Mkdir(root, "notazone")

	_, err := mgr.Submit(context.Background(), "/notazone", "v2")
	assert.ErrorIs(t, err, ErrZoneNotEZRoot)
}

func TestCancelUnknownZoneFails(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t, DefaultConfig())
	err := mgr.Cancel(context.Background(), namespace.ZoneID(999))
	assert.ErrorIs(t, err, ErrZoneNotFound)
}

func TestCancelRejectsTerminalZone(t *testing.T) {
	t.Parallel()

	mgr, ns, _ := newTestManager(t, DefaultConfig())
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	ns.CreateFile(zone, "a", []byte("edek"), "v1")

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)
	waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)

	err = mgr.Cancel(context.Background(), zoneID)
	assert.ErrorIs(t, err, ErrZoneNotActive)
}

func TestRemoveUnknownZoneFails(t *testing.T) {
	t.Parallel()

	mgr, _, _ := newTestManager(t, DefaultConfig())
	err := mgr.Remove(context.Background(), namespace.ZoneID(999))
	assert.ErrorIs(t, err, ErrZoneNotFound)
}

func TestRemoveCompletedZoneDeletesStatus(t *testing.T) {
	t.Parallel()

	mgr, ns, _ := newTestManager(t, DefaultConfig())
	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	ns.CreateFile(zone, "a", []byte("edek"), "v1")

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	status := waitForPhase(t, mgr, zoneID, namespace.PhaseCompleted)
	assert.EqualValues(t, 1, status.FilesReencrypted)

	require.NoError(t, mgr.Remove(context.Background(), zoneID))
	statuses, err := mgr.ListStatus(context.Background())
	require.NoError(t, err)
	for _, s := range statuses {
		assert.NotEqual(t, zoneID, s.ZoneID)
	}
}

func TestRemoveActiveZoneCancelsInFlightWorkAndDeletesStatus(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	mgr, ns, provider := newTestManager(t, cfg)

	root := ns.Root()
	zone := ns.Mkdir(root, "z")
	ns.MarkEncryptionZoneRoot(zone)
	for i := 0; i < 100; i++ {
		ns.CreateFile(zone, fmt.Sprintf("f%03d", i), []byte("edek"), "v1")
	}

	mgr.PauseAfterNthSubmission(2)

	zoneID, err := mgr.Submit(context.Background(), "/z", "v2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return provider.CallCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// The walk is paused mid-flight, so the zone is still Processing. Remove
	// must succeed unconditionally, per the removeZone semantics in
	// spec.md §4.1 - "cancels in-flight work and removes the status" -
	// rather than requiring the caller to reach a terminal phase first.
	require.NoError(t, mgr.Remove(context.Background(), zoneID))
	mgr.ResumeForTesting()

	require.Eventually(t, func() bool {
		statuses, err := mgr.ListStatus(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			if s.ZoneID == zoneID {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "removed zone must not still be tracked")

	callsAtRemove := provider.CallCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, callsAtRemove, provider.CallCount(),
		"no further KMS calls should occur for a zone once it has been removed")
}
