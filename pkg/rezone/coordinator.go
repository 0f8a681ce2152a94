package rezone

import (
	"context"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/logger"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
)

// Coordinator is the single long-running task described in spec.md §4.1: it
// drains a FIFO of submitted zones, and for each one walks its subtree
// depth-first in lexicographic order under the namespace read lock,
// batching eligible files and handing batches to the worker pool. It never
// holds the read lock across a KMS call. It takes the write lock only
// briefly, to persist a zone's Processing or Canceled phase; applying new
// EDEKs under the write lock is the Updater's job. Grounded on pkg/storage/gc's
// single-loop background worker shape, generalized from garbage collection
// sweeps to a resumable, throttled tree walk.
type Coordinator struct {
	ns      namespace.Namespace
	pool    *Pool
	subs    *submissionTable
	cfg     Config
	th      *throttle
	metrics *metrics

	activeMu sync.Mutex
	active   map[namespace.ZoneID]bool

	pending chan namespace.ZoneID
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewCoordinator wires a Coordinator against a shared submissionTable; the
// Updater is constructed with the same table so both sides see the same
// per-zone task lists.
func NewCoordinator(ns namespace.Namespace, pool *Pool, subs *submissionTable, cfg Config, m *metrics) *Coordinator {
	return &Coordinator{
		ns:      ns,
		pool:    pool,
		subs:    subs,
		cfg:     cfg,
		th:      newThrottle(cfg),
		metrics: m,
		active:  make(map[namespace.ZoneID]bool),
		pending: make(chan namespace.ZoneID, 4096),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetThrottleRatio reconfigures axis 3 without restarting the coordinator
// (SPEC_FULL.md supplemented feature #3).
func (c *Coordinator) SetThrottleRatio(ratio float64) { c.th.setRatio(ratio) }

// markActive claims zoneID for the single active handler this process runs
// (spec.md §1 Non-goal: no multi-coordinator concurrency within one
// process), reporting false if it is already queued or being walked.
func (c *Coordinator) markActive(zoneID namespace.ZoneID) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if c.active[zoneID] {
		return false
	}
	c.active[zoneID] = true
	return true
}

func (c *Coordinator) clearActive(zoneID namespace.ZoneID) {
	c.activeMu.Lock()
	delete(c.active, zoneID)
	c.activeMu.Unlock()
}

// Enqueue schedules zoneID for the coordinator to pick up. Submit calls
// this after persisting the zone's Submitted status. A zoneID already
// queued or being walked is silently dropped; the rescan loop in Run will
// pick it up again if it is still Submitted once the in-flight pass ends.
func (c *Coordinator) Enqueue(zoneID namespace.ZoneID) {
	if !c.markActive(zoneID) {
		return
	}
	select {
	case c.pending <- zoneID:
	case <-c.stop:
		c.clearActive(zoneID)
	}
}

// notifyNewSubmission wakes Run early from its sleepIntervalMs idle wait,
// the same role ReencryptionHandler.notifyNewSubmission() plays against the
// original's wait(interval) main loop (spec.md §4.1/§6). Manager.Submit
// calls Enqueue directly as the fast path; this is the fallback signal for
// a zone that became Submitted some other way (e.g. a resumed or
// externally-written status record) and has no in-flight Enqueue call
// backing it.
func (c *Coordinator) notifyNewSubmission() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// cancelZone marks every queued task for zoneID canceled; the updater
// discards their results and finalizes the zone once drained, on its next
// wake (a pool completion or its idle tick). It does not
// stop a walk already in progress mid-zone; the walk itself checks the
// zone's Canceled flag on every directory listing and exits promptly.
func (c *Coordinator) cancelZone(zoneID namespace.ZoneID) {
	c.subs.cancelQueued(zoneID)
	c.subs.notify()
}

// addDummyTracker submits a zero-record batch for zoneID so a zone with no
// eligible files still reaches the updater and gets finalized, instead of
// sitting marked submissionDone with an empty, never-drained task list.
func (c *Coordinator) addDummyTracker(zoneID namespace.ZoneID) {
	b := NewBatch(zoneID, 0)
	t := newTask(b, "")
	c.subs.appendTask(zoneID, t)
	c.pool.Submit(t)
}

func (c *Coordinator) pauseForTesting()  { c.subs.pauseForTesting() }
func (c *Coordinator) resumeForTesting() { c.subs.resumeForTesting() }

func (c *Coordinator) pauseAfterNthSubmission(n int) { c.subs.setPauseAfterNthSubmission(n) }

// Run drives the coordinator's main loop until Stop is called or ctx is
// canceled. Alongside the direct Enqueue dispatch path, Run also sleeps for
// cfg.SleepInterval between rescans of every Submitted zone, and wakes
// early on notifyNewSubmission - the Go-idiomatic equivalent of the
// original ReencryptionHandler.run()'s `synchronized { wait(interval); }`
// loop woken by notifyNewSubmission() (see DESIGN.md's grounding ledger
// entry on notifyNewSubmission/sleepIntervalMs for this substitution).
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	var tick <-chan time.Time
	if c.cfg.SleepInterval > 0 {
		ticker := time.NewTicker(c.cfg.SleepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case zoneID := <-c.pending:
			c.subs.waitWhilePaused()
			c.runZone(ctx, zoneID)
			c.clearActive(zoneID)
		case <-c.wake:
			c.rescan(ctx)
		case <-tick:
			c.rescan(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// rescan walks every zone still marked Submitted and runs it inline,
// matching the original's per-wakeup `getNextUnprocessedZone()` scan. It
// runs on Run's own goroutine rather than going back through Enqueue/
// pending, so a rescan can never deadlock waiting on the very loop driving
// it.
func (c *Coordinator) rescan(ctx context.Context) {
	c.ns.ReadLock()
	statuses, err := c.ns.ListZoneStatuses(ctx)
	c.ns.ReadUnlock()
	if err != nil {
		return
	}
	for _, s := range statuses {
		if s.Phase != namespace.PhaseSubmitted {
			continue
		}
		if !c.markActive(s.ZoneID) {
			continue // already queued or being walked via the direct path
		}
		c.subs.waitWhilePaused()
		c.runZone(ctx, s.ZoneID)
		c.clearActive(s.ZoneID)
	}
}

// Stop signals Run to exit and waits for it to finish its current zone.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) runZone(ctx context.Context, zoneID namespace.ZoneID) {
	c.ns.ReadLock()
	status, err := c.ns.GetZoneStatus(ctx, zoneID)
	c.ns.ReadUnlock()
	if err != nil {
		logger.Ctx(ctx).Warn().Uint64("zone_id", uint64(zoneID)).Err(err).
			Msg("rezone: zone vanished before coordinator could start it")
		return
	}
	if status.Canceled {
		c.finalizeCanceled(ctx, status)
		return
	}

	l := logger.Ctx(ctx).With().Uint64("zone_id", uint64(zoneID)).
		Str("target_key_version", status.EZKeyVersionName).Logger()
	l.Info().Str("phase", "start").Msg("rezone: starting zone walk")

	status.Phase = namespace.PhaseProcessing
	c.ns.WriteLock()
	_ = c.ns.UpdateZoneStatus(ctx, status)
	c.ns.WriteUnlock()
	if c.metrics != nil {
		c.metrics.activeZones.Inc()
		defer c.metrics.activeZones.Dec()
	}

	rootID := namespace.InodeID(zoneID)
	stack := buildResumeStack(ctx, c.ns, rootID, status.ZonePath, status.LastCheckpointFile)

	batch := NewBatch(zoneID, c.cfg.BatchSize)
	submittedAny := false

	submit := func() {
		if batch.Len() == 0 {
			return
		}
		t := newTask(batch, status.EZKeyVersionName)
		c.subs.appendTask(zoneID, t)
		c.pool.Submit(t)
		submittedAny = true
		if c.metrics != nil {
			c.metrics.batchesSubmitted.Inc()
			c.metrics.kmsCalls.Inc()
			c.metrics.poolQueueDepth.Set(float64(c.pool.QueueLen()))
		}
		if c.subs.recordSubmission() {
			c.subs.pauseForTesting()
		}
		batch = NewBatch(zoneID, c.cfg.BatchSize)
	}

walk:
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			break walk
		default:
		}

		c.ns.ReadLock()
		c.th.lockWatch.acquired()

		fresh, err := c.ns.GetZoneStatus(ctx, zoneID)
		if err != nil || fresh.Canceled {
			c.ns.ReadUnlock()
			c.th.lockWatch.released()
			break walk
		}
		if err := c.ns.CheckOperation(ctx, namespace.OpWrite); err != nil {
			c.ns.ReadUnlock()
			c.th.lockWatch.released()
			if !sleepCtx(ctx, c.cfg.PoolSaturationSleep) {
				break walk
			}
			continue
		}
		if err := c.ns.CheckSafeMode(ctx); err != nil {
			c.ns.ReadUnlock()
			c.th.lockWatch.released()
			if !sleepCtx(ctx, c.cfg.PoolSaturationSleep) {
				break walk
			}
			continue
		}

		top := &stack[len(stack)-1]
		children, err := c.ns.ListChildren(ctx, top.dirID, top.cursor)
		if err != nil {
			c.ns.ReadUnlock()
			c.th.lockWatch.released()
			stack = stack[:len(stack)-1]
			continue
		}

		descended := false
		abandon := false
		relist := false
		startIdx := c.ns.NextChildIndex(children, top.cursor)
		for i := startIdx; i < len(children); i++ {
			child := children[i]
			top.cursor = child.Name

			if child.IsDir {
				isEZ, err := c.ns.IsEncryptionZoneRoot(ctx, child.ID)
				if err != nil {
					continue
				}
				if isEZ {
					l.Debug().Str("path", top.path+"/"+child.Name).
						Msg("rezone: skipping nested encryption zone")
					continue
				}
				stack = append(stack, pathFrame{dirID: child.ID, path: top.path + "/" + child.Name})
				descended = true
				break
			}

			inode, err := c.ns.GetInode(ctx, child.ID)
			if err != nil {
				continue // deleted in the gap since ListChildren observed it
			}
			if !inode.IsEncrypted {
				l.Warn().Str("path", top.path+"/"+child.Name).
					Msg("rezone: file has no encryption metadata, skipping")
				continue
			}
			if inode.KeyVersionName == status.EZKeyVersionName {
				continue // already at the target version
			}

			batch.Add(&EDEKRecord{
				InodeID:           child.ID,
				Name:              child.Name,
				ParentPath:        top.path,
				OldEDEK:           inode.EDEK,
				OldKeyVersionName: inode.KeyVersionName,
			})

			if batch.Full() {
				c.ns.ReadUnlock()
				c.th.lockWatch.released()

				submit()
				c.th.wait(ctx, c.pool.QueueLen, c.subs.totalTasks)
				c.subs.waitWhilePaused()

				c.ns.ReadLock()
				c.th.lockWatch.acquired()
				if _, err := c.ns.GetInode(ctx, top.dirID); err != nil {
					// The directory we were listing is gone; abandon this
					// subtree gracefully instead of continuing to iterate a
					// stale children slice.
					c.ns.ReadUnlock()
					c.th.lockWatch.released()
					abandon = true
					break
				}
				// The lock gap may have let siblings be inserted or
				// removed; stop iterating this now-stale children slice
				// and let the outer loop re-list from top.cursor, the way
				// the original re-fetches the children list after every
				// lock re-acquisition.
				relist = true
				break
			}
		}

		if abandon {
			// The read lock was already released above and deliberately
			// not re-acquired; nothing to unlock here.
			stack = stack[:len(stack)-1]
			continue
		}

		c.ns.ReadUnlock()
		c.th.lockWatch.released()

		if descended || relist {
			continue
		}

		finishedPath := top.path
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			_, name := splitParentAndName(finishedPath)
			stack[len(stack)-1].cursor = name
		}
	}

	submit()
	if !submittedAny {
		c.addDummyTracker(zoneID)
	}
	c.subs.markSubmissionDone(zoneID)
	l.Info().Str("phase", "submission-done").Msg("rezone: finished submitting zone's batches")
}

func (c *Coordinator) finalizeCanceled(ctx context.Context, status *namespace.ZoneStatus) {
	status.Phase = namespace.PhaseCanceled
	c.ns.WriteLock()
	_ = c.ns.UpdateZoneStatus(ctx, status)
	c.ns.WriteUnlock()
	c.subs.remove(status.ZoneID)
}
