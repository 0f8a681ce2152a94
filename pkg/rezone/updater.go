package rezone

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/logger"
	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
)

// Updater is the single long-running task that consumes the coordinator's
// batch results and applies them (spec.md §4.3). The pool can finish tasks
// for the same zone out of submission order, so the updater never trusts
// completion order directly: it only ever inspects a zone's current head
// task, applying it once it's ready and otherwise moving on to check
// another zone. That recovers per-zone submission order without requiring
// the pool itself to serialize anything.
type Updater struct {
	ns      namespace.Namespace
	subs    *submissionTable
	cfg     Config
	metrics *metrics

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewUpdater wires an Updater against the same submissionTable the
// Coordinator uses.
func NewUpdater(ns namespace.Namespace, subs *submissionTable, cfg Config, m *metrics) *Updater {
	return &Updater{
		ns:      ns,
		subs:    subs,
		cfg:     cfg,
		metrics: m,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Notify wakes the updater's loop; the pool calls this after every task
// completes.
func (u *Updater) Notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run drives the updater loop until Stop is called or ctx is canceled. It
// wakes on every pool completion and, as a safety net against a missed
// wake, on a short idle tick too.
func (u *Updater) Run(ctx context.Context) {
	defer close(u.done)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		u.drainReady(ctx)
		select {
		case <-u.wake:
		case <-ticker.C:
		case <-u.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (u *Updater) Stop() {
	close(u.stop)
	<-u.done
}

// drainReady applies every zone's head task whose result is already
// available, repeating per zone until a zone's head isn't ready yet.
func (u *Updater) drainReady(ctx context.Context) {
	for _, zoneID := range u.subs.activeZoneIDs() {
		for {
			t, ok := u.subs.headTask(zoneID)
			if !ok {
				if u.subs.isDrained(zoneID) {
					u.finalizeZone(ctx, zoneID)
				}
				break
			}
			res, ready := tryReceive(t.result)
			if !ready {
				break
			}
			u.subs.popHead(zoneID)
			u.apply(ctx, zoneID, res)
			if u.subs.isDrained(zoneID) {
				u.finalizeZone(ctx, zoneID)
				break
			}
		}
	}
}

func tryReceive(ch chan BatchResult) (BatchResult, bool) {
	select {
	case v := <-ch:
		return v, true
	default:
		return BatchResult{}, false
	}
}

// apply writes a completed batch's results back into the namespace under
// the write lock (spec.md §4.3 steps 1-4), then releases the lock.
func (u *Updater) apply(ctx context.Context, zoneID namespace.ZoneID, res BatchResult) {
	if res.Canceled {
		return
	}

	u.ns.WriteLock()
	defer u.ns.WriteUnlock()

	status, err := u.ns.GetZoneStatus(ctx, zoneID)
	if err != nil {
		return // zone was removed entirely; nothing left to record against
	}
	if status.Canceled {
		return // discard: in-flight results for a canceled zone don't apply
	}

	if res.Failed {
		status.NumFailures += uint64(res.Batch.Len())
		_ = u.ns.UpdateZoneStatus(ctx, status)
		if u.metrics != nil {
			u.metrics.batchesFailed.Inc()
		}
		logger.Ctx(ctx).Error().Uint64("zone_id", uint64(zoneID)).Err(res.Err).
			Int("batch_size", res.Batch.Len()).Msg("rezone: batch failed, advancing past it")
		return
	}

	sinceCheckpoint := 0
	for _, rec := range res.Batch.Records() {
		if rec.NewEDEK == nil {
			continue
		}
		err := u.ns.SetFileEncryptionInfo(ctx, rec.InodeID, rec.NewEDEK, status.EZKeyVersionName)
		if err != nil {
			if IsNotFound(err) {
				continue // deleted/moved since discovery: skipped, not failed
			}
			status.NumFailures++
			continue
		}
		status.FilesReencrypted++
		status.LastCheckpointFile = rec.Path()
		sinceCheckpoint++

		if u.cfg.UpdaterCheckpointEvery > 0 && sinceCheckpoint >= u.cfg.UpdaterCheckpointEvery {
			_ = u.ns.UpdateZoneStatus(ctx, status)
			if u.metrics != nil {
				u.metrics.checkpointWrites.Inc()
				u.metrics.filesReencrypted.Add(float64(sinceCheckpoint))
			}
			sinceCheckpoint = 0
		}
	}

	if sinceCheckpoint > 0 {
		if u.metrics != nil {
			u.metrics.filesReencrypted.Add(float64(sinceCheckpoint))
		}
	}
	_ = u.ns.UpdateZoneStatus(ctx, status)
	if u.metrics != nil {
		u.metrics.checkpointWrites.Inc()
	}
}

// finalizeZone marks a fully-drained, fully-submitted zone Completed (or
// leaves a Canceled zone's phase alone if it was already set by
// Coordinator.finalizeCanceled) and drops its tracker.
func (u *Updater) finalizeZone(ctx context.Context, zoneID namespace.ZoneID) {
	u.ns.WriteLock()
	status, err := u.ns.GetZoneStatus(ctx, zoneID)
	if err == nil {
		finalPhase := namespace.PhaseCompleted
		if status.Canceled {
			finalPhase = namespace.PhaseCanceled
		}
		if status.Phase != finalPhase {
			status.Phase = finalPhase
			_ = u.ns.UpdateZoneStatus(ctx, status)
		}
	}
	u.ns.WriteUnlock()
	if err == nil {
		logger.Ctx(ctx).Info().Uint64("zone_id", uint64(zoneID)).
			Str("phase", string(status.Phase)).
			Uint64("files_reencrypted", status.FilesReencrypted).
			Uint64("num_failures", status.NumFailures).
			Msg("rezone: zone finished")
	}
	u.subs.remove(zoneID)
}
