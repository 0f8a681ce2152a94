package rezone

import (
	"sync"

	"github.com/LeeDigitalWorks/zapfs-rezone/pkg/namespace"
)

// zst is a Zone Submission Tracker: the ordered list of outstanding task
// handles for one zone, plus the submissionDone flag the updater checks to
// decide whether the zone can be finalized (spec.md §4.3). Results can
// arrive out of order across tasks (the pool has no notion of per-zone
// ordering), so the updater only ever applies a zone's head task; that is
// what recovers per-zone submission order from the pool's arbitrary
// completion order.
type zst struct {
	tasks          []*task
	submissionDone bool
}

// submissionTable is the single mutex-guarded structure the coordinator
// (appends, marks done) and updater (drains, checks drained) share, named
// "the handler mutex" in spec.md §5. No KMS call is made and no namespace
// lock is acquired while this mutex is held.
type submissionTable struct {
	mu    sync.Mutex
	cond  *sync.Cond
	zones map[namespace.ZoneID]*zst

	paused      bool
	pauseCond   *sync.Cond
	pauseAfterN int
	submitCount int
}

func newSubmissionTable() *submissionTable {
	t := &submissionTable{zones: make(map[namespace.ZoneID]*zst)}
	t.cond = sync.NewCond(&t.mu)
	t.pauseCond = sync.NewCond(&t.mu)
	return t
}

func (t *submissionTable) zoneOf(id namespace.ZoneID) *zst {
	z, ok := t.zones[id]
	if !ok {
		z = &zst{}
		t.zones[id] = z
	}
	return z
}

// appendTask registers tk as the newest task for zoneID. The updater does
// not wait on this table; it finds the task on its next wake (a pool
// completion or its idle tick).
func (t *submissionTable) appendTask(zoneID namespace.ZoneID, tk *task) {
	t.mu.Lock()
	t.zoneOf(zoneID).tasks = append(t.zoneOf(zoneID).tasks, tk)
	t.mu.Unlock()
	t.notify()
}

// markSubmissionDone records that the coordinator will never submit
// another task for zoneID.
func (t *submissionTable) markSubmissionDone(zoneID namespace.ZoneID) {
	t.mu.Lock()
	t.zoneOf(zoneID).submissionDone = true
	t.mu.Unlock()
	t.notify()
}

// headTask returns zoneID's oldest outstanding task, if any.
func (t *submissionTable) headTask(zoneID namespace.ZoneID) (*task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	z, ok := t.zones[zoneID]
	if !ok || len(z.tasks) == 0 {
		return nil, false
	}
	return z.tasks[0], true
}

// popHead removes zoneID's oldest outstanding task, once the updater has
// applied (or discarded) its result.
func (t *submissionTable) popHead(zoneID namespace.ZoneID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	z, ok := t.zones[zoneID]
	if ok && len(z.tasks) > 0 {
		z.tasks = z.tasks[1:]
	}
}

// isDrained reports whether zoneID has no outstanding tasks and the
// coordinator has declared it done submitting: the condition under which
// the updater finalizes the zone.
func (t *submissionTable) isDrained(zoneID namespace.ZoneID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	z, ok := t.zones[zoneID]
	return ok && z.submissionDone && len(z.tasks) == 0
}

// cancelQueued marks every outstanding task for zoneID canceled, so the
// pool skips their KMS calls if it hasn't started them yet.
func (t *submissionTable) cancelQueued(zoneID namespace.ZoneID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	z, ok := t.zones[zoneID]
	if !ok {
		return
	}
	for _, tk := range z.tasks {
		tk.cancel()
	}
}

// remove drops zoneID's tracker entirely, once it has been finalized.
func (t *submissionTable) remove(zoneID namespace.ZoneID) {
	t.mu.Lock()
	delete(t.zones, zoneID)
	t.mu.Unlock()
}

// activeZoneIDs returns a snapshot of every zone with a tracker, for the
// updater's per-wake sweep.
func (t *submissionTable) activeZoneIDs() []namespace.ZoneID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]namespace.ZoneID, 0, len(t.zones))
	for id := range t.zones {
		ids = append(ids, id)
	}
	return ids
}

// totalTasks is the updater backlog throttle axis (spec.md §4.1 axis 2):
// the number of outstanding tasks across every zone, queued or in-flight.
func (t *submissionTable) totalTasks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, z := range t.zones {
		n += len(z.tasks)
	}
	return n
}

func (t *submissionTable) notify() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// recordSubmission increments the test-only submission counter and reports
// whether the coordinator should now pause (pauseAfterNthSubmission, see
// DESIGN.md's Open Question decisions).
func (t *submissionTable) recordSubmission() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitCount++
	return t.pauseAfterN > 0 && t.submitCount >= t.pauseAfterN
}

func (t *submissionTable) pauseForTesting() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *submissionTable) resumeForTesting() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.pauseCond.Broadcast()
}

func (t *submissionTable) setPauseAfterNthSubmission(n int) {
	t.mu.Lock()
	t.pauseAfterN = n
	t.submitCount = 0
	t.mu.Unlock()
}

// waitWhilePaused blocks the calling goroutine (the coordinator) while
// paused is set. Only resumeForTesting or a direct process shutdown wakes
// it; this is a test-only hook, not part of the cancellation path.
func (t *submissionTable) waitWhilePaused() {
	t.mu.Lock()
	for t.paused {
		t.pauseCond.Wait()
	}
	t.mu.Unlock()
}
