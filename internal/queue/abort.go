package queue

import (
	"log/slog"

	"github.com/bytecourier/bytecourier/internal/events"
)

// Aborter cancels one item, one batch, or everything. Abort is
// best-effort and cooperative: it signals the in-flight transfer and
// finalizes queue state, but a transfer that already settled wins the
// race and the abort becomes a no-op.
type Aborter struct {
	store  *Store
	life   *Lifecycle
	sched  *Scheduler
	bus    *events.Bus
	logger *slog.Logger
}

// NewAborter creates the abort subsystem.
func NewAborter(store *Store, life *Lifecycle, sched *Scheduler, bus *events.Bus, logger *slog.Logger) *Aborter {
	return &Aborter{store: store, life: life, sched: sched, bus: bus, logger: logger}
}

// AbortItem aborts a single item. Unknown and already-finalized items are
// a no-op, which makes repeated aborts idempotent. Returns whether the
// call transitioned the item.
func (a *Aborter) AbortItem(id string) bool {
	aborted, batchID := a.abortOne(id)
	if !aborted {
		return false
	}
	a.life.CleanUpFinishedBatch()
	a.life.EnsureNonUploadingBatchCleaned(batchID)
	a.sched.Kick()
	return true
}

// AbortBatch aborts every non-finalized item of the batch; normal cleanup
// then reclaims the batch itself.
func (a *Aborter) AbortBatch(batchID string) {
	st := a.store.Snapshot()
	bd, ok := st.Batch(batchID)
	if !ok {
		return
	}
	// Dequeue everything first. Settling an active item re-kicks the
	// scheduler, which must not admit a sibling this call is about to
	// abort.
	a.store.Update(func(st *State) {
		for _, itemID := range bd.Batch.ItemIDs {
			st.removeFromPending(itemID)
		}
	})
	for _, itemID := range bd.Batch.ItemIDs {
		a.abortOne(itemID)
	}
	a.life.CleanUpFinishedBatch()
	a.life.EnsureNonUploadingBatchCleaned(batchID)
	a.sched.Kick()
}

// AbortAll aborts every tracked item across every batch. Used for full
// session teardown.
func (a *Aborter) AbortAll() {
	st := a.store.Snapshot()
	batchIDs := st.BatchIDs()
	itemIDs := st.ItemIDs()
	a.store.Update(func(st *State) {
		for _, id := range itemIDs {
			st.removeFromPending(id)
		}
	})
	for _, id := range itemIDs {
		a.abortOne(id)
	}
	a.life.CleanUpFinishedBatch()
	for _, batchID := range batchIDs {
		a.life.EnsureNonUploadingBatchCleaned(batchID)
	}
	a.sched.Kick()
}

// abortOne performs the state transition and signals the transfer. It
// reports whether the item was transitioned and which batch owned it.
func (a *Aborter) abortOne(id string) (bool, string) {
	st := a.store.Snapshot()
	it, ok := st.Item(id)
	if !ok || it.State.Terminal() {
		return false, ""
	}

	if fn, ok := a.store.AbortCallback(id); ok && fn != nil {
		// Signal the transport first; completion may still race ahead.
		fn()
	}

	var updated Item
	transitioned := false
	a.store.Update(func(st *State) {
		inner, ok := st.items[id]
		if !ok || inner.State.Terminal() {
			return
		}
		inner.State = ItemAborted
		st.setItem(inner)
		st.deactivate(id)
		st.removeFromPending(id)
		delete(st.aborts, id)
		updated = inner
		transitioned = true
	})
	if !transitioned {
		return false, ""
	}

	a.bus.Trigger(events.ItemAbort, updated)
	a.logger.Debug("aborted item", "item", id, "batch", updated.BatchID)
	return true, updated.BatchID
}
