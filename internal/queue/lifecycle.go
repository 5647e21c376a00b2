package queue

import (
	"log/slog"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
)

// Lifecycle implements batch state transitions, synchronization at batch
// boundaries, and cleanup. It holds no state of its own: everything goes
// through the store's snapshot/update operations.
type Lifecycle struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewLifecycle creates a lifecycle manager over the store and bus.
func NewLifecycle(store *Store, bus *events.Bus, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: store, bus: bus, logger: logger}
}

// IsNewBatchStarting reports whether the item belongs to a batch other
// than the one currently allowed to progress, i.e. the pending sequence
// has reached a batch boundary.
func (l *Lifecycle) IsNewBatchStarting(st *State, itemID string) bool {
	it, ok := st.Item(itemID)
	if !ok {
		return false
	}
	return it.BatchID != st.CurrentBatch()
}

// LoadNewBatchForItem runs the cancellable batch-start gate for the item's
// batch. A veto leaves the current batch unset and returns false. On
// proceed the batch becomes the current batch in processing state, with
// any listener-updated options applied. This is the single synchronization
// point gating network activity for a new batch.
func (l *Lifecycle) LoadNewBatchForItem(itemID string) bool {
	st := l.store.Snapshot()
	it, ok := st.Item(itemID)
	if !ok {
		return false
	}
	bd, ok := st.Batch(it.BatchID)
	if !ok {
		return false
	}

	snap := BatchSnapshot{
		Batch:   bd.Batch,
		Items:   st.BatchItems(bd.Batch.ID),
		Options: bd.Options,
	}
	updated, proceed := events.Intercept(l.bus, events.BatchStart, snap)
	if !proceed {
		l.logger.Debug("batch start vetoed", "batch", bd.Batch.ID)
		return false
	}

	l.store.Update(func(st *State) {
		if inner, ok := st.batches[bd.Batch.ID]; ok {
			inner.Options = updated.Options.Clone()
			inner.Batch.State = BatchProcessing
			st.setBatch(inner)
		}
		st.setCurrentBatch(bd.Batch.ID)
	})
	return true
}

// IsBatchFinished reports whether the current batch has no work left in
// the pending sequence: the sequence is empty or its head already belongs
// to another batch.
func (l *Lifecycle) IsBatchFinished(st *State) bool {
	head, ok := st.HeadPending()
	if !ok {
		return true
	}
	it, ok := st.Item(head)
	if !ok {
		return true
	}
	return it.BatchID != st.CurrentBatch()
}

// CleanUpFinishedBatch reclaims the current batch once every one of its
// items has finalized and the pending sequence has moved past it. It emits
// batch-finish with a detached snapshot, then purges the batch and its
// items from the store.
func (l *Lifecycle) CleanUpFinishedBatch() {
	st := l.store.Snapshot()
	cur := st.CurrentBatch()
	if cur == "" {
		return
	}
	if !l.IsBatchFinished(st) {
		return
	}

	items := st.BatchItems(cur)
	errored := 0
	for _, it := range items {
		if !it.State.Terminal() {
			return
		}
		if it.State == ItemError {
			errored++
		}
	}

	final := BatchFinished
	if len(items) > 0 && errored == len(items) {
		final = BatchError
	}

	bd, ok := st.Batch(cur)
	if !ok {
		l.store.Update(func(st *State) { st.setCurrentBatch("") })
		return
	}
	snap := BatchSnapshot{Batch: bd.Batch, Items: items, Options: bd.Options}
	snap.Batch.State = final

	l.bus.Trigger(events.BatchFinish, snap)
	l.logger.Debug("batch finished", "batch", cur, "items", len(items), "state", string(final))

	l.store.Update(func(st *State) {
		for _, it := range items {
			st.purgeItem(it.ID)
		}
		st.removeBatch(cur)
	})
}

// CancelBatchForItem force-cancels the batch owning the item, emits
// batch-cancel, and purges the batch with all of its items.
func (l *Lifecycle) CancelBatchForItem(itemID string) {
	st := l.store.Snapshot()
	it, ok := st.Item(itemID)
	if !ok {
		return
	}
	bd, ok := st.Batch(it.BatchID)
	if !ok {
		return
	}

	items := st.BatchItems(bd.Batch.ID)
	snap := BatchSnapshot{Batch: bd.Batch, Items: items, Options: bd.Options}
	snap.Batch.State = BatchCancelled
	for i := range snap.Items {
		snap.Items[i].State = ItemCancelled
	}

	l.bus.Trigger(events.BatchCancel, snap)
	l.logger.Debug("batch cancelled", "batch", bd.Batch.ID, "items", len(items))

	l.store.Update(func(st *State) {
		for _, id := range bd.Batch.ItemIDs {
			st.purgeItem(id)
		}
		st.removeBatch(bd.Batch.ID)
	})
}

// DetachRecycledFromPreviousBatch removes a recycled item from the batch
// that owned its previous attempt, so the old batch's eventual cleanup
// cannot double-count or retain an item now owned by a new batch.
func (l *Lifecycle) DetachRecycledFromPreviousBatch(it Item) {
	if !it.Recycled || it.PreviousBatch == "" {
		return
	}
	l.store.Update(func(st *State) {
		bd, ok := st.batches[it.PreviousBatch]
		if !ok {
			return
		}
		ids := make([]string, 0, len(bd.Batch.ItemIDs))
		found := false
		for _, id := range bd.Batch.ItemIDs {
			if id == it.ID {
				found = true
				continue
			}
			ids = append(ids, id)
		}
		if !found {
			return
		}
		bd.Batch.ItemIDs = ids
		st.setBatch(bd)
	})
}

// PreparePendingForUpload moves every pending batch and its items to the
// added state and merges the caller's overrides over the batch's stored
// options. A provided-but-cleared override field still overwrites the
// stored value.
func (l *Lifecycle) PreparePendingForUpload(ov options.Overrides) {
	l.store.Update(func(st *State) {
		for id, bd := range st.batches {
			if bd.Batch.State != BatchPending {
				continue
			}
			bd.Batch.State = BatchAdded
			bd.Options = ov.ApplyTo(bd.Options)
			st.batches[id] = bd
			for _, itemID := range bd.Batch.ItemIDs {
				if it, ok := st.items[itemID]; ok {
					it.State = ItemAdded
					st.setItem(it)
				}
			}
		}
	})
}

// RemovePendingBatches garbage-collects batches that never left the
// pending state, together with their items.
func (l *Lifecycle) RemovePendingBatches() {
	l.store.Update(func(st *State) {
		for id, bd := range st.batches {
			if bd.Batch.State != BatchPending {
				continue
			}
			for _, itemID := range bd.Batch.ItemIDs {
				st.purgeItem(itemID)
			}
			st.removeBatch(id)
		}
	})
}

// EnsureNonUploadingBatchCleaned reclaims a batch whose items all reached
// a finalize state without passing through the normal finish path, for
// example when every item was aborted individually.
func (l *Lifecycle) EnsureNonUploadingBatchCleaned(batchID string) {
	st := l.store.Snapshot()
	bd, ok := st.Batch(batchID)
	if !ok {
		return
	}
	items := st.BatchItems(batchID)
	for _, it := range items {
		if !it.State.Terminal() {
			return
		}
	}
	// Items still queued for this batch mean it has not finalized yet.
	for _, id := range st.PendingIDs() {
		if it, ok := st.Item(id); ok && it.BatchID == batchID {
			return
		}
	}

	snap := BatchSnapshot{Batch: bd.Batch, Items: items, Options: bd.Options}
	snap.Batch.State = BatchFinished
	l.bus.Trigger(events.BatchFinish, snap)
	l.logger.Debug("reclaimed finalized batch", "batch", batchID, "items", len(items))

	l.store.Update(func(st *State) {
		for _, id := range bd.Batch.ItemIDs {
			st.purgeItem(id)
		}
		st.removeBatch(batchID)
	})
}
