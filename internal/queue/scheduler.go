package queue

import (
	"log/slog"
	"sync"
)

// StartFunc initiates the asynchronous send for an admitted item. The
// implementation must call Settle exactly once when the send reaches a
// terminal outcome.
type StartFunc func(it Item, bd BatchData)

// Scheduler is the admission-control loop. It admits pending items in FIFO
// order under the concurrency cap, runs the batch-start gate at batch
// boundaries, and re-runs itself on every settlement.
type Scheduler struct {
	store  *Store
	life   *Lifecycle
	logger *slog.Logger
	limit  int
	start  StartFunc

	mu         sync.Mutex
	scheduling bool
	kicked     bool
}

// NewScheduler creates a scheduler admitting at most limit concurrent
// sends.
func NewScheduler(store *Store, life *Lifecycle, logger *slog.Logger, limit int, start StartFunc) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		store:  store,
		life:   life,
		logger: logger,
		limit:  limit,
		start:  start,
	}
}

// Kick runs the admission loop until no further item can start. Only one
// loop runs at a time; overlapping kicks are coalesced into one extra
// pass, preserving the single-writer discipline around the batch-start
// gate.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	if s.scheduling {
		s.kicked = true
		s.mu.Unlock()
		return
	}
	s.scheduling = true
	s.mu.Unlock()

	for {
		for s.admitNext() {
		}
		s.mu.Lock()
		if s.kicked {
			s.kicked = false
			s.mu.Unlock()
			continue
		}
		s.scheduling = false
		s.mu.Unlock()
		return
	}
}

// admitNext tries to make one unit of progress: admit the head item, drop
// a stale queue entry, or cancel a vetoed batch. It returns false when the
// queue cannot progress right now (cap reached, batch boundary waiting for
// drain, deferred batch, or nothing pending).
func (s *Scheduler) admitNext() bool {
	st := s.store.Snapshot()
	if st.ActiveCount() >= s.limit {
		return false
	}
	head, ok := st.HeadPending()
	if !ok {
		return false
	}

	it, ok := st.Item(head)
	if !ok || it.State.Terminal() {
		// Stale entry: the item was purged or finalized while queued.
		s.store.Update(func(st *State) { st.removeFromPending(head) })
		return true
	}

	if bd, ok := st.Batch(it.BatchID); ok && bd.Batch.State == BatchPending {
		// Deferred batch awaiting an explicit upload call. FIFO order is
		// strict, so later batches wait behind it.
		return false
	}

	if s.life.IsNewBatchStarting(st, head) {
		// Batch boundary: a full synchronization point. No item of the
		// next batch starts while any earlier send is still in flight.
		if st.ActiveCount() > 0 {
			return false
		}
		if !s.life.LoadNewBatchForItem(head) {
			s.life.CancelBatchForItem(head)
			return true
		}
	}

	var admitted Item
	var batch BatchData
	found := false
	s.store.Update(func(st *State) {
		inner, ok := st.items[head]
		if !ok || inner.State.Terminal() {
			st.removeFromPending(head)
			return
		}
		bd, ok := st.batches[inner.BatchID]
		if !ok {
			st.removeFromPending(head)
			return
		}
		st.removeFromPending(head)
		st.activate(head)
		inner.State = ItemProcessing
		st.setItem(inner)
		if bd.Batch.State == BatchAdded || bd.Batch.State == BatchProcessing {
			bd.Batch.State = BatchUploading
			st.setBatch(bd)
		}
		admitted = inner
		batch = bd
		found = true
	})
	if !found {
		return true
	}

	s.logger.Debug("admitted item", "item", admitted.ID, "batch", admitted.BatchID)
	go s.start(admitted, batch)
	return true
}

// Settle records the terminal outcome of an admitted item and resumes the
// loop. When the item already finalized (an abort that raced completion),
// the earlier state stands and the settlement is a no-op transition.
func (s *Scheduler) Settle(itemID string, state ItemState) {
	s.store.Update(func(st *State) {
		st.deactivate(itemID)
		delete(st.aborts, itemID)
		it, ok := st.items[itemID]
		if !ok || it.State.Terminal() {
			return
		}
		it.State = state
		st.setItem(it)
	})
	s.life.CleanUpFinishedBatch()
	s.Kick()
}
