package queue

import (
	"maps"
	"slices"
	"sync"
)

// AbortFunc cancels one in-flight send. It reports whether an abort was
// actually issued.
type AbortFunc func() bool

// State is one immutable snapshot of the queue. Published states are never
// mutated; mutators operate on a private clone inside Store.Update, so a
// snapshot held by a caller can never change underneath it.
type State struct {
	items        map[string]Item
	pending      []string
	batches      map[string]BatchData
	currentBatch string
	active       map[string]struct{}
	aborts       map[string]AbortFunc
}

func newState() *State {
	return &State{
		items:   make(map[string]Item),
		batches: make(map[string]BatchData),
		active:  make(map[string]struct{}),
		aborts:  make(map[string]AbortFunc),
	}
}

func (st *State) clone() *State {
	return &State{
		items:        maps.Clone(st.items),
		pending:      slices.Clone(st.pending),
		batches:      maps.Clone(st.batches),
		currentBatch: st.currentBatch,
		active:       maps.Clone(st.active),
		aborts:       maps.Clone(st.aborts),
	}
}

// Item returns a copy of the tracked item.
func (st *State) Item(id string) (Item, bool) {
	it, ok := st.items[id]
	return it, ok
}

// Batch returns a detached copy of the batch and its options.
func (st *State) Batch(id string) (BatchData, bool) {
	bd, ok := st.batches[id]
	if !ok {
		return BatchData{}, false
	}
	bd.Batch.ItemIDs = slices.Clone(bd.Batch.ItemIDs)
	bd.Options = bd.Options.Clone()
	return bd, true
}

// BatchItems returns copies of every item the batch still tracks.
func (st *State) BatchItems(batchID string) []Item {
	bd, ok := st.batches[batchID]
	if !ok {
		return nil
	}
	items := make([]Item, 0, len(bd.Batch.ItemIDs))
	for _, id := range bd.Batch.ItemIDs {
		if it, ok := st.items[id]; ok {
			items = append(items, it)
		}
	}
	return items
}

// PendingIDs returns a copy of the pending sequence in FIFO order.
func (st *State) PendingIDs() []string {
	return slices.Clone(st.pending)
}

// HeadPending returns the id at the head of the pending sequence.
func (st *State) HeadPending() (string, bool) {
	if len(st.pending) == 0 {
		return "", false
	}
	return st.pending[0], true
}

// CurrentBatch returns the id of the batch currently allowed to progress,
// or "" when no batch has passed the start gate.
func (st *State) CurrentBatch() string {
	return st.currentBatch
}

// ActiveCount returns the number of in-flight item sends.
func (st *State) ActiveCount() int {
	return len(st.active)
}

// IsActive reports whether the item has an in-flight send.
func (st *State) IsActive(id string) bool {
	_, ok := st.active[id]
	return ok
}

// BatchIDs returns the ids of all live batches.
func (st *State) BatchIDs() []string {
	ids := slices.Collect(maps.Keys(st.batches))
	slices.Sort(ids)
	return ids
}

// ItemIDs returns the ids of all tracked items.
func (st *State) ItemIDs() []string {
	ids := slices.Collect(maps.Keys(st.items))
	slices.Sort(ids)
	return ids
}

// Mutators below run only inside Store.Update on a private clone. They
// replace slices instead of editing them in place so earlier snapshots
// keep their own backing arrays.

func (st *State) setItem(it Item) {
	st.items[it.ID] = it
}

func (st *State) enqueue(id string) {
	st.pending = append(slices.Clone(st.pending), id)
}

func (st *State) removeFromPending(id string) {
	st.pending = slices.DeleteFunc(slices.Clone(st.pending), func(p string) bool {
		return p == id
	})
}

func (st *State) purgeItem(id string) {
	delete(st.items, id)
	delete(st.active, id)
	delete(st.aborts, id)
	st.removeFromPending(id)
}

func (st *State) setBatch(bd BatchData) {
	st.batches[bd.Batch.ID] = bd
}

func (st *State) setBatchState(id string, state BatchState) {
	if bd, ok := st.batches[id]; ok {
		bd.Batch.State = state
		st.batches[id] = bd
	}
}

func (st *State) removeBatch(id string) {
	delete(st.batches, id)
	if st.currentBatch == id {
		st.currentBatch = ""
	}
}

func (st *State) setCurrentBatch(id string) {
	st.currentBatch = id
}

func (st *State) activate(id string) {
	st.active[id] = struct{}{}
}

func (st *State) deactivate(id string) {
	delete(st.active, id)
}

func (st *State) setAbort(id string, fn AbortFunc) {
	st.aborts[id] = fn
}

// Store owns the live queue state. Every mutation funnels through Update,
// which publishes a fresh immutable snapshot; readers only ever see
// published snapshots.
type Store struct {
	mu    sync.Mutex
	state *State
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Snapshot returns the current published state.
func (s *Store) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update clones the current state, applies fn to the clone, publishes it
// atomically, and returns the new snapshot. fn must not retain the clone.
func (s *Store) Update(fn func(*State)) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	fn(next)
	s.state = next
	return next
}

// Add inserts the item and appends it to the pending sequence, preserving
// submission order.
func (s *Store) Add(it Item) {
	s.Update(func(st *State) {
		st.setItem(it)
		st.enqueue(it.ID)
	})
}

// AddBatch registers the batch with its effective options and adds all of
// its items. It performs no I/O.
func (s *Store) AddBatch(bd BatchData, items []Item) {
	s.Update(func(st *State) {
		st.setBatch(bd)
		for _, it := range items {
			st.setItem(it)
			st.enqueue(it.ID)
		}
	})
}

// UpdateProgress atomically updates the item's progress counters and
// returns the updated copy. Progress for an untracked item is silently
// dropped: the item may have been aborted and purged while the transfer
// was still reporting.
func (s *Store) UpdateProgress(id string, loaded int64, completed float64) (Item, bool) {
	var updated Item
	var ok bool
	s.Update(func(st *State) {
		it, found := st.items[id]
		if !found || it.State.Terminal() {
			return
		}
		it.Loaded = loaded
		it.Completed = completed
		st.setItem(it)
		updated, ok = it, true
	})
	return updated, ok
}

// MarkUploading transitions an admitted item into the uploading state and
// returns the updated copy. Items that already finalized are left alone.
func (s *Store) MarkUploading(id string) (Item, bool) {
	var updated Item
	var ok bool
	s.Update(func(st *State) {
		it, found := st.items[id]
		if !found || it.State.Terminal() {
			return
		}
		it.State = ItemUploading
		st.setItem(it)
		updated, ok = it, true
	})
	return updated, ok
}

// RegisterAbort records the abort callback for an in-flight item send.
func (s *Store) RegisterAbort(id string, fn AbortFunc) {
	s.Update(func(st *State) {
		st.setAbort(id, fn)
	})
}

// AbortCallback returns the registered abort callback for the item.
func (s *Store) AbortCallback(id string) (AbortFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.state.aborts[id]
	return fn, ok
}
