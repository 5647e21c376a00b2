package queue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline expires. Sends settle
// on their own goroutines, so tests synchronize by observing state.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func makeItem(id, batchID string, size int64) Item {
	return Item{
		ID:      id,
		BatchID: batchID,
		Name:    id + ".bin",
		Size:    size,
		State:   ItemAdded,
	}
}

// addBatch registers a batch in the given state with one item per id.
func addBatch(store *Store, batchID string, state BatchState, itemIDs ...string) {
	items := make([]Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, makeItem(id, batchID, 100))
	}
	bd := BatchData{
		Batch: Batch{
			ID:      batchID,
			ItemIDs: append([]string(nil), itemIDs...),
			State:   state,
		},
		Options: options.UploadOptions{URL: "https://upload.test/u"}.Normalize(),
	}
	store.AddBatch(bd, items)
}

type rig struct {
	store *Store
	bus   *events.Bus
	life  *Lifecycle
	sched *Scheduler
	abort *Aborter
}

// newRig wires a store, lifecycle, scheduler, and aborter around the given
// start func.
func newRig(limit int, start StartFunc) *rig {
	r := &rig{
		store: NewStore(),
		bus:   events.NewBus(),
	}
	logger := testLogger()
	r.life = NewLifecycle(r.store, r.bus, logger)
	if start == nil {
		start = func(it Item, bd BatchData) {}
	}
	r.sched = NewScheduler(r.store, r.life, logger, limit, start)
	r.abort = NewAborter(r.store, r.life, r.sched, r.bus, logger)
	return r
}
