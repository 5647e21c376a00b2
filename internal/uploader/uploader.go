// Package uploader assembles the upload engine behind one session handle:
// the state store, batch lifecycle, admission scheduler, abort subsystem,
// and senders. Independent sessions share nothing; create one Uploader per
// upload context.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
	"github.com/bytecourier/bytecourier/internal/queue"
	"github.com/bytecourier/bytecourier/internal/sender"
)

// ErrNoFiles indicates Add was called with an empty file list.
var ErrNoFiles = errors.New("no files to add")

// File is one payload handed to Add. Either Path or Data must be set;
// Name defaults to the path's base name.
type File struct {
	Path string
	Name string
	Data []byte
}

// URLResolver computes the destination URL per item. When nil, the options
// URL is used as a literal.
type URLResolver func(it queue.Item, opts options.UploadOptions) string

// Uploader is one upload session.
type Uploader struct {
	opts    options.UploadOptions
	store   *queue.Store
	bus     *events.Bus
	life    *queue.Lifecycle
	sched   *queue.Scheduler
	aborter *queue.Aborter
	direct  sender.Sender
	resolve URLResolver
	logger  *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithSender replaces the direct transport. The chunked sender delegates
// its per-chunk requests to the same transport.
func WithSender(s sender.Sender) Option {
	return func(u *Uploader) { u.direct = s }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithURLResolver sets a per-item destination resolver.
func WithURLResolver(r URLResolver) Option {
	return func(u *Uploader) { u.resolve = r }
}

// New creates an upload session with the given defaults.
func New(opts options.UploadOptions, optFns ...Option) *Uploader {
	u := &Uploader{
		opts:   opts.Normalize(),
		store:  queue.NewStore(),
		bus:    events.NewBus(),
		logger: slog.Default(),
	}
	for _, fn := range optFns {
		fn(u)
	}
	if u.direct == nil {
		u.direct = sender.NewHTTPSender(u.logger)
	}
	u.life = queue.NewLifecycle(u.store, u.bus, u.logger)
	u.sched = queue.NewScheduler(u.store, u.life, u.logger, u.opts.Concurrency, u.startItem)
	u.aborter = queue.NewAborter(u.store, u.life, u.sched, u.bus, u.logger)
	return u
}

// Bus exposes the session's event bus for listener registration.
func (u *Uploader) Bus() *events.Bus {
	return u.bus
}

// On registers a fire-and-forget lifecycle listener.
func (u *Uploader) On(event string, h events.Handler) {
	u.bus.On(event, h)
}

// OnIntercept registers a cancellable lifecycle listener.
func (u *Uploader) OnIntercept(event string, i events.Interceptor) {
	u.bus.OnIntercept(event, i)
}

// Snapshot returns the current immutable queue state.
func (u *Uploader) Snapshot() *queue.State {
	return u.store.Snapshot()
}

// Add submits one batch of files. It registers the batch and its items,
// emits batch-add, and returns before any network I/O. With auto upload
// off the batch stays pending until Upload is called.
func (u *Uploader) Add(files ...File) (queue.BatchSnapshot, error) {
	if len(files) == 0 {
		return queue.BatchSnapshot{}, ErrNoFiles
	}

	batchID := uuid.NewString()
	items := make([]queue.Item, 0, len(files))
	for _, f := range files {
		it, err := newItem(batchID, f)
		if err != nil {
			return queue.BatchSnapshot{}, err
		}
		items = append(items, it)
	}

	return u.submit(batchID, items), nil
}

// Retry resubmits a finalized item for another attempt in a fresh batch.
// The item keeps its identity, is marked recycled, and is detached from
// its previous batch if that batch still lists it.
func (u *Uploader) Retry(it queue.Item) (queue.BatchSnapshot, error) {
	if !it.State.Terminal() {
		return queue.BatchSnapshot{}, fmt.Errorf("item %s has not finalized", it.ID)
	}

	recycled := it
	recycled.Recycled = true
	recycled.PreviousBatch = it.BatchID
	recycled.BatchID = uuid.NewString()
	recycled.State = queue.ItemAdded
	recycled.Loaded = 0
	recycled.Completed = 0

	u.life.DetachRecycledFromPreviousBatch(recycled)
	return u.submit(recycled.BatchID, []queue.Item{recycled}), nil
}

func (u *Uploader) submit(batchID string, items []queue.Item) queue.BatchSnapshot {
	state := queue.BatchAdded
	if !u.opts.AutoUpload {
		state = queue.BatchPending
	}

	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}
	bd := queue.BatchData{
		Batch: queue.Batch{
			ID:      batchID,
			ItemIDs: itemIDs,
			State:   state,
		},
		Options: u.opts.Clone(),
	}
	u.store.AddBatch(bd, items)

	snap := queue.BatchSnapshot{Batch: bd.Batch, Items: items, Options: bd.Options}
	u.bus.Trigger(events.BatchAdd, snap)
	u.logger.Debug("batch added", "batch", batchID, "items", len(items), "deferred", state == queue.BatchPending)

	if u.opts.AutoUpload {
		u.sched.Kick()
	}
	return snap
}

// Upload starts all pending batches, merging the overrides over each
// batch's stored options. A provided-but-cleared override field still
// overwrites the stored value.
func (u *Uploader) Upload(ov options.Overrides) {
	u.life.PreparePendingForUpload(ov)
	u.sched.Kick()
}

// ClearPending drops batches that never left the pending state.
func (u *Uploader) ClearPending() {
	u.life.RemovePendingBatches()
}

// AbortItem aborts one item. Idempotent; unknown and finalized items are
// a no-op.
func (u *Uploader) AbortItem(id string) bool {
	return u.aborter.AbortItem(id)
}

// AbortBatch aborts every non-finalized item of the batch.
func (u *Uploader) AbortBatch(id string) {
	u.aborter.AbortBatch(id)
}

// AbortAll aborts everything and drops batches still pending. Used for
// session teardown.
func (u *Uploader) AbortAll() {
	u.life.RemovePendingBatches()
	u.aborter.AbortAll()
}

// startItem is the scheduler's start callback. It runs on a dedicated
// goroutine per admitted item and settles the item exactly once.
func (u *Uploader) startItem(it queue.Item, bd queue.BatchData) {
	if started, ok := u.store.MarkUploading(it.ID); ok {
		it = started
	}
	u.bus.Trigger(events.ItemStart, it)

	opts := bd.Options
	url := opts.URL
	if u.resolve != nil {
		url = u.resolve(it, opts)
	}

	headers := maps.Clone(opts.Headers)
	snd := u.direct
	if opts.Chunked && it.Size > opts.ChunkSize {
		snd = sender.NewChunkedSender(u.direct, u.bus, u.logger, sender.ChunkedConfig{
			ChunkSize: opts.ChunkSize,
			Retries:   opts.Retries,
			Parallel:  opts.ParallelChunks,
		})
		// Byte-range requests carry no multipart metadata, so the file's
		// identity travels in a header for server-side assembly.
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers["X-Upload-Name"] = it.Name
	}

	sendOpts := sender.SendOptions{
		Method:          opts.Method,
		Headers:         headers,
		Params:          opts.Params,
		WithCredentials: opts.WithCredentials,
	}

	handle := snd.Send(context.Background(), []queue.Item{it}, url, sendOpts, func(p sender.Progress) {
		updated, ok := u.store.UpdateProgress(it.ID, p.Loaded, p.Completed)
		if !ok {
			// The item settled or was purged while the transfer was
			// still reporting.
			return
		}
		u.bus.Trigger(events.ItemProgress, updated)
	})
	u.store.RegisterAbort(it.ID, handle.Abort)

	res := <-handle.Result

	state := queue.ItemError
	switch res.State {
	case sender.ResultFinished:
		state = queue.ItemFinished
	case sender.ResultAborted:
		state = queue.ItemAborted
	}

	if state != queue.ItemAborted {
		if final, ok := u.store.Snapshot().Item(it.ID); ok {
			final.State = state
			u.bus.Trigger(events.ItemFinish, final)
		}
	}
	u.logger.Debug("item settled",
		"item", it.ID, "batch", it.BatchID, "state", string(state), "status", res.Status, "sender", handle.SenderType)

	u.sched.Settle(it.ID, state)
}

func newItem(batchID string, f File) (queue.Item, error) {
	it := queue.Item{
		ID:      uuid.NewString(),
		BatchID: batchID,
		Name:    f.Name,
		Path:    f.Path,
		Data:    f.Data,
		State:   queue.ItemAdded,
	}
	if it.Name == "" && f.Path != "" {
		it.Name = filepath.Base(f.Path)
	}
	if f.Data != nil {
		it.Size = int64(len(f.Data))
		return it, nil
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return queue.Item{}, fmt.Errorf("failed to stat %s: %w", f.Path, err)
	}
	if info.IsDir() {
		return queue.Item{}, fmt.Errorf("%s is a directory", f.Path)
	}
	it.Size = info.Size()
	return it, nil
}
