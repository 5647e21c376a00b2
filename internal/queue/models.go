// Package queue holds the upload queue: the copy-on-write state store, the
// batch lifecycle manager, the FIFO admission scheduler, and the abort
// subsystem. All mutation funnels through the store; the other components
// are built entirely on its snapshot/update operations.
package queue

import (
	"github.com/bytecourier/bytecourier/internal/options"
)

// ItemState is the lifecycle of a single upload item.
type ItemState string

const (
	ItemAdded      ItemState = "added"
	ItemProcessing ItemState = "processing"
	ItemUploading  ItemState = "uploading"
	ItemFinished   ItemState = "finished"
	ItemError      ItemState = "error"
	ItemCancelled  ItemState = "cancelled"
	ItemAborted    ItemState = "aborted"
)

// Terminal reports whether the state finalizes the item. Finalized items
// are eligible for purge and ignore late progress or abort signals.
func (s ItemState) Terminal() bool {
	switch s {
	case ItemFinished, ItemError, ItemCancelled, ItemAborted:
		return true
	}
	return false
}

// BatchState is the lifecycle of a submitted batch.
type BatchState string

const (
	// BatchPending is entered only by deferred batches awaiting an
	// explicit upload call.
	BatchPending    BatchState = "pending"
	BatchAdded      BatchState = "added"
	BatchProcessing BatchState = "processing"
	BatchUploading  BatchState = "uploading"
	BatchFinished   BatchState = "finished"
	BatchCancelled  BatchState = "cancelled"
	BatchError      BatchState = "error"
)

// Terminal reports whether the state finalizes the batch. A terminal batch
// is purged from the store together with its items.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchFinished, BatchCancelled, BatchError:
		return true
	}
	return false
}

// Item is one file or payload unit tracked through the queue.
type Item struct {
	ID      string
	BatchID string
	Name    string

	// Path references a file on disk; Data carries an in-memory payload.
	// Exactly one of the two should be set.
	Path string
	Data []byte

	Size  int64
	State ItemState

	// Loaded counts bytes actually transferred; Completed is the percent
	// of the item considered done, including synthetically finished spans.
	Loaded    int64
	Completed float64

	// Recycled marks an item resubmitted after a prior attempt ended.
	// PreviousBatch then names the batch that owned the earlier attempt.
	Recycled      bool
	PreviousBatch string
}

// Batch is a group of items sharing one submission and lifecycle.
type Batch struct {
	ID      string
	ItemIDs []string
	State   BatchState
}

// BatchData pairs a batch with its effective upload options.
type BatchData struct {
	Batch   Batch
	Options options.UploadOptions
}

// BatchSnapshot is a detached copy of a batch and its items, safe to hand
// to listeners: later store mutations cannot reach it.
type BatchSnapshot struct {
	Batch   Batch
	Items   []Item
	Options options.UploadOptions
}
