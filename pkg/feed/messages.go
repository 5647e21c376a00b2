package feed

// Event types carried in envelopes.
const (
	TypeBatchAdded    = "batch_added"
	TypeBatchStarted  = "batch_started"
	TypeBatchFinished = "batch_finished"
	TypeBatchCancel   = "batch_cancelled"
	TypeItemStarted   = "item_started"
	TypeItemProgress  = "item_progress"
	TypeItemFinished  = "item_finished"
	TypeItemAborted   = "item_aborted"
	TypeChunkFinished = "chunk_finished"
	TypeServerNotice  = "server_notice"
)

// BatchEvent reports a batch transition.
type BatchEvent struct {
	BatchID   string `json:"batch_id"`
	State     string `json:"state"`
	ItemCount int    `json:"item_count"`
}

// ItemEvent reports an item transition or a progress update.
type ItemEvent struct {
	ItemID    string  `json:"item_id"`
	BatchID   string  `json:"batch_id"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Size      int64   `json:"size"`
	Loaded    int64   `json:"loaded"`
	Completed float64 `json:"completed"`
	Recycled  bool    `json:"recycled,omitempty"`
}

// ChunkEvent reports a settled byte-range request.
type ChunkEvent struct {
	ItemID  string `json:"item_id"`
	Index   int    `json:"index"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Attempt int    `json:"attempt"`
	Skipped bool   `json:"skipped,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// ServerNotice is emitted by the upload server to its observers.
type ServerNotice struct {
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}
