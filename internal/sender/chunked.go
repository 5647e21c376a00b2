package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
	"github.com/bytecourier/bytecourier/internal/queue"
)

// SenderTypeChunked identifies the chunked sender.
const SenderTypeChunked = "chunked"

var (
	// ErrEmptyChunk indicates chunk slicing produced no data. Fatal for
	// the item; surfaces as a rejected send.
	ErrEmptyChunk = errors.New("chunk slicing produced no data")

	errChunkAborted = errors.New("chunk send aborted")
)

// Chunk is one byte-range slice of an item's payload. Data is materialized
// only immediately before the chunk's own send, bounding peak memory use.
type Chunk struct {
	ID      string
	Index   int
	Start   int64
	End     int64
	Attempt int
}

// Size returns the number of payload bytes the chunk spans.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// splitToChunks builds the ordered chunk sequence for the item. No chunk
// data is read here.
func splitToChunks(it queue.Item, chunkSize int64) ([]Chunk, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if it.Size < 1 {
		return nil, ErrEmptyChunk
	}
	chunks := make([]Chunk, 0, (it.Size+chunkSize-1)/chunkSize)
	for start := int64(0); start < it.Size; start += chunkSize {
		end := start + chunkSize
		if end > it.Size {
			end = it.Size
		}
		chunks = append(chunks, Chunk{
			ID:    uuid.NewString(),
			Index: len(chunks),
			Start: start,
			End:   end,
		})
	}
	return chunks, nil
}

// ChunkStartData is the payload of the cancellable chunk-start hook. A
// veto skips the chunk: it finishes synthetically with no network call.
// Overrides merge over the base URL and options; a provided-but-cleared
// field still overwrites the base value.
type ChunkStartData struct {
	Item       queue.Item
	Chunk      Chunk
	URL        string
	Options    SendOptions
	ChunkCount int
	TotalSize  int64

	// Skip marks the chunk as synthetically finished, equivalent to a
	// veto of the hook.
	Skip bool

	Overrides ChunkOverrides
}

// ChunkOverrides is the partial per-chunk override a listener may return.
type ChunkOverrides struct {
	URL     options.Field[string]
	Method  options.Field[string]
	Headers options.Field[map[string]string]
}

// ChunkFinishData is the payload of the chunk-finish notification.
type ChunkFinishData struct {
	Item   queue.Item
	Chunk  Chunk
	Result Result

	// Skipped marks a chunk that finished synthetically.
	Skipped bool
}

// ChunkedConfig tunes a chunked sender.
type ChunkedConfig struct {
	ChunkSize int64
	// Retries is the number of additional attempts per chunk after a
	// transport failure.
	Retries int
	// Parallel bounds concurrent chunk sends. 1 preserves server-side
	// append ordering; higher values require a server tolerant of
	// out-of-order placement.
	Parallel int
}

func (c ChunkedConfig) normalize() ChunkedConfig {
	out := c
	if out.ChunkSize < 1 {
		out.ChunkSize = options.DefaultChunkSize
	}
	if out.Retries < 0 {
		out.Retries = 0
	}
	if out.Parallel < 1 {
		out.Parallel = 1
	}
	return out
}

// ChunkedSender splits one item into byte-range chunks and sequences their
// transfer through an inner sender, one request per chunk with a
// Content-Range header describing the chunk's span within the whole file.
type ChunkedSender struct {
	inner  Sender
	bus    *events.Bus
	logger *slog.Logger
	cfg    ChunkedConfig
}

// NewChunkedSender creates a chunked sender delegating each chunk request
// to inner.
func NewChunkedSender(inner Sender, bus *events.Bus, logger *slog.Logger, cfg ChunkedConfig) *ChunkedSender {
	return &ChunkedSender{inner: inner, bus: bus, logger: logger, cfg: cfg.normalize()}
}

// Send transfers exactly one item as a sequence of chunk requests.
func (s *ChunkedSender) Send(ctx context.Context, items []queue.Item, url string, opts SendOptions, onProgress OnProgress) Handle {
	if len(items) != 1 {
		return reject(SenderTypeChunked, fmt.Errorf("chunked send requires exactly one item, got %d", len(items)))
	}
	it := items[0]

	chunks, err := splitToChunks(it, s.cfg.ChunkSize)
	if err != nil {
		return reject(SenderTypeChunked, err)
	}

	sendCtx, cancel := context.WithCancel(ctx)
	run := &chunkedRun{
		sender:     s,
		item:       it,
		url:        url,
		opts:       opts,
		onProgress: onProgress,
		cancel:     cancel,
		chunks:     make(map[string]Chunk, len(chunks)),
		order:      chunks,
		loaded:     make(map[string]int64),
		resultCh:   make(chan Result, 1),
	}
	for _, c := range chunks {
		run.chunks[c.ID] = c
	}

	go run.run(sendCtx)

	return Handle{
		Result:     run.resultCh,
		Abort:      run.abort,
		SenderType: SenderTypeChunked,
	}
}

// chunkedRun is the state of one in-flight chunked item send.
type chunkedRun struct {
	sender     *ChunkedSender
	item       queue.Item
	url        string
	opts       SendOptions
	onProgress OnProgress
	cancel     context.CancelFunc
	resultCh   chan Result

	mu        sync.Mutex
	chunks    map[string]Chunk // current chunk snapshots, attempt included
	order     []Chunk
	inflight  map[string]Handle
	loaded    map[string]int64 // per-chunk bytes in flight
	sent      int64            // bytes committed by finished chunks
	completed int64            // bytes finalized, including skipped chunks
	aborted   bool
	settled   bool
	lastRes   Result
}

// abort latches the abort intent and forwards it to every chunk handle
// that already exists; chunks whose handles do not exist yet are covered
// by the latch and never start.
func (r *chunkedRun) abort() bool {
	r.mu.Lock()
	if r.settled || r.aborted {
		r.mu.Unlock()
		return false
	}
	r.aborted = true
	handles := make([]Handle, 0, len(r.inflight))
	for _, h := range r.inflight {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Abort()
	}
	r.cancel()
	return true
}

func (r *chunkedRun) run(ctx context.Context) {
	cfg := r.sender.cfg
	sem := make(chan struct{}, cfg.Parallel)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var fatal error

	for _, c := range r.order {
		r.mu.Lock()
		stop := r.aborted
		r.mu.Unlock()
		errMu.Lock()
		stop = stop || fatal != nil
		errMu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.processChunk(ctx, id); err != nil {
				errMu.Lock()
				if fatal == nil {
					fatal = err
				}
				errMu.Unlock()
				r.cancel()
			}
		}(c.ID)
	}
	wg.Wait()

	r.mu.Lock()
	r.settled = true
	aborted := r.aborted
	last := r.lastRes
	r.mu.Unlock()
	r.cancel()

	switch {
	case aborted:
		r.resultCh <- Result{State: ResultAborted, Response: "upload aborted"}
	case fatal != nil:
		if errors.Is(fatal, errChunkAborted) {
			r.resultCh <- Result{State: ResultAborted, Response: "upload aborted"}
			return
		}
		r.resultCh <- Result{State: ResultError, Response: fatal.Error(), Status: last.Status}
	default:
		if last.Status == 0 {
			// Every chunk was skipped; settle with a synthetic success.
			last = Result{State: ResultFinished, Status: 200}
		}
		last.State = ResultFinished
		r.resultCh <- last
	}
}

// processChunk sends one chunk, retrying transport failures up to the
// configured attempt count. The chunk snapshot is re-read before every
// attempt so the hook always sees current data.
func (r *chunkedRun) processChunk(ctx context.Context, chunkID string) error {
	cfg := r.sender.cfg
	for {
		r.mu.Lock()
		if r.aborted {
			r.mu.Unlock()
			return errChunkAborted
		}
		fresh := r.chunks[chunkID]
		r.mu.Unlock()

		data := ChunkStartData{
			Item:       r.item,
			Chunk:      fresh,
			URL:        r.url,
			Options:    r.opts.Clone(),
			ChunkCount: len(r.order),
			TotalSize:  r.item.Size,
		}
		updated, proceed := events.Intercept(r.sender.bus, events.ChunkStart, data)
		if !proceed || updated.Skip {
			r.finishChunk(fresh, 0, Result{State: ResultFinished, Status: 200}, true)
			return nil
		}

		url := updated.Overrides.URL.Apply(updated.URL)
		opts := updated.Options
		opts.Method = updated.Overrides.Method.Apply(opts.Method)
		opts.Headers = updated.Overrides.Headers.Apply(opts.Headers)
		opts = opts.Clone()
		opts.Raw = true
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", fresh.Start, fresh.End-1, r.item.Size)

		payload, err := materializeChunk(r.item, fresh)
		if err != nil {
			return err
		}

		chunkItem := queue.Item{
			ID:   fresh.ID,
			Name: r.item.Name,
			Data: payload,
			Size: int64(len(payload)),
		}
		handle := r.sender.inner.Send(ctx, []queue.Item{chunkItem}, url, opts, func(p Progress) {
			r.reportChunkProgress(fresh.ID, p.Loaded)
		})

		r.mu.Lock()
		if r.aborted {
			r.mu.Unlock()
			handle.Abort()
			return errChunkAborted
		}
		if r.inflight == nil {
			r.inflight = make(map[string]Handle)
		}
		r.inflight[fresh.ID] = handle
		r.mu.Unlock()

		res := <-handle.Result

		r.mu.Lock()
		delete(r.inflight, fresh.ID)
		r.mu.Unlock()

		switch res.State {
		case ResultFinished:
			r.finishChunk(fresh, fresh.Size(), res, false)
			return nil
		case ResultAborted:
			return errChunkAborted
		default:
			r.sender.bus.Trigger(events.ChunkFinish, ChunkFinishData{Item: r.item, Chunk: fresh, Result: res})
			if fresh.Attempt >= cfg.Retries {
				return fmt.Errorf("chunk %d failed after %d attempts: %s", fresh.Index, fresh.Attempt+1, res.Response)
			}
			r.mu.Lock()
			fresh.Attempt++
			r.chunks[chunkID] = fresh
			r.loaded[chunkID] = 0
			r.mu.Unlock()
			r.sender.logger.Debug("retrying chunk",
				"item", r.item.ID, "chunk", fresh.Index, "attempt", fresh.Attempt)
		}
	}
}

// finishChunk commits a settled chunk to the item aggregate and emits
// chunk-finish. transferred is 0 for skipped chunks: their bytes count
// toward completion but not toward bytes transferred.
func (r *chunkedRun) finishChunk(c Chunk, transferred int64, res Result, skipped bool) {
	r.mu.Lock()
	delete(r.loaded, c.ID)
	r.sent += transferred
	r.completed += c.Size()
	r.lastRes = res
	r.mu.Unlock()

	r.emitProgress()
	r.sender.bus.Trigger(events.ChunkFinish, ChunkFinishData{
		Item:    r.item,
		Chunk:   c,
		Result:  res,
		Skipped: skipped,
	})
}

func (r *chunkedRun) reportChunkProgress(chunkID string, loaded int64) {
	r.mu.Lock()
	r.loaded[chunkID] = loaded
	r.mu.Unlock()
	r.emitProgress()
}

// emitProgress folds chunk-scoped progress into the owning item's
// aggregate counters.
func (r *chunkedRun) emitProgress() {
	if r.onProgress == nil {
		return
	}
	r.mu.Lock()
	transferred := r.sent
	inflight := int64(0)
	for _, n := range r.loaded {
		inflight += n
	}
	finalized := r.completed
	r.mu.Unlock()

	completed := float64(100)
	if r.item.Size > 0 {
		completed = float64(finalized+inflight) / float64(r.item.Size) * 100
	}
	r.onProgress(Progress{Loaded: transferred + inflight, Completed: completed})
}

// materializeChunk reads exactly the chunk's byte span.
func materializeChunk(it queue.Item, c Chunk) ([]byte, error) {
	if c.Size() < 1 {
		return nil, ErrEmptyChunk
	}
	if it.Data != nil {
		if c.End > int64(len(it.Data)) || c.Start >= c.End {
			return nil, ErrEmptyChunk
		}
		return it.Data[c.Start:c.End], nil
	}

	f, err := os.Open(it.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload for %s: %w", it.ID, err)
	}
	defer f.Close()

	buf := make([]byte, c.Size())
	n, err := f.ReadAt(buf, c.Start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", c.Index, it.ID, err)
	}
	if n == 0 {
		return nil, ErrEmptyChunk
	}
	return buf[:n], nil
}
