package sender

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
	"github.com/bytecourier/bytecourier/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCall struct {
	url     string
	opts    SendOptions
	payload []byte
}

// fakeSender scripts per-call outcomes for the chunked sender's inner
// requests.
type fakeSender struct {
	mu      sync.Mutex
	calls   []fakeCall
	results []Result       // consumed in call order; default finished/200
	block   chan struct{}  // when set, calls wait here before settling
}

func (f *fakeSender) Send(ctx context.Context, items []queue.Item, url string, opts SendOptions, onProgress OnProgress) Handle {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, fakeCall{url: url, opts: opts.Clone(), payload: append([]byte(nil), items[0].Data...)})
	res := Result{State: ResultFinished, Status: 200}
	if idx < len(f.results) {
		res = f.results[idx]
	}
	block := f.block
	f.mu.Unlock()

	ch := make(chan Result, 1)
	abortCh := make(chan struct{})
	var once sync.Once

	go func() {
		if block != nil {
			select {
			case <-block:
			case <-abortCh:
				ch <- Result{State: ResultAborted}
				return
			case <-ctx.Done():
				ch <- Result{State: ResultAborted}
				return
			}
		}
		if res.State == ResultFinished && onProgress != nil {
			onProgress(Progress{Loaded: int64(len(items[0].Data)), Completed: 100})
		}
		ch <- res
	}()

	return Handle{
		Result: ch,
		Abort: func() bool {
			once.Do(func() { close(abortCh) })
			return true
		},
		SenderType: "fake",
	}
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func chunkedItem(size int64) queue.Item {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return queue.Item{ID: "item-1", BatchID: "b1", Name: "payload.bin", Data: data, Size: size}
}

func awaitResult(t *testing.T, h Handle) Result {
	t.Helper()
	select {
	case res := <-h.Result:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not settle")
		return Result{}
	}
}

func TestSplitToChunks(t *testing.T) {
	it := chunkedItem(250)
	chunks, err := splitToChunks(it, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantRanges := [][2]int64{{0, 100}, {100, 200}, {200, 250}}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if c.Start != wantRanges[i][0] || c.End != wantRanges[i][1] {
			t.Fatalf("chunk %d has range %d-%d, want %d-%d", i, c.Start, c.End, wantRanges[i][0], wantRanges[i][1])
		}
		if c.Attempt != 0 {
			t.Fatalf("fresh chunk %d has attempt %d", i, c.Attempt)
		}
		if c.ID == "" {
			t.Fatalf("chunk %d missing id", i)
		}
	}
}

func TestSplitToChunksEmptyItem(t *testing.T) {
	if _, err := splitToChunks(queue.Item{Size: 0}, 100); err != ErrEmptyChunk {
		t.Fatalf("expected ErrEmptyChunk, got %v", err)
	}
}

func TestChunkedSendSequential(t *testing.T) {
	fake := &fakeSender{}
	bus := events.NewBus()
	cs := NewChunkedSender(fake, bus, testLogger(), ChunkedConfig{ChunkSize: 100})

	var lastProgress Progress
	var mu sync.Mutex
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(250)}, "https://upload.test/u", SendOptions{}, func(p Progress) {
		mu.Lock()
		lastProgress = p
		mu.Unlock()
	})

	res := awaitResult(t, h)
	if res.State != ResultFinished {
		t.Fatalf("expected finished, got %s (%s)", res.State, res.Response)
	}
	if fake.callCount() != 3 {
		t.Fatalf("expected 3 chunk requests, got %d", fake.callCount())
	}

	wantRanges := []string{"bytes 0-99/250", "bytes 100-199/250", "bytes 200-249/250"}
	for i, want := range wantRanges {
		call := fake.call(i)
		if got := call.opts.Headers["Content-Range"]; got != want {
			t.Fatalf("chunk %d has range header %q, want %q", i, got, want)
		}
		if !call.opts.Raw {
			t.Fatalf("chunk %d not sent raw", i)
		}
	}
	if got := len(fake.call(2).payload); got != 50 {
		t.Fatalf("expected last chunk payload of 50 bytes, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastProgress.Loaded != 250 || lastProgress.Completed != 100 {
		t.Fatalf("expected aggregate progress 250/100%%, got %d/%.0f%%", lastProgress.Loaded, lastProgress.Completed)
	}
}

func TestChunkSkipExcludedFromTransferredBytes(t *testing.T) {
	fake := &fakeSender{}
	bus := events.NewBus()
	bus.OnIntercept(events.ChunkStart, func(p any) events.Resolution {
		data := p.(ChunkStartData)
		if data.Chunk.Index == 1 {
			data.Skip = true
			return events.Override(data)
		}
		return events.Proceed()
	})

	var finishes []ChunkFinishData
	var mu sync.Mutex
	bus.On(events.ChunkFinish, func(p any) {
		mu.Lock()
		finishes = append(finishes, p.(ChunkFinishData))
		mu.Unlock()
	})

	cs := NewChunkedSender(fake, bus, testLogger(), ChunkedConfig{ChunkSize: 100})

	var lastProgress Progress
	var pmu sync.Mutex
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(300)}, "https://upload.test/u", SendOptions{}, func(p Progress) {
		pmu.Lock()
		lastProgress = p
		pmu.Unlock()
	})

	res := awaitResult(t, h)
	if res.State != ResultFinished {
		t.Fatalf("expected finished, got %s", res.State)
	}
	if fake.callCount() != 2 {
		t.Fatalf("expected skipped chunk to make no network call, got %d calls", fake.callCount())
	}

	mu.Lock()
	var skipped int
	for _, f := range finishes {
		if f.Skipped {
			skipped++
			if f.Result.State != ResultFinished {
				t.Fatalf("skipped chunk must finish with a success result, got %s", f.Result.State)
			}
		}
	}
	mu.Unlock()
	if skipped != 1 {
		t.Fatalf("expected exactly one skipped chunk, got %d", skipped)
	}

	pmu.Lock()
	defer pmu.Unlock()
	if lastProgress.Loaded != 200 {
		t.Fatalf("transferred bytes must exclude the skipped chunk: got %d, want 200", lastProgress.Loaded)
	}
	if lastProgress.Completed != 100 {
		t.Fatalf("completion must include the skipped chunk: got %.0f%%", lastProgress.Completed)
	}
}

func TestChunkStartVetoSkips(t *testing.T) {
	fake := &fakeSender{}
	bus := events.NewBus()
	bus.OnIntercept(events.ChunkStart, func(p any) events.Resolution {
		return events.Cancelled()
	})

	cs := NewChunkedSender(fake, bus, testLogger(), ChunkedConfig{ChunkSize: 100})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(200)}, "https://upload.test/u", SendOptions{}, nil)

	res := awaitResult(t, h)
	if res.State != ResultFinished {
		t.Fatalf("expected synthetic success, got %s", res.State)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expected no network calls, got %d", fake.callCount())
	}
}

func TestChunkStartOverrideMergesURLAndOptions(t *testing.T) {
	fake := &fakeSender{}
	bus := events.NewBus()
	bus.OnIntercept(events.ChunkStart, func(p any) events.Resolution {
		data := p.(ChunkStartData)
		data.Overrides = ChunkOverrides{
			URL:    options.Set("https://upload.test/chunk/" + data.Chunk.ID),
			Method: options.Clear[string](),
		}
		return events.Override(data)
	})

	cs := NewChunkedSender(fake, bus, testLogger(), ChunkedConfig{ChunkSize: 100})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(100)}, "https://upload.test/u", SendOptions{Method: "PUT"}, nil)

	res := awaitResult(t, h)
	if res.State != ResultFinished {
		t.Fatalf("expected finished, got %s", res.State)
	}
	call := fake.call(0)
	if !strings.HasPrefix(call.url, "https://upload.test/chunk/") {
		t.Fatalf("expected overridden URL, got %s", call.url)
	}
	if call.opts.Method != "" {
		t.Fatalf("explicitly cleared method must overwrite the base, got %q", call.opts.Method)
	}
}

func TestChunkRetryThenSuccess(t *testing.T) {
	fake := &fakeSender{
		results: []Result{{State: ResultError, Response: "boom", Status: 500}},
	}
	bus := events.NewBus()

	var attempts []int
	var mu sync.Mutex
	bus.OnIntercept(events.ChunkStart, func(p any) events.Resolution {
		data := p.(ChunkStartData)
		mu.Lock()
		attempts = append(attempts, data.Chunk.Attempt)
		mu.Unlock()
		return events.Proceed()
	})

	cs := NewChunkedSender(fake, bus, testLogger(), ChunkedConfig{ChunkSize: 100, Retries: 2})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(100)}, "https://upload.test/u", SendOptions{}, nil)

	res := awaitResult(t, h)
	if res.State != ResultFinished {
		t.Fatalf("expected retry to recover, got %s (%s)", res.State, res.Response)
	}
	if fake.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.callCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Fatalf("expected fresh attempt counters [0 1], got %v", attempts)
	}
}

func TestChunkRetriesExhausted(t *testing.T) {
	fake := &fakeSender{
		results: []Result{
			{State: ResultError, Response: "boom", Status: 500},
			{State: ResultError, Response: "boom", Status: 500},
		},
	}
	cs := NewChunkedSender(fake, events.NewBus(), testLogger(), ChunkedConfig{ChunkSize: 100, Retries: 1})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(100)}, "https://upload.test/u", SendOptions{}, nil)

	res := awaitResult(t, h)
	if res.State != ResultError {
		t.Fatalf("expected error after retries exhausted, got %s", res.State)
	}
	if fake.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", fake.callCount())
	}
}

func TestChunkedAbortStopsSequencing(t *testing.T) {
	fake := &fakeSender{block: make(chan struct{})}
	cs := NewChunkedSender(fake, events.NewBus(), testLogger(), ChunkedConfig{ChunkSize: 100})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(300)}, "https://upload.test/u", SendOptions{}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for fake.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first chunk never started")
		}
		time.Sleep(time.Millisecond)
	}

	if !h.Abort() {
		t.Fatalf("expected abort to be issued before settlement")
	}

	res := awaitResult(t, h)
	if res.State != ResultAborted {
		t.Fatalf("expected aborted result, got %s", res.State)
	}
	if fake.callCount() > 1 {
		t.Fatalf("expected no chunks after the aborted one, got %d calls", fake.callCount())
	}
	if h.Abort() {
		t.Fatalf("second abort after settlement must be a no-op")
	}
}

func TestChunkedSendRejectsMultipleItems(t *testing.T) {
	cs := NewChunkedSender(&fakeSender{}, events.NewBus(), testLogger(), ChunkedConfig{ChunkSize: 100})
	h := cs.Send(context.Background(), []queue.Item{chunkedItem(10), chunkedItem(10)}, "https://upload.test/u", SendOptions{}, nil)
	if res := awaitResult(t, h); res.State != ResultError {
		t.Fatalf("expected rejected send, got %s", res.State)
	}
}
