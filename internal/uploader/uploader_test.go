package uploader

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/options"
	"github.com/bytecourier/bytecourier/internal/queue"
	"github.com/bytecourier/bytecourier/internal/sender"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sendCall struct {
	items []queue.Item
	url   string
	opts  sender.SendOptions
}

// fakeSender records every request and settles it successfully, optionally
// holding each send until a token arrives on gate.
type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	gate  chan struct{}
	res   sender.Result
}

func (f *fakeSender) Send(ctx context.Context, items []queue.Item, url string, opts sender.SendOptions, onProgress sender.OnProgress) sender.Handle {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{items: slices.Clone(items), url: url, opts: opts.Clone()})
	gate := f.gate
	res := f.res
	f.mu.Unlock()

	resultCh := make(chan sender.Result, 1)
	cancel := make(chan struct{})
	var settled, cancelled atomic.Bool

	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-cancel:
				settled.Store(true)
				resultCh <- sender.Result{State: sender.ResultAborted}
				return
			}
		}
		if onProgress != nil {
			var total int64
			for _, it := range items {
				total += it.Size
			}
			onProgress(sender.Progress{Loaded: total, Completed: 100})
		}
		if res.State == "" {
			res = sender.Result{State: sender.ResultFinished, Status: 200}
		}
		settled.Store(true)
		resultCh <- res
	}()

	return sender.Handle{
		Result: resultCh,
		Abort: func() bool {
			if settled.Load() || !cancelled.CompareAndSwap(false, true) {
				return false
			}
			close(cancel)
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

func (f *fakeSender) call(i int) sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// finishRecorder collects batch-finish snapshots.
type finishRecorder struct {
	mu      sync.Mutex
	batches []queue.BatchSnapshot
}

func (r *finishRecorder) listen(u *Uploader) {
	u.On(events.BatchFinish, func(payload any) {
		snap := payload.(queue.BatchSnapshot)
		r.mu.Lock()
		r.batches = append(r.batches, snap)
		r.mu.Unlock()
	})
}

func (r *finishRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *finishRecorder) batch(i int) queue.BatchSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func TestAutoUploadSendsEachItemAndReclaimsBatch(t *testing.T) {
	fake := &fakeSender{}
	u := New(options.UploadOptions{
		URL:        "https://upload.test/u",
		AutoUpload: true,
		Params:     map[string]string{"session": "s1"},
	}, WithSender(fake), WithLogger(testLogger()))

	var fin finishRecorder
	fin.listen(u)

	var started []string
	var progressed []int64
	var mu sync.Mutex
	u.On(events.ItemStart, func(payload any) {
		it := payload.(queue.Item)
		mu.Lock()
		started = append(started, it.Name)
		mu.Unlock()
	})
	u.On(events.ItemProgress, func(payload any) {
		it := payload.(queue.Item)
		mu.Lock()
		progressed = append(progressed, it.Loaded)
		mu.Unlock()
	})

	snap, err := u.Add(
		File{Name: "a.txt", Data: []byte("alpha")},
		File{Name: "b.txt", Data: []byte("beta")},
	)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(snap.Items) != 2 || snap.Batch.State != queue.BatchAdded {
		t.Fatalf("unexpected add snapshot: %d items, state %s", len(snap.Items), snap.Batch.State)
	}

	waitFor(t, "batch finish", func() bool { return fin.count() == 1 })

	final := fin.batch(0)
	if final.Batch.State != queue.BatchFinished || len(final.Items) != 2 {
		t.Fatalf("unexpected final batch: state %s, %d items", final.Batch.State, len(final.Items))
	}
	for _, it := range final.Items {
		if it.State != queue.ItemFinished {
			t.Fatalf("item %s finished in state %s", it.Name, it.State)
		}
	}

	if fake.callCount() != 2 {
		t.Fatalf("expected one request per item, got %d", fake.callCount())
	}
	for i := 0; i < 2; i++ {
		call := fake.call(i)
		if len(call.items) != 1 {
			t.Fatalf("call %d carried %d items", i, len(call.items))
		}
		if call.url != "https://upload.test/u" {
			t.Fatalf("call %d sent to %s", i, call.url)
		}
		if call.opts.Params["session"] != "s1" {
			t.Fatalf("call %d missing form params: %v", i, call.opts.Params)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 2 {
		t.Fatalf("expected 2 item-start events, got %v", started)
	}
	if len(progressed) == 0 {
		t.Fatalf("expected progress events")
	}

	if ids := u.Snapshot().ItemIDs(); len(ids) != 0 {
		t.Fatalf("expected reclaimed store, still tracking %v", ids)
	}
}

func TestDeferredBatchWaitsForUploadAndMergesOverrides(t *testing.T) {
	fake := &fakeSender{}
	u := New(options.UploadOptions{
		URL:    "https://upload.test/base",
		Params: map[string]string{"keep": "no"},
	}, WithSender(fake), WithLogger(testLogger()))

	var fin finishRecorder
	fin.listen(u)

	if _, err := u.Add(File{Name: "a.txt", Data: []byte("alpha")}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if fake.callCount() != 0 {
		t.Fatalf("deferred batch must not send before upload is requested")
	}

	u.Upload(options.Overrides{
		URL:    options.Set("https://upload.test/override"),
		Params: options.Clear[map[string]string](),
	})

	waitFor(t, "deferred batch finish", func() bool { return fin.count() == 1 })

	call := fake.call(0)
	if call.url != "https://upload.test/override" {
		t.Fatalf("override url not applied, sent to %s", call.url)
	}
	if len(call.opts.Params) != 0 {
		t.Fatalf("cleared params still sent: %v", call.opts.Params)
	}
}

func TestRetryDetachesItemFromPreviousBatch(t *testing.T) {
	fake := &fakeSender{gate: make(chan struct{})}
	u := New(options.UploadOptions{
		URL:         "https://upload.test/u",
		AutoUpload:  true,
		Concurrency: 1,
	}, WithSender(fake), WithLogger(testLogger()))

	var fin finishRecorder
	fin.listen(u)

	var aborted queue.Item
	var abortedSet atomic.Bool
	u.On(events.ItemAbort, func(payload any) {
		aborted = payload.(queue.Item)
		abortedSet.Store(true)
	})

	snap, err := u.Add(
		File{Name: "a.txt", Data: []byte("alpha")},
		File{Name: "b.txt", Data: []byte("beta")},
	)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	firstBatch := snap.Batch.ID

	// Item a is in flight; b is still queued behind the concurrency cap.
	waitFor(t, "first item in flight", func() bool { return fake.callCount() == 1 })

	if !u.AbortItem(snap.Items[1].ID) {
		t.Fatalf("expected abort of queued item to transition it")
	}
	waitFor(t, "abort notification", func() bool { return abortedSet.Load() })

	retrySnap, err := u.Retry(aborted)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retrySnap.Batch.ID == firstBatch {
		t.Fatalf("retry must open a fresh batch")
	}
	if it := retrySnap.Items[0]; !it.Recycled || it.PreviousBatch != firstBatch || it.ID != aborted.ID {
		t.Fatalf("unexpected recycled item: %+v", it)
	}

	// Let a finish; the retried item follows in its own batch.
	fake.gate <- struct{}{}
	waitFor(t, "first batch finish", func() bool { return fin.count() >= 1 })

	first := fin.batch(0)
	if first.Batch.ID != firstBatch {
		t.Fatalf("expected first batch to finish first, got %s", first.Batch.ID)
	}
	if len(first.Items) != 1 || first.Items[0].Name != "a.txt" {
		t.Fatalf("recycled item still counted in previous batch: %+v", first.Items)
	}

	fake.gate <- struct{}{}
	waitFor(t, "retry batch finish", func() bool { return fin.count() == 2 })

	second := fin.batch(1)
	if second.Batch.ID != retrySnap.Batch.ID || second.Items[0].State != queue.ItemFinished {
		t.Fatalf("unexpected retry outcome: %+v", second)
	}
}

func TestChunkedTransportForLargeItemsOnly(t *testing.T) {
	fake := &fakeSender{}
	u := New(options.UploadOptions{
		URL:         "https://upload.test/u",
		AutoUpload:  true,
		Concurrency: 1,
		Chunked:     true,
		ChunkSize:   4,
	}, WithSender(fake), WithLogger(testLogger()))

	var fin finishRecorder
	fin.listen(u)

	if _, err := u.Add(
		File{Name: "big.bin", Data: []byte("0123456789")},
		File{Name: "small.bin", Data: []byte("xyz")},
	); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	waitFor(t, "batch finish", func() bool { return fin.count() == 1 })

	if fake.callCount() != 4 {
		t.Fatalf("expected 3 chunk requests plus 1 direct request, got %d", fake.callCount())
	}

	wantRanges := []string{"bytes 0-3/10", "bytes 4-7/10", "bytes 8-9/10"}
	for i, want := range wantRanges {
		call := fake.call(i)
		if !call.opts.Raw {
			t.Fatalf("chunk request %d not raw", i)
		}
		if got := call.opts.Headers["Content-Range"]; got != want {
			t.Fatalf("chunk %d range = %q, want %q", i, got, want)
		}
	}

	direct := fake.call(3)
	if direct.opts.Raw || direct.items[0].Name != "small.bin" {
		t.Fatalf("small item should go out directly: %+v", direct)
	}
}

func TestAbortAllTearsDownActiveAndPending(t *testing.T) {
	fake := &fakeSender{gate: make(chan struct{})}
	u := New(options.UploadOptions{
		URL:         "https://upload.test/u",
		AutoUpload:  true,
		Concurrency: 1,
	}, WithSender(fake), WithLogger(testLogger()))

	var aborts atomic.Int32
	u.On(events.ItemAbort, func(payload any) { aborts.Add(1) })

	if _, err := u.Add(
		File{Name: "a.txt", Data: []byte("alpha")},
		File{Name: "b.txt", Data: []byte("beta")},
	); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	waitFor(t, "first item in flight", func() bool { return fake.callCount() == 1 })

	u.AbortAll()

	waitFor(t, "both items aborted", func() bool { return aborts.Load() == 2 })
	waitFor(t, "store reclaimed", func() bool {
		st := u.Snapshot()
		return len(st.ItemIDs()) == 0 && len(st.BatchIDs()) == 0
	})

	if fake.callCount() != 1 {
		t.Fatalf("queued item must not start after teardown, got %d calls", fake.callCount())
	}
}

func TestAddRejectsEmptyAndMissingFiles(t *testing.T) {
	u := New(options.UploadOptions{URL: "https://upload.test/u"}, WithSender(&fakeSender{}), WithLogger(testLogger()))

	if _, err := u.Add(); err != ErrNoFiles {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if _, err := u.Add(File{Path: "/nonexistent/nope.bin"}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRetryRejectsLiveItem(t *testing.T) {
	u := New(options.UploadOptions{URL: "https://upload.test/u"}, WithSender(&fakeSender{}), WithLogger(testLogger()))
	if _, err := u.Retry(queue.Item{ID: "x", State: queue.ItemUploading}); err == nil {
		t.Fatalf("expected retry of a live item to fail")
	}
}

func TestURLResolverOverridesLiteral(t *testing.T) {
	fake := &fakeSender{}
	u := New(options.UploadOptions{
		URL:        "https://upload.test/u",
		AutoUpload: true,
	}, WithSender(fake), WithLogger(testLogger()), WithURLResolver(func(it queue.Item, opts options.UploadOptions) string {
		return opts.URL + "/" + it.Name
	}))

	var fin finishRecorder
	fin.listen(u)

	if _, err := u.Add(File{Name: "a.txt", Data: []byte("alpha")}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	waitFor(t, "batch finish", func() bool { return fin.count() == 1 })

	if got := fake.call(0).url; got != "https://upload.test/u/a.txt" {
		t.Fatalf("resolver not applied, sent to %s", got)
	}
}
