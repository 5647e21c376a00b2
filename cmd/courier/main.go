package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bytecourier/bytecourier/internal/config"
	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/logging"
	"github.com/bytecourier/bytecourier/internal/options"
	"github.com/bytecourier/bytecourier/internal/progress"
	"github.com/bytecourier/bytecourier/internal/queue"
	"github.com/bytecourier/bytecourier/internal/sender"
	"github.com/bytecourier/bytecourier/internal/termio"
	"github.com/bytecourier/bytecourier/internal/uploader"
	"github.com/bytecourier/bytecourier/internal/wsfeed"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	args := os.Args[1:]
	if hasHelpFlag(args) {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), "courier "+version)
		return
	}

	cfg := config.ParseClientConfig()
	logger := logging.New("courier", cfg.LogLevel)

	if len(cfg.Paths) == 0 {
		fmt.Fprintln(termio.Stderr(), "no files to upload")
		printUsage()
		os.Exit(2)
	}

	opts := options.UploadOptions{
		URL:             cfg.URL,
		Method:          cfg.Method,
		Headers:         config.ParseKeyValues(cfg.Headers),
		Params:          config.ParseKeyValues(cfg.Params),
		WithCredentials: cfg.WithCredentials,
		Concurrency:     cfg.Concurrency,
		Chunked:         cfg.Chunked,
		ChunkSize:       cfg.ChunkSize,
		Retries:         cfg.Retries,
		ParallelChunks:  cfg.ParallelChunks,
	}

	var httpOpts []sender.HTTPOption
	if cfg.HTTP3 {
		httpOpts = append(httpOpts, sender.WithHTTP3())
	}

	u := uploader.New(opts,
		uploader.WithSender(sender.NewHTTPSender(logger, httpOpts...)),
		uploader.WithLogger(logger),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.FeedURL != "" {
		conn, err := wsfeed.Dial(ctx, cfg.FeedURL, logger)
		if err != nil {
			logger.Warn("live feed unavailable", "url", cfg.FeedURL, "error", err)
		} else {
			defer conn.Close()
			wsfeed.NewPublisher(conn, logger).Attach(u.Bus())
		}
	}

	tracker := newTracker(cfg.URL)
	tracker.attach(u)

	done := make(chan queue.BatchSnapshot, 1)
	u.On(events.BatchFinish, func(payload any) {
		if snap, ok := payload.(queue.BatchSnapshot); ok {
			select {
			case done <- snap:
			default:
			}
		}
	})

	files := make([]uploader.File, 0, len(cfg.Paths))
	for _, path := range cfg.Paths {
		files = append(files, uploader.File{Path: path})
	}
	if _, err := u.Add(files...); err != nil {
		fmt.Fprintf(termio.Stderr(), "cannot queue files: %v\n", err)
		os.Exit(1)
	}

	stopUI := func() {}
	if !cfg.NoUI {
		stopUI = progress.Render(ctx, termio.Stdout(), tracker.view)
	}

	started := time.Now()
	u.Upload(options.Overrides{})

	var final queue.BatchSnapshot
	select {
	case final = <-done:
	case <-ctx.Done():
		u.AbortAll()
		select {
		case final = <-done:
		case <-time.After(3 * time.Second):
		}
	}
	stopUI()

	printResult(final, time.Since(started))
	if final.Batch.ID == "" {
		os.Exit(1)
	}
	for _, it := range final.Items {
		if it.State != queue.ItemFinished {
			os.Exit(1)
		}
	}
}

func printResult(snap queue.BatchSnapshot, elapsed time.Duration) {
	if snap.Batch.ID == "" {
		fmt.Fprintln(termio.Stderr(), "upload did not complete")
		return
	}
	var sent int64
	finished := 0
	for _, it := range snap.Items {
		if it.State == queue.ItemFinished {
			finished++
			sent += it.Size
		}
	}
	fmt.Fprintf(termio.Stdout(), "uploaded %d/%d files (%s) in %s\n",
		finished, len(snap.Items), humanize.IBytes(uint64(sent)), elapsed.Round(time.Millisecond))
	for _, it := range snap.Items {
		if it.State != queue.ItemFinished {
			fmt.Fprintf(termio.Stderr(), "  %s: %s\n", it.Name, it.State)
		}
	}
}

// tracker aggregates lifecycle events into the display view.
type tracker struct {
	mu     sync.Mutex
	header string
	order  []string
	rows   map[string]*trackedItem
	done   int
	total  int
}

type trackedItem struct {
	name    string
	state   string
	size    int64
	loaded  int64
	percent float64
	meter   *progress.Meter
}

func newTracker(url string) *tracker {
	return &tracker{
		header: "uploading to " + url,
		rows:   make(map[string]*trackedItem),
	}
}

func (t *tracker) attach(u *uploader.Uploader) {
	u.On(events.BatchAdd, func(payload any) {
		snap, ok := payload.(queue.BatchSnapshot)
		if !ok {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		for _, it := range snap.Items {
			if _, exists := t.rows[it.ID]; exists {
				continue
			}
			m := progress.NewMeter()
			m.Start(it.Size)
			t.rows[it.ID] = &trackedItem{name: it.Name, state: string(it.State), size: it.Size, meter: m}
			t.order = append(t.order, it.ID)
			t.total++
		}
	})
	u.On(events.ItemStart, func(payload any) { t.update(payload) })
	u.On(events.ItemProgress, func(payload any) { t.update(payload) })
	u.On(events.ItemFinish, func(payload any) { t.settle(payload) })
	u.On(events.ItemAbort, func(payload any) { t.settle(payload) })
}

func (t *tracker) update(payload any) {
	it, ok := payload.(queue.Item)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[it.ID]
	if !ok {
		return
	}
	row.state = string(it.State)
	row.percent = it.Completed
	if delta := it.Loaded - row.loaded; delta > 0 {
		row.meter.Add(int(delta))
		row.loaded = it.Loaded
	}
}

func (t *tracker) settle(payload any) {
	it, ok := payload.(queue.Item)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[it.ID]
	if !ok {
		return
	}
	row.state = string(it.State)
	if it.State == queue.ItemFinished {
		row.percent = 100
		row.loaded = it.Size
	}
	t.done++
}

func (t *tracker) view() progress.View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := progress.View{Header: t.header, Done: t.done, Total: t.total}
	for _, id := range t.order {
		row := t.rows[id]
		v.Rows = append(v.Rows, progress.Row{
			Name:    row.name,
			State:   row.state,
			Size:    row.size,
			Loaded:  row.loaded,
			Percent: row.percent,
			Stats:   row.meter.Snapshot(),
		})
	}
	return v
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: courier [flags] <file> [file...]")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  -url <url>              upload destination (default http://localhost:8080/upload)")
	fmt.Fprintln(termio.Stderr(), "  -method <method>        HTTP method (default POST)")
	fmt.Fprintln(termio.Stderr(), "  -concurrency <n>        max concurrent uploads")
	fmt.Fprintln(termio.Stderr(), "  -chunked                split large files into byte-range requests")
	fmt.Fprintln(termio.Stderr(), "  -chunk-size <size>      chunk size, e.g. 4MiB")
	fmt.Fprintln(termio.Stderr(), "  -retries <n>            extra attempts per failed chunk")
	fmt.Fprintln(termio.Stderr(), "  -parallel-chunks <n>    concurrent chunk requests per file")
	fmt.Fprintln(termio.Stderr(), "  -param k=v              extra form field (repeatable)")
	fmt.Fprintln(termio.Stderr(), "  -header k=v             extra request header (repeatable)")
	fmt.Fprintln(termio.Stderr(), "  -http3                  use HTTP/3")
	fmt.Fprintln(termio.Stderr(), "  -feed-url <ws-url>      publish live events to a WebSocket feed")
	fmt.Fprintln(termio.Stderr(), "  -no-ui                  disable the progress display")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  courier photo.jpg")
	fmt.Fprintln(termio.Stderr(), "  courier -chunked -chunk-size 8MiB backup.tar")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
