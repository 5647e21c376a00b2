// Command courierd is a development upload server: it accepts whole-file
// and byte-range uploads from courier, stores them on disk, and rebroadcasts
// the live upload feed to WebSocket observers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bytecourier/bytecourier/internal/bufpool"
	"github.com/bytecourier/bytecourier/internal/config"
	"github.com/bytecourier/bytecourier/internal/logging"
	"github.com/bytecourier/bytecourier/internal/observers"
	"github.com/bytecourier/bytecourier/internal/termio"
	"github.com/bytecourier/bytecourier/pkg/feed"
)

const serverVersion = "v0.1.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev server, any origin may observe
	},
}

var copyPool = bufpool.New(256 * 1024)

func main() {
	termio.Init()
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return
	}

	cfg := config.ParseServerConfig()
	logger := logging.New("courierd", cfg.LogLevel)

	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		logger.Error("cannot create store dir", "dir", cfg.StoreDir, "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(termio.Stdout(), "starting server addr=%s store=%s\n", cfg.Addr, cfg.StoreDir)

	hub := observers.NewHub()
	assembler := newAssembler(cfg.StoreDir, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		handleUpload(w, r, assembler, hub, logger)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, hub, logger)
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func handleUpload(w http.ResponseWriter, r *http.Request, assembler *assembler, hub *observers.Hub, logger *slog.Logger) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if rangeHeader := r.Header.Get("Content-Range"); rangeHeader != "" {
		handleChunk(w, r, rangeHeader, assembler, hub, logger)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		handleMultipart(w, r, assembler, hub, logger)
		return
	}
	handleRawBody(w, r, assembler, hub, logger)
}

func handleChunk(w http.ResponseWriter, r *http.Request, rangeHeader string, assembler *assembler, hub *observers.Hub, logger *slog.Logger) {
	start, end, total, err := parseContentRange(rangeHeader)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := uploadName(r)
	if name == "" {
		sendError(w, http.StatusBadRequest, "missing upload name")
		return
	}

	complete, err := assembler.writeRange(name, start, end, total, r.Body)
	if err != nil {
		logger.Error("chunk write failed", "name", name, "range", rangeHeader, "error", err)
		sendError(w, http.StatusInternalServerError, "chunk write failed")
		return
	}

	if complete {
		logger.Info("upload assembled", "name", name, "bytes", total)
		broadcastNotice(hub, "upload complete", name, total)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "complete": complete})
}

func handleMultipart(w http.ResponseWriter, r *http.Request, assembler *assembler, hub *observers.Hub, logger *slog.Logger) {
	reader, err := r.MultipartReader()
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	saved := make([]string, 0, 4)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FileName() == "" {
			// Plain form field, consume and ignore.
			io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		name, size, err := assembler.saveStream(part.FileName(), part)
		part.Close()
		if err != nil {
			logger.Error("file save failed", "name", part.FileName(), "error", err)
			sendError(w, http.StatusInternalServerError, "file save failed")
			return
		}
		saved = append(saved, name)
		logger.Info("upload stored", "name", name, "bytes", size)
		broadcastNotice(hub, "upload complete", name, size)
	}

	if len(saved) == 0 {
		sendError(w, http.StatusBadRequest, "no file parts in request")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "files": saved})
}

func handleRawBody(w http.ResponseWriter, r *http.Request, assembler *assembler, hub *observers.Hub, logger *slog.Logger) {
	name := uploadName(r)
	if name == "" {
		sendError(w, http.StatusBadRequest, "missing upload name")
		return
	}
	saved, size, err := assembler.saveStream(name, r.Body)
	if err != nil {
		logger.Error("file save failed", "name", name, "error", err)
		sendError(w, http.StatusInternalServerError, "file save failed")
		return
	}
	logger.Info("upload stored", "name", saved, "bytes", size)
	broadcastNotice(hub, "upload complete", saved, size)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "files": []string{saved}})
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, hub *observers.Hub, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	var writeMu sync.Mutex
	remove := hub.Add(connID, func(env feed.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	})
	defer remove()

	logger.Info("feed connection open", "conn", connID, "remote", r.RemoteAddr)

	// Publishers (uploading clients) push envelopes that get rebroadcast to
	// every observer; observers just hold the connection open.
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("feed read error", "conn", connID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var env feed.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid feed envelope", "conn", connID, "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("rejected feed envelope", "conn", connID, "error", err)
			continue
		}
		hub.Broadcast(env)
	}
}

func broadcastNotice(hub *observers.Hub, text, name string, size int64) {
	env, err := feed.NewEnvelope(feed.TypeServerNotice, feed.ServerNotice{Text: text, Name: name, Size: size})
	if err != nil {
		return
	}
	hub.Broadcast(env)
}

// assembler stores whole files and assembles byte-range uploads under one
// directory. Partial files carry a .part suffix until the final byte lands.
type assembler struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	partials map[string]*partial
}

type partial struct {
	file     *os.File
	total    int64
	received int64
}

func newAssembler(dir string, logger *slog.Logger) *assembler {
	return &assembler{
		dir:      dir,
		logger:   logger,
		partials: make(map[string]*partial),
	}
}

// saveStream writes one complete upload to disk and returns the stored
// name and size.
func (a *assembler) saveStream(name string, r io.Reader) (string, int64, error) {
	safe, err := sanitizeName(name)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Create(filepath.Join(a.dir, safe))
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	buf := copyPool.Get()
	defer copyPool.Put(buf)
	size, err := io.CopyBuffer(f, r, buf)
	if err != nil {
		return "", 0, err
	}
	return safe, size, nil
}

// writeRange places one byte range into the named partial file. It
// reports true once every byte of the file has arrived.
func (a *assembler) writeRange(name string, start, end, total int64, r io.Reader) (bool, error) {
	safe, err := sanitizeName(name)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	p, ok := a.partials[safe]
	if !ok {
		f, err := os.OpenFile(filepath.Join(a.dir, safe+".part"), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			a.mu.Unlock()
			return false, err
		}
		p = &partial{file: f, total: total}
		a.partials[safe] = p
	}
	a.mu.Unlock()

	if p.total != total {
		return false, fmt.Errorf("total size mismatch for %s: %d vs %d", safe, p.total, total)
	}

	buf := copyPool.Get()
	defer copyPool.Put(buf)
	written, err := io.CopyBuffer(io.NewOffsetWriter(p.file, start), io.LimitReader(r, end-start+1), buf)
	if err != nil {
		return false, err
	}
	if written != end-start+1 {
		return false, fmt.Errorf("short chunk body for %s: got %d, want %d", safe, written, end-start+1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p.received += written
	if p.received < p.total {
		return false, nil
	}

	// Last byte landed: finalize.
	if err := p.file.Close(); err != nil {
		return false, err
	}
	delete(a.partials, safe)
	if err := os.Rename(filepath.Join(a.dir, safe+".part"), filepath.Join(a.dir, safe)); err != nil {
		return false, err
	}
	return true, nil
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unsupported range unit in %q", header)
	}
	rangePart, totalPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed range %q", header)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed range %q", header)
	}
	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed range start %q", header)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed range end %q", header)
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed range total %q", header)
	}
	if start < 0 || end < start || total < end+1 {
		return 0, 0, 0, fmt.Errorf("inconsistent range %q", header)
	}
	return start, end, total, nil
}

func uploadName(r *http.Request) string {
	if name := r.Header.Get("X-Upload-Name"); name != "" {
		return name
	}
	return r.URL.Query().Get("name")
}

func sanitizeName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid upload name %q", name)
	}
	return base, nil
}

func sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: courierd [flags]")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  -addr <addr>        listen address (default :8080)")
	fmt.Fprintln(termio.Stderr(), "  -store-dir <dir>    directory receiving uploads (default ./uploads)")
	fmt.Fprintln(termio.Stderr(), "  -log-level <level>  debug, info, warn, error")
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
