package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/bytecourier/bytecourier/internal/queue"
)

const (
	// SenderTypeHTTP identifies the plain HTTP sender.
	SenderTypeHTTP = "http"

	defaultParamName   = "file"
	defaultHTTPTimeout = 0 // no client timeout; aborts go through context
)

// ErrNoItems indicates a send was requested with nothing to transfer.
var ErrNoItems = errors.New("no items to send")

// HTTPSender transfers items over HTTP(S). Multiple items go out as one
// multipart form; a single item with Raw set goes out as the request body,
// which is how chunk byte ranges are sent.
type HTTPSender struct {
	client *http.Client
	logger *slog.Logger
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTP3 routes requests through an HTTP/3 round tripper.
func WithHTTP3() HTTPOption {
	return func(s *HTTPSender) {
		s.client.Transport = &http3.Transport{}
	}
}

// WithClient replaces the underlying HTTP client. Used by tests.
func WithClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		s.client = c
	}
}

// NewHTTPSender creates an HTTP sender. A cookie jar backs the
// with-credentials mode.
func NewHTTPSender(logger *slog.Logger, opts ...HTTPOption) *HTTPSender {
	jar, _ := cookiejar.New(nil)
	s := &HTTPSender{
		client: &http.Client{Jar: jar, Timeout: defaultHTTPTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send transfers the items in one request. The returned handle's abort
// cancels the request context; a completion that races ahead of the abort
// wins.
func (s *HTTPSender) Send(ctx context.Context, items []queue.Item, url string, opts SendOptions, onProgress OnProgress) Handle {
	if len(items) == 0 {
		return reject(SenderTypeHTTP, ErrNoItems)
	}

	body, contentType, err := buildBody(items, opts)
	if err != nil {
		return reject(SenderTypeHTTP, err)
	}

	sendCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan Result, 1)
	var settled atomic.Bool

	go func() {
		defer cancel()
		res := s.doRequest(sendCtx, url, contentType, body, opts, onProgress)
		settled.Store(true)
		resultCh <- res
	}()

	return Handle{
		Result: resultCh,
		Abort: func() bool {
			if settled.Load() {
				return false
			}
			cancel()
			return true
		},
		SenderType: SenderTypeHTTP,
	}
}

func (s *HTTPSender) doRequest(ctx context.Context, url, contentType string, body []byte, opts SendOptions, onProgress OnProgress) Result {
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}

	reader := &progressReader{
		r:     bytes.NewReader(body),
		total: int64(len(body)),
		fn:    onProgress,
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Result{State: ResultError, Response: err.Error()}
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := s.client
	if !opts.WithCredentials && client.Jar != nil {
		bare := *client
		bare.Jar = nil
		client = &bare
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{State: ResultAborted, Response: ctx.Err().Error()}
		}
		return Result{State: ResultError, Response: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{State: ResultError, Response: err.Error(), Status: resp.StatusCode}
	}

	s.logger.Debug("request done",
		"method", method,
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{State: ResultError, Response: string(respBody), Status: resp.StatusCode}
	}
	return Result{State: ResultFinished, Response: string(respBody), Status: resp.StatusCode}
}

// buildBody assembles the request body: the raw payload for a single raw
// item, a multipart form otherwise.
func buildBody(items []queue.Item, opts SendOptions) ([]byte, string, error) {
	if opts.Raw {
		if len(items) != 1 {
			return nil, "", fmt.Errorf("raw send requires exactly one item, got %d", len(items))
		}
		data, err := itemPayload(items[0])
		if err != nil {
			return nil, "", err
		}
		return data, "application/octet-stream", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range opts.Params {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field: %w", err)
		}
	}
	paramName := opts.ParamName
	if paramName == "" {
		paramName = defaultParamName
	}
	for _, it := range items {
		part, err := w.CreateFormFile(paramName, it.Name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form part: %w", err)
		}
		data, err := itemPayload(it)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("failed to write form part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func itemPayload(it queue.Item) ([]byte, error) {
	if it.Data != nil {
		return it.Data, nil
	}
	data, err := os.ReadFile(it.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload for %s: %w", it.ID, err)
	}
	return data, nil
}

// progressReader reports cumulative bytes read from the request body.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    OnProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil {
			completed := float64(100)
			if p.total > 0 {
				completed = float64(p.read) / float64(p.total) * 100
			}
			p.fn(Progress{Loaded: p.read, Completed: completed})
		}
	}
	return n, err
}
