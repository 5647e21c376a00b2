// Package sender performs the actual transfer of queue items: a plain HTTP
// sender for whole payloads and a chunked sender that splits one item into
// byte-range requests. Both expose the same contract so the engine treats
// them interchangeably.
package sender

import (
	"context"
	"maps"

	"github.com/bytecourier/bytecourier/internal/queue"
)

// ResultState classifies the terminal outcome of one send.
type ResultState string

const (
	ResultFinished ResultState = "finished"
	ResultError    ResultState = "error"
	ResultAborted  ResultState = "aborted"
)

// Result is the settled outcome of a send.
type Result struct {
	State    ResultState
	Response string
	Status   int
}

// Progress is a point-in-time progress report for one send. Loaded counts
// bytes actually transferred; Completed is the percent considered done,
// which can exceed the transferred fraction when chunks finish
// synthetically.
type Progress struct {
	Loaded    int64
	Completed float64
}

// OnProgress receives progress reports. It may be nil.
type OnProgress func(p Progress)

// Handle tracks one in-flight send. Result yields exactly one value.
// Abort is safe to call at any time after Send returns, including before
// any network request exists; it reports whether an abort was issued
// before the send settled.
type Handle struct {
	Result     <-chan Result
	Abort      func() bool
	SenderType string
}

// SendOptions carry the per-request settings resolved from batch options
// and listener overrides.
type SendOptions struct {
	Method          string
	Headers         map[string]string
	Params          map[string]string
	WithCredentials bool

	// Raw sends the single item's payload as the request body instead of
	// wrapping it in a multipart form. Used for byte-range chunk sends.
	Raw bool

	// ParamName is the multipart field name for item payloads.
	ParamName string
}

// Clone returns a copy sharing no maps with the receiver.
func (o SendOptions) Clone() SendOptions {
	out := o
	out.Headers = maps.Clone(o.Headers)
	out.Params = maps.Clone(o.Params)
	return out
}

// Sender transfers a set of items to url in a single request.
type Sender interface {
	Send(ctx context.Context, items []queue.Item, url string, opts SendOptions, onProgress OnProgress) Handle
}

func reject(senderType string, err error) Handle {
	ch := make(chan Result, 1)
	ch <- Result{State: ResultError, Response: err.Error()}
	return Handle{
		Result:     ch,
		Abort:      func() bool { return false },
		SenderType: senderType,
	}
}
