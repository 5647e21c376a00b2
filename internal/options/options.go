// Package options defines the upload configuration surface and the override
// merge policy used throughout the engine.
//
// Overrides distinguish three states per field: left alone, set to a value,
// and explicitly cleared. An explicit clear still overwrites a non-zero
// default, which plain zero-value merging cannot express.
package options

import "maps"

// Default tuning values applied by Normalize.
const (
	DefaultMethod         = "POST"
	DefaultConcurrency    = 2
	DefaultChunkSize      = 5 * 1024 * 1024
	DefaultRetries        = 0
	DefaultParallelChunks = 1
)

// UploadOptions are the effective settings for a batch upload.
type UploadOptions struct {
	URL             string
	Method          string
	Headers         map[string]string
	WithCredentials bool
	Params          map[string]string

	// AutoUpload starts sending as soon as a batch is added. When false,
	// batches stay pending until Upload is called.
	AutoUpload bool

	// Concurrency is the maximum number of in-flight item sends.
	Concurrency int

	// Chunked enables byte-range chunk transfer for items larger than
	// ChunkSize.
	Chunked        bool
	ChunkSize      int64
	Retries        int
	ParallelChunks int
}

// Normalize applies defaults and clamps to a usable range.
func (o UploadOptions) Normalize() UploadOptions {
	out := o
	if out.Method == "" {
		out.Method = DefaultMethod
	}
	if out.Concurrency < 1 {
		out.Concurrency = DefaultConcurrency
	}
	if out.ChunkSize < 1 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Retries < 0 {
		out.Retries = DefaultRetries
	}
	if out.ParallelChunks < 1 {
		out.ParallelChunks = DefaultParallelChunks
	}
	return out
}

// Clone returns a deep copy that shares no maps with the receiver.
func (o UploadOptions) Clone() UploadOptions {
	out := o
	out.Headers = maps.Clone(o.Headers)
	out.Params = maps.Clone(o.Params)
	return out
}

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldSet
	fieldCleared
)

// Field is a tri-state override for a single option. The zero Field leaves
// the base value untouched; Set replaces it; Clear replaces it with the zero
// value even when the base holds a non-zero default.
type Field[T any] struct {
	state fieldState
	value T
}

// Set returns a Field that overrides the base with v.
func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

// Clear returns a Field that overrides the base with the zero value.
func Clear[T any]() Field[T] {
	return Field[T]{state: fieldCleared}
}

// Provided reports whether the field carries an override (set or cleared).
func (f Field[T]) Provided() bool {
	return f.state != fieldUnset
}

// Apply merges the override over base.
func (f Field[T]) Apply(base T) T {
	switch f.state {
	case fieldSet:
		return f.value
	case fieldCleared:
		var zero T
		return zero
	default:
		return base
	}
}

// Overrides is a partial UploadOptions. Every provided field, including an
// explicit Clear, replaces the corresponding base field.
type Overrides struct {
	URL             Field[string]
	Method          Field[string]
	Headers         Field[map[string]string]
	WithCredentials Field[bool]
	Params          Field[map[string]string]
	AutoUpload      Field[bool]
	Concurrency     Field[int]
	Chunked         Field[bool]
	ChunkSize       Field[int64]
	Retries         Field[int]
	ParallelChunks  Field[int]
}

// ApplyTo merges the overrides over base and returns the result. Neither
// input is modified.
func (ov Overrides) ApplyTo(base UploadOptions) UploadOptions {
	out := base.Clone()
	out.URL = ov.URL.Apply(out.URL)
	out.Method = ov.Method.Apply(out.Method)
	out.Headers = maps.Clone(ov.Headers.Apply(out.Headers))
	out.WithCredentials = ov.WithCredentials.Apply(out.WithCredentials)
	out.Params = maps.Clone(ov.Params.Apply(out.Params))
	out.AutoUpload = ov.AutoUpload.Apply(out.AutoUpload)
	out.Concurrency = ov.Concurrency.Apply(out.Concurrency)
	out.Chunked = ov.Chunked.Apply(out.Chunked)
	out.ChunkSize = ov.ChunkSize.Apply(out.ChunkSize)
	out.Retries = ov.Retries.Apply(out.Retries)
	out.ParallelChunks = ov.ParallelChunks.Apply(out.ParallelChunks)
	return out
}
