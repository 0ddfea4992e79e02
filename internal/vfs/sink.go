package vfs

import "context"

// Sink receives the result of a download: a suggested file name, its MIME
// type and the bytes.
type Sink interface {
	Deliver(ctx context.Context, name, contentType string, data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, name, contentType string, data []byte) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, name, contentType string, data []byte) error {
	return f(ctx, name, contentType, data)
}
