// Package ratelimit throttles data connections to a byte rate, on top of
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize bounds a single wait so that reads and writes never ask the
// bucket for more than its burst.
const chunkSize = 16 * 1024

// Limiter limits the rate of data transfer to a specified bytes per second.
// A Limiter may be shared by several readers and writers; the rate then
// applies to their sum.
type Limiter struct {
	limiter *rate.Limiter
	burst   int
}

// New creates a limiter allowing bytesPerSecond with a burst of up to one
// second worth of data. It returns nil, meaning unlimited, for a zero or
// negative rate.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	burst := int(min(bytesPerSecond, chunkSize))
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

// wait blocks until n bytes may pass. It only fails when ctx ends.
func (l *Limiter) wait(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, l.burst)
		if err := l.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader creates a new rate-limited reader. Waits end early, with the
// context's error, when ctx is done.
// If limiter is nil, returns the original reader unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

// Read implements io.Reader. The wait happens after the read, for the bytes
// actually received.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) > r.limiter.burst {
		p = p[:r.limiter.burst]
	}

	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.wait(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter creates a new rate-limited writer bound to ctx like NewReader.
// If limiter is nil, returns the original writer unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

// Write implements io.Writer, waiting before each chunk.
func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+w.limiter.burst, len(p))
		if err := w.limiter.wait(w.ctx, end-written); err != nil {
			return written, err
		}

		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
