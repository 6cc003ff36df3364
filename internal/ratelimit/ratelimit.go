// Package ratelimit throttles transfer bandwidth for the FTP and SFTP
// engines.
//
// A Limiter is a token bucket measured in bytes, backed by
// golang.org/x/time/rate. One Limiter may be shared by many readers and
// writers to cap their combined throughput.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// chunkSize bounds a single token request so that slow limits still make
// progress in small steps.
const chunkSize = 32 * 1024

// Limiter limits the rate of data transfer to a number of bytes per second.
// A nil *Limiter does not limit.
type Limiter struct {
	limiter *rate.Limiter
	burst   int
}

// New creates a limiter for bytesPerSecond with a burst of one second worth
// of data (at least one chunk). It returns nil if bytesPerSecond <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, int64(1<<30)))
	burst = max(burst, chunkSize)
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

// take waits until n bytes may be transferred.
func (l *Limiter) take(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
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

// NewReader returns a reader that consumes tokens before each read.
// If limiter is nil, r is returned unchanged. Waiting stops when ctx is
// done.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	p = p[:min(len(p), chunkSize)]
	if err := r.limiter.take(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a writer that consumes tokens before each chunk is
// written. If limiter is nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+chunkSize)]
		if err := w.limiter.take(w.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := w.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

type readerAt struct {
	ctx     context.Context
	r       io.ReaderAt
	limiter *Limiter
}

// NewReaderAt is the io.ReaderAt counterpart of NewReader, used for SFTP
// reads which arrive at explicit offsets.
func NewReaderAt(ctx context.Context, r io.ReaderAt, limiter *Limiter) io.ReaderAt {
	if limiter == nil {
		return r
	}
	return &readerAt{ctx: ctx, r: r, limiter: limiter}
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if err := r.limiter.take(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.ReadAt(p, off)
}

type writerAt struct {
	ctx     context.Context
	w       io.WriterAt
	limiter *Limiter
}

// NewWriterAt is the io.WriterAt counterpart of NewWriter.
func NewWriterAt(ctx context.Context, w io.WriterAt, limiter *Limiter) io.WriterAt {
	if limiter == nil {
		return w
	}
	return &writerAt{ctx: ctx, w: w, limiter: limiter}
}

func (w *writerAt) WriteAt(p []byte, off int64) (int, error) {
	if err := w.limiter.take(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.WriteAt(p, off)
}
