// Package transfer bridges blocking bundle reads and writes to a network
// connection through a bounded pipe.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/pipe"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
)

// Common errors returned by the transfer package.
var (
	ErrNotStarted       = errors.New("transfer not started")
	ErrAlreadyStarted   = errors.New("transfer already started")
	ErrUnsupportedOp    = errors.New("operation has no data phase")
	ErrTransferAborted  = errors.New("transfer aborted")
	ErrTransferRejected = errors.New("transfer rejected")
)

// BundleIO selects bundle implementations. *bundle.Provider satisfies it.
type BundleIO interface {
	Reader(format protocol.Format, location string) (bundle.Reader, error)
	Writer(format protocol.Format, location string) (bundle.Writer, error)
}

// Status is the engine's terminal flag, shared with the background task.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Engine owns one background bundle operation and the pipe feeding it.
// PumpRead and PumpWrite never block; Readable and Writable signal when
// calling them again may make progress.
type Engine struct {
	pool    *Pool
	bundles BundleIO
	source  *pipe.Source
	sink    *pipe.Sink

	status atomic.Int32
	result Result
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// NewEngine returns an idle engine whose pipe buffers chunks writes.
func NewEngine(pool *Pool, bundles BundleIO, chunks int) *Engine {
	p := pipe.New(chunks)
	return &Engine{
		pool:    pool,
		bundles: bundles,
		source:  p.Source(),
		sink:    p.Sink(),
		done:    make(chan struct{}),
		cancel:  func() {},
	}
}

// Begin starts the bundle operation for h on the pool. It blocks only
// while waiting for a free slot.
func (e *Engine) Begin(ctx context.Context, h protocol.RequestHeader) error {
	if !e.status.CompareAndSwap(int32(StatusIdle), int32(StatusRunning)) {
		return ErrAlreadyStarted
	}

	var task func(context.Context)
	switch h.Operation {
	case protocol.OpRetrieve:
		reader, err := e.bundles.Reader(h.Format, h.Location)
		if err != nil {
			return e.reject(err)
		}
		task = func(ctx context.Context) { e.runRead(ctx, reader, h.Location) }
	case protocol.OpPersist:
		writer, err := e.bundles.Writer(h.Format, h.Location)
		if err != nil {
			return e.reject(err)
		}
		task = func(ctx context.Context) { e.runWrite(ctx, writer, h.Location) }
	default:
		return e.reject(fmt.Errorf("%w: %s", ErrUnsupportedOp, h.Operation))
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if err := e.pool.Submit(ctx, func() { task(taskCtx) }); err != nil {
		cancel()
		return e.reject(err)
	}
	log.Debug().Str("op", string(h.Operation)).Str("location", h.Location).Msg("Bundle transfer started")
	return nil
}

func (e *Engine) reject(err error) error {
	e.finish(Result{}, err)
	e.source.CloseWithError(err)
	e.sink.CloseWithError(err)
	return fmt.Errorf("%w: %w", ErrTransferRejected, err)
}

func (e *Engine) runRead(ctx context.Context, reader bundle.Reader, location string) {
	hw := &hashingWriter{w: writerFunc(func(p []byte) (int, error) {
		return e.sink.WriteContext(ctx, p)
	}), digest: newDigest()}
	_, err := reader.ReadBundle(ctx, location, hw)
	if err != nil {
		err = fmt.Errorf("failed to read bundle %s: %w", location, err)
		log.Error().Err(err).Msg("Bundle read failed")
	}
	e.finish(hw.result(), err)
	e.sink.CloseWithError(err)
}

func (e *Engine) runWrite(ctx context.Context, writer bundle.Writer, location string) {
	hr := &hashingReader{r: readerFunc(func(p []byte) (int, error) {
		return e.source.ReadContext(ctx, p)
	}), digest: newDigest()}
	_, err := writer.WriteBundle(ctx, hr, location)
	if err == nil {
		// consume anything the writer left so the sender sees no broken pipe
		_, err = io.Copy(io.Discard, hr)
	}
	if err != nil {
		err = fmt.Errorf("failed to write bundle %s: %w", location, err)
		log.Error().Err(err).Msg("Bundle write failed")
	}
	e.finish(hr.result(), err)
	e.source.CloseWithError(err)
}

func (e *Engine) finish(res Result, err error) {
	e.result = res
	e.err = err
	if err != nil {
		e.status.Store(int32(StatusFailed))
	} else {
		e.status.Store(int32(StatusCompleted))
	}
	close(e.done)
}

// PumpRead drains up to len(buf) bytes produced by a retrieve. It returns
// (0, nil) when nothing is available yet and io.EOF once after the bundle
// was fully consumed.
func (e *Engine) PumpRead(buf []byte) (int, error) {
	if e.Status() == StatusIdle {
		return 0, ErrNotStarted
	}
	n, err := e.source.TryRead(buf)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, e.cause(err)
}

// PumpWrite pushes buf towards a persist. It returns (0, nil) when the pipe
// is full and an error only when the background side is gone.
func (e *Engine) PumpWrite(buf []byte) (int, error) {
	if e.Status() == StatusIdle {
		return 0, ErrNotStarted
	}
	n, err := e.sink.TryWrite(buf)
	if err != nil {
		return n, e.cause(err)
	}
	return n, nil
}

// cause prefers the background task's own error over the pipe symptom.
func (e *Engine) cause(err error) error {
	if e.Status() == StatusFailed && e.err != nil {
		return e.err
	}
	return err
}

// Readable is signalled when PumpRead may return data or a terminal result.
func (e *Engine) Readable() <-chan struct{} { return e.source.Readable() }

// Writable is signalled when PumpWrite may accept more bytes.
func (e *Engine) Writable() <-chan struct{} { return e.sink.Writable() }

// Done is closed once the background task finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Status returns the engine's current status.
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// CloseInput marks the end of persisted data.
func (e *Engine) CloseInput() {
	e.sink.Close()
}

// Wait blocks until the background task finished and returns its result.
func (e *Engine) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Abort closes both pipe ends so the background task gives up promptly.
func (e *Engine) Abort(cause error) {
	if cause == nil {
		cause = ErrTransferAborted
	}
	e.cancel()
	e.source.CloseWithError(cause)
	e.sink.CloseWithError(cause)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
