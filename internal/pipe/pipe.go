// Package pipe provides a bounded, in-process byte channel between one
// producer and one consumer. Each write hands over an owned copy of its
// bytes, so neither side ever shares a buffer with the other.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosedPipe is returned when the opposite end of the pipe went away.
var ErrClosedPipe = errors.New("pipe: closed")

// DefaultChunks is the number of in-flight chunks a pipe buffers.
const DefaultChunks = 16

// Pipe is a unidirectional byte conduit with independent Sink and Source
// handles.
type Pipe struct {
	chunks   chan []byte
	readable chan struct{}
	writable chan struct{}
	eof      chan struct{} // closed by the sink
	done     chan struct{} // closed by the source

	sinkOnce   sync.Once
	sourceOnce sync.Once

	mu   sync.Mutex
	werr error
	rerr error

	// pending is the unread tail of a partially consumed chunk. Only the
	// source side touches it.
	pending []byte
}

// New returns a pipe buffering at most chunks writes before writers block.
func New(chunks int) *Pipe {
	if chunks <= 0 {
		chunks = DefaultChunks
	}
	return &Pipe{
		chunks:   make(chan []byte, chunks),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		eof:      make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Sink returns the write end.
func (p *Pipe) Sink() *Sink { return &Sink{p} }

// Source returns the read end.
func (p *Pipe) Source() *Source { return &Source{p} }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// writeErr is what the source sees once the sink closed and the buffer is
// drained.
func (p *Pipe) writeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr != nil {
		return p.werr
	}
	return io.EOF
}

// readErr is what the sink sees once the source closed.
func (p *Pipe) readErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rerr != nil {
		return p.rerr
	}
	return ErrClosedPipe
}

// Sink is the write end of a Pipe.
type Sink struct {
	p *Pipe
}

func (s *Sink) check() error {
	if closed(s.p.done) {
		return s.p.readErr()
	}
	if closed(s.p.eof) {
		return ErrClosedPipe
	}
	return nil
}

// TryWrite hands b to the pipe without blocking. It returns 0 and a nil
// error when the buffer is full.
func (s *Sink) TryWrite(b []byte) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), b...)
	select {
	case s.p.chunks <- chunk:
		notify(s.p.readable)
		return len(b), nil
	default:
		return 0, nil
	}
}

// Write implements io.Writer, blocking while the buffer is full.
func (s *Sink) Write(b []byte) (int, error) {
	return s.WriteContext(context.Background(), b)
}

// WriteContext is Write with cancellation.
func (s *Sink) WriteContext(ctx context.Context, b []byte) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), b...)
	select {
	case s.p.chunks <- chunk:
		notify(s.p.readable)
		return len(b), nil
	case <-s.p.done:
		return 0, s.p.readErr()
	case <-s.p.eof:
		return 0, ErrClosedPipe
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Writable is signalled whenever the source frees buffer space or closes.
func (s *Sink) Writable() <-chan struct{} { return s.p.writable }

// Close signals end of stream to the source.
func (s *Sink) Close() error { return s.CloseWithError(nil) }

// CloseWithError closes the sink; once drained, the source reports err
// instead of io.EOF.
func (s *Sink) CloseWithError(err error) error {
	s.p.sinkOnce.Do(func() {
		s.p.mu.Lock()
		s.p.werr = err
		s.p.mu.Unlock()
		close(s.p.eof)
		notify(s.p.readable)
	})
	return nil
}

// Source is the read end of a Pipe.
type Source struct {
	p *Pipe
}

func (s *Source) fromPending(b []byte) int {
	n := copy(b, s.p.pending)
	s.p.pending = s.p.pending[n:]
	if len(s.p.pending) == 0 {
		s.p.pending = nil
	}
	return n
}

func (s *Source) take(chunk []byte, b []byte) int {
	n := copy(b, chunk)
	if n < len(chunk) {
		s.p.pending = chunk[n:]
	}
	notify(s.p.writable)
	return n
}

// TryRead moves up to len(b) bytes out of the pipe without blocking. It
// returns (0, nil) when no data is available yet, (0, io.EOF) once the sink
// closed and everything was consumed, and (0, err) when the sink failed.
func (s *Source) TryRead(b []byte) (int, error) {
	if closed(s.p.done) {
		return 0, ErrClosedPipe
	}
	if len(s.p.pending) > 0 {
		return s.fromPending(b), nil
	}
	select {
	case chunk := <-s.p.chunks:
		return s.take(chunk, b), nil
	default:
	}
	if !closed(s.p.eof) {
		return 0, nil
	}
	// The sink closed after its last send, so anything it wrote is already
	// buffered.
	select {
	case chunk := <-s.p.chunks:
		return s.take(chunk, b), nil
	default:
		return 0, s.p.writeErr()
	}
}

// Read implements io.Reader, blocking until data, end of stream or a
// closed source.
func (s *Source) Read(b []byte) (int, error) {
	return s.ReadContext(context.Background(), b)
}

// ReadContext is Read with cancellation.
func (s *Source) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		n, err := s.TryRead(b)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case chunk := <-s.p.chunks:
			return s.take(chunk, b), nil
		case <-s.p.eof:
		case <-s.p.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Readable is signalled whenever the sink adds data or closes.
func (s *Source) Readable() <-chan struct{} { return s.p.readable }

// Close tells the sink no more data will be consumed.
func (s *Source) Close() error { return s.CloseWithError(nil) }

// CloseWithError closes the source; the sink's writes then fail with err,
// or ErrClosedPipe when err is nil.
func (s *Source) CloseWithError(err error) error {
	s.p.sourceOnce.Do(func() {
		s.p.mu.Lock()
		s.p.rerr = err
		s.p.mu.Unlock()
		close(s.p.done)
		notify(s.p.writable)
	})
	return nil
}
