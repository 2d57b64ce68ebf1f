package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
	"github.com/JaneliaSciComp/jacs-storage/internal/transfer"
)

// linger only collects what the peer already had in flight when the
// response went out, anything later is cut off by a reset.
const (
	lingerTimeout = 250 * time.Millisecond
	lingerLimit   = 256 << 10
)

var (
	errNoRequest        = errors.New("connection closed before a request header")
	errAlreadyResponded = errors.New("response already written")
)

// connection is the per-socket state machine. It is owned by a single
// goroutine; the background transfer only shares the engine's pipe with it.
type connection struct {
	id    string
	conn  net.Conn
	agent *Agent
	state *protocol.TransferState
	log   zerolog.Logger

	buf       []byte
	leftover  []byte
	header    protocol.RequestHeader
	inputDone bool
	aborted   bool

	responded bool
	response  protocol.ResponseHeader
}

func newConnection(a *Agent, conn net.Conn) *connection {
	id := uuid.NewString()
	return &connection{
		id:    id,
		conn:  conn,
		agent: a,
		state: protocol.NewTransferState(),
		log:   log.With(id).With().Str("remote", conn.RemoteAddr().String()).Logger(),
		buf:   make([]byte, a.cfg.ChunkSize),
	}
}

// serve runs one request to completion and closes the socket.
func (c *connection) serve(ctx context.Context) {
	defer c.conn.Close()
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	header, err := c.readHeader()
	if errors.Is(err, errNoRequest) {
		c.log.Debug().Msg("Connection closed without a request")
		return
	}
	c.header = header

	h := timed(c.agent.dispatch(header, err))
	_ = h.handle(ctx, c)
	c.linger()

	c.agent.recordEvent(ctx, c.event(h.op()))
}

// linger half-closes the socket and discards input the peer already had in
// flight, so it gets the response rather than a reset. It is skipped after
// reset.
func (c *connection) linger() {
	if c.inputDone || c.aborted {
		return
	}
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return
		}
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(lingerTimeout)); err != nil {
		return
	}
	n, _ := io.Copy(io.Discard, io.LimitReader(c.conn, lingerLimit))
	if n > 0 {
		c.log.Debug().Int64("bytes", n).Msg("Discarded unread input")
	}
}

// reset makes the final Close abort the connection with a TCP reset, so a
// peer in the middle of a data stream sees an error instead of a clean end.
func (c *connection) reset() {
	c.aborted = true
	if tc, ok := c.conn.(*net.TCPConn); ok {
		if err := tc.SetLinger(0); err != nil {
			c.log.Debug().Err(err).Msg("Failed to set linger")
		}
	}
}

// abort fails a transfer whose response already went out. The socket is
// reset on close.
func (c *connection) abort(eng *transfer.Engine, err error) error {
	eng.Abort(err)
	c.state.Fail(err.Error())
	c.reset()
	return err
}

// readHeader feeds socket bytes to the decoder until a whole header
// arrived. Bytes read past the header are kept for the data phase.
func (c *connection) readHeader() (protocol.RequestHeader, error) {
	var dec protocol.HeaderDecoder
	for {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			if c.state.Phase() == protocol.PhaseIdle {
				if aerr := c.state.Advance(protocol.PhaseReadHeader); aerr != nil {
					return protocol.RequestHeader{}, aerr
				}
			}
			h, used, derr := dec.Decode(c.buf[:n])
			switch {
			case derr == nil:
				if used < n {
					c.leftover = append([]byte(nil), c.buf[used:n]...)
				}
				return h, nil
			case !errors.Is(derr, protocol.ErrNeedMoreBytes):
				return h, derr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			c.inputDone = true
			if c.state.Phase() == protocol.PhaseIdle {
				return protocol.RequestHeader{}, errNoRequest
			}
			return protocol.RequestHeader{}, fmt.Errorf("%w: connection closed mid-header", protocol.ErrNeedMoreBytes)
		default:
			return protocol.RequestHeader{}, fmt.Errorf("failed to read request header: %w", err)
		}
	}
}

// respond writes the single response frame of the connection.
func (c *connection) respond(r protocol.ResponseHeader) error {
	if c.responded {
		return errAlreadyResponded
	}
	c.responded = true
	if len(r.Message) > protocol.MaxFieldSize {
		r.Message = r.Message[:protocol.MaxFieldSize]
	}
	c.response = r

	b, err := protocol.EncodeResponse(r)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// fail moves to the error phase and reports msg to the peer.
func (c *connection) fail(msg string) error {
	c.state.Fail(msg)
	if err := c.respond(protocol.Failure(c.state.ErrorMessage())); err != nil {
		c.log.Debug().Err(err).Msg("Could not deliver error response")
	}
	return errors.New(c.state.ErrorMessage())
}

// complete moves to the completed phase.
func (c *connection) complete() error {
	if err := c.state.Advance(protocol.PhaseCompleted); err != nil {
		return c.fail(err.Error())
	}
	return nil
}

// receive streams socket bytes into a persist until the peer half-closes.
func (c *connection) receive(ctx context.Context, eng *transfer.Engine) error {
	if len(c.leftover) > 0 {
		c.state.Account(c.leftover)
		if err := c.push(ctx, eng, c.leftover); err != nil {
			return err
		}
		c.leftover = nil
	}

	for {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.state.Account(c.buf[:n])
			if perr := c.push(ctx, eng, c.buf[:n]); perr != nil {
				return perr
			}
		}
		if errors.Is(err, io.EOF) {
			c.inputDone = true
			c.closeRead()
			eng.CloseInput()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read from socket: %w", err)
		}
	}
}

// push hands p to the engine, waiting while its pipe is full.
func (c *connection) push(ctx context.Context, eng *transfer.Engine, p []byte) error {
	for len(p) > 0 {
		n, err := eng.PumpWrite(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if n > 0 {
			continue
		}
		select {
		case <-eng.Writable():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pull waits for the next bytes of a retrieve. It returns io.EOF once the
// bundle was fully produced.
func (c *connection) pull(ctx context.Context, eng *transfer.Engine) (int, error) {
	for {
		n, err := eng.PumpRead(c.buf)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-eng.Readable():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// send writes retrieved bytes to the socket.
func (c *connection) send(p []byte) error {
	c.state.Account(p)
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("failed to write to socket: %w", err)
	}
	return nil
}

func (c *connection) closeRead() {
	if cr, ok := c.conn.(interface{ CloseRead() error }); ok {
		if err := cr.CloseRead(); err != nil {
			c.log.Debug().Err(err).Msg("Failed to shut down read side")
		}
	}
}

func (c *connection) event(op protocol.Operation) dao.TransferEvent {
	e := dao.TransferEvent{
		ConnID:   c.id,
		Op:       string(op),
		Location: c.header.Location,
		Status:   protocol.StatusError.String(),
		Bytes:    int64(c.state.BytesTransferred()),
		Message:  c.state.ErrorMessage(),
	}
	if c.state.Phase() == protocol.PhaseCompleted {
		e.Status = protocol.StatusOK.String()
		e.Checksum = c.state.Checksum()
	}
	if c.responded && c.response.Message != "" && e.Message == "" {
		e.Message = c.response.Message
	}
	return e
}
