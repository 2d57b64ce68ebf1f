// Package client is the initiating side of the storage protocol: it sends a
// request header, streams bundle bytes and reads the agent's response.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"time"

	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
)

// DefaultPort is used when an agent address has no port.
const DefaultPort = "10000"

// Common errors returned by the client package.
var (
	ErrRemote           = errors.New("agent reported an error")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// RemoteError is an ERROR response from the agent.
type RemoteError struct {
	Status  protocol.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent returned %s: %s", e.Status, e.Message)
}

// Is makes errors.Is(err, ErrRemote) hold.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Result describes a finished transfer.
type Result struct {
	// Bytes is the number of bundle bytes moved.
	Bytes int64
	// Checksum is the hex SHA-256 of those bytes.
	Checksum string
	// Message is the agent's response message.
	Message string
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with persist and retrieve.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDialTimeout bounds connection setup.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithChunkSize sets the copy buffer size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// Client talks to one storage agent. Each call uses a fresh connection, so
// a Client is safe for concurrent use.
type Client struct {
	addr        string
	token       string
	dialTimeout time.Duration
	keepAlive   time.Duration
	chunkSize   int
}

// New returns a client for the agent at addr.
func New(addr string, opts ...Option) *Client {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	c := &Client{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		keepAlive:   30 * time.Second,
		chunkSize:   64 * 1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the agent address.
func (c *Client) Addr() string {
	return c.addr
}

// session is one request/response exchange.
type session struct {
	conn net.Conn
	stop func() bool
}

func (c *Client) open(ctx context.Context, h protocol.RequestHeader) (*session, error) {
	frame, err := protocol.EncodeHeader(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request header: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   c.dialTimeout,
		KeepAlive: c.keepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}

	s := &session{conn: conn}
	s.stop = context.AfterFunc(ctx, func() { s.abort() })
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(frame); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to send request header: %w", err)
	}
	log.Debug().Str("op", string(h.Operation)).Str("location", h.Location).Str("remote", c.addr).Msg("Request sent")
	return s, nil
}

// endInput tells the agent no more bytes follow.
func (s *session) endInput() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("failed to half-close connection: %w", err)
		}
	}
	return nil
}

// response reads the agent's response and converts ERROR into a
// *RemoteError.
func (s *session) response() (protocol.ResponseHeader, error) {
	r, err := protocol.ReadResponse(s.conn)
	if err != nil {
		return r, fmt.Errorf("failed to read response: %w", err)
	}
	if r.Status != protocol.StatusOK {
		return r, &RemoteError{Status: r.Status, Message: r.Message}
	}
	return r, nil
}

func (s *session) close() {
	s.stop()
	s.conn.Close()
}

// abort resets the connection so the agent cannot mistake it for a
// finished upload.
func (s *session) abort() {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	s.conn.Close()
}

// Ping checks that the agent answers. The returned message names the agent.
func (c *Client) Ping(ctx context.Context) (string, error) {
	s, err := c.open(ctx, protocol.RequestHeader{Operation: protocol.OpPing})
	if err != nil {
		return "", err
	}
	defer s.close()
	if err := s.endInput(); err != nil {
		return "", err
	}
	r, err := s.response()
	if err != nil {
		return "", err
	}
	return r.Message, nil
}

// Put stores everything read from r as the bundle at location. The
// checksum reported by the agent is compared with the bytes sent.
func (c *Client) Put(ctx context.Context, r io.Reader, format protocol.Format, location string) (Result, error) {
	s, err := c.open(ctx, protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    format,
		Location:  location,
		AuthToken: c.token,
	})
	if err != nil {
		return Result{}, err
	}
	defer s.close()

	h := sha256.New()
	sent, err := io.CopyBuffer(s.conn, io.TeeReader(r, h), make([]byte, c.chunkSize))
	if err != nil {
		var werr *net.OpError
		if errors.As(err, &werr) && werr.Op == "write" {
			// the agent may have refused the upload early
			if _, rerr := s.response(); errors.Is(rerr, ErrRemote) {
				return Result{}, rerr
			}
		}
		s.abort()
		return Result{}, fmt.Errorf("failed to send bundle: %w", err)
	}
	if err := s.endInput(); err != nil {
		return Result{}, err
	}

	resp, err := s.response()
	if err != nil {
		return Result{}, err
	}
	return verify(resp, sent, h)
}

// Get streams the bundle at location into w.
func (c *Client) Get(ctx context.Context, w io.Writer, format protocol.Format, location string) (Result, error) {
	s, err := c.open(ctx, protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    format,
		Location:  location,
		AuthToken: c.token,
	})
	if err != nil {
		return Result{}, err
	}
	defer s.close()
	if err := s.endInput(); err != nil {
		return Result{}, err
	}

	resp, err := s.response()
	if err != nil {
		return Result{}, err
	}

	h := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(w, h), s.conn, make([]byte, c.chunkSize))
	if err != nil {
		return Result{Bytes: n}, fmt.Errorf("failed to receive bundle: %w", err)
	}
	if resp.Size >= 0 {
		return verify(resp, n, h)
	}
	return Result{Bytes: n, Checksum: hex.EncodeToString(h.Sum(nil)), Message: resp.Message}, nil
}

func verify(resp protocol.ResponseHeader, n int64, h hash.Hash) (Result, error) {
	local := hex.EncodeToString(h.Sum(nil))
	res := Result{Bytes: n, Checksum: local, Message: resp.Message}
	if resp.Size >= 0 && resp.Size != n {
		return res, fmt.Errorf("%w: agent reported %d bytes, %d transferred", ErrChecksumMismatch, resp.Size, n)
	}
	if resp.Checksum != "" && resp.Checksum != local {
		return res, fmt.Errorf("%w: agent reported %s, computed %s", ErrChecksumMismatch, resp.Checksum, local)
	}
	return res, nil
}
