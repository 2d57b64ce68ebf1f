package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaneliaSciComp/jacs-storage/internal/auth"
	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
	"github.com/JaneliaSciComp/jacs-storage/internal/transfer"
)

const testToken = "test-token"

func startAgent(t *testing.T, bundles transfer.BundleIO, opts ...Option) (*Agent, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.ChunkSize = 1024
	cfg.PipeChunks = 4
	cfg.ShutdownTimeout = 2 * time.Second

	base := []Option{
		WithValidator(auth.StaticValidator{testToken: "alice"}),
		WithAgentID("test-agent"),
	}
	a := New(cfg, bundles, append(base, opts...)...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return a, ln.Addr().String()
}

// exchange sends one request and returns the response and every byte that
// followed it.
func exchange(t *testing.T, addr string, h protocol.RequestHeader, body []byte) (protocol.ResponseHeader, []byte) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	frame, err := protocol.EncodeHeader(h)
	require.NoError(t, err)
	_, err = conn.Write(append(frame, body...))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	return resp, rest
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

type recordingAllocations struct {
	mu     sync.Mutex
	err    error
	record []dao.Allocation
}

func (r *recordingAllocations) Record(_ context.Context, a dao.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.record = append(r.record, a)
	return nil
}

func (r *recordingAllocations) all() []dao.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dao.Allocation(nil), r.record...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []dao.TransferEvent
}

func (r *recordingEvents) Append(_ context.Context, e dao.TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) all() []dao.TransferEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dao.TransferEvent(nil), r.events...)
}

type readBundleFunc func(ctx context.Context, location string, w io.Writer) (int64, error)

func (f readBundleFunc) ReadBundle(ctx context.Context, location string, w io.Writer) (int64, error) {
	return f(ctx, location, w)
}

type writeBundleFunc func(ctx context.Context, r io.Reader, location string) (int64, error)

func (f writeBundleFunc) WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error) {
	return f(ctx, r, location)
}

// fakeBundles counts how often storage is selected.
type fakeBundles struct {
	mu      sync.Mutex
	readers int
	writers int
	reader  bundle.Reader
	writer  bundle.Writer
}

func (f *fakeBundles) Reader(protocol.Format, string) (bundle.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readers++
	return f.reader, nil
}

func (f *fakeBundles) Writer(protocol.Format, string) (bundle.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writers++
	return f.writer, nil
}

func (f *fakeBundles) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readers, f.writers
}

func TestPersistThenRetrieve(t *testing.T) {
	allocations := &recordingAllocations{}
	events := &recordingEvents{}
	_, addr := startAgent(t, bundle.NewProvider(""), WithAllocations(allocations), WithEvents(events))

	location := filepath.Join(t.TempDir(), "x")
	payload := []byte("hello")

	resp, rest := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    protocol.FormatSingleDataFile,
		Location:  location,
		AuthToken: "Bearer " + testToken,
	}, payload)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.EqualValues(t, 5, resp.Size)
	assert.Equal(t, sum(payload), resp.Checksum)
	assert.Empty(t, rest)

	stored, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	recorded := allocations.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, location, recorded[0].Location)
	assert.Equal(t, "alice", recorded[0].Owner)
	assert.EqualValues(t, 5, recorded[0].Size)
	assert.Equal(t, sum(payload), recorded[0].Checksum)

	resp, data := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    protocol.FormatSingleDataFile,
		Location:  location,
		AuthToken: testToken,
	}, nil)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.EqualValues(t, -1, resp.Size)
	assert.Equal(t, payload, data)

	require.Eventually(t, func() bool { return len(events.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	for _, e := range events.all() {
		assert.Equal(t, "OK", e.Status)
		assert.EqualValues(t, 5, e.Bytes)
		assert.Equal(t, sum(payload), e.Checksum)
	}
}

func TestRetrieveLargeDirectory(t *testing.T) {
	root := t.TempDir()
	_, addr := startAgent(t, bundle.NewProvider(root))

	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	big := bytes.Repeat([]byte("0123456789"), 50000)
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "big.bin"), big, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "small.txt"), []byte("small"), 0644))

	resp, archive := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    protocol.FormatDataDirectory,
		Location:  "src",
		AuthToken: testToken,
	}, nil)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	require.Greater(t, len(archive), len(big))

	resp, _ = exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    protocol.FormatDataDirectory,
		Location:  "dst",
		AuthToken: testToken,
	}, archive)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.EqualValues(t, len(archive), resp.Size)

	copied, err := os.ReadFile(filepath.Join(root, "dst", "sub", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, copied)
}

func TestRetrieveMissing(t *testing.T) {
	_, addr := startAgent(t, bundle.NewProvider(t.TempDir()))

	resp, data := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    protocol.FormatSingleDataFile,
		Location:  "nope",
		AuthToken: testToken,
	}, nil)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "not found")
	assert.Empty(t, data)
}

func TestRetrieveEmptyBundle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0644))
	_, addr := startAgent(t, bundle.NewProvider(root))

	resp, data := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    protocol.FormatSingleDataFile,
		Location:  "empty",
		AuthToken: testToken,
	}, nil)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Message)
	assert.EqualValues(t, 0, resp.Size)
	assert.Equal(t, sum(nil), resp.Checksum)
	assert.Empty(t, data)
}

func TestRetrieveFailureAfterResponseResetsConnection(t *testing.T) {
	bundles := &fakeBundles{reader: readBundleFunc(func(_ context.Context, _ string, w io.Writer) (int64, error) {
		n, err := w.Write(bytes.Repeat([]byte("r"), 3000))
		if err != nil {
			return int64(n), err
		}
		return int64(n), errors.New("archive corrupted mid-stream")
	})}
	events := &recordingEvents{}
	_, addr := startAgent(t, bundles, WithEvents(events))

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	frame, err := protocol.EncodeHeader(protocol.RequestHeader{
		Operation: protocol.OpRetrieve,
		Format:    protocol.FormatSingleDataFile,
		Location:  "/tmp/x",
		AuthToken: testToken,
	})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status)
	assert.EqualValues(t, -1, resp.Size)

	data, err := io.ReadAll(conn)
	require.Error(t, err, "A truncated stream must not end like a complete one")
	assert.LessOrEqual(t, len(data), 3000)

	require.Eventually(t, func() bool { return len(events.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ERROR", events.all()[0].Status)
	assert.Contains(t, events.all()[0].Message, "archive corrupted mid-stream")
}

func TestErrorResponseDoesNotWaitForIdlePeer(t *testing.T) {
	_, addr := startAgent(t, &fakeBundles{})

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	frame, err := protocol.EncodeHeader(protocol.RequestHeader{
		Operation: "DELETE_DATA",
		Location:  "/tmp/x",
		AuthToken: testToken,
	})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	// the peer neither sends nor half-closes
	start := time.Now()
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)

	_, _ = io.ReadAll(conn)
	assert.Less(t, time.Since(start), lingerTimeout+time.Second)
}

func TestPingIdempotence(t *testing.T) {
	bundles := &fakeBundles{}
	a, addr := startAgent(t, bundles)

	for i := 0; i < 5; i++ {
		resp, rest := exchange(t, addr, protocol.RequestHeader{Operation: protocol.OpPing}, nil)
		assert.Equal(t, protocol.StatusOK, resp.Status)
		assert.Equal(t, "agent test-agent", resp.Message)
		assert.Zero(t, resp.Size)
		assert.Empty(t, rest)
	}

	readers, writers := bundles.calls()
	assert.Zero(t, readers)
	assert.Zero(t, writers)
	assert.Zero(t, a.Pool().Active())
}

func TestUnknownOperation(t *testing.T) {
	bundles := &fakeBundles{}
	events := &recordingEvents{}
	_, addr := startAgent(t, bundles, WithEvents(events))

	resp, rest := exchange(t, addr, protocol.RequestHeader{
		Operation: "DELETE_DATA",
		Location:  "/tmp/x",
		AuthToken: testToken,
	}, []byte("ignored"))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "DELETE_DATA")
	assert.Empty(t, rest)

	readers, writers := bundles.calls()
	assert.Zero(t, readers)
	assert.Zero(t, writers)

	require.Eventually(t, func() bool { return len(events.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ERROR", events.all()[0].Status)
	assert.Equal(t, "DELETE_DATA", events.all()[0].Op)
}

func TestInvalidTokenNeverCallsWriter(t *testing.T) {
	bundles := &fakeBundles{writer: writeBundleFunc(func(context.Context, io.Reader, string) (int64, error) {
		return 0, errors.New("writer must not run")
	})}
	_, addr := startAgent(t, bundles)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"unknown", "Bearer expired-or-forged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rest := exchange(t, addr, protocol.RequestHeader{
				Operation: protocol.OpPersist,
				Format:    protocol.FormatSingleDataFile,
				Location:  "/tmp/x",
				AuthToken: tt.token,
			}, []byte("hello"))
			assert.Equal(t, protocol.StatusError, resp.Status)
			assert.Contains(t, resp.Message, "authentication failed")
			assert.Empty(t, rest)
		})
	}

	_, writers := bundles.calls()
	assert.Zero(t, writers)
}

func TestAllocationFailureReportsError(t *testing.T) {
	allocations := &recordingAllocations{err: errors.New("ledger unavailable")}
	_, addr := startAgent(t, bundle.NewProvider(""), WithAllocations(allocations))

	location := filepath.Join(t.TempDir(), "x")
	resp, _ := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    protocol.FormatSingleDataFile,
		Location:  location,
		AuthToken: testToken,
	}, []byte("hello"))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "ledger unavailable")

	// the bytes were stored even though the request failed
	_, err := os.Stat(location)
	assert.NoError(t, err)
}

func TestWriterFailureReportsError(t *testing.T) {
	bundles := &fakeBundles{writer: writeBundleFunc(func(context.Context, io.Reader, string) (int64, error) {
		return 0, errors.New("disk full")
	})}
	_, addr := startAgent(t, bundles)

	resp, _ := exchange(t, addr, protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    protocol.FormatSingleDataFile,
		Location:  "/tmp/x",
		AuthToken: testToken,
	}, bytes.Repeat([]byte("x"), 10000))
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "disk full")
}

func TestMidTransferDisconnectReleasesSlot(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	bundles := &fakeBundles{writer: writeBundleFunc(func(_ context.Context, r io.Reader, _ string) (int64, error) {
		close(started)
		n, err := io.Copy(io.Discard, r)
		finished <- err
		return n, err
	})}
	a, addr := startAgent(t, bundles)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	frame, err := protocol.EncodeHeader(protocol.RequestHeader{
		Operation: protocol.OpPersist,
		Format:    protocol.FormatSingleDataFile,
		Location:  "/tmp/x",
		AuthToken: testToken,
	})
	require.NoError(t, err)
	_, err = conn.Write(append(frame, []byte("partial")...))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never started")
	}
	assert.Equal(t, 1, a.Pool().Active())

	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not observe the disconnect")
	}
	require.Eventually(t, func() bool { return a.Pool().Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHeaderInSmallPieces(t *testing.T) {
	_, addr := startAgent(t, &fakeBundles{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.(*net.TCPConn).SetNoDelay(true))

	frame, err := protocol.EncodeHeader(protocol.RequestHeader{Operation: protocol.OpPing})
	require.NoError(t, err)
	for _, b := range frame {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestOversizedFrameIsRejected(t *testing.T) {
	bundles := &fakeBundles{}
	_, addr := startAgent(t, bundles)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	var prefix [protocol.LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], protocol.MaxFrameSize+1)
	_, err = conn.Write(prefix[:])
	require.NoError(t, err)

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid request header")

	readers, writers := bundles.calls()
	assert.Zero(t, readers+writers)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	a := New(cfg, &fakeBundles{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	// an idle connection must not hold up shutdown forever
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.ErrorIs(t, a.Pool().Submit(context.Background(), func() {}), transfer.ErrPoolClosed)
	assert.ErrorIs(t, a.Serve(context.Background(), ln), ErrAgentStarted)
}
