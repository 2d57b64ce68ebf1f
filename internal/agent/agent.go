// Package agent serves the storage protocol: it accepts connections, runs
// each through the transfer state machine and moves bundle bytes through
// the transfer engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/JaneliaSciComp/jacs-storage/internal/auth"
	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/transfer"
)

// ErrAgentStarted is returned when Serve is called more than once.
var ErrAgentStarted = errors.New("agent already serving")

// AllocationUpdater records the outcome of a successful persist.
// *dao.AllocationDAO satisfies it.
type AllocationUpdater interface {
	Record(ctx context.Context, a dao.Allocation) error
}

// EventRecorder keeps a log of finished connections. *dao.EventDAO
// satisfies it.
type EventRecorder interface {
	Append(ctx context.Context, e dao.TransferEvent) error
}

type noAllocations struct{}

func (noAllocations) Record(context.Context, dao.Allocation) error { return nil }

// Option configures an Agent.
type Option func(*Agent)

// WithValidator sets the token validator used before any data phase.
func WithValidator(v auth.Validator) Option {
	return func(a *Agent) { a.validator = v }
}

// WithAllocations sets the collaborator told about persisted bundles.
func WithAllocations(u AllocationUpdater) Option {
	return func(a *Agent) { a.allocations = u }
}

// WithEvents enables the transfer event log.
func WithEvents(r EventRecorder) Option {
	return func(a *Agent) { a.events = r }
}

// WithAgentID sets the identity reported to PING.
func WithAgentID(id string) Option {
	return func(a *Agent) { a.id = id }
}

// Agent is a storage agent. Create one with New and run it with Serve.
type Agent struct {
	cfg         Config
	bundles     transfer.BundleIO
	pool        *transfer.Pool
	validator   auth.Validator
	allocations AllocationUpdater
	events      EventRecorder
	id          string

	mu      sync.Mutex
	started bool
	conns   sync.WaitGroup
}

// New creates an agent reading and writing bundles through bundles.
func New(cfg Config, bundles transfer.BundleIO, opts ...Option) *Agent {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	a := &Agent{
		cfg:         cfg,
		bundles:     bundles,
		pool:        transfer.NewPool(cfg.Workers),
		validator:   cfg.Validator(),
		allocations: noAllocations{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Pool exposes the background transfer pool.
func (a *Agent) Pool() *transfer.Pool {
	return a.pool
}

// ID returns the agent identity.
func (a *Agent) ID() string {
	return a.id
}

// Listen opens the configured TCP address.
func (a *Agent) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", a.cfg.Addr(), err)
	}
	return ln, nil
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	ln, err := a.Listen()
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// the shutdown timeout for in-flight connections before aborting them. The
// pool is closed on return.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAgentStarted
	}
	a.started = true
	a.mu.Unlock()

	// connections outlive ctx until the drain deadline
	connCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Str("agent", a.id).Int("workers", a.pool.Size()).Msg("Agent listening")

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Msg("Accept timed out, retrying")
				continue
			}
			serveErr = fmt.Errorf("failed to accept connection: %w", err)
			break
		}

		a.conns.Add(1)
		go func() {
			defer a.conns.Done()
			newConnection(a, conn).serve(connCtx)
		}()
	}
	ln.Close()

	a.drain(abort)
	a.pool.Close()
	log.Info().Msg("Agent stopped")
	return serveErr
}

func (a *Agent) drain(abort context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		a.conns.Wait()
		close(done)
	}()

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		abort()
		<-done
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Aborting in-flight connections")
		abort()
		<-done
	}
}

func (a *Agent) newEngine() *transfer.Engine {
	return transfer.NewEngine(a.pool, a.bundles, a.cfg.PipeChunks)
}

// recordEvent appends to the event log. Failures are logged only.
func (a *Agent) recordEvent(ctx context.Context, e dao.TransferEvent) {
	if a.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.events.Append(ctx, e); err != nil {
		log.Warn().Err(err).Str("conn", e.ConnID).Msg("Failed to record transfer event")
	}
}
