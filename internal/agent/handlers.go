package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
)

// handler drives a connection from a decoded header to its single response.
// The variants below are the closed set; a handler has exclusive use of the
// connection while handle runs.
type handler interface {
	op() protocol.Operation
	handle(ctx context.Context, c *connection) error
}

// dispatch selects the handler for a decoded header. Authentication is
// checked here so no data phase starts for a rejected token.
func (a *Agent) dispatch(h protocol.RequestHeader, err error) handler {
	if err != nil {
		return errorHandler{operation: h.Operation, msg: fmt.Sprintf("invalid request header: %v", err)}
	}

	switch h.Operation {
	case protocol.OpPing:
		return pingHandler{agentID: a.id}
	case protocol.OpPersist, protocol.OpRetrieve:
		id, err := a.validator.Validate(h.AuthToken)
		if err != nil {
			return errorHandler{operation: h.Operation, msg: fmt.Sprintf("authentication failed: %v", err)}
		}
		if h.Operation == protocol.OpPersist {
			return persistHandler{header: h, owner: id.Subject, allocations: a.allocations}
		}
		return retrieveHandler{header: h}
	default:
		return errorHandler{operation: h.Operation, msg: fmt.Sprintf("%v: %q", protocol.ErrUnknownOperation, string(h.Operation))}
	}
}

// timedHandler logs the outcome and duration of the handler it wraps.
type timedHandler struct {
	handler
}

func timed(h handler) handler {
	return timedHandler{handler: h}
}

func (t timedHandler) handle(ctx context.Context, c *connection) error {
	start := time.Now()
	err := t.handler.handle(ctx, c)

	ev := c.log.Info()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("op", string(t.op())).
		Str("location", c.header.Location).
		Str("phase", c.state.Phase().String()).
		Uint64("bytes", c.state.BytesTransferred()).
		Dur("elapsed", time.Since(start)).
		Msg("Request finished")
	return err
}

// pingHandler answers without touching the transfer engine.
type pingHandler struct {
	agentID string
}

func (pingHandler) op() protocol.Operation { return protocol.OpPing }

func (h pingHandler) handle(_ context.Context, c *connection) error {
	if err := c.complete(); err != nil {
		return err
	}
	msg := "agent"
	if h.agentID != "" {
		msg = "agent " + h.agentID
	}
	return c.respond(protocol.OK(msg, 0, ""))
}

// errorHandler reports a failure that happened before any data phase.
type errorHandler struct {
	operation protocol.Operation
	msg       string
}

func (h errorHandler) op() protocol.Operation { return h.operation }

func (h errorHandler) handle(_ context.Context, c *connection) error {
	return c.fail(h.msg)
}

// persistHandler receives a bundle from the socket and writes it to storage.
type persistHandler struct {
	header      protocol.RequestHeader
	owner       string
	allocations AllocationUpdater
}

func (persistHandler) op() protocol.Operation { return protocol.OpPersist }

func (h persistHandler) handle(ctx context.Context, c *connection) error {
	if err := c.state.Advance(protocol.PhaseWriteData); err != nil {
		return c.fail(err.Error())
	}

	eng := c.agent.newEngine()
	if err := eng.Begin(ctx, h.header); err != nil {
		return c.fail(err.Error())
	}

	if err := c.receive(ctx, eng); err != nil {
		eng.Abort(err)
		return c.fail(fmt.Sprintf("failed to persist %s: %v", h.header.Location, err))
	}

	res, err := eng.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			eng.Abort(ctx.Err())
		}
		return c.fail(err.Error())
	}

	err = h.allocations.Record(ctx, dao.Allocation{
		Location: h.header.Location,
		Format:   string(h.header.Format),
		Size:     res.Bytes,
		Checksum: res.Checksum,
		Owner:    h.owner,
	})
	if err != nil {
		return c.fail(fmt.Sprintf("failed to update allocation for %s: %v", h.header.Location, err))
	}

	if err := c.complete(); err != nil {
		return err
	}
	c.log.Debug().Int64("bytes", res.Bytes).Str("checksum", res.Checksum).Str("owner", h.owner).Msg("Bundle persisted")
	return c.respond(protocol.OK("persisted", res.Bytes, res.Checksum))
}

// retrieveHandler streams a bundle from storage to the socket. The response
// goes out before the first data byte.
type retrieveHandler struct {
	header protocol.RequestHeader
}

func (retrieveHandler) op() protocol.Operation { return protocol.OpRetrieve }

func (h retrieveHandler) handle(ctx context.Context, c *connection) error {
	if err := c.state.Advance(protocol.PhaseReadData); err != nil {
		return c.fail(err.Error())
	}

	eng := c.agent.newEngine()
	if err := eng.Begin(ctx, h.header); err != nil {
		return c.fail(err.Error())
	}

	n, err := c.pull(ctx, eng)
	if errors.Is(err, io.EOF) {
		// empty bundle, the final result is already known
		res, werr := eng.Wait(ctx)
		if werr != nil {
			return c.fail(werr.Error())
		}
		if err := c.complete(); err != nil {
			return err
		}
		return c.respond(protocol.OK("retrieved", res.Bytes, res.Checksum))
	}
	if err != nil {
		eng.Abort(err)
		return c.fail(err.Error())
	}

	if err := c.respond(protocol.OK("streaming", -1, "")); err != nil {
		return c.abort(eng, err)
	}

	// past this point no response can follow the data, failures reset the
	// connection
	for {
		if err := c.send(c.buf[:n]); err != nil {
			return c.abort(eng, err)
		}
		n, err = c.pull(ctx, eng)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.abort(eng, err)
		}
	}

	if err := c.state.Advance(protocol.PhaseCompleted); err != nil {
		return c.abort(eng, err)
	}
	if res, err := eng.Wait(ctx); err == nil {
		c.log.Debug().Int64("bytes", res.Bytes).Str("checksum", res.Checksum).Msg("Bundle retrieved")
	}
	return nil
}
