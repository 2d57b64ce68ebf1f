package client

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/pipe"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
)

// Endpoint names a bundle on a particular agent.
type Endpoint struct {
	Client   *Client
	Format   protocol.Format
	Location string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s", e.Client.Addr(), e.Location)
}

// bridge runs produce and consume concurrently, joined by a bounded pipe.
// When either side fails the pipe is closed with its error so the other
// side stops too.
func bridge(ctx context.Context, chunks int, produce func(context.Context, io.Writer) error, consume func(context.Context, io.Reader) error) error {
	if chunks <= 0 {
		chunks = pipe.DefaultChunks
	}
	p := pipe.New(chunks)
	sink, source := p.Sink(), p.Source()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := produce(gctx, sinkWriter{ctx: gctx, sink: sink})
		sink.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := consume(gctx, sourceReader{ctx: gctx, source: source})
		source.CloseWithError(err)
		return err
	})
	return g.Wait()
}

// Proxy copies the bundle at src to dst without holding it in memory. The
// retrieve and the persist run concurrently.
func Proxy(ctx context.Context, src, dst Endpoint, chunks int) (Result, error) {
	var pulled, pushed Result
	err := bridge(ctx, chunks,
		func(ctx context.Context, w io.Writer) error {
			res, err := src.Client.Get(ctx, w, src.Format, src.Location)
			if err != nil {
				return fmt.Errorf("failed to retrieve %s: %w", src, err)
			}
			pulled = res
			return nil
		},
		func(ctx context.Context, r io.Reader) error {
			res, err := dst.Client.Put(ctx, r, dst.Format, dst.Location)
			if err != nil {
				return fmt.Errorf("failed to persist %s: %w", dst, err)
			}
			pushed = res
			return nil
		})
	if err != nil {
		return Result{}, err
	}
	if pulled.Checksum != pushed.Checksum {
		return pushed, fmt.Errorf("%w: retrieved %s, persisted %s", ErrChecksumMismatch, pulled.Checksum, pushed.Checksum)
	}
	log.Info().Str("from", src.String()).Str("to", dst.String()).Int64("bytes", pushed.Bytes).Str("checksum", pushed.Checksum).Msg("Bundle proxied")
	return pushed, nil
}

// Upload persists the local bundle at path as location on the agent. The
// local reader runs alongside the network side.
func (c *Client) Upload(ctx context.Context, local bundle.Reader, path string, format protocol.Format, location string) (Result, error) {
	var res Result
	err := bridge(ctx, 0,
		func(ctx context.Context, w io.Writer) error {
			if _, err := local.ReadBundle(ctx, path, w); err != nil {
				return fmt.Errorf("failed to read local bundle %s: %w", path, err)
			}
			return nil
		},
		func(ctx context.Context, r io.Reader) error {
			var err error
			res, err = c.Put(ctx, r, format, location)
			return err
		})
	return res, err
}

// Download retrieves location from the agent into the local bundle at path.
func (c *Client) Download(ctx context.Context, local bundle.Writer, path string, format protocol.Format, location string) (Result, error) {
	var res Result
	err := bridge(ctx, 0,
		func(ctx context.Context, w io.Writer) error {
			var err error
			res, err = c.Get(ctx, w, format, location)
			return err
		},
		func(ctx context.Context, r io.Reader) error {
			if _, err := local.WriteBundle(ctx, r, path); err != nil {
				return fmt.Errorf("failed to write local bundle %s: %w", path, err)
			}
			return nil
		})
	return res, err
}

type sinkWriter struct {
	ctx  context.Context
	sink *pipe.Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	return w.sink.WriteContext(w.ctx, p)
}

type sourceReader struct {
	ctx    context.Context
	source *pipe.Source
}

func (r sourceReader) Read(p []byte) (int, error) {
	return r.source.ReadContext(r.ctx, p)
}
