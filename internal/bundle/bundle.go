// Package bundle reads and writes data bundles: a single file, a tar
// archive kept as-is, or a directory tree streamed as tar. Locations are
// filesystem paths or s3://bucket/key URLs.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
)

// Common errors returned by the bundle package.
var (
	ErrNotFound          = errors.New("bundle not found")
	ErrUnsupportedFormat = errors.New("unsupported storage format")
	ErrInvalidLocation   = errors.New("invalid location")
)

// Reader streams the bundle stored at location into w and returns the
// number of bytes written.
type Reader interface {
	ReadBundle(ctx context.Context, location string, w io.Writer) (int64, error)
}

// Writer stores everything read from r as the bundle at location and
// returns the number of bytes consumed.
type Writer interface {
	WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error)
}

// Provider selects the Reader or Writer for a format and location.
type Provider struct {
	root string
	s3   *S3Store
}

// Option configures a Provider.
type Option func(*Provider)

// WithS3 enables s3:// locations.
func WithS3(store *S3Store) Option {
	return func(p *Provider) { p.s3 = store }
}

// NewProvider returns a provider resolving relative locations against root.
// An empty root accepts any absolute path.
func NewProvider(root string, opts ...Option) *Provider {
	p := &Provider{root: root}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reader returns the reader for format at location.
func (p *Provider) Reader(format protocol.Format, location string) (Reader, error) {
	if IsS3Location(location) {
		store, err := p.s3Store(format)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	switch format {
	case protocol.FormatSingleDataFile:
		return singleFile{root: p.root}, nil
	case protocol.FormatArchiveDataFile:
		return archiveFile{singleFile{root: p.root}}, nil
	case protocol.FormatDataDirectory:
		return dataDirectory{root: p.root}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Writer returns the writer for format at location.
func (p *Provider) Writer(format protocol.Format, location string) (Writer, error) {
	if IsS3Location(location) {
		store, err := p.s3Store(format)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	switch format {
	case protocol.FormatSingleDataFile:
		return singleFile{root: p.root}, nil
	case protocol.FormatArchiveDataFile:
		return archiveFile{singleFile{root: p.root}}, nil
	case protocol.FormatDataDirectory:
		return dataDirectory{root: p.root}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (p *Provider) s3Store(format protocol.Format) (*S3Store, error) {
	if p.s3 == nil {
		return nil, fmt.Errorf("%w: s3 storage is not configured", ErrInvalidLocation)
	}
	switch format {
	case protocol.FormatSingleDataFile, protocol.FormatArchiveDataFile:
		return p.s3, nil
	default:
		return nil, fmt.Errorf("%w: %q on s3", ErrUnsupportedFormat, format)
	}
}

// resolvePath maps a location onto the filesystem, refusing anything that
// escapes root.
func resolvePath(root, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}
	clean := filepath.Clean(location)
	if root == "" {
		if !filepath.IsAbs(clean) {
			return "", fmt.Errorf("%w: %s is not absolute", ErrInvalidLocation, location)
		}
		return clean, nil
	}
	path := clean
	if !filepath.IsAbs(clean) {
		path = filepath.Join(root, clean)
	}
	if !within(root, path) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidLocation, location, root)
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ctxReader stops a copy loop once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
