package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JaneliaSciComp/jacs-storage/internal/log"
)

// singleFile stores a bundle as the raw bytes of one file.
type singleFile struct {
	root string
}

func (f singleFile) ReadBundle(ctx context.Context, location string, w io.Writer) (int64, error) {
	path, err := resolvePath(f.root, location)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return 0, fmt.Errorf("failed to open %s: %w", location, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", location, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrInvalidLocation, location)
	}
	return io.Copy(w, ctxReader{ctx, file})
}

func (f singleFile) WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error) {
	path, err := resolvePath(f.root, location)
	if err != nil {
		return 0, err
	}
	return writeFileAtomic(path, func(dst io.Writer) (int64, error) {
		return io.Copy(dst, ctxReader{ctx, r})
	})
}

// writeFileAtomic fills a temporary file next to path and renames it into
// place only when fill succeeds.
func writeFileAtomic(path string, fill func(io.Writer) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	n, err := fill(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("failed to rename into place: %w", err)
	}
	return n, nil
}

// archiveFile stores a tar archive verbatim. Persisted streams are checked
// entry by entry so a corrupt archive never replaces a good one.
type archiveFile struct {
	singleFile
}

func (a archiveFile) WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error) {
	path, err := resolvePath(a.root, location)
	if err != nil {
		return 0, err
	}
	return writeFileAtomic(path, func(dst io.Writer) (int64, error) {
		cw := &countingWriter{w: dst}
		tee := io.TeeReader(ctxReader{ctx, r}, cw)
		tr := tar.NewReader(tee)
		for {
			_, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return cw.n, fmt.Errorf("invalid archive: %w", err)
			}
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return cw.n, fmt.Errorf("invalid archive: %w", err)
			}
		}
		// keep any padding after the end-of-archive marker
		_, err := io.Copy(io.Discard, tee)
		return cw.n, err
	})
}

// dataDirectory streams a directory tree as a tar archive and expands
// persisted tar streams back into a directory.
type dataDirectory struct {
	root string
}

func (d dataDirectory) ReadBundle(ctx context.Context, location string, w io.Writer) (int64, error) {
	dir, err := resolvePath(d.root, location)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return 0, fmt.Errorf("failed to stat %s: %w", location, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s is not a directory", ErrInvalidLocation, location)
	}

	cw := &countingWriter{w: w}
	tw := tar.NewWriter(cw)
	err = filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		return addTarEntry(tw, dir, path, de)
	})
	if err != nil {
		return cw.n, fmt.Errorf("failed to archive %s: %w", location, err)
	}
	if err := tw.Close(); err != nil {
		return cw.n, fmt.Errorf("failed to finish archive: %w", err)
	}
	return cw.n, nil
}

func addTarEntry(tw *tar.Writer, dir, path string, de fs.DirEntry) error {
	info, err := de.Info()
	if err != nil {
		return err
	}
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if de.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

func (d dataDirectory) WriteBundle(ctx context.Context, r io.Reader, location string) (int64, error) {
	dir, err := resolvePath(d.root, location)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", location, err)
	}

	cr := &countingReader{r: ctxReader{ctx, r}}
	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cr.n, fmt.Errorf("invalid archive: %w", err)
		}
		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !within(dir, target) {
			return cr.n, fmt.Errorf("%w: entry %s escapes %s", ErrInvalidLocation, hdr.Name, location)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return cr.n, err
			}
		case tar.TypeReg:
			if err := extractFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return cr.n, err
			}
		default:
			log.Debug().Str("entry", hdr.Name).Msg("Skipping non-regular archive entry")
		}
	}
	return cr.n, nil
}

func extractFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
