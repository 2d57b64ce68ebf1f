package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Result is what a finished transfer reports: bytes moved through the pipe
// and their SHA-256.
type Result struct {
	Bytes    int64
	Checksum string
}

type digest struct {
	h hash.Hash
	n int64
}

func newDigest() digest { return digest{h: sha256.New()} }

func (d *digest) add(p []byte) {
	d.h.Write(p)
	d.n += int64(len(p))
}

func (d *digest) result() Result {
	return Result{Bytes: d.n, Checksum: hex.EncodeToString(d.h.Sum(nil))}
}

// hashingWriter checksums bytes as the bundle reader produces them.
type hashingWriter struct {
	w io.Writer
	digest
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.add(p[:n])
	return n, err
}

// hashingReader checksums bytes as the bundle writer consumes them.
type hashingReader struct {
	r io.Reader
	digest
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.add(p[:n])
	return n, err
}
