package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length.
	LengthPrefixSize = 4
	// MaxFieldSize bounds every string carried in a header.
	MaxFieldSize = 64 * 1024
	// MaxFrameSize bounds a whole header payload: four maximal strings plus
	// msgpack overhead.
	MaxFrameSize = 4*MaxFieldSize + 64
)

// FrameError describes a header that could not be framed or decoded.
type FrameError struct {
	Kind string // "length" or "payload"
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame %s error: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("frame %s error: %s", e.Kind, e.Msg)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// EncodeHeader packs the request header into a length-prefixed frame.
func EncodeHeader(h RequestHeader) ([]byte, error) {
	return encodeFrame(func(enc *msgpack.Encoder) error {
		for _, s := range []string{string(h.Operation), string(h.Format), h.Location, h.AuthToken} {
			if err := encodeField(enc, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// EncodeResponse packs the response header into a length-prefixed frame.
func EncodeResponse(r ResponseHeader) ([]byte, error) {
	return encodeFrame(func(enc *msgpack.Encoder) error {
		if err := enc.EncodeInt(int64(r.Status)); err != nil {
			return err
		}
		if err := encodeField(enc, r.Message); err != nil {
			return err
		}
		if err := enc.EncodeInt(r.Size); err != nil {
			return err
		}
		return encodeField(enc, r.Checksum)
	})
}

func encodeField(enc *msgpack.Encoder, s string) error {
	if len(s) > MaxFieldSize {
		return fmt.Errorf("%w: %d bytes", ErrFieldTooLarge, len(s))
	}
	return enc.EncodeString(s)
}

func encodeFrame(pack func(*msgpack.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(make([]byte, LengthPrefixSize))
	if err := pack(msgpack.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-LengthPrefixSize))
	return frame, nil
}

func decodeHeaderPayload(payload []byte) (RequestHeader, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	var fields [4]string
	for i := range fields {
		s, err := decodeField(dec)
		if err != nil {
			return RequestHeader{}, err
		}
		fields[i] = s
	}
	format, err := ParseFormat(fields[1])
	if err != nil {
		return RequestHeader{}, &FrameError{Kind: "payload", Msg: "bad format field", Err: err}
	}
	return RequestHeader{
		Operation: Operation(fields[0]),
		Format:    format,
		Location:  fields[2],
		AuthToken: fields[3],
	}, nil
}

func decodeResponsePayload(payload []byte) (ResponseHeader, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	status, err := dec.DecodeInt()
	if err != nil {
		return ResponseHeader{}, &FrameError{Kind: "payload", Msg: "bad status field", Err: ErrMalformed}
	}
	message, err := decodeField(dec)
	if err != nil {
		return ResponseHeader{}, err
	}
	size, err := dec.DecodeInt64()
	if err != nil {
		return ResponseHeader{}, &FrameError{Kind: "payload", Msg: "bad size field", Err: ErrMalformed}
	}
	checksum, err := decodeField(dec)
	if err != nil {
		return ResponseHeader{}, err
	}
	return ResponseHeader{Status: Status(status), Message: message, Size: size, Checksum: checksum}, nil
}

func decodeField(dec *msgpack.Decoder) (string, error) {
	s, err := dec.DecodeString()
	if err != nil {
		return "", &FrameError{Kind: "payload", Msg: err.Error(), Err: ErrMalformed}
	}
	if len(s) > MaxFieldSize {
		return "", &FrameError{Kind: "payload", Msg: fmt.Sprintf("%d byte field", len(s)), Err: ErrFieldTooLarge}
	}
	return s, nil
}

// frameAssembler collects one length-prefixed frame from arbitrarily small
// chunks.
type frameAssembler struct {
	prefix  [LengthPrefixSize]byte
	nPrefix int
	payload []byte
	filled  int
}

// feed consumes bytes from p and returns how many it used. The payload is
// non-nil once the frame is complete.
func (a *frameAssembler) feed(p []byte) (int, []byte, error) {
	used := 0
	if a.nPrefix < LengthPrefixSize {
		n := copy(a.prefix[a.nPrefix:], p)
		a.nPrefix += n
		used += n
		if a.nPrefix < LengthPrefixSize {
			return used, nil, nil
		}
		size := binary.BigEndian.Uint32(a.prefix[:])
		if size > MaxFrameSize {
			return used, nil, &FrameError{Kind: "length", Msg: fmt.Sprintf("%d byte frame", size), Err: ErrFrameTooLarge}
		}
		a.payload = make([]byte, size)
	}
	n := copy(a.payload[a.filled:], p[used:])
	a.filled += n
	used += n
	if a.filled < len(a.payload) {
		return used, nil, nil
	}
	payload := a.payload
	*a = frameAssembler{}
	return used, payload, nil
}

// HeaderDecoder incrementally decodes a request header.
type HeaderDecoder struct {
	frame frameAssembler
}

// Decode consumes bytes from p. It returns the number of bytes used and
// ErrNeedMoreBytes until a whole header has arrived. Bytes past the header
// are left unconsumed for the data phase.
func (d *HeaderDecoder) Decode(p []byte) (RequestHeader, int, error) {
	n, payload, err := d.frame.feed(p)
	if err != nil {
		return RequestHeader{}, n, err
	}
	if payload == nil {
		return RequestHeader{}, n, ErrNeedMoreBytes
	}
	h, err := decodeHeaderPayload(payload)
	return h, n, err
}

// ResponseDecoder incrementally decodes a response header.
type ResponseDecoder struct {
	frame frameAssembler
}

// Decode mirrors HeaderDecoder.Decode for response headers.
func (d *ResponseDecoder) Decode(p []byte) (ResponseHeader, int, error) {
	n, payload, err := d.frame.feed(p)
	if err != nil {
		return ResponseHeader{}, n, err
	}
	if payload == nil {
		return ResponseHeader{}, n, ErrNeedMoreBytes
	}
	r, err := decodeResponsePayload(payload)
	return r, n, err
}

// DecodeHeader decodes a header held entirely in b.
func DecodeHeader(b []byte) (RequestHeader, error) {
	var d HeaderDecoder
	h, _, err := d.Decode(b)
	return h, err
}

// DecodeResponse decodes a response held entirely in b.
func DecodeResponse(b []byte) (ResponseHeader, error) {
	var d ResponseDecoder
	r, _, err := d.Decode(b)
	return r, err
}

// ReadResponse reads exactly one response frame from r without consuming
// any bytes that follow it.
func ReadResponse(r io.Reader) (ResponseHeader, error) {
	payload, err := readFrame(r)
	if err != nil {
		return ResponseHeader{}, err
	}
	return decodeResponsePayload(payload)
}

// ReadHeader reads exactly one request frame from r.
func ReadHeader(r io.Reader) (RequestHeader, error) {
	payload, err := readFrame(r)
	if err != nil {
		return RequestHeader{}, err
	}
	return decodeHeaderPayload(payload)
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, &FrameError{Kind: "length", Msg: fmt.Sprintf("%d byte frame", size), Err: ErrFrameTooLarge}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}
