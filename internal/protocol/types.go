// Package protocol implements the storage agent wire protocol: the request
// and response headers, their length-prefixed msgpack framing and the
// per-connection transfer state.
package protocol

import (
	"errors"
	"fmt"
)

// Common errors returned by the protocol package.
var (
	ErrNeedMoreBytes     = errors.New("need more bytes")
	ErrFieldTooLarge     = errors.New("field exceeds maximum length")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrMalformed         = errors.New("malformed payload")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrUnknownFormat     = errors.New("unknown storage format")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Operation is the action requested by a client. It travels on the wire by
// name, so values outside the known set survive decoding and are rejected at
// dispatch time.
type Operation string

const (
	OpPersist  Operation = "PERSIST_DATA"
	OpRetrieve Operation = "RETRIEVE_DATA"
	OpPing     Operation = "PING"
)

// Valid reports whether the operation is one the agent serves.
func (o Operation) Valid() bool {
	switch o {
	case OpPersist, OpRetrieve, OpPing:
		return true
	default:
		return false
	}
}

// RequiresAuth reports whether the operation touches bundle data.
func (o Operation) RequiresAuth() bool {
	return o == OpPersist || o == OpRetrieve
}

// Format identifies how a bundle is laid out in storage.
type Format string

const (
	FormatNone            Format = ""
	FormatArchiveDataFile Format = "ARCHIVE_DATA_FILE"
	FormatDataDirectory   Format = "DATA_DIRECTORY"
	FormatSingleDataFile  Format = "SINGLE_DATA_FILE"
)

// ParseFormat converts a format name into a Format.
func ParseFormat(name string) (Format, error) {
	switch f := Format(name); f {
	case FormatNone, FormatArchiveDataFile, FormatDataDirectory, FormatSingleDataFile:
		return f, nil
	default:
		return FormatNone, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Status is the outcome carried by a response header.
type Status int

const (
	StatusError Status = iota
	StatusOK
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// RequestHeader is the first frame a client sends on a connection.
type RequestHeader struct {
	Operation Operation
	Format    Format
	Location  string
	AuthToken string
}

// ResponseHeader is the single frame an agent writes per connection.
//
// Size is the number of bundle bytes moved, or -1 when the response
// precedes a data stream of unknown length. Checksum is the hex SHA-256 of
// those bytes and is empty when not known.
type ResponseHeader struct {
	Status   Status
	Message  string
	Size     int64
	Checksum string
}

// OK builds a successful response.
func OK(message string, size int64, checksum string) ResponseHeader {
	return ResponseHeader{Status: StatusOK, Message: message, Size: size, Checksum: checksum}
}

// Failure builds an error response. An empty message is replaced so that
// no error is ever reported without a cause.
func Failure(message string) ResponseHeader {
	if message == "" {
		message = "unspecified error"
	}
	return ResponseHeader{Status: StatusError, Message: message, Size: -1}
}
