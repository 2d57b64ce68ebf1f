package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Phase is the position of a connection in the transfer state machine.
type Phase int

const (
	// PhaseIdle indicates no bytes have arrived yet.
	PhaseIdle Phase = iota
	// PhaseReadHeader indicates the request header is being assembled.
	PhaseReadHeader
	// PhaseReadData indicates the agent is the data source (retrieve).
	PhaseReadData
	// PhaseWriteData indicates the agent is the data sink (persist).
	PhaseWriteData
	// PhaseCompleted is the successful terminal phase.
	PhaseCompleted
	// PhaseError is the failed terminal phase.
	PhaseError
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseReadHeader:
		return "READ_HEADER"
	case PhaseReadData:
		return "READ_DATA"
	case PhaseWriteData:
		return "WRITE_DATA"
	case PhaseCompleted:
		return "DATA_TRANSFER_COMPLETED"
	case PhaseError:
		return "DATA_TRANSFER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseReadHeader, PhaseCompleted},
	PhaseReadHeader: {PhaseReadData, PhaseWriteData, PhaseCompleted},
	PhaseReadData:   {PhaseCompleted},
	PhaseWriteData:  {PhaseCompleted},
}

// TransferState is the mutable record of one connection. It is owned by the
// connection goroutine and is not safe for concurrent use.
type TransferState struct {
	phase    Phase
	bytes    uint64
	checksum hash.Hash
	errMsg   string
}

// NewTransferState returns a state in PhaseIdle.
func NewTransferState() *TransferState {
	return &TransferState{phase: PhaseIdle, checksum: sha256.New()}
}

// Phase returns the current phase.
func (s *TransferState) Phase() Phase {
	return s.phase
}

// Advance moves to next. Any non-terminal phase may fail into PhaseError
// through Fail; Advance only allows forward moves of the state machine.
func (s *TransferState) Advance(next Phase) error {
	for _, allowed := range transitions[s.phase] {
		if allowed == next {
			s.phase = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, next)
}

// Fail moves to PhaseError with msg unless the state is already terminal.
func (s *TransferState) Fail(msg string) {
	if s.phase.Terminal() {
		return
	}
	if msg == "" {
		msg = "unspecified error"
	}
	s.phase = PhaseError
	s.errMsg = msg
}

// Account records bytes moved across the socket during the data phase.
func (s *TransferState) Account(p []byte) {
	if s.phase.Terminal() {
		return
	}
	s.bytes += uint64(len(p))
	s.checksum.Write(p)
}

// BytesTransferred returns the number of data bytes accounted so far.
func (s *TransferState) BytesTransferred() uint64 {
	return s.bytes
}

// Checksum returns the hex SHA-256 of the accounted bytes.
func (s *TransferState) Checksum() string {
	return hex.EncodeToString(s.checksum.Sum(nil))
}

// ErrorMessage returns the failure cause, empty unless in PhaseError.
func (s *TransferState) ErrorMessage() string {
	return s.errMsg
}
