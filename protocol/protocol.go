package protocol

import (
	"errors"
	"fmt"
)

// Control bytes.
const (
	Ready byte = 1
	Call  byte = 2
	Ping  byte = 3
)

// Exit codes a worker uses to report why it went away.
const (
	// TimeoutExitCode means the worker noticed that its own call ran past the deadline and exited.
	TimeoutExitCode = 17
	// OOMExitCode means the worker ran out of memory and was started with exit-on-OOM.
	OOMExitCode = 18
)

// MaxBlockSize bounds a single length-prefixed block.
// A length above this is treated as garbage rather than an allocation request.
const MaxBlockSize = 1 << 30

var (
	ErrUnknownStatus  = errors.New("unknown status byte")
	ErrNegativeLength = errors.New("negative block length")
	ErrBlockTooLarge  = errors.New("block exceeds max size")
)

// Status is the first byte of a worker's response to a CALL.
type Status byte

const (
	StatusOOM                       Status = 5
	StatusTimeout                   Status = 6
	StatusEmitException             Status = 7
	StatusNoEmitterFound            Status = 8
	StatusParseSuccess              Status = 9
	StatusParseExceptionNoEmit      Status = 10
	StatusEmitSuccess               Status = 11
	StatusEmitSuccessParseException Status = 12
	StatusParseExceptionEmit        Status = 13
)

// BodyKind describes what follows a status byte.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyMessage
	BodyPayload
)

var statuses = map[Status]struct {
	name string
	body BodyKind
}{
	StatusOOM:                       {"oom", BodyNone},
	StatusTimeout:                   {"timeout", BodyNone},
	StatusEmitException:             {"emit_exception", BodyMessage},
	StatusNoEmitterFound:            {"no_emitter_found", BodyNone},
	StatusParseSuccess:              {"parse_success", BodyPayload},
	StatusParseExceptionNoEmit:      {"parse_exception_no_emit", BodyMessage},
	StatusEmitSuccess:               {"emit_success", BodyNone},
	StatusEmitSuccessParseException: {"emit_success_parse_exception", BodyMessage},
	StatusParseExceptionEmit:        {"parse_exception_emit", BodyPayload},
}

// ParseStatus validates a raw status byte.
func ParseStatus(b byte) (Status, error) {
	s := Status(b)
	if _, ok := statuses[s]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, b)
	}
	return s, nil
}

// Body returns the kind of body that follows s on the wire.
func (s Status) Body() BodyKind {
	return statuses[s].body
}

func (s Status) String() string {
	if st, ok := statuses[s]; ok {
		return st.name
	}
	return fmt.Sprintf("status(%d)", byte(s))
}
