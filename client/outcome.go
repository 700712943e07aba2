package client

import (
	"fmt"

	"github.com/guseggert/pipes/task"
)

// Kind enumerates every way a call can end. The zero value is KindUnknown,
// which is never returned alongside a nil error and does not marshal.
type Kind int

const (
	KindUnknown Kind = iota
	KindSuccess
	KindEmitSuccess
	KindEmitSuccessParseException
	KindParseExceptionNoEmit
	KindEmitException
	KindNoEmitterFound
	KindOutOfMemory
	KindTimeout
	KindInterrupted
	KindUnspecifiedCrash
)

var kindNames = []string{
	KindUnknown:                   "unknown",
	KindSuccess:                   "success",
	KindEmitSuccess:               "emit_success",
	KindEmitSuccessParseException: "emit_success_parse_exception",
	KindParseExceptionNoEmit:      "parse_exception_no_emit",
	KindEmitException:             "emit_exception",
	KindNoEmitterFound:            "no_emitter_found",
	KindOutOfMemory:               "oom",
	KindTimeout:                   "timeout",
	KindInterrupted:               "interrupted",
	KindUnspecifiedCrash:          "unspecified_crash",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if k <= KindUnknown || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("unknown outcome kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if Kind(i) != KindUnknown && name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", b)
}

// Outcome is the result of one call. Payload is set only for KindSuccess;
// Message only for the message-bearing kinds, and is never empty there.
type Outcome struct {
	Kind    Kind           `json:"kind"`
	Payload *task.EmitData `json:"payload,omitempty"`
	Message string         `json:"message,omitempty"`
}

func Success(payload *task.EmitData) Outcome { return Outcome{Kind: KindSuccess, Payload: payload} }
func EmitSuccess() Outcome                   { return Outcome{Kind: KindEmitSuccess} }
func NoEmitterFound() Outcome                { return Outcome{Kind: KindNoEmitterFound} }
func OutOfMemory() Outcome                   { return Outcome{Kind: KindOutOfMemory} }
func Timeout() Outcome                       { return Outcome{Kind: KindTimeout} }
func Interrupted() Outcome                   { return Outcome{Kind: KindInterrupted} }
func UnspecifiedCrash() Outcome              { return Outcome{Kind: KindUnspecifiedCrash} }

func EmitSuccessWithParseError(msg string) Outcome {
	return Outcome{Kind: KindEmitSuccessParseException, Message: msg}
}

func ParseExceptionNoEmit(msg string) Outcome {
	return Outcome{Kind: KindParseExceptionNoEmit, Message: msg}
}

func EmitException(msg string) Outcome {
	return Outcome{Kind: KindEmitException, Message: msg}
}

func (o Outcome) String() string {
	if o.Message != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Message)
	}
	return o.Kind.String()
}
