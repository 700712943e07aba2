package worker

import (
	"context"
	"errors"

	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
)

var (
	// ErrOutOfMemory is returned (possibly wrapped) by a Handler that ran out of memory.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrNoEmitter is returned by an Emitter asked to use an emitter it does not have.
	ErrNoEmitter = errors.New("no emitter found")
)

// ResultKind is what a Handler did with a task. Each kind maps to one status byte.
type ResultKind int

const (
	// Parsed returns Data to the client.
	Parsed ResultKind = iota
	// ParsedWithException returns partial Data to the client after a parse failure.
	ParsedWithException
	// ParseExceptionNoEmit reports a parse failure with nothing emitted.
	ParseExceptionNoEmit
	// Emitted means Data went to an emitter and nothing is returned.
	Emitted
	// EmittedWithParseException means partial Data went to an emitter after a parse failure.
	EmittedWithParseException
	// EmitException means the emitter failed.
	EmitException
	// NoEmitterFound means the task named an emitter the worker does not have.
	NoEmitterFound
)

type Result struct {
	Kind    ResultKind
	Data    *task.EmitData
	Message string
}

func (r Result) status() protocol.Status {
	switch r.Kind {
	case Parsed:
		return protocol.StatusParseSuccess
	case ParsedWithException:
		return protocol.StatusParseExceptionEmit
	case ParseExceptionNoEmit:
		return protocol.StatusParseExceptionNoEmit
	case Emitted:
		return protocol.StatusEmitSuccess
	case EmittedWithParseException:
		return protocol.StatusEmitSuccessParseException
	case EmitException:
		return protocol.StatusEmitException
	case NoEmitterFound:
		return protocol.StatusNoEmitterFound
	default:
		return protocol.StatusParseExceptionNoEmit
	}
}

// Handler processes one task. A returned error is reported to the client as a parse exception,
// except ErrOutOfMemory, which is reported as OOM.
type Handler interface {
	Handle(ctx context.Context, t *task.Task) (Result, error)
}

type HandlerFunc func(ctx context.Context, t *task.Task) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, t *task.Task) (Result, error) { return f(ctx, t) }

// Emitter is implemented by handlers that can send data to the emitter named in a task.
// After a parse failure, the partial data of a task that names an emitter goes through Emit.
type Emitter interface {
	Emit(ctx context.Context, t *task.Task, data *task.EmitData) error
}
