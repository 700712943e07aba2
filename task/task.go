// Package task holds the values that cross the process boundary: the Task a client sends and the EmitData a worker may send back.
package task

import (
	"github.com/google/uuid"
)

// OnParseException decides what a worker does with partial results when parsing fails.
type OnParseException string

const (
	// Emit sends whatever was extracted before the failure.
	Emit OnParseException = "emit"
	// Skip drops the document.
	Skip OnParseException = "skip"
)

// FetchKey names where a worker reads the document from.
type FetchKey struct {
	FetcherName string `json:"fetcher_name" cbor:"fetcher_name"`
	Key         string `json:"key" cbor:"key"`
}

// EmitKey names where a worker sends its result. An empty EmitterName means "return it to the client".
type EmitKey struct {
	EmitterName string `json:"emitter_name,omitempty" cbor:"emitter_name,omitempty"`
	Key         string `json:"key,omitempty" cbor:"key,omitempty"`
}

// Task is one unit of work. ID is only used for logging and correlation.
type Task struct {
	ID               string              `json:"id" cbor:"id"`
	FetchKey         FetchKey            `json:"fetch_key" cbor:"fetch_key"`
	EmitKey          EmitKey             `json:"emit_key" cbor:"emit_key"`
	Metadata         map[string][]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	OnParseException OnParseException    `json:"on_parse_exception,omitempty" cbor:"on_parse_exception,omitempty"`
}

// New builds a task with a fresh random ID.
func New(fetch FetchKey, emit EmitKey) *Task {
	return &Task{
		ID:               uuid.NewString(),
		FetchKey:         fetch,
		EmitKey:          emit,
		OnParseException: Emit,
	}
}

// EmitData is what a worker extracted from one document.
type EmitData struct {
	EmitKey  EmitKey               `json:"emit_key" cbor:"emit_key"`
	Metadata []map[string][]string `json:"metadata" cbor:"metadata"`
}
