package worker

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/guseggert/pipes/task"
	"github.com/zeebo/blake3"
)

// Fetcher and emitter names understood by FileHandler.
const (
	FSFetcher = "fs"
	FSEmitter = "fs"
)

// Metadata keys produced by FileHandler.
const (
	KeyResourceName = "resourceName"
	KeyContentType  = "Content-Type"
	KeyLength       = "Content-Length"
	KeyBLAKE3       = "X-Pipes-BLAKE3"
	KeyLineCount    = "X-Pipes-Line-Count"
)

// FileHandler reads documents from a directory and extracts basic metadata.
// Results go back to the client when the task has no emitter, or to EmitDir as JSON with the "fs" emitter.
type FileHandler struct {
	FetchBaseDir string
	EmitDir      string
}

func (h *FileHandler) Handle(ctx context.Context, t *task.Task) (Result, error) {
	if t.FetchKey.FetcherName != FSFetcher {
		return Result{}, fmt.Errorf("unknown fetcher %q", t.FetchKey.FetcherName)
	}
	content, err := os.ReadFile(resolve(h.FetchBaseDir, t.FetchKey.Key))
	if err != nil {
		return Result{}, fmt.Errorf("fetching %q: %w", t.FetchKey.Key, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	md := extract(t.FetchKey.Key, content)
	for k, v := range t.Metadata {
		md[k] = append(md[k], v...)
	}
	data := &task.EmitData{EmitKey: t.EmitKey, Metadata: []map[string][]string{md}}

	switch t.EmitKey.EmitterName {
	case "":
		return Result{Kind: Parsed, Data: data}, nil
	case FSEmitter:
		if err := h.emit(t.EmitKey.Key, data); err != nil {
			return Result{Kind: EmitException, Message: err.Error()}, nil
		}
		return Result{Kind: Emitted}, nil
	default:
		return Result{Kind: NoEmitterFound}, nil
	}
}

// Emit writes data to the emitter named in t.
func (h *FileHandler) Emit(ctx context.Context, t *task.Task, data *task.EmitData) error {
	if t.EmitKey.EmitterName != FSEmitter {
		return fmt.Errorf("%w: %q", ErrNoEmitter, t.EmitKey.EmitterName)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.emit(t.EmitKey.Key, data)
}

func (h *FileHandler) emit(key string, data *task.EmitData) error {
	if h.EmitDir == "" {
		return fmt.Errorf("no emit dir configured")
	}
	path := resolve(h.EmitDir, key) + ".json"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating emit dir: %w", err)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return nil
}

// resolve joins key under base without letting it escape base.
func resolve(base, key string) string {
	return filepath.Join(base, filepath.Clean("/"+key))
}

func extract(name string, content []byte) map[string][]string {
	sum := blake3.Sum256(content)
	lines := bytes.Count(content, []byte{'\n'})
	if len(content) > 0 && content[len(content)-1] != '\n' {
		lines++
	}
	return map[string][]string{
		KeyResourceName: {name},
		KeyContentType:  {http.DetectContentType(content)},
		KeyLength:       {strconv.Itoa(len(content))},
		KeyBLAKE3:       {hex.EncodeToString(sum[:])},
		KeyLineCount:    {strconv.Itoa(lines)},
	}
}
