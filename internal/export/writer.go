package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"qazna.org/telemetry/internal/events"
)

// WriteResult describes a stored batch object.
type WriteResult struct {
	FileKey  string
	Checksum string
	Bytes    int
}

// Writer delivers a batch of events to the warehouse.
type Writer interface {
	Destination() string
	Write(ctx context.Context, b Batch, evts []events.Event) (WriteResult, error)
}

// FileWriter stores batch objects under a local directory.
type FileWriter struct {
	dir    string
	prefix string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter creates a writer rooted at dir.
func NewFileWriter(dir, prefix string) *FileWriter {
	return &FileWriter{dir: dir, prefix: prefix}
}

func (w *FileWriter) Destination() string { return "file" }

func (w *FileWriter) Write(ctx context.Context, b Batch, evts []events.Event) (WriteResult, error) {
	obj, err := EncodeBatch(w.prefix, b, evts)
	if err != nil {
		return WriteResult{}, err
	}
	full := filepath.Join(w.dir, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create export dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".batch-*")
	if err != nil {
		return WriteResult{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(obj.Body); err != nil {
		_ = tmp.Close()
		return WriteResult{}, err
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return WriteResult{}, fmt.Errorf("publish %s: %w", obj.Key, err)
	}
	return WriteResult{FileKey: obj.Key, Checksum: obj.Checksum, Bytes: len(obj.Body)}, nil
}

func objectMetadata(b Batch, obj Object) map[string]string {
	return map[string]string{
		"batch-uuid":      b.BatchUUID,
		"events-count":    fmt.Sprint(obj.Events),
		"checksum-blake3": obj.Checksum,
	}
}
