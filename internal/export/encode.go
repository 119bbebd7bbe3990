package export

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"qazna.org/telemetry/internal/events"
)

const (
	objectSuffix      = ".ndjson.zst"
	objectContentType = "application/x-ndjson"
	objectEncoding    = "zstd"
)

// zstd encoders are safe for concurrent EncodeAll calls.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("export: zstd encoder initialization failed: " + err.Error())
	}
}

// Object is an encoded batch ready for upload.
type Object struct {
	Key      string
	Body     []byte
	Checksum string
	Events   int
}

// ObjectKey names the warehouse object of a batch:
// <prefix>/<environment>/dt=YYYY-MM-DD/<batch_uuid>.ndjson.zst
func ObjectKey(prefix, environment string, startedAt time.Time, batchUUID string) string {
	env := strings.TrimSpace(environment)
	if env == "" {
		env = "default"
	}
	parts := []string{env, "dt=" + startedAt.UTC().Format("2006-01-02"), batchUUID + objectSuffix}
	if p := strings.Trim(prefix, "/ "); p != "" {
		parts = append([]string{p}, parts...)
	}
	return path.Join(parts...)
}

// EncodeBatch renders evts as zstd-compressed NDJSON with a BLAKE3 checksum
// over the compressed bytes.
func EncodeBatch(prefix string, b Batch, evts []events.Event) (Object, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range evts {
		if err := enc.Encode(e.View()); err != nil {
			return Object{}, fmt.Errorf("encode event %s: %w", e.EventUUID, err)
		}
	}
	body := zstdEncoder.EncodeAll(buf.Bytes(), nil)
	sum := blake3.Sum256(body)
	env, _ := b.Metadata.String(metaEnvironment)
	return Object{
		Key:      ObjectKey(prefix, env, b.StartedAt, b.BatchUUID),
		Body:     body,
		Checksum: hex.EncodeToString(sum[:]),
		Events:   len(evts),
	}, nil
}
