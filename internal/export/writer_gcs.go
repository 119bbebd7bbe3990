package export

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"qazna.org/telemetry/internal/events"
)

// GCSWriter uploads batch objects to a Cloud Storage bucket.
type GCSWriter struct {
	bucket string
	prefix string
	open   func(ctx context.Context, key string, meta map[string]string) io.WriteCloser
}

var _ Writer = (*GCSWriter)(nil)

// NewGCSWriter creates a client from a service account key file, or from
// application default credentials when credentialsFile is empty.
func NewGCSWriter(ctx context.Context, bucket, credentialsFile, prefix string) (*GCSWriter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSWriter{
		bucket: bucket,
		prefix: prefix,
		open: func(ctx context.Context, key string, meta map[string]string) io.WriteCloser {
			w := client.Bucket(bucket).Object(key).NewWriter(ctx)
			w.ContentType = objectContentType
			w.ContentEncoding = objectEncoding
			w.Metadata = meta
			return w
		},
	}, nil
}

func (w *GCSWriter) Destination() string { return "gcs" }

func (w *GCSWriter) Write(ctx context.Context, b Batch, evts []events.Event) (WriteResult, error) {
	obj, err := EncodeBatch(w.prefix, b, evts)
	if err != nil {
		return WriteResult{}, err
	}
	ow := w.open(ctx, obj.Key, objectMetadata(b, obj))
	if _, err := io.Copy(ow, bytes.NewReader(obj.Body)); err != nil {
		_ = ow.Close()
		return WriteResult{}, fmt.Errorf("write gs://%s/%s: %w", w.bucket, obj.Key, err)
	}
	// The upload is committed on Close.
	if err := ow.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("close gs://%s/%s: %w", w.bucket, obj.Key, err)
	}
	return WriteResult{FileKey: obj.Key, Checksum: obj.Checksum, Bytes: len(obj.Body)}, nil
}
