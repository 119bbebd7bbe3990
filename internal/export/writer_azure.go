package export

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"qazna.org/telemetry/internal/events"
)

// AzureOptions configures AzureWriter.
type AzureOptions struct {
	AccountName string
	AccountKey  string
	Container   string
	// Endpoint overrides https://<account>.blob.core.windows.net (e.g. Azurite).
	Endpoint string
	Prefix   string
}

type azureUploadAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureWriter uploads batch objects to Azure Blob Storage.
type AzureWriter struct {
	client    azureUploadAPI
	container string
	prefix    string
}

var _ Writer = (*AzureWriter)(nil)

// NewAzureWriter authenticates with a shared account key.
func NewAzureWriter(opts AzureOptions) (*AzureWriter, error) {
	if opts.AccountName == "" || opts.Container == "" {
		return nil, fmt.Errorf("azure account name and container are required")
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := opts.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", opts.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureWriter{client: client, container: opts.Container, prefix: opts.Prefix}, nil
}

func (w *AzureWriter) Destination() string { return "azure" }

func (w *AzureWriter) Write(ctx context.Context, b Batch, evts []events.Event) (WriteResult, error) {
	obj, err := EncodeBatch(w.prefix, b, evts)
	if err != nil {
		return WriteResult{}, err
	}
	meta := make(map[string]*string)
	for k, v := range objectMetadata(b, obj) {
		meta[azureMetaKey(k)] = &v
	}
	contentType := objectContentType
	contentEncoding := objectEncoding
	_, err = w.client.UploadBuffer(ctx, w.container, obj.Key, obj.Body, &azblob.UploadBufferOptions{
		Metadata: meta,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:     &contentType,
			BlobContentEncoding: &contentEncoding,
		},
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("upload %s/%s: %w", w.container, obj.Key, err)
	}
	return WriteResult{FileKey: obj.Key, Checksum: obj.Checksum, Bytes: len(obj.Body)}, nil
}

// azureMetaKey converts a header-style key to a C# identifier, as Azure requires.
func azureMetaKey(k string) string {
	out := []rune(k)
	for i, r := range out {
		if r == '-' {
			out[i] = '_'
		}
	}
	return string(out)
}
