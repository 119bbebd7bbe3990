package export

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"qazna.org/telemetry/internal/events"
)

// S3Options configures S3Writer.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer uploads batch objects to an S3-compatible bucket.
type S3Writer struct {
	client s3PutAPI
	bucket string
	prefix string
}

var _ Writer = (*S3Writer)(nil)

// NewS3Writer builds a client from static credentials. Endpoint is optional
// and enables S3-compatible stores.
func NewS3Writer(opts S3Options) (*S3Writer, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	s3opts := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.UsePathStyle,
	}
	if opts.AccessKeyID != "" {
		s3opts.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return &S3Writer{client: s3.New(s3opts), bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (w *S3Writer) Destination() string { return "s3" }

func (w *S3Writer) Write(ctx context.Context, b Batch, evts []events.Event) (WriteResult, error) {
	obj, err := EncodeBatch(w.prefix, b, evts)
	if err != nil {
		return WriteResult{}, err
	}
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(w.bucket),
		Key:             aws.String(obj.Key),
		Body:            bytes.NewReader(obj.Body),
		ContentType:     aws.String(objectContentType),
		ContentEncoding: aws.String(objectEncoding),
		Metadata:        objectMetadata(b, obj),
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("put s3://%s/%s: %w", w.bucket, obj.Key, err)
	}
	return WriteResult{FileKey: obj.Key, Checksum: obj.Checksum, Bytes: len(obj.Body)}, nil
}
