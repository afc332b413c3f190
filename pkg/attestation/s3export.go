package attestation

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atlas-gate/gatekernel/pkg/errs"
)

// S3ExportConfig configures an S3-backed attestation bundle sink
// (spec.md §4.N domain stack): exported bundles are content-addressed by
// bundle id so a re-export of the same bundle is an idempotent overwrite
// of identical bytes, never a new key.
type S3ExportConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// S3ExportSink uploads attestation bundles to S3, grounded on the
// teacher's S3Store construction.
type S3ExportSink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ExportSink builds a sink from cfg, mirroring the teacher's
// NewS3Store's AWS config loading and optional custom-endpoint client
// option.
func NewS3ExportSink(ctx context.Context, cfg S3ExportConfig) (*S3ExportSink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "failed to load AWS config for attestation export", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ExportSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Export uploads bundle's JSON export under a key derived from its
// bundle id and returns the key.
func (s *S3ExportSink) Export(ctx context.Context, bundle *Bundle) (string, error) {
	if bundle.BundleID == "" {
		return "", errs.New(errs.CodeMissingRequiredField, "bundle has no bundle id to key the export on")
	}
	raw, err := ExportJSON(bundle)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%sattestation-%s.json", s.prefix, bundle.BundleID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", errs.Wrap(errs.CodeInternalError, "attestation export to s3 failed", err)
	}
	return key, nil
}
