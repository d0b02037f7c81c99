package durablestore

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Archiver cold-archives pruned rows to object storage before
// CleanupWithVacuum deletes them, writing each row's message to
// s3://<bucket>/<prefix>/records/<yyyy>/<mm>/<dd>/<record-uuid>.json,
// dated by the row's created_at.
//
// Ported from kernel/internal/audit/s3_archiver.go: same
// config.LoadDefaultConfig + manager.Uploader shape, rewritten to
// archive a durablestore Row instead of an audit envelope.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver constructs an S3Archiver. Region/credentials are
// resolved from the environment by the AWS SDK's default config chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3archiver: bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, row Row) error {
	year, month, day := row.CreatedAt.Date()
	key := path.Join(a.prefix, "records",
		fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", int(month)), fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", row.UUID))

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(row.Message),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed for row %d: %w", row.ID, err)
	}
	return nil
}
