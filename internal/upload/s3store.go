package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/virtualspecs/tryon-web/internal/xerrors"
)

// S3Store keeps uploads in a bucket instead of local disk, for
// deployments where instances are ephemeral.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(name string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(s.prefix, "/"), name)
	}
	return name
}

func (s *S3Store) Save(ctx context.Context, img *Image) error {
	key := s.key(img.SafeName)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(contentTypeFor(img.Format)),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, key)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !safeToServe(name) {
		return nil, xerrors.Newf("invalid object name %q", name)
	}
	key := s.key(name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	return out.Body, nil
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
