package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// S3 stores blobs in a bucket.
type S3 struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 builds an S3 blob store.
func NewS3(sess *session.Session, bucket, prefix string) *S3 {
	client := s3.New(sess)
	return NewS3WithClient(client, bucket, prefix)
}

// NewS3WithClient builds an S3 blob store over an existing client.
func NewS3WithClient(client s3iface.S3API, bucket, prefix string) *S3 {
	return &S3{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   bucket,
		prefix:   strings.TrimLeft(prefix, "/"),
	}
}

// Put uploads data under prefix+key.
func (s *S3) Put(ctx context.Context, key string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("blob key is empty")
	}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", services.Wrap(services.ErrInfrastructure, "history", "upload blob", "s3 upload failed", err)
	}
	return Ref(key), nil
}

// Get downloads the blob behind ref.
func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := KeyFromRef(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("blob %s: %w", key, services.ErrNotFound)
		}
		return nil, services.Wrap(services.ErrInfrastructure, "history", "download blob", "s3 download failed", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	return data, nil
}
