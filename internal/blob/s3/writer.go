package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// minPartSize is the smallest part S3 accepts in a multipart upload.
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter. Objects are create-only: an archive
// batch is immutable once written, so a second upload to the same key fails
// with domain.ErrAlreadyExists instead of replacing the first.
type Writer struct {
	client *s3.Client
	bucket string
}

func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.S3(),
		bucket: c.Bucket(),
	}
}

func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.client.PutObject(ctx, w.createOnly(path, data, contentType))
	if err != nil {
		return uploadError("put", path, err)
	}
	return nil
}

// PutMultipart streams a large batch through the upload manager. partSize
// is raised to the S3 minimum when smaller.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := uploader.Upload(ctx, w.createOnly(path, data, jsonlContentType)); err != nil {
		return uploadError("multipart upload", path, err)
	}
	return nil
}

func (w *Writer) createOnly(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	}
}

func uploadError(op, path string, err error) error {
	if isPreconditionFailed(err) {
		return fmt.Errorf("s3blob: %s %s: %w", op, path, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("s3blob: %s %s: %w", op, path, err)
}

// isPreconditionFailed reports whether a create-only write hit an existing key.
func isPreconditionFailed(err error) bool {
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusPreconditionFailed
}

var _ domain.BlobWriter = (*Writer)(nil)
