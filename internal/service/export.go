package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/model"
)

// ObjectPutter is the subset of *minio.Client used for exports.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type ExportResult struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// Exporter writes markdown snapshots of documents to object storage.
type Exporter struct {
	docs    *DocumentService
	objects ObjectPutter
	bucket  string
	logger  *zap.Logger
	now     func() time.Time
}

// NewExporter accepts a nil objects for deployments without object storage;
// Export then reports the backend as unavailable.
func NewExporter(docs *DocumentService, objects ObjectPutter, bucket string, logger *zap.Logger) *Exporter {
	return &Exporter{
		docs:    docs,
		objects: objects,
		bucket:  bucket,
		logger:  logging.OrNop(logger).Named("export"),
		now:     time.Now,
	}
}

// NewMinioClient connects to an S3-compatible endpoint. It returns nil when
// no endpoint is configured.
func NewMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	if endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// EnsureBucket creates the export bucket when it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// ExportMarkdown renders a document as "# Title" followed by its body.
func ExportMarkdown(title, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "# " + title + "\n"
	}
	return "# " + title + "\n\n" + body + "\n"
}

func (e *Exporter) Export(ctx context.Context, userID, documentID string) (*ExportResult, error) {
	if e == nil || e.objects == nil {
		return nil, &model.UnavailableError{Backend: "object storage"}
	}
	doc, err := e.docs.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.IsFolder {
		return nil, &model.ValidationError{Field: "id", Message: "folders cannot be exported"}
	}
	body, err := e.docs.Markdown(doc)
	if err != nil {
		return nil, fmt.Errorf("render document %s: %w", doc.ID, err)
	}
	data := []byte(ExportMarkdown(doc.Title, body))
	key := fmt.Sprintf("%s/%s/%d.md", userID, doc.ID, e.now().UnixMilli())

	info, err := e.objects.PutObject(ctx, e.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
	})
	if err != nil {
		return nil, &model.UnavailableError{Backend: "object storage", Err: err}
	}
	e.logger.Info("document exported", zap.String("document_id", doc.ID), zap.String("key", key), zap.Int64("size", info.Size))
	return &ExportResult{Bucket: e.bucket, Key: key, Size: int64(len(data))}, nil
}
