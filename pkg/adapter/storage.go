package adapter

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// Archive keeps a copy of raw export payloads
type Archive interface {
	// Put saves data under key
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// archiveClient implements Archive using Cloud Storage
type archiveClient struct {
	bucketName string
	client     *storage.Client
}

// NewArchive creates a new Cloud Storage archive
func NewArchive(ctx context.Context, bucketName string) (Archive, error) {
	if bucketName == "" {
		return nil, goerr.New("archive bucket name is empty")
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &archiveClient{
		bucketName: bucketName,
		client:     client,
	}, nil
}

func (s *archiveClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	writer := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write archive object", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize archive object", goerr.V("bucket", s.bucketName), goerr.V("key", key))
	}
	return nil
}

// ArchiveKey builds the object key of an export payload, partitioned by the
// UTC date of the run, e.g. "exports/2025/01/31/job-1.csv.gz".
func ArchiveKey(prefix, jobID string, at time.Time, ext string) string {
	at = at.UTC()
	name := strings.ReplaceAll(jobID, "/", "_")
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()), name)
}
