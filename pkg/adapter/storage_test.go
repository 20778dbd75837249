package adapter_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/gt"
)

func TestArchiveKey(t *testing.T) {
	at := time.Date(2025, 1, 31, 23, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	gt.Equal(t, adapter.ArchiveKey("exports", "job-1", at, "csv.gz"), "exports/2025/01/31/job-1.csv.gz")
	gt.Equal(t, adapter.ArchiveKey("", "a/b", at, ".zip"), "2025/01/31/a_b.zip")
	gt.Equal(t, adapter.ArchiveKey("raw", "job-2", at, ""), "raw/2025/01/31/job-2")
}

func TestArchive(t *testing.T) {
	bucket := os.Getenv("TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("TEST_GCS_BUCKET is not set")
	}

	ctx := context.Background()
	archive, err := adapter.NewArchive(ctx, bucket)
	gt.NoError(t, err)

	key := adapter.ArchiveKey("convsync-test", "job-"+time.Now().Format("150405"), time.Now(), "csv")
	gt.NoError(t, archive.Put(ctx, key, []byte("conversation_id\n1\n"), "text/csv"))

	client, err := storage.NewClient(ctx)
	gt.NoError(t, err)
	defer client.Close()

	r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	gt.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	gt.Equal(t, string(data), "conversation_id\n1\n")
}
