//go:build integration

package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestStoreListAndGetAgainstMinIO(t *testing.T) {
	endpoint := envOr("CHATSQL_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("CHATSQL_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:        endpoint,
		Region:          envOr("CHATSQL_TEST_S3_REGION", "us-east-1"),
		Bucket:          envOr("CHATSQL_TEST_S3_BUCKET", "chatsql-it"),
		AccessKeyID:     envOr("CHATSQL_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey: envOr("CHATSQL_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:          "integration-tests",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	seed, err := newMinioClient(cfg)
	if err != nil {
		t.Fatalf("newMinioClient() error = %v", err)
	}
	exists, err := seed.client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		t.Fatalf("BucketExists() error = %v", err)
	}
	if !exists {
		if err := seed.client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			t.Fatalf("MakeBucket() error = %v", err)
		}
	}

	key := "shop/orders/roundtrip.parquet"
	payload := []byte("chatsql-integration")
	if _, err := seed.client.PutObject(ctx, cfg.Bucket, "integration-tests/"+key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{}); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	t.Cleanup(func() {
		_ = seed.client.RemoveObject(context.Background(), cfg.Bucket, "integration-tests/"+key, minio.RemoveObjectOptions{})
	})

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	objects, err := store.List(ctx, "shop/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, obj := range objects {
		if obj.Key == key && obj.Size == int64(len(payload)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("List() = %#v, want %q", objects, key)
	}

	reader, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get() payload = %q, want %q", got, payload)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
