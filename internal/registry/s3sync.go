package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds connection settings for mirroring datasets from
// S3-compatible object storage into the local datasets dir before the
// registry loads.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Prefix restricts the sync to a key prefix inside the bucket.
	Prefix string
}

// SyncFromS3 downloads every object under cfg.Prefix into destDir,
// preserving the bucket's key layout (dataset-id/file.csv). Existing
// files are overwritten; nothing is deleted locally.
func SyncFromS3(ctx context.Context, cfg S3Config, destDir string) error {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}

	var count int
	for obj := range client.ListObjects(ctx, cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    cfg.Prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		key := strings.TrimPrefix(obj.Key, cfg.Prefix)
		key = strings.TrimPrefix(key, "/")
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		dest := filepath.Join(destDir, filepath.FromSlash(key))
		if err := client.FGetObject(ctx, cfg.Bucket, obj.Key, dest, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("fetch %s: %w", obj.Key, err)
		}
		count++
	}

	slog.Info("datasets synced from object storage",
		"endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "objects", count)
	return nil
}
