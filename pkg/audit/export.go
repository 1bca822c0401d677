package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/terradev/terradev/pkg/config"
	"github.com/terradev/terradev/pkg/engine"
)

// Exporter writes a trail document somewhere outside the store.
type Exporter interface {
	Name() string
	Export(ctx context.Context, trail *engine.AuditTrail) error
}

// ObjectName is the document name of an exported trail.
func ObjectName(trailID string) string {
	return "trail_" + trailID + ".json"
}

func encodeTrail(trail *engine.AuditTrail) ([]byte, error) {
	data, err := json.MarshalIndent(trail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode trail: %w", err)
	}
	return append(data, '\n'), nil
}

// FileExporter writes trails as indented JSON files into Dir.
type FileExporter struct {
	Dir string
}

// NewFileExporter creates an exporter writing into dir.
func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{Dir: dir}
}

// Name implements Exporter.
func (e *FileExporter) Name() string { return "file" }

// Export writes trail to Dir/trail_{id}.json, creating Dir if needed.
func (e *FileExporter) Export(ctx context.Context, trail *engine.AuditTrail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeTrail(trail)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	return os.WriteFile(e.Path(trail.TrailID), data, 0o644)
}

// Path returns the file an exported trail is written to.
func (e *FileExporter) Path(trailID string) string {
	return filepath.Join(e.Dir, ObjectName(trailID))
}

// ObjectPutter is the part of the minio client ObjectExporter uses.
type ObjectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectExporter uploads trails to an S3-compatible bucket.
type ObjectExporter struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewObjectExporter creates an exporter over an existing client.
func NewObjectExporter(client ObjectPutter, bucket, prefix string) *ObjectExporter {
	return &ObjectExporter{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectExporterFromConfig connects to the configured object store.
func ObjectExporterFromConfig(cfg config.ObjectStoreConfig) (*ObjectExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return NewObjectExporter(client, cfg.Bucket, cfg.Prefix), nil
}

// Name implements Exporter.
func (e *ObjectExporter) Name() string { return "object_store" }

// Key returns the object key an exported trail is stored under.
func (e *ObjectExporter) Key(trailID string) string {
	if e.prefix == "" {
		return ObjectName(trailID)
	}
	return path.Join(e.prefix, ObjectName(trailID))
}

// Export uploads trail, creating the bucket when it does not exist.
func (e *ObjectExporter) Export(ctx context.Context, trail *engine.AuditTrail) error {
	data, err := encodeTrail(trail)
	if err != nil {
		return err
	}

	exists, err := e.client.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", e.bucket, err)
	}
	if !exists {
		if err := e.client.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", e.bucket, err)
		}
	}

	_, err = e.client.PutObject(ctx, e.bucket, e.Key(trail.TrailID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload trail: %w", err)
	}
	return nil
}
