package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const snapshotPrefix = "knowledge"

// objectStore is the subset of *minio.Client used for snapshots.
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// SnapshotStore keeps JSON snapshots of crawl runs and business profiles in MinIO/S3.
type SnapshotStore struct {
	client objectStore
	bucket string
	now    func() time.Time
}

// NewSnapshotStoreFromEnv initialises SnapshotStore using MINIO_* environment variables.
// It returns nil, nil when MinIO is not configured.
func NewSnapshotStoreFromEnv() (*SnapshotStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return newSnapshotStore(client, bucket), nil
}

func newSnapshotStore(client objectStore, bucket string) *SnapshotStore {
	return &SnapshotStore{client: client, bucket: bucket, now: time.Now}
}

// SaveCrawlReport writes report under knowledge/<site>/crawls/<timestamp>-<id>.json and
// returns the object name.
func (s *SnapshotStore) SaveCrawlReport(ctx context.Context, siteID string, report any) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: snapshot storage not configured")
	}
	site, err := siteSegment(siteID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.json", s.now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	return s.putJSON(ctx, path.Join(snapshotPrefix, site, "crawls", name), report)
}

// SaveProfile overwrites the latest profile snapshot of a site.
func (s *SnapshotStore) SaveProfile(ctx context.Context, siteID string, profile any) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: snapshot storage not configured")
	}
	site, err := siteSegment(siteID)
	if err != nil {
		return "", err
	}
	return s.putJSON(ctx, path.Join(snapshotPrefix, site, "profile.json"), profile)
}

// DeleteSite removes every snapshot of a site.
func (s *SnapshotStore) DeleteSite(ctx context.Context, siteID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	site, err := siteSegment(siteID)
	if err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	for object := range s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    path.Join(snapshotPrefix, site) + "/",
		Recursive: true,
	}) {
		if object.Err != nil {
			errs = append(errs, object.Err)
			continue
		}
		if err := s.client.RemoveObject(listCtx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", object.Key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("storage: delete snapshots: %w", err)
	}
	return nil
}

// PresignedURL returns a temporary download URL for a snapshot object.
func (s *SnapshotStore) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: snapshot storage not configured")
	}
	objectName = strings.TrimPrefix(strings.TrimSpace(objectName), "/")
	if objectName == "" {
		return "", errors.New("storage: object name is required")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign: %w", err)
	}
	return u.String(), nil
}

func (s *SnapshotStore) putJSON(ctx context.Context, objectName string, value any) (string, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("storage: encode snapshot: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err = s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "no-cache",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload snapshot: %w", err)
	}
	return objectName, nil
}

func siteSegment(siteID string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(siteID), "/")
	if trimmed == "" || strings.Contains(trimmed, "/") || trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("storage: invalid site id %q", siteID)
	}
	return trimmed, nil
}
