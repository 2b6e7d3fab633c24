// Package blob implements the object-store-flavor BlobAdapter of spec
// 4.5.2 over an S3-compatible store, grounded on minio/minio-go/v7 usage
// in other_examples/manifests/WAN-Ninjas-AmityVox.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/nyxloma/signalmesh/internal/apperrors"
	"github.com/nyxloma/signalmesh/internal/storage"
)

// Minio is a BlobAdapter backed by an S3-compatible object store.
type Minio struct {
	client *minio.Client
	bucket string
}

// Config configures a Minio BlobAdapter.
type Config struct {
	Client *minio.Client
	Bucket string
}

// New returns a Minio BlobAdapter.
func New(cfg Config) *Minio {
	return &Minio{client: cfg.Client, bucket: cfg.Bucket}
}

// key implements the "{namespace}/{id}" key layout of spec 4.5.2.
func key(ref storage.ObjectReference) string {
	return fmt.Sprintf("%s/%s", ref.Namespace, ref.ID)
}

// Put computes a SHA-256 checksum, uploads with content type, and
// records the checksum in object metadata.
func (m *Minio) Put(ctx context.Context, ref storage.ObjectReference, contentType string, body []byte) (storage.ObjectMetadata, error) {
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	info, err := m.client.PutObject(ctx, m.bucket, key(ref), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: map[string]string{"checksum": checksum, "checksum-algorithm": "sha256"},
		})
	if err != nil {
		return storage.ObjectMetadata{}, mapErr(err)
	}

	return storage.ObjectMetadata{
		Checksum:          checksum,
		ChecksumAlgorithm: "sha256",
		ContentType:       contentType,
		Size:              info.Size,
		VersionID:         resolveVersionID(info.VersionID, info.ETag, ref, checksum),
	}, nil
}

// Get streams the body to a buffer and recomputes the checksum if
// metadata did not carry one (spec 4.5.2).
func (m *Minio) Get(ctx context.Context, ref storage.ObjectReference) ([]byte, storage.ObjectMetadata, error) {
	opts := minio.GetObjectOptions{}
	if ref.VersionID != "" {
		if err := opts.SetVersionID(ref.VersionID); err != nil {
			return nil, storage.ObjectMetadata{}, apperrors.Wrap(apperrors.ValidationFailed, err, "invalid version id")
		}
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key(ref), opts)
	if err != nil {
		return nil, storage.ObjectMetadata{}, mapErr(err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, storage.ObjectMetadata{}, mapErr(err)
	}

	info, err := obj.Stat()
	if err != nil {
		return nil, storage.ObjectMetadata{}, mapErr(err)
	}

	checksum := info.UserMetadata["Checksum"]
	if checksum == "" {
		checksum = info.UserMetadata["checksum"]
	}
	if checksum == "" {
		sum := sha256.Sum256(body)
		checksum = hex.EncodeToString(sum[:])
	}

	return body, storage.ObjectMetadata{
		Checksum:          checksum,
		ChecksumAlgorithm: "sha256",
		ContentType:       info.ContentType,
		Size:              info.Size,
		VersionID:         resolveVersionID(info.VersionID, info.ETag, ref, checksum),
	}, nil
}

// Delete removes the object.
func (m *Minio) Delete(ctx context.Context, ref storage.ObjectReference) error {
	opts := minio.RemoveObjectOptions{}
	if ref.VersionID != "" {
		opts.VersionID = ref.VersionID
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key(ref), opts); err != nil {
		return mapErr(err)
	}
	return nil
}

// resolveVersionID implements the precedence in spec 4.5.2: vendor
// versionId > vendor ETag (quotes stripped) > synthesized fallback.
func resolveVersionID(vendorVersionID, etag string, ref storage.ObjectReference, checksum string) string {
	if vendorVersionID != "" {
		return vendorVersionID
	}
	if etag != "" {
		return strings.Trim(etag, `"`)
	}
	return fmt.Sprintf("%s:%s:%s:%s", ref.Namespace, ref.ID, checksum, uuid.NewString())
}

// mapErr maps vendor errors to the taxonomy per spec 4.5.2.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return apperrors.Wrap(apperrors.NotFound, err, "object not found")
	case "TimeoutError":
		return apperrors.Wrap(apperrors.Timeout, err, "object store timeout")
	case "SlowDown", "TooManyRequests", "ServiceUnavailable":
		return apperrors.Wrap(apperrors.TransientAdapter, err, "object store throttled")
	}
	if resp.StatusCode == 404 {
		return apperrors.Wrap(apperrors.NotFound, err, "object not found")
	}
	return apperrors.Wrap(apperrors.TransientAdapter, err, "object store error")
}
