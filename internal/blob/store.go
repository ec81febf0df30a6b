// Package blob stores uploaded photos and hero images in an S3 compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// Managed prefixes. Every object the service writes lives under one of them.
const (
	PrefixMemories = "optimized"
	PrefixBrand    = "brand"
)

// SitePrefix scopes a managed prefix to one site.
func SitePrefix(prefix, site string) string {
	return prefix + "/" + site
}

// OwnedBy reports whether path lies under one of site's managed prefixes.
func OwnedBy(path, site string) bool {
	if site == "" || strings.Contains(path, "..") {
		return false
	}
	for _, p := range []string{PrefixMemories, PrefixBrand} {
		if strings.HasPrefix(path, SitePrefix(p, site)+"/") {
			return true
		}
	}
	return false
}

// ErrUnsupportedType is returned for uploads that are not images.
var ErrUnsupportedType = errors.New("unsupported content type")

// ObjectAPI is the subset of *minio.Client used by the store.
type ObjectAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// Object is a stored blob and the URL it is served from.
type Object struct {
	Path        string `json:"path"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// ObjectInfo describes a listed blob.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Store writes and removes blobs in one bucket.
type Store struct {
	api        ObjectAPI
	bucket     string
	publicBase string
	urlPattern *regexp.Regexp
	now        func() time.Time
}

// NewStore constructs a store. publicBase is the URL prefix objects are served
// under; when empty the bucket name is used as a relative prefix.
func NewStore(api ObjectAPI, bucket, publicBase string) *Store {
	if publicBase == "" {
		publicBase = "/" + bucket
	}
	return &Store{
		api:        api,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		urlPattern: regexp.MustCompile("/" + regexp.QuoteMeta(bucket) + "/(.+)$"),
		now:        time.Now,
	}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Put stores r under prefix with a unique, timestamped name.
func (s *Store) Put(ctx context.Context, prefix, filename, contentType string, r io.Reader, size int64) (Object, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return Object{}, fmt.Errorf("%s: %w", contentType, ErrUnsupportedType)
	}

	path := fmt.Sprintf("%s/%d-%s", prefix, s.now().UnixNano(), sanitizeName(filename))
	info, err := s.api.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", path, err)
	}
	return Object{Path: path, URL: s.PublicURL(path), Size: info.Size, ContentType: contentType}, nil
}

// PublicURL returns the URL an object is served from.
func (s *Store) PublicURL(path string) string {
	return s.publicBase + "/" + path
}

// PathFromURL recovers an object path from a public URL. It returns "" for
// URLs that do not point into the bucket.
func (s *Store) PathFromURL(url string) string {
	if rest, ok := strings.CutPrefix(url, s.publicBase+"/"); ok {
		return rest
	}
	if m := s.urlPattern.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// Remove deletes an object. Empty paths are ignored.
func (s *Store) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := s.api.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RemoveAll deletes every path, continuing past failures.
func (s *Store) RemoveAll(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := s.Remove(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns every object under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.api.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix + "/", Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Path: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeName(name string) string {
	name = unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	name = strings.Trim(name, "-.")
	if len(name) > 80 {
		name = name[len(name)-80:]
	}
	if name == "" {
		return "upload"
	}
	return name
}
