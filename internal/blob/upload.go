package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// File is one upload in a batch.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// UploadResult reports the outcome of one file.
type UploadResult struct {
	Name   string
	Object Object
	Err    error
}

// Uploader stores batches of files with bounded concurrency.
type Uploader struct {
	store       *Store
	concurrency int
	maxBytes    int64
}

// NewUploader constructs an uploader. maxBytes <= 0 disables the size check.
func NewUploader(store *Store, concurrency int, maxBytes int64) *Uploader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Uploader{store: store, concurrency: concurrency, maxBytes: maxBytes}
}

// UploadBatch stores every file under prefix. A failing file does not stop
// the others; results are returned in input order.
func (u *Uploader) UploadBatch(ctx context.Context, prefix string, files []File) []UploadResult {
	results := make([]UploadResult, len(files))
	label, _, _ := strings.Cut(prefix, "/")

	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for i, f := range files {
		g.Go(func() error {
			obj, err := u.uploadOne(ctx, prefix, f)
			results[i] = UploadResult{Name: f.Name, Object: obj, Err: err}
			if err != nil {
				uploadResults.WithLabelValues(label, "error").Inc()
			} else {
				uploadResults.WithLabelValues(label, "ok").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (u *Uploader) uploadOne(ctx context.Context, prefix string, f File) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if u.maxBytes > 0 && f.Size > u.maxBytes {
		return Object{}, fmt.Errorf("%s is larger than %d bytes", f.Name, u.maxBytes)
	}
	r, err := f.Open()
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer r.Close()
	return u.store.Put(ctx, prefix, f.Name, f.ContentType, r, f.Size)
}
