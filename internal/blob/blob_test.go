package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

type fakeAPI struct {
	mu        sync.Mutex
	objects   map[string]fakeObject
	failPut   map[string]bool
	failRm    bool
	modified  time.Time
	putCalls  int
	maxActive int
	active    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string]fakeObject), failPut: make(map[string]bool), modified: time.Unix(0, 0)}
}

func (f *fakeAPI) PutObject(_ context.Context, _, name string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.putCalls++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	for suffix := range f.failPut {
		if strings.HasSuffix(name, suffix) {
			return minio.UploadInfo{}, errors.New("slow down")
		}
	}
	f.objects[name] = fakeObject{data: data, modified: f.modified}
	return minio.UploadInfo{Key: name, Size: int64(len(data))}, nil
}

func (f *fakeAPI) RemoveObject(_ context.Context, _, name string, _ minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRm {
		return errors.New("access denied")
	}
	delete(f.objects, name)
	return nil
}

func (f *fakeAPI) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		obj := f.objects[k]
		out <- minio.ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified}
	}
	f.mu.Unlock()
	close(out)
	return out
}

func (f *fakeAPI) BucketExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeAPI) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

func file(name, contentType, body string) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(body)),
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

func TestStorePutAndURLs(t *testing.T) {
	api := newFakeAPI()
	store := NewStore(api, "memories", "https://cdn.example.com/storage/v1/object/public/memories/")
	store.now = func() time.Time { return time.Unix(0, 42) }

	obj, err := store.Put(context.Background(), PrefixMemories, "Beach Day!.JPG", "image/jpeg", bytes.NewReader([]byte("jpeg")), 4)
	require.NoError(t, err)
	assert.Equal(t, "optimized/42-beach-day-.jpg", obj.Path)
	assert.Equal(t, "https://cdn.example.com/storage/v1/object/public/memories/optimized/42-beach-day-.jpg", obj.URL)
	assert.EqualValues(t, 4, obj.Size)
	assert.True(t, api.has(obj.Path))

	assert.Equal(t, obj.Path, store.PathFromURL(obj.URL))
	assert.Equal(t, "optimized/1-a.jpg", store.PathFromURL("https://old-host/x/memories/optimized/1-a.jpg"))
	assert.Empty(t, store.PathFromURL("https://elsewhere/photo.jpg"))

	_, err = store.Put(context.Background(), PrefixMemories, "notes.txt", "text/plain", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	require.NoError(t, store.Remove(context.Background(), obj.Path))
	assert.False(t, api.has(obj.Path))
	assert.NoError(t, store.Remove(context.Background(), ""))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "upload", sanitizeName("  ///  "))
	assert.Equal(t, "img_01.png", sanitizeName("IMG_01.png"))
	assert.Len(t, sanitizeName(strings.Repeat("a", 200)+".png"), 80)
}

func TestUploadBatchReportsPerFile(t *testing.T) {
	api := newFakeAPI()
	api.failPut["broken.jpg"] = true
	store := NewStore(api, "memories", "")
	uploader := NewUploader(store, 2, 10)

	files := []File{
		file("a.jpg", "image/jpeg", "aaaa"),
		file("broken.jpg", "image/jpeg", "bbbb"),
		file("huge.jpg", "image/jpeg", strings.Repeat("x", 11)),
		file("c.png", "image/png", "cccc"),
		file("d.gif", "image/gif", "dddd"),
	}
	results := uploader.UploadBatch(context.Background(), PrefixMemories, files)
	require.Len(t, results, len(files))

	for i, r := range results {
		assert.Equal(t, files[i].Name, r.Name)
	}
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.NoError(t, results[3].Err)
	assert.NoError(t, results[4].Err)
	assert.True(t, strings.HasPrefix(results[0].Object.URL, "/memories/optimized/"))

	assert.LessOrEqual(t, api.maxActive, 2)
	assert.Equal(t, 4, api.putCalls, "oversized files never reach the bucket")
}

type staticRefs []string

func (r staticRefs) ReferencedObjectPaths(context.Context) ([]string, error) { return r, nil }

func TestSweeperRemovesOnlyOldOrphans(t *testing.T) {
	api := newFakeAPI()
	store := NewStore(api, "memories", "")
	now := time.Unix(10_000, 0)

	api.modified = now.Add(-48 * time.Hour)
	for _, name := range []string{"optimized/1-kept.jpg", "optimized/2-orphan.jpg", "brand/3-hero.jpg"} {
		_, err := api.PutObject(context.Background(), "memories", name, strings.NewReader("x"), 1, minio.PutObjectOptions{})
		require.NoError(t, err)
	}
	api.modified = now.Add(-time.Minute)
	_, err := api.PutObject(context.Background(), "memories", "optimized/4-fresh.jpg", strings.NewReader("x"), 1, minio.PutObjectOptions{})
	require.NoError(t, err)

	sweeper := NewSweeper(store, staticRefs{"optimized/1-kept.jpg", "brand/3-hero.jpg"}, time.Hour, 24*time.Hour, zerolog.Nop())
	sweeper.now = func() time.Time { return now }

	report, err := sweeper.RunOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, []string{"optimized/2-orphan.jpg"}, report.Orphans)
	assert.Zero(t, report.Removed)
	assert.True(t, api.has("optimized/2-orphan.jpg"))

	report, err = sweeper.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, api.has("optimized/2-orphan.jpg"))
	assert.True(t, api.has("optimized/4-fresh.jpg"))
}

func TestOwnedBy(t *testing.T) {
	assert.Equal(t, "optimized/site-1", SitePrefix(PrefixMemories, "site-1"))

	assert.True(t, OwnedBy("optimized/site-1/1-a.jpg", "site-1"))
	assert.True(t, OwnedBy("brand/site-1/2-hero.jpg", "site-1"))
	assert.False(t, OwnedBy("brand/site-2/2-hero.jpg", "site-1"))
	assert.False(t, OwnedBy("optimized/site-10/1-a.jpg", "site-1"))
	assert.False(t, OwnedBy("optimized/1-a.jpg", "site-1"))
	assert.False(t, OwnedBy("optimized/site-1/../site-2/1-a.jpg", "site-1"))
	assert.False(t, OwnedBy("optimized/site-1/1-a.jpg", ""))
}
