package studio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/storage"
	"github.com/example/storymap-studio/internal/types"
	"github.com/example/storymap-studio/internal/ws"
)

const testSite = types.SiteID("site-1")

type fakeCheckpoints struct {
	mu       sync.Mutex
	rows     map[string]*types.Checkpoint
	next     int
	upserts  [][]ordering.Item[*types.Checkpoint]
	memories *fakeMemories
}

func (f *fakeCheckpoints) CreateOne(_ context.Context, item ordering.Item[*types.Checkpoint]) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("cp-%d", f.next)
	row := item.Value.Clone()
	row.ID, row.Position = id, item.Position
	f.rows[id] = row
	return id, nil
}

func (f *fakeCheckpoints) UpsertBatch(_ context.Context, items []ordering.Item[*types.Checkpoint]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		row := it.Value.Clone()
		row.ID, row.Position = it.ID, it.Position
		f.rows[it.ID] = row
	}
	f.upserts = append(f.upserts, items)
	return nil
}

func (f *fakeCheckpoints) DeleteOne(ctx context.Context, id string) error {
	_, err := f.Delete(ctx, id)
	return err
}

func (f *fakeCheckpoints) Delete(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return nil, storage.ErrNotFound
	}
	delete(f.rows, id)
	return f.memories.cascade(id), nil
}

func (f *fakeCheckpoints) ListBySite(_ context.Context, site types.SiteID) ([]*types.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Checkpoint
	for _, row := range f.rows {
		if row.SiteID == site {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeCheckpoints) get(id string) *types.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Clone()
}

func (f *fakeCheckpoints) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type fakeMemories struct {
	mu   sync.Mutex
	rows map[string]*types.Memory
	next int

	listStarted chan struct{}
	listGate    chan struct{}
}

func (f *fakeMemories) CreateOne(_ context.Context, item ordering.Item[*types.Memory]) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("m-%d", f.next)
	row := item.Value.Clone()
	row.ID, row.Position = id, item.Position
	f.rows[id] = row
	return id, nil
}

func (f *fakeMemories) UpsertBatch(_ context.Context, items []ordering.Item[*types.Memory]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		row := it.Value.Clone()
		row.ID, row.Position = it.ID, it.Position
		f.rows[it.ID] = row
	}
	return nil
}

func (f *fakeMemories) DeleteOne(ctx context.Context, id string) error {
	_, err := f.Delete(ctx, id)
	return err
}

func (f *fakeMemories) Delete(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	delete(f.rows, id)
	return row.ObjectPath, nil
}

func (f *fakeMemories) ListByCheckpoint(_ context.Context, _ types.SiteID, checkpointID string) ([]*types.Memory, error) {
	if f.listStarted != nil {
		select {
		case f.listStarted <- struct{}{}:
		default:
		}
	}
	if f.listGate != nil {
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Memory
	for _, row := range f.rows {
		if row.CheckpointID == checkpointID {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeMemories) UnreferencedPaths(_ context.Context, paths []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range paths {
		referenced := false
		for _, row := range f.rows {
			if row.ObjectPath == p {
				referenced = true
				break
			}
		}
		if !referenced {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeMemories) cascade(checkpointID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for id, row := range f.rows {
		if row.CheckpointID == checkpointID {
			paths = append(paths, row.ObjectPath)
			delete(f.rows, id)
		}
	}
	sort.Strings(paths)
	return paths
}

func (f *fakeMemories) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeBlobs struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeBlobs) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeBlobs) RemoveAll(ctx context.Context, paths []string) error {
	for _, p := range paths {
		_ = f.Remove(ctx, p)
	}
	return nil
}

func (f *fakeBlobs) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeFanout struct {
	mu       sync.Mutex
	messages []ServerMessage
}

func (f *fakeFanout) Broadcast(_ types.SiteID, payload []byte) int {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return 1
}

func (f *fakeFanout) notices() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notice
	for _, m := range f.messages {
		if m.Type == TypeNotice && m.Notice != nil {
			out = append(out, *m.Notice)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeNotifier) Changed(_ context.Context, _ types.SiteID, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

type fixture struct {
	hub         *Hub
	clock       *ordering.ManualClock
	checkpoints *fakeCheckpoints
	memories    *fakeMemories
	blobs       *fakeBlobs
	fanout      *fakeFanout
	notifier    *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	memories := &fakeMemories{rows: map[string]*types.Memory{}}
	f := &fixture{
		clock:       ordering.NewManualClock(time.Unix(1_700_000_000, 0)),
		checkpoints: &fakeCheckpoints{rows: map[string]*types.Checkpoint{}, memories: memories},
		memories:    memories,
		blobs:       &fakeBlobs{},
		fanout:      &fakeFanout{},
		notifier:    &fakeNotifier{},
	}
	f.checkpoints.rows["cp-a"] = &types.Checkpoint{ID: "cp-a", SiteID: testSite, Title: "Paris", Latitude: types.Float(48.85), Longitude: types.Float(2.35), Position: 0}
	f.checkpoints.rows["cp-b"] = &types.Checkpoint{ID: "cp-b", SiteID: testSite, Title: "Rome", Latitude: types.Float(41.9), Longitude: types.Float(12.5), Position: 1}
	memories.rows["m-a1"] = &types.Memory{ID: "m-a1", SiteID: testSite, CheckpointID: "cp-a", ImageURL: "https://cdn.test/memories/optimized/site-1/1-a.jpg", ObjectPath: "optimized/site-1/1-a.jpg", Position: 0}

	f.hub = NewHub(context.Background(), Deps{
		Checkpoints: f.checkpoints,
		Memories:    f.memories,
		Blobs:       f.blobs,
		Fanout:      f.fanout,
		Notifier:    f.notifier,
	}, Config{FieldDelay: 500 * time.Millisecond, ReorderDelay: time.Second, Clock: f.clock}, zerolog.Nop())
	return f
}

func (f *fixture) acquire(t *testing.T) *Session {
	t.Helper()
	s, err := f.hub.Acquire(context.Background(), testSite)
	require.NoError(t, err)
	return s
}

func keyOf(t *testing.T, s *Session, id string) ordering.Key {
	t.Helper()
	key, ok := s.Checkpoints().Collection().KeyOf(id)
	require.True(t, ok, "no key for %s", id)
	return key
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"seq":3,"op":"update","collection":"checkpoints","key":"k1","field":"latitude","value":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.Seq)
	assert.Equal(t, 12.5, msg.Value.AsInterface())

	msg, err = DecodeClientMessage([]byte(`{"op":"insert","collection":"checkpoints","at":0,"item":{"title":"Lisbon"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.At)
	assert.Equal(t, "Lisbon", msg.Item.AsMap()["title"])

	for _, bad := range []string{
		`nope`,
		`{"op":"explode"}`,
		`{"op":"update","collection":"checkpoints","field":"title"}`,
		`{"op":"move","collection":"memories","key":"k"}`,
		`{"op":"open"}`,
		`{"op":"update","collection":"pins","key":"k","field":"x"}`,
		`{"op":"insert","collection":"memories","checkpoint":"k","item":{"image_url":"https://cdn.test/memories/brand/x.jpg"}}`,
	} {
		_, err := DecodeClientMessage([]byte(bad))
		assert.ErrorIs(t, err, errBadMessage, bad)
	}
}

func TestAcquireIsReferenceCountedAndFlushesOnLastRelease(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	again := f.acquire(t)
	require.Same(t, s, again)

	items := s.Checkpoints().Collection().Items()
	require.Len(t, items, 2)
	assert.Equal(t, "Paris", items[0].Value.Title)

	replies := s.Handle(context.Background(), ClientMessage{
		Seq: 1, Op: OpUpdate, Collection: CollectionCheckpoints, Key: items[1].Key,
		Field: "title", Value: structpb.NewStringValue("Roma"),
	})
	require.Len(t, replies, 1)
	assert.Equal(t, TypeAck, replies[0].Type)
	assert.Equal(t, uint64(1), replies[0].Seq)

	f.hub.Release(testSite)
	_, ok := f.hub.Lookup(testSite)
	assert.True(t, ok, "session stays while referenced")
	assert.Equal(t, 0, f.checkpoints.upsertCount())

	f.hub.Release(testSite)
	_, ok = f.hub.Lookup(testSite)
	assert.False(t, ok)
	assert.Equal(t, "Roma", f.checkpoints.get("cp-b").Title, "last release flushes the pending edit")
}

func TestUpdateIsDebouncedAndWritesFullRow(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	key := keyOf(t, s, "cp-a")

	for _, title := range []string{"Pa", "Paris, FR"} {
		s.Handle(context.Background(), ClientMessage{Op: OpUpdate, Collection: CollectionCheckpoints, Key: key, Field: "title", Value: structpb.NewStringValue(title)})
		f.clock.Advance(200 * time.Millisecond)
	}
	s.Checkpoints().Wait()
	assert.Equal(t, 0, f.checkpoints.upsertCount())

	f.clock.Advance(300 * time.Millisecond)
	s.Checkpoints().Wait()
	require.Equal(t, 1, f.checkpoints.upsertCount())
	row := f.checkpoints.get("cp-a")
	assert.Equal(t, "Paris, FR", row.Title)
	assert.InDelta(t, 48.85, *row.Latitude, 1e-9, "full row is written")

	f.notifier.mu.Lock()
	assert.Contains(t, f.notifier.kinds, CollectionCheckpoints)
	f.notifier.mu.Unlock()
}

func TestInvalidUpdateIsAckedWithFieldsAndNotWritten(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	key := keyOf(t, s, "cp-a")

	replies := s.Handle(context.Background(), ClientMessage{Seq: 9, Op: OpUpdate, Collection: CollectionCheckpoints, Key: key, Field: "title", Value: structpb.NewStringValue("  ")})
	require.Len(t, replies, 1)
	assert.Equal(t, TypeAck, replies[0].Type)
	assert.Equal(t, "Location Name is required", replies[0].Fields["title"])

	f.clock.Advance(time.Second)
	s.Checkpoints().Wait()
	assert.Equal(t, 0, f.checkpoints.upsertCount())
	notices := f.fanout.notices()
	require.NotEmpty(t, notices)
	assert.Equal(t, NoticeValidation, notices[len(notices)-1].Kind)

	it, _ := s.Checkpoints().Collection().Get(key)
	assert.Equal(t, "  ", it.Value.Title, "local edit is kept")
}

func TestUnknownFieldAndKeyProduceNotices(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)

	replies := s.Handle(context.Background(), ClientMessage{Seq: 1, Op: OpUpdate, Collection: CollectionCheckpoints, Key: keyOf(t, s, "cp-a"), Field: "color", Value: structpb.NewStringValue("red")})
	require.Len(t, replies, 1)
	require.Equal(t, TypeNotice, replies[0].Type)
	assert.Equal(t, NoticeValidation, replies[0].Notice.Kind)

	replies = s.Handle(context.Background(), ClientMessage{Seq: 2, Op: OpMove, Collection: CollectionCheckpoints, Key: "missing", To: 0})
	require.Equal(t, TypeNotice, replies[0].Type)
	assert.Equal(t, NoticeProtocol, replies[0].Notice.Kind)
	assert.Equal(t, uint64(2), replies[0].Seq)
}

func TestInsertAndMoveCheckpoints(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)

	item, err := structpb.NewStruct(map[string]any{"title": "Lisbon", "latitude": 38.7, "longitude": -9.1})
	require.NoError(t, err)
	replies := s.Handle(context.Background(), ClientMessage{Op: OpInsert, Collection: CollectionCheckpoints, Item: item})
	require.Equal(t, TypeAck, replies[0].Type)
	key := replies[0].Key
	require.NotEmpty(t, key)
	s.Checkpoints().Wait()

	it, ok := s.Checkpoints().Collection().Get(key)
	require.True(t, ok)
	assert.Equal(t, 2, it.Position)
	assert.Equal(t, ordering.Saved, it.State)
	assert.Equal(t, "Lisbon", f.checkpoints.get(it.ID).Title)

	s.Handle(context.Background(), ClientMessage{Op: OpMove, Collection: CollectionCheckpoints, Key: key, To: 0})
	f.clock.Advance(time.Second)
	s.Checkpoints().Wait()

	rows, err := f.checkpoints.ListBySite(context.Background(), testSite)
	require.NoError(t, err)
	titles := make([]string, len(rows))
	for i, r := range rows {
		titles[i] = r.Title
	}
	assert.Equal(t, []string{"Lisbon", "Paris", "Rome"}, titles)
}

func TestRemoveCheckpointCascadesMemoriesAndPhotos(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	key := keyOf(t, s, "cp-a")

	replies := s.Handle(context.Background(), ClientMessage{Op: OpOpen, Checkpoint: key})
	require.Len(t, replies, 2)
	assert.Equal(t, TypeSequence, replies[1].Type)
	assert.Equal(t, key, replies[1].Checkpoint)

	replies = s.Handle(context.Background(), ClientMessage{Op: OpRemove, Collection: CollectionCheckpoints, Key: key})
	require.Equal(t, TypeAck, replies[0].Type)
	s.Checkpoints().Wait()

	assert.Nil(t, f.checkpoints.get("cp-a"))
	assert.Equal(t, 0, f.memories.count())
	assert.Equal(t, []string{"optimized/site-1/1-a.jpg"}, f.blobs.removedPaths())
	assert.Len(t, s.Snapshot(), 1, "memory grid is closed")
}

func TestRemoveMemoryDeletesPhoto(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	cpKey := keyOf(t, s, "cp-a")

	ctrl, err := s.memoriesFor(context.Background(), cpKey)
	require.NoError(t, err)
	memKey, ok := ctrl.Collection().KeyOf("m-a1")
	require.True(t, ok)

	s.Handle(context.Background(), ClientMessage{Op: OpRemove, Collection: CollectionMemories, Checkpoint: cpKey, Key: memKey})
	ctrl.Wait()
	assert.Equal(t, 0, f.memories.count())
	assert.Equal(t, []string{"optimized/site-1/1-a.jpg"}, f.blobs.removedPaths())
}

func TestMemoryInsertIsRejected(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	cpKey := keyOf(t, s, "cp-a")

	item, err := structpb.NewStruct(map[string]any{"image_url": "https://cdn.test/memories/brand/site-2/hero.jpg"})
	require.NoError(t, err)
	replies := s.Handle(context.Background(), ClientMessage{Seq: 4, Op: OpInsert, Collection: CollectionMemories, Checkpoint: cpKey, Item: item})
	require.Len(t, replies, 1)
	require.Equal(t, TypeNotice, replies[0].Type)
	assert.Equal(t, NoticeProtocol, replies[0].Notice.Kind)
	assert.Equal(t, uint64(4), replies[0].Seq)

	s.Flush()
	s.Checkpoints().Wait()
	assert.Equal(t, 1, f.memories.count())
	assert.Empty(t, f.blobs.removedPaths())
}

func TestRemoveMemoryKeepsForeignPhoto(t *testing.T) {
	f := newFixture(t)
	f.memories.rows["m-a2"] = &types.Memory{ID: "m-a2", SiteID: testSite, CheckpointID: "cp-a", ImageURL: "https://cdn.test/memories/brand/site-2/hero.jpg", ObjectPath: "brand/site-2/hero.jpg", Position: 1}
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	cpKey := keyOf(t, s, "cp-a")

	ctrl, err := s.memoriesFor(context.Background(), cpKey)
	require.NoError(t, err)
	memKey, ok := ctrl.Collection().KeyOf("m-a2")
	require.True(t, ok)

	s.Handle(context.Background(), ClientMessage{Op: OpRemove, Collection: CollectionMemories, Checkpoint: cpKey, Key: memKey})
	ctrl.Wait()
	assert.Equal(t, 1, f.memories.count(), "row is removed")
	assert.Empty(t, f.blobs.removedPaths(), "photo of another site is kept")
}

func TestRemoveMemoryKeepsSharedPhoto(t *testing.T) {
	f := newFixture(t)
	f.memories.rows["m-a2"] = &types.Memory{ID: "m-a2", SiteID: testSite, CheckpointID: "cp-a", ImageURL: "https://cdn.test/memories/optimized/site-1/1-a.jpg", ObjectPath: "optimized/site-1/1-a.jpg", Position: 1}
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	cpKey := keyOf(t, s, "cp-a")

	ctrl, err := s.memoriesFor(context.Background(), cpKey)
	require.NoError(t, err)
	first, ok := ctrl.Collection().KeyOf("m-a1")
	require.True(t, ok)
	second, ok := ctrl.Collection().KeyOf("m-a2")
	require.True(t, ok)

	s.Handle(context.Background(), ClientMessage{Op: OpRemove, Collection: CollectionMemories, Checkpoint: cpKey, Key: first})
	ctrl.Wait()
	assert.Empty(t, f.blobs.removedPaths(), "still referenced by m-a2")

	s.Handle(context.Background(), ClientMessage{Op: OpRemove, Collection: CollectionMemories, Checkpoint: cpKey, Key: second})
	ctrl.Wait()
	assert.Equal(t, []string{"optimized/site-1/1-a.jpg"}, f.blobs.removedPaths())
}

func TestOpeningMemoriesDoesNotBlockSession(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	cpKey := keyOf(t, s, "cp-a")

	f.memories.listStarted = make(chan struct{}, 1)
	f.memories.listGate = make(chan struct{})
	opened := make(chan error, 1)
	go func() {
		_, err := s.memoriesFor(context.Background(), cpKey)
		opened <- err
	}()
	<-f.memories.listStarted

	snapshot := make(chan []ServerMessage, 1)
	go func() { snapshot <- s.Snapshot() }()
	select {
	case msgs := <-snapshot:
		assert.Len(t, msgs, 1)
	case <-time.After(time.Second):
		t.Fatal("snapshot waited for the memory query")
	}

	close(f.memories.listGate)
	require.NoError(t, <-opened)
	assert.Len(t, s.Snapshot(), 2)
}

func TestAddUploadedMemories(t *testing.T) {
	f := newFixture(t)

	objects := []blob.Object{
		{Path: "optimized/site-1/2-b.jpg", URL: "https://cdn.test/memories/optimized/site-1/2-b.jpg"},
		{Path: "optimized/site-1/3-c.jpg", URL: "https://cdn.test/memories/optimized/site-1/3-c.jpg"},
	}
	keys, err := f.hub.AddUploadedMemories(context.Background(), testSite, "cp-a", objects)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	rows, err := f.memories.ListByCheckpoint(context.Background(), testSite, "cp-a")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "optimized/site-1/3-c.jpg", rows[2].ObjectPath)
	assert.Equal(t, 2, rows[2].Position)

	_, err = f.hub.AddUploadedMemories(context.Background(), testSite, "cp-missing", objects)
	assert.ErrorIs(t, err, ordering.ErrUnknownItem)
}

func TestAddMemoriesNeedsSavedCheckpoint(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)

	key, _ := s.Checkpoints().Collection().Insert(types.NewCheckpoint(testSite), 0)
	_, err := s.AddMemories(context.Background(), string(key), []blob.Object{{Path: "p", URL: "u"}})
	assert.ErrorIs(t, err, ordering.ErrNoIdentity)
}

func TestReloadReplacesLocalState(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	defer f.hub.Release(testSite)
	key := keyOf(t, s, "cp-b")

	f.checkpoints.mu.Lock()
	f.checkpoints.rows["cp-b"].Title = "Roma (edited elsewhere)"
	f.checkpoints.mu.Unlock()

	replies := s.Handle(context.Background(), ClientMessage{Op: OpReload})
	require.Equal(t, TypeAck, replies[0].Type)
	it, ok := s.Checkpoints().Collection().Get(key)
	require.True(t, ok, "keys survive a reload")
	assert.Equal(t, "Roma (edited elsewhere)", it.Value.Title)
}

func TestShutdownFlushesSessions(t *testing.T) {
	f := newFixture(t)
	s := f.acquire(t)
	key := keyOf(t, s, "cp-a")
	s.Handle(context.Background(), ClientMessage{Op: OpUpdate, Collection: CollectionCheckpoints, Key: key, Field: "description", Value: structpb.NewStringValue("first date")})

	require.NoError(t, f.hub.Shutdown(context.Background()))
	assert.Equal(t, "first date", f.checkpoints.get("cp-a").Description)

	_, err := f.hub.Acquire(context.Background(), testSite)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStudioOverWebSocket(t *testing.T) {
	f := newFixture(t)
	registry := ws.NewConnectionRegistry()
	f.hub.deps.Fanout = registry
	f.hub.cfg.Clock = ordering.RealClock{}
	f.hub.cfg.FieldDelay = 20 * time.Millisecond

	handler := NewHandler(f.hub, zerolog.Nop())
	auth := ws.AuthFunc(func(*http.Request) (ws.ClientIdentity, error) {
		return ws.ClientIdentity{UserID: "u1", SiteID: testSite}, nil
	})
	gw, err := ws.NewGateway(auth, registry, zerolog.Nop(), handler.Hooks(), ws.GatewayConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() ServerMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	require.Equal(t, TypeSequence, first.Type)
	items := first.Items.([]any)
	require.Len(t, items, 2)
	key := items[0].(map[string]any)["key"].(string)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"seq":1,"op":"update","collection":"checkpoints","key":"`+key+`","field":"title","value":"Paris at night"}`)))

	for {
		msg := read()
		if msg.Type == TypeAck && msg.Seq == 1 {
			break
		}
	}
	require.Eventually(t, func() bool {
		cp := f.checkpoints.get("cp-a")
		return cp != nil && cp.Title == "Paris at night"
	}, 2*time.Second, 10*time.Millisecond)
}
