package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/storage"
	"github.com/example/storymap-studio/internal/types"
)

type memoryScope struct {
	ctrl  *ordering.Controller[*types.Memory]
	unsub func()
}

// Session is the studio state of one site: the checkpoint list and the
// memory grids opened so far.
type Session struct {
	hub    *Hub
	site   types.SiteID
	logger zerolog.Logger

	// guarded by hub.mu
	refs    int
	ready   chan struct{}
	loadErr error

	checkpoints *ordering.Controller[*types.Checkpoint]
	unsub       func()

	mu       sync.Mutex
	memories map[ordering.Key]*memoryScope
	retiring map[string]*ordering.Controller[*types.Memory]
}

func newSession(h *Hub, site types.SiteID) *Session {
	s := &Session{
		hub:      h,
		site:     site,
		logger:   h.logger.With().Str("site", string(site)).Logger(),
		ready:    make(chan struct{}),
		memories: make(map[ordering.Key]*memoryScope),
		retiring: make(map[string]*ordering.Controller[*types.Memory]),
	}
	logger := s.logger.With().Str("collection", CollectionCheckpoints).Logger()
	s.checkpoints = ordering.NewController[*types.Checkpoint](h.ctx, CollectionCheckpoints, checkpointRows{h.deps.Checkpoints, s},
		h.controllerOptions(logger,
			s.failureNotice(CollectionCheckpoints),
			s.invalidNotice(CollectionCheckpoints),
			s.written(CollectionCheckpoints))...)
	return s
}

// SiteID returns the site the session edits.
func (s *Session) SiteID() types.SiteID { return s.site }

// Checkpoints exposes the checkpoint controller.
func (s *Session) Checkpoints() *ordering.Controller[*types.Checkpoint] { return s.checkpoints }

func (s *Session) load(ctx context.Context) error {
	rows, err := s.hub.deps.Checkpoints.ListBySite(ctx, s.site)
	if err != nil {
		return err
	}
	s.checkpoints.Load(seeds(rows, func(cp *types.Checkpoint) (string, int) { return cp.ID, cp.Position }))
	s.unsub = s.checkpoints.Collection().Subscribe(func(ev ordering.Event[*types.Checkpoint]) {
		s.broadcast(sequenceMessage(CollectionCheckpoints, "", ev.Items))
	})
	return nil
}

// Snapshot returns the current sequences of every open collection.
func (s *Session) Snapshot() []ServerMessage {
	out := []ServerMessage{sequenceMessage(CollectionCheckpoints, "", s.checkpoints.Collection().Items())}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, scope := range s.memories {
		out = append(out, sequenceMessage(CollectionMemories, key, scope.ctrl.Collection().Items()))
	}
	return out
}

// Handle applies one client message and returns the direct replies.
func (s *Session) Handle(ctx context.Context, msg ClientMessage) []ServerMessage {
	ack := ServerMessage{Type: TypeAck, Seq: msg.Seq, Collection: msg.Collection, Checkpoint: msg.Checkpoint, Key: msg.Key}
	var (
		replies []ServerMessage
		err     error
	)

	switch msg.Op {
	case OpFlush:
		s.Flush()
	case OpRetry:
		s.Retry()
	case OpReload:
		err = s.Reload(ctx)
	case OpOpen:
		var ctrl *ordering.Controller[*types.Memory]
		ctrl, err = s.memoriesFor(ctx, msg.Checkpoint)
		if err == nil {
			replies = append(replies, sequenceMessage(CollectionMemories, msg.Checkpoint, ctrl.Collection().Items()))
		}
	default:
		if msg.Collection == CollectionCheckpoints {
			err = s.applyCheckpoint(msg, &ack)
		} else {
			err = s.applyMemory(ctx, msg, &ack)
		}
	}

	if err != nil {
		opsTotal.WithLabelValues(msg.Op, "error").Inc()
		return []ServerMessage{s.errorNotice(msg, err)}
	}
	result := "ok"
	if len(ack.Fields) > 0 {
		result = "invalid"
	}
	opsTotal.WithLabelValues(msg.Op, result).Inc()
	return append([]ServerMessage{ack}, replies...)
}

func (s *Session) applyCheckpoint(msg ClientMessage, ack *ServerMessage) error {
	if msg.Op == OpRemove {
		return s.removeCheckpoint(msg.Key)
	}
	return apply(s.checkpoints, msg, ack, func(fields map[string]any) (*types.Checkpoint, error) {
		cp := types.NewCheckpoint(s.site)
		for field, value := range fields {
			if err := cp.SetField(field, value); err != nil {
				return nil, err
			}
		}
		return cp, nil
	})
}

func (s *Session) applyMemory(ctx context.Context, msg ClientMessage, ack *ServerMessage) error {
	if msg.Op == OpInsert {
		return errMemoryInsert
	}
	ctrl, err := s.memoriesFor(ctx, msg.Checkpoint)
	if err != nil {
		return err
	}
	return apply(ctrl, msg, ack, nil)
}

func apply[T ordering.Record[T]](ctrl *ordering.Controller[T], msg ClientMessage, ack *ServerMessage, build func(map[string]any) (T, error)) error {
	switch msg.Op {
	case OpInsert:
		if build == nil {
			return fmt.Errorf("%w: %s does not accept inserts", errBadMessage, msg.Collection)
		}
		value, err := build(msg.Item.AsMap())
		if err != nil {
			return err
		}
		at := ctrl.Collection().Len()
		if msg.At != nil {
			at = *msg.At
		}
		key, _ := ctrl.Insert(value, at)
		ack.Key = key
		ack.Fields = validationFields(value.Validate())
		return nil
	case OpRemove:
		_, _, err := ctrl.Remove(msg.Key)
		return err
	case OpMove:
		_, err := ctrl.Move(msg.Key, msg.To)
		return err
	case OpUpdate:
		_, err := ctrl.UpdateField(msg.Key, msg.Field, msg.Value.AsInterface())
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			ack.Fields = verr.Fields
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: unknown op %q", errBadMessage, msg.Op)
	}
}

// AddMemories appends uploaded photos to a checkpoint's journal.
func (s *Session) AddMemories(ctx context.Context, checkpoint string, objects []blob.Object) ([]ordering.Key, error) {
	key, ok := s.resolveCheckpoint(checkpoint)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpoint, ordering.ErrUnknownItem)
	}
	cp, err := s.savedCheckpoint(key)
	if err != nil {
		return nil, err
	}
	ctrl, err := s.memoriesFor(ctx, key)
	if err != nil {
		return nil, err
	}

	keys := make([]ordering.Key, 0, len(objects))
	for _, obj := range objects {
		k, _ := ctrl.Insert(&types.Memory{
			SiteID:       s.site,
			CheckpointID: cp.ID,
			ImageURL:     obj.URL,
			ObjectPath:   obj.Path,
		}, ctrl.Collection().Len())
		keys = append(keys, k)
	}
	return keys, nil
}

// Flush fires every pending write of the session now.
func (s *Session) Flush() {
	s.checkpoints.Flush()
	for _, ctrl := range s.memoryControllers() {
		ctrl.Flush()
	}
}

// Retry re-arms every item that is not saved.
func (s *Session) Retry() int {
	n := s.checkpoints.Retry()
	for _, ctrl := range s.memoryControllers() {
		n += ctrl.Retry()
	}
	return n
}

// Reload writes out pending edits, then replaces local state with what the
// backend holds.
func (s *Session) Reload(ctx context.Context) error {
	s.checkpoints.Flush()
	s.checkpoints.Wait()
	rows, err := s.hub.deps.Checkpoints.ListBySite(ctx, s.site)
	if err != nil {
		return fmt.Errorf("reload checkpoints: %w", err)
	}
	s.checkpoints.Load(seeds(rows, func(cp *types.Checkpoint) (string, int) { return cp.ID, cp.Position }))

	s.mu.Lock()
	scopes := make(map[ordering.Key]*memoryScope, len(s.memories))
	for key, scope := range s.memories {
		scopes[key] = scope
	}
	s.mu.Unlock()

	for key, scope := range scopes {
		cp, ok := s.checkpoints.Collection().Get(key)
		if !ok {
			s.dropMemories(key, "")
			continue
		}
		scope.ctrl.Flush()
		scope.ctrl.Wait()
		if cp.ID == "" {
			continue
		}
		memories, err := s.hub.deps.Memories.ListByCheckpoint(ctx, s.site, cp.ID)
		if err != nil {
			return fmt.Errorf("reload memories: %w", err)
		}
		scope.ctrl.Load(seeds(memories, func(m *types.Memory) (string, int) { return m.ID, m.Position }))
	}
	return nil
}

func (s *Session) removeCheckpoint(key ordering.Key) error {
	it, ok := s.checkpoints.Collection().Get(key)
	if !ok {
		return fmt.Errorf("remove %s: %w", key, ordering.ErrUnknownItem)
	}
	s.dropMemories(key, it.ID)
	_, _, err := s.checkpoints.Remove(key)
	return err
}

// dropMemories forgets a checkpoint's memory grid without writing its
// pending edits. When id is set the grid is parked until the checkpoint row
// is deleted so in-flight writes land first.
func (s *Session) dropMemories(key ordering.Key, id string) {
	s.mu.Lock()
	scope, ok := s.memories[key]
	delete(s.memories, key)
	if ok && id != "" {
		s.retiring[id] = scope.ctrl
	}
	s.mu.Unlock()
	if ok {
		scope.unsub()
		scope.ctrl.Discard()
	}
}

func (s *Session) takeRetiring(id string) *ordering.Controller[*types.Memory] {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl := s.retiring[id]
	delete(s.retiring, id)
	return ctrl
}

func (s *Session) memoriesFor(ctx context.Context, key ordering.Key) (*ordering.Controller[*types.Memory], error) {
	s.mu.Lock()
	scope, ok := s.memories[key]
	s.mu.Unlock()
	if ok {
		return scope.ctrl, nil
	}

	cp, ok := s.checkpoints.Collection().Get(key)
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", key, ordering.ErrUnknownItem)
	}
	var rows []*types.Memory
	if cp.ID != "" {
		var err error
		rows, err = s.hub.deps.Memories.ListByCheckpoint(ctx, s.site, cp.ID)
		if err != nil {
			return nil, fmt.Errorf("load memories: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if scope, ok := s.memories[key]; ok {
		return scope.ctrl, nil
	}
	if _, ok := s.checkpoints.Collection().Get(key); !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", key, ordering.ErrUnknownItem)
	}

	logger := s.logger.With().Str("collection", CollectionMemories).Str("checkpoint", string(key)).Logger()
	ctrl := ordering.NewController[*types.Memory](s.hub.ctx, CollectionMemories, memoryRows{s.hub.deps.Memories, s},
		s.hub.controllerOptions(logger,
			s.failureNotice(CollectionMemories),
			s.invalidNotice(CollectionMemories),
			s.written(CollectionMemories))...)
	ctrl.Load(seeds(rows, func(m *types.Memory) (string, int) { return m.ID, m.Position }))
	unsub := ctrl.Collection().Subscribe(func(ev ordering.Event[*types.Memory]) {
		s.broadcast(sequenceMessage(CollectionMemories, key, ev.Items))
	})
	s.memories[key] = &memoryScope{ctrl: ctrl, unsub: unsub}
	return ctrl, nil
}

func (s *Session) memoryControllers() []*ordering.Controller[*types.Memory] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ordering.Controller[*types.Memory], 0, len(s.memories))
	for _, scope := range s.memories {
		out = append(out, scope.ctrl)
	}
	return out
}

func (s *Session) resolveCheckpoint(ref string) (ordering.Key, bool) {
	key := ordering.Key(ref)
	if _, ok := s.checkpoints.Collection().Get(key); ok {
		return key, true
	}
	return s.checkpoints.Collection().KeyOf(ref)
}

func (s *Session) savedCheckpoint(key ordering.Key) (ordering.Item[*types.Checkpoint], error) {
	cp, ok := s.checkpoints.Collection().Get(key)
	if !ok {
		return cp, fmt.Errorf("checkpoint %s: %w", key, ordering.ErrUnknownItem)
	}
	if cp.ID == "" {
		return cp, fmt.Errorf("checkpoint %s: %w", key, ordering.ErrNoIdentity)
	}
	return cp, nil
}

func (s *Session) close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.checkpoints.Close()

	s.mu.Lock()
	scopes := make([]*memoryScope, 0, len(s.memories))
	for _, scope := range s.memories {
		scopes = append(scopes, scope)
	}
	s.memories = make(map[ordering.Key]*memoryScope)
	s.mu.Unlock()

	for _, scope := range scopes {
		scope.unsub()
		scope.ctrl.Close()
	}
}

func (s *Session) broadcast(msg ServerMessage) {
	if s.hub.deps.Fanout == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("encode studio message")
		return
	}
	s.hub.deps.Fanout.Broadcast(s.site, payload)
}

func (s *Session) failureNotice(collection string) func(ordering.Failure) {
	return func(f ordering.Failure) {
		noticesTotal.WithLabelValues(NoticeBackend).Inc()
		s.broadcast(noticeMessage(0, Notice{
			Kind:    NoticeBackend,
			Op:      f.Op,
			Key:     f.Key,
			Message: fmt.Sprintf("Could not save %s: %v", collection, f.Err),
		}))
	}
}

func (s *Session) invalidNotice(collection string) func(ordering.Key, error) {
	return func(key ordering.Key, err error) {
		noticesTotal.WithLabelValues(NoticeValidation).Inc()
		s.broadcast(noticeMessage(0, Notice{
			Kind:    NoticeValidation,
			Key:     key,
			Message: fmt.Sprintf("Not saved, %s entry is incomplete", collection),
			Fields:  validationFields(err),
		}))
	}
}

func (s *Session) written(kind string) func(string, []string) {
	return func(string, []string) {
		if s.hub.deps.Notifier != nil {
			s.hub.deps.Notifier.Changed(s.hub.ctx, s.site, kind)
		}
	}
}

func (s *Session) errorNotice(msg ClientMessage, err error) ServerMessage {
	kind := NoticeProtocol
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		kind = NoticeValidation
	case errors.Is(err, types.ErrUnknownField), errors.Is(err, types.ErrFieldType), errors.Is(err, ordering.ErrNoIdentity):
		kind = NoticeValidation
	case errors.Is(err, ordering.ErrUnknownItem), errors.Is(err, errBadMessage):
	default:
		kind = NoticeBackend
		s.logger.Error().Err(err).Str("op", msg.Op).Msg("studio op failed")
	}
	noticesTotal.WithLabelValues(kind).Inc()
	n := Notice{Kind: kind, Op: msg.Op, Key: msg.Key, Message: err.Error()}
	if verr != nil {
		n.Fields = verr.Fields
	}
	return noticeMessage(msg.Seq, n)
}

func validationFields(err error) map[string]string {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}

func seeds[T any](rows []T, at func(T) (string, int)) []ordering.Seed[T] {
	out := make([]ordering.Seed[T], len(rows))
	for i, row := range rows {
		id, pos := at(row)
		out[i] = ordering.Seed[T]{ID: id, Position: pos, Value: row}
	}
	return out
}

// checkpointRows removes a deleted checkpoint's photos along with its row.
type checkpointRows struct {
	CheckpointStore
	s *Session
}

func (a checkpointRows) DeleteOne(ctx context.Context, id string) error {
	if ctrl := a.s.takeRetiring(id); ctrl != nil {
		ctrl.Wait()
	}
	paths, err := a.Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.s.removePhotos(ctx, paths, "checkpoint_id", id)
	return nil
}

// memoryRows removes a deleted memory's photo along with its row.
type memoryRows struct {
	MemoryStore
	s *Session
}

func (a memoryRows) DeleteOne(ctx context.Context, id string) error {
	path, err := a.Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if path != "" {
		a.s.removePhotos(ctx, []string{path}, "memory_id", id)
	}
	return nil
}

// removePhotos deletes the objects among paths that belong to the site and
// that no remaining row refers to.
func (s *Session) removePhotos(ctx context.Context, paths []string, field, id string) {
	if s.hub.deps.Blobs == nil || len(paths) == 0 {
		return
	}
	owned := make([]string, 0, len(paths))
	for _, p := range paths {
		if blob.OwnedBy(p, string(s.site)) {
			owned = append(owned, p)
			continue
		}
		s.logger.Warn().Str(field, id).Str("object", p).Msg("keeping photo outside the site prefix")
	}
	if len(owned) == 0 {
		return
	}
	free, err := s.hub.deps.Memories.UnreferencedPaths(ctx, owned)
	if err != nil {
		s.logger.Warn().Err(err).Str(field, id).Msg("photo reference check failed; sweeper will retry")
		return
	}
	if len(free) == 0 {
		return
	}
	if err := s.hub.deps.Blobs.RemoveAll(ctx, free); err != nil {
		s.logger.Warn().Err(err).Str(field, id).Int("objects", len(free)).Msg("photo cleanup failed; sweeper will retry")
	}
}
