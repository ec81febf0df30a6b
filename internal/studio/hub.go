package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/types"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("studio hub closed")

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	ordering.Adapter[*types.Checkpoint]
	Delete(ctx context.Context, id string) ([]string, error)
	ListBySite(ctx context.Context, site types.SiteID) ([]*types.Checkpoint, error)
}

// MemoryStore persists memories.
type MemoryStore interface {
	ordering.Adapter[*types.Memory]
	Delete(ctx context.Context, id string) (string, error)
	ListByCheckpoint(ctx context.Context, site types.SiteID, checkpointID string) ([]*types.Memory, error)
	UnreferencedPaths(ctx context.Context, paths []string) ([]string, error)
}

// BlobStore removes the photos of deleted memories.
type BlobStore interface {
	RemoveAll(ctx context.Context, paths []string) error
}

// Fanout delivers encoded messages to the connections of a site.
type Fanout interface {
	Broadcast(site types.SiteID, payload []byte) int
}

// ChangeNotifier is told when persisted site content changed.
type ChangeNotifier interface {
	Changed(ctx context.Context, site types.SiteID, kind string)
}

// Config tunes the controllers of every session.
type Config struct {
	FieldDelay   time.Duration
	ReorderDelay time.Duration
	WriteTimeout time.Duration
	Clock        ordering.Clock
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Checkpoints CheckpointStore
	Memories    MemoryStore
	Blobs       BlobStore
	Fanout      Fanout
	Notifier    ChangeNotifier
}

// Hub keeps one Session per site that has studio activity. Sessions are
// reference counted by their users and flushed when the last one leaves.
type Hub struct {
	mu       sync.Mutex
	sessions map[types.SiteID]*Session
	closing  map[types.SiteID]chan struct{}
	closed   bool

	deps   Deps
	cfg    Config
	ctx    context.Context
	logger zerolog.Logger
}

// NewHub constructs a hub. ctx parents every backend write.
func NewHub(ctx context.Context, deps Deps, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = ordering.RealClock{}
	}
	if cfg.FieldDelay <= 0 {
		cfg.FieldDelay = time.Second
	}
	if cfg.ReorderDelay <= 0 {
		cfg.ReorderDelay = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		sessions: make(map[types.SiteID]*Session),
		closing:  make(map[types.SiteID]chan struct{}),
		deps:     deps,
		cfg:      cfg,
		ctx:      context.WithoutCancel(ctx),
		logger:   logger,
	}
}

// Acquire returns the site's session, loading it on first use. Every
// successful Acquire must be paired with Release.
func (h *Hub) Acquire(ctx context.Context, site types.SiteID) (*Session, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if done, ok := h.closing[site]; ok {
			h.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if s, ok := h.sessions[site]; ok {
			s.refs++
			h.mu.Unlock()
			<-s.ready
			if s.loadErr != nil {
				h.Release(site)
				return nil, s.loadErr
			}
			return s, nil
		}

		s := newSession(h, site)
		s.refs = 1
		h.sessions[site] = s
		h.mu.Unlock()

		s.loadErr = s.load(ctx)
		close(s.ready)
		if s.loadErr != nil {
			h.Release(site)
			return nil, fmt.Errorf("load studio session: %w", s.loadErr)
		}
		sessionsOpen.Inc()
		h.logger.Info().Str("site", string(site)).Msg("studio session opened")
		return s, nil
	}
}

// Lookup returns the loaded session of site without taking a reference.
func (h *Hub) Lookup(site types.SiteID) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[site]
	if !ok || s.loadErr != nil {
		return nil, false
	}
	return s, true
}

// Release drops one reference. The last release flushes pending writes and
// waits for them before the session is forgotten.
func (h *Hub) Release(site types.SiteID) {
	h.mu.Lock()
	s, ok := h.sessions[site]
	if !ok {
		h.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, site)
	done := make(chan struct{})
	h.closing[site] = done
	h.mu.Unlock()

	if s.loadErr == nil {
		s.close()
		sessionsOpen.Dec()
		h.logger.Info().Str("site", string(site)).Msg("studio session closed")
	}

	h.mu.Lock()
	delete(h.closing, site)
	h.mu.Unlock()
	close(done)
}

// Shutdown flushes every session and refuses new ones.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for site, s := range h.sessions {
		delete(h.sessions, site)
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range sessions {
			<-s.ready
			if s.loadErr != nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.close()
				sessionsOpen.Dec()
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush studio sessions: %w", ctx.Err())
	}
}

// AddUploadedMemories appends uploaded photos to a checkpoint's journal. The
// checkpoint is addressed by its key in an open session or by its id.
func (h *Hub) AddUploadedMemories(ctx context.Context, site types.SiteID, checkpoint string, objects []blob.Object) ([]ordering.Key, error) {
	s, err := h.Acquire(ctx, site)
	if err != nil {
		return nil, err
	}
	defer h.Release(site)
	return s.AddMemories(ctx, checkpoint, objects)
}

func (h *Hub) controllerOptions(logger zerolog.Logger, onFailure func(ordering.Failure), onInvalid func(ordering.Key, error), onWritten func(string, []string)) []ordering.Option {
	return []ordering.Option{
		ordering.WithClock(h.cfg.Clock),
		ordering.WithFieldDelay(h.cfg.FieldDelay),
		ordering.WithReorderDelay(h.cfg.ReorderDelay),
		ordering.WithWriteTimeout(h.cfg.WriteTimeout),
		ordering.WithLogger(logger),
		ordering.OnFailure(onFailure),
		ordering.OnInvalid(onInvalid),
		ordering.OnWritten(onWritten),
	}
}
