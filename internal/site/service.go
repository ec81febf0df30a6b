// Package site serves the public story map and the studio's non-realtime
// operations: onboarding, site settings and photo uploads.
package site

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/broadcast"
	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/storage"
	"github.com/example/storymap-studio/internal/types"
)

var (
	// ErrSiteExists is returned when a user who already owns a site onboards again.
	ErrSiteExists = errors.New("user already has a site")
	// ErrPathTaken is returned when another site already uses the path.
	ErrPathTaken = errors.New("path is already taken")
	// ErrNoSite is returned for studio calls by a user without a site.
	ErrNoSite = errors.New("user has no site")
)

// SiteStore persists site rows.
type SiteStore interface {
	Create(ctx context.Context, site types.Site) (types.Site, error)
	GetByPath(ctx context.Context, path string) (types.Site, error)
	GetByUser(ctx context.Context, user types.UserID) (types.Site, error)
	PathAvailable(ctx context.Context, path string) (bool, error)
	UpdateSettings(ctx context.Context, id types.SiteID, in types.Settings) (types.Site, error)
	SetHeroBackground(ctx context.Context, id types.SiteID, url, objectPath string) (string, error)
}

// CheckpointReader lists persisted checkpoints.
type CheckpointReader interface {
	ListBySite(ctx context.Context, site types.SiteID) ([]*types.Checkpoint, error)
	ListInBounds(ctx context.Context, site types.SiteID, b types.Bounds) ([]*types.Checkpoint, error)
}

// MemoryReader lists persisted memories.
type MemoryReader interface {
	ListByCheckpoint(ctx context.Context, site types.SiteID, checkpointID string) ([]*types.Memory, error)
	ListBySite(ctx context.Context, site types.SiteID) ([]*types.Memory, error)
}

// BlobRemover deletes stored objects.
type BlobRemover interface {
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, paths []string) error
}

// MemoryAdder appends uploaded photos to a checkpoint's journal through the
// studio session of the site.
type MemoryAdder interface {
	AddUploadedMemories(ctx context.Context, site types.SiteID, checkpoint string, objects []blob.Object) ([]ordering.Key, error)
}

// Journal is the public landing page of a site: its settings and ordered
// checkpoints.
type Journal struct {
	Site        types.Site          `json:"site"`
	Checkpoints []*types.Checkpoint `json:"checkpoints"`
}

// PathCheck reports whether a path can be claimed.
type PathCheck struct {
	Path      string `json:"path"`
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

// UploadOutcome is the result of one file of an upload batch.
type UploadOutcome struct {
	Name  string       `json:"name"`
	Key   ordering.Key `json:"key,omitempty"`
	URL   string       `json:"url,omitempty"`
	Error string       `json:"error,omitempty"`
}

// UploadReport summarizes a batch upload. Failed files do not abort the batch.
type UploadReport struct {
	Uploaded int             `json:"uploaded"`
	Failed   int             `json:"failed"`
	Files    []UploadOutcome `json:"files"`
}

// Deps are the collaborators of the service. Publisher and Memories adder may
// be nil in single instance or read-only deployments.
type Deps struct {
	Sites       SiteStore
	Checkpoints CheckpointReader
	Memories    MemoryReader
	Blobs       BlobRemover
	Uploader    *blob.Uploader
	Adder       MemoryAdder
	Publisher   broadcast.Publisher
}

// Config tunes the service.
type Config struct {
	CacheSize      int
	PublishTimeout time.Duration
}

// Service implements the public reads and studio operations of sites.
type Service struct {
	sites       SiteStore
	checkpoints CheckpointReader
	memories    MemoryReader
	blobs       BlobRemover
	uploader    *blob.Uploader
	adder       MemoryAdder
	publisher   broadcast.Publisher

	cache          *journalCache
	publishTimeout time.Duration
	publishing     sync.WaitGroup
	logger         zerolog.Logger
}

// NewService constructs the site service.
func NewService(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 256
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Service{
		sites:          deps.Sites,
		checkpoints:    deps.Checkpoints,
		memories:       deps.Memories,
		blobs:          deps.Blobs,
		uploader:       deps.Uploader,
		adder:          deps.Adder,
		publisher:      deps.Publisher,
		cache:          newJournalCache(cacheSize),
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

// SiteByPath returns the active site published at path.
func (s *Service) SiteByPath(ctx context.Context, path string) (types.Site, error) {
	entry, err := s.journal(ctx, path)
	if err != nil {
		return types.Site{}, err
	}
	return entry.Journal.Site, nil
}

// Journal returns the site at path with its ordered checkpoints. A non-nil
// bounds keeps only the checkpoints inside the viewport.
func (s *Service) Journal(ctx context.Context, path string, bounds *types.Bounds) (Journal, error) {
	path = types.NormalizePath(path)
	if bounds != nil {
		if entry, ok := s.cache.Get(path); ok {
			return filterJournal(entry.Journal, *bounds), nil
		}
		site, err := s.activeSite(ctx, path)
		if err != nil {
			return Journal{}, err
		}
		cps, err := s.checkpoints.ListInBounds(ctx, site.ID, *bounds)
		if err != nil {
			return Journal{}, err
		}
		return Journal{Site: site, Checkpoints: nonNil(cps)}, nil
	}

	entry, err := s.journal(ctx, path)
	if err != nil {
		return Journal{}, err
	}
	return entry.Journal, nil
}

// Memories returns the photo journal of one checkpoint of the site at path.
func (s *Service) Memories(ctx context.Context, path, checkpointID string) ([]*types.Memory, error) {
	entry, err := s.journal(ctx, path)
	if err != nil {
		return nil, err
	}
	found := false
	for _, cp := range entry.Journal.Checkpoints {
		if cp.ID == checkpointID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, storage.ErrNotFound)
	}
	memories, err := s.memories.ListByCheckpoint(ctx, entry.Journal.Site.ID, checkpointID)
	if err != nil {
		return nil, err
	}
	return nonNil(memories), nil
}

// Album returns every memory of the site at path, ordered by checkpoint then
// position.
func (s *Service) Album(ctx context.Context, path string) ([]*types.Memory, error) {
	path = types.NormalizePath(path)
	version := s.cache.Version()
	entry, err := s.journal(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry.Album != nil {
		return entry.Album, nil
	}
	album, err := s.memories.ListBySite(ctx, entry.Journal.Site.ID)
	if err != nil {
		return nil, err
	}
	album = nonNil(album)
	s.cache.PutAlbum(path, album, version)
	return album, nil
}

// CreateSite onboards user with a new site at path.
func (s *Service) CreateSite(ctx context.Context, user types.UserID, path string) (types.Site, error) {
	path = types.NormalizePath(path)
	if err := types.ValidatePath(path); err != nil {
		return types.Site{}, err
	}

	if _, err := s.sites.GetByUser(ctx, user); err == nil {
		return types.Site{}, ErrSiteExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.Site{}, err
	}

	created, err := s.sites.Create(ctx, types.DefaultSite(user, path))
	if errors.Is(err, storage.ErrConflict) {
		return types.Site{}, fmt.Errorf("%s: %w", path, ErrPathTaken)
	}
	if err != nil {
		return types.Site{}, err
	}
	s.logger.Info().Str("site", string(created.ID)).Str("path", created.Path).Msg("site created")
	return created, nil
}

// CheckPath validates path and reports whether it is free.
func (s *Service) CheckPath(ctx context.Context, path string) (PathCheck, error) {
	path = types.NormalizePath(path)
	if err := types.ValidatePath(path); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			return PathCheck{Path: path, Message: verr.Fields["path"]}, nil
		}
		return PathCheck{}, err
	}
	available, err := s.sites.PathAvailable(ctx, path)
	if err != nil {
		return PathCheck{}, err
	}
	check := PathCheck{Path: path, Available: available}
	if !available {
		check.Message = "This path is already taken"
	}
	return check, nil
}

// StudioSite returns the site owned by user.
func (s *Service) StudioSite(ctx context.Context, user types.UserID) (types.Site, error) {
	site, err := s.sites.GetByUser(ctx, user)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Site{}, ErrNoSite
	}
	return site, err
}

// UpdateSettings saves the full settings row of the user's site. The hero
// image is deleted from the bucket when its URL was replaced.
func (s *Service) UpdateSettings(ctx context.Context, user types.UserID, in types.Settings) (types.Site, error) {
	if err := in.Validate(); err != nil {
		return types.Site{}, err
	}
	current, err := s.StudioSite(ctx, user)
	if err != nil {
		return types.Site{}, err
	}

	updated, err := s.sites.UpdateSettings(ctx, current.ID, in)
	if err != nil {
		return types.Site{}, err
	}
	if current.HeroBgPath != "" && updated.HeroBgPath == "" {
		s.removeBlob(ctx, current.HeroBgPath)
	}
	s.Changed(ctx, current.ID, broadcast.KindSettings)
	return updated, nil
}

// UploadHeroBackground stores a new hero image for the user's site and
// deletes the one it replaces.
func (s *Service) UploadHeroBackground(ctx context.Context, user types.UserID, file blob.File) (blob.Object, error) {
	current, err := s.StudioSite(ctx, user)
	if err != nil {
		return blob.Object{}, err
	}

	result := s.uploader.UploadBatch(ctx, blob.SitePrefix(blob.PrefixBrand, string(current.ID)), []blob.File{file})[0]
	if result.Err != nil {
		return blob.Object{}, result.Err
	}
	previous, err := s.sites.SetHeroBackground(ctx, current.ID, result.Object.URL, result.Object.Path)
	if err != nil {
		s.removeBlob(ctx, result.Object.Path)
		return blob.Object{}, err
	}
	if previous != "" && previous != result.Object.Path {
		s.removeBlob(ctx, previous)
	}
	s.Changed(ctx, current.ID, broadcast.KindSettings)
	return result.Object, nil
}

// UploadMemories stores a batch of photos and appends them to the checkpoint,
// addressed by studio key or id. Files that fail to upload are reported
// without failing the batch; when the photos cannot be attached every stored
// object is removed again.
func (s *Service) UploadMemories(ctx context.Context, user types.UserID, checkpoint string, files []blob.File) (UploadReport, error) {
	current, err := s.StudioSite(ctx, user)
	if err != nil {
		return UploadReport{}, err
	}

	results := s.uploader.UploadBatch(ctx, blob.SitePrefix(blob.PrefixMemories, string(current.ID)), files)
	report := UploadReport{Files: make([]UploadOutcome, len(results))}
	var (
		objects []blob.Object
		stored  []int
	)
	for i, res := range results {
		report.Files[i] = UploadOutcome{Name: res.Name}
		if res.Err != nil {
			report.Files[i].Error = res.Err.Error()
			continue
		}
		report.Files[i].URL = res.Object.URL
		objects = append(objects, res.Object)
		stored = append(stored, i)
	}
	if len(objects) == 0 {
		report.Failed = len(results)
		return report, nil
	}

	keys, err := s.adder.AddUploadedMemories(ctx, current.ID, checkpoint, objects)
	if err != nil {
		paths := make([]string, len(objects))
		for i, obj := range objects {
			paths[i] = obj.Path
		}
		if rmErr := s.blobs.RemoveAll(context.WithoutCancel(ctx), paths); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("site", string(current.ID)).Msg("remove unattached uploads failed")
		}
		return UploadReport{}, err
	}

	for n, i := range stored {
		report.Files[i].Key = keys[n]
	}
	report.Uploaded = len(objects)
	report.Failed = len(results) - len(objects)
	s.logger.Info().
		Str("site", string(current.ID)).
		Str("checkpoint", checkpoint).
		Int("uploaded", report.Uploaded).
		Int("failed", report.Failed).
		Msg("memories uploaded")
	return report, nil
}

// Changed invalidates the cached public view of site and tells the other
// instances to do the same. It satisfies the studio hub's change notifier.
func (s *Service) Changed(ctx context.Context, site types.SiteID, kind string) {
	s.cache.InvalidateSite(site)
	cacheInvalidations.WithLabelValues("local").Inc()
	if s.publisher == nil {
		return
	}

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, broadcast.SiteEvent{SiteID: site, Kind: kind}); err != nil {
			s.logger.Warn().Err(err).Str("site", string(site)).Str("kind", kind).Msg("publish site event failed")
		}
	}()
}

// Invalidate handles a change announced by another instance.
func (s *Service) Invalidate(ev broadcast.SiteEvent) {
	removed := s.cache.InvalidateSite(ev.SiteID)
	cacheInvalidations.WithLabelValues("remote").Inc()
	s.logger.Debug().Str("site", string(ev.SiteID)).Str("kind", ev.Kind).Int("removed", removed).Msg("site cache invalidated")
}

// Close waits for in-flight change events to be published.
func (s *Service) Close() {
	s.publishing.Wait()
}

func (s *Service) journal(ctx context.Context, path string) (cacheEntry, error) {
	path = types.NormalizePath(path)
	if entry, ok := s.cache.Get(path); ok {
		return entry, nil
	}

	version := s.cache.Version()
	site, err := s.activeSite(ctx, path)
	if err != nil {
		return cacheEntry{}, err
	}
	cps, err := s.checkpoints.ListBySite(ctx, site.ID)
	if err != nil {
		return cacheEntry{}, err
	}
	journal := Journal{Site: site, Checkpoints: nonNil(cps)}
	s.cache.PutJournal(path, journal, version)
	return cacheEntry{Path: path, Journal: journal}, nil
}

func (s *Service) activeSite(ctx context.Context, path string) (types.Site, error) {
	site, err := s.sites.GetByPath(ctx, path)
	if err != nil {
		return types.Site{}, err
	}
	if !site.IsActive {
		return types.Site{}, fmt.Errorf("site %s is inactive: %w", path, storage.ErrNotFound)
	}
	return site, nil
}

func (s *Service) removeBlob(ctx context.Context, path string) {
	if err := s.blobs.Remove(context.WithoutCancel(ctx), path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("remove replaced object failed")
	}
}

func filterJournal(j Journal, b types.Bounds) Journal {
	out := Journal{Site: j.Site, Checkpoints: make([]*types.Checkpoint, 0, len(j.Checkpoints))}
	for _, cp := range j.Checkpoints {
		if cp.Latitude == nil || cp.Longitude == nil {
			continue
		}
		if b.Contains(*cp.Longitude, *cp.Latitude) {
			out.Checkpoints = append(out.Checkpoints, cp)
		}
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
