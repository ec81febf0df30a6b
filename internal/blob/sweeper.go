package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReferenceSource lists the object paths that are still in use.
type ReferenceSource interface {
	ReferencedObjectPaths(ctx context.Context) ([]string, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned int
	Orphans []string
	Removed int
	Failed  int
}

// Sweeper periodically removes blobs that no row references any more, such as
// photos whose memory was deleted while the object removal failed.
type Sweeper struct {
	store    *Store
	refs     ReferenceSource
	prefixes []string
	interval time.Duration
	grace    time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSweeper constructs a sweeper over the managed prefixes. Objects younger
// than grace are never removed so uploads whose row is still being created
// survive.
func NewSweeper(store *Store, refs ReferenceSource, interval, grace time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		refs:     refs,
		prefixes: []string{PrefixMemories, PrefixBrand},
		interval: interval,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, false); err != nil {
				s.logger.Error().Err(err).Msg("blob sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep. With dryRun set orphans are reported but kept.
func (s *Sweeper) RunOnce(ctx context.Context, dryRun bool) (SweepReport, error) {
	var report SweepReport

	// list before reading references so objects uploaded mid-sweep are either
	// unlisted or inside the grace period
	var objects []ObjectInfo
	for _, prefix := range s.prefixes {
		listed, err := s.store.List(ctx, prefix)
		if err != nil {
			return report, err
		}
		objects = append(objects, listed...)
	}
	report.Scanned = len(objects)

	refs, err := s.refs.ReferencedObjectPaths(ctx)
	if err != nil {
		return report, fmt.Errorf("load references: %w", err)
	}
	inUse := make(map[string]struct{}, len(refs))
	for _, p := range refs {
		inUse[p] = struct{}{}
	}

	cutoff := s.now().Add(-s.grace)
	for _, obj := range objects {
		if _, ok := inUse[obj.Path]; ok || obj.LastModified.After(cutoff) {
			continue
		}
		report.Orphans = append(report.Orphans, obj.Path)
		if dryRun {
			continue
		}
		if err := s.store.Remove(ctx, obj.Path); err != nil {
			report.Failed++
			s.logger.Warn().Err(err).Str("path", obj.Path).Msg("remove orphaned blob")
			continue
		}
		report.Removed++
	}

	sweepRemoved.Add(float64(report.Removed))
	s.logger.Info().
		Int("scanned", report.Scanned).
		Int("orphans", len(report.Orphans)).
		Int("removed", report.Removed).
		Bool("dry_run", dryRun).
		Msg("blob sweep finished")
	return report, nil
}
