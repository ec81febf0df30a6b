package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/types"
)

var _ ordering.Adapter[*types.Checkpoint] = (*CheckpointStore)(nil)

const checkpointColumns = `id::text, site_id::text, title, marker_label, date, address,
	latitude, longitude, zoom, description, position`

const upsertCheckpoint = `
INSERT INTO checkpoints (id, site_id, title, marker_label, date, address, latitude, longitude, zoom, description, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	marker_label = EXCLUDED.marker_label,
	date = EXCLUDED.date,
	address = EXCLUDED.address,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	zoom = EXCLUDED.zoom,
	description = EXCLUDED.description,
	position = EXCLUDED.position,
	updated_at = now()
WHERE checkpoints.site_id = EXCLUDED.site_id`

// CheckpointStore persists the checkpoints of every site.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore constructs a checkpoint store.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// CreateOne inserts a new checkpoint at the item's position and returns its id.
func (s *CheckpointStore) CreateOne(ctx context.Context, item ordering.Item[*types.Checkpoint]) (string, error) {
	cp := item.Value
	if cp == nil {
		return "", errors.New("create checkpoint: nil value")
	}
	siteID, err := parseID(string(cp.SiteID))
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID), attribute.Int("position", item.Position)}
	err = s.db.run(ctx, "checkpoints", "create", attrs, func(ctx context.Context) error {
		_, err := s.db.pool.Exec(ctx, `
INSERT INTO checkpoints (id, site_id, title, marker_label, date, address, latitude, longitude, zoom, description, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			id, siteID, cp.Title, cp.MarkerLabel, cp.Date, cp.Address,
			cp.Latitude, cp.Longitude, cp.Zoom, cp.Description, item.Position,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	return id, nil
}

// UpsertBatch writes complete rows with their positions in one transaction.
func (s *CheckpointStore) UpsertBatch(ctx context.Context, items []ordering.Item[*types.Checkpoint]) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		cp := it.Value
		id, err := parseID(it.ID)
		if err != nil {
			return fmt.Errorf("upsert checkpoints: %w", err)
		}
		batch.Queue(upsertCheckpoint,
			id, string(cp.SiteID), cp.Title, cp.MarkerLabel, cp.Date, cp.Address,
			cp.Latitude, cp.Longitude, cp.Zoom, cp.Description, it.Position,
		)
	}

	attrs := []attribute.KeyValue{attribute.Int("batch_size", len(items))}
	err := s.db.run(ctx, "checkpoints", "upsert_batch", attrs, func(ctx context.Context) error {
		return s.db.execBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("upsert checkpoints: %w", err)
	}
	return nil
}

// DeleteOne removes a checkpoint and, through the foreign key, its memories.
func (s *CheckpointStore) DeleteOne(ctx context.Context, id string) error {
	_, err := s.Delete(ctx, id)
	return err
}

// Delete removes a checkpoint and returns the object paths of the memories
// that were removed with it.
func (s *CheckpointStore) Delete(ctx context.Context, id string) ([]string, error) {
	id, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var paths []string
	attrs := []attribute.KeyValue{attribute.String("checkpoint_id", id)}
	err = s.db.run(ctx, "checkpoints", "delete", attrs, func(ctx context.Context) error {
		paths = paths[:0]
		tx, err := s.db.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
SELECT object_path FROM memories WHERE checkpoint_id = $1 AND object_path <> ''`, id)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		paths = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete checkpoint: %w", err)
	}
	return paths, nil
}

// ListBySite returns a site's checkpoints in position order.
func (s *CheckpointStore) ListBySite(ctx context.Context, site types.SiteID) ([]*types.Checkpoint, error) {
	siteID, err := parseID(string(site))
	if err != nil {
		return nil, err
	}

	var out []*types.Checkpoint
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID)}
	err = s.db.run(ctx, "checkpoints", "list_by_site", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE site_id = $1
ORDER BY position, created_at, id`, siteID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanCheckpoint)
		return err
	})
	return out, err
}

// ListInBounds returns the site's checkpoints inside the rectangle, in
// position order. Rectangles with MinLng > MaxLng wrap the antimeridian.
func (s *CheckpointStore) ListInBounds(ctx context.Context, site types.SiteID, b types.Bounds) ([]*types.Checkpoint, error) {
	siteID, err := parseID(string(site))
	if err != nil {
		return nil, err
	}

	var out []*types.Checkpoint
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID)}
	err = s.db.run(ctx, "checkpoints", "list_in_bounds", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
SELECT `+checkpointColumns+`
FROM checkpoints
WHERE site_id = $1
  AND latitude BETWEEN $2 AND $3
  AND CASE WHEN $4::double precision <= $5::double precision
           THEN longitude BETWEEN $4 AND $5
           ELSE longitude >= $4 OR longitude <= $5
      END
ORDER BY position, created_at, id`, siteID, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanCheckpoint)
		return err
	})
	return out, err
}

func scanCheckpoint(row pgx.CollectableRow) (*types.Checkpoint, error) {
	var (
		cp     types.Checkpoint
		siteID string
	)
	err := row.Scan(&cp.ID, &siteID, &cp.Title, &cp.MarkerLabel, &cp.Date, &cp.Address,
		&cp.Latitude, &cp.Longitude, &cp.Zoom, &cp.Description, &cp.Position)
	if err != nil {
		return nil, err
	}
	cp.SiteID = types.SiteID(siteID)
	return &cp, nil
}
