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

var _ ordering.Adapter[*types.Memory] = (*MemoryStore)(nil)

const memoryColumns = `id::text, site_id::text, checkpoint_id::text, image_url, object_path, note_him, note_her, position`

const upsertMemory = `
INSERT INTO memories (id, site_id, checkpoint_id, image_url, object_path, note_him, note_her, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	image_url = EXCLUDED.image_url,
	object_path = EXCLUDED.object_path,
	note_him = EXCLUDED.note_him,
	note_her = EXCLUDED.note_her,
	position = EXCLUDED.position,
	updated_at = now()
WHERE memories.site_id = EXCLUDED.site_id AND memories.checkpoint_id = EXCLUDED.checkpoint_id`

// MemoryStore persists the photo journal of every checkpoint.
type MemoryStore struct {
	db *DB
}

// NewMemoryStore constructs a memory store.
func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// CreateOne inserts a memory at the item's position and returns its id.
func (s *MemoryStore) CreateOne(ctx context.Context, item ordering.Item[*types.Memory]) (string, error) {
	m := item.Value
	if m == nil {
		return "", errors.New("create memory: nil value")
	}
	siteID, err := parseID(string(m.SiteID))
	if err != nil {
		return "", err
	}
	checkpointID, err := parseID(m.CheckpointID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	attrs := []attribute.KeyValue{attribute.String("checkpoint_id", checkpointID), attribute.Int("position", item.Position)}
	err = s.db.run(ctx, "memories", "create", attrs, func(ctx context.Context) error {
		_, err := s.db.pool.Exec(ctx, `
INSERT INTO memories (id, site_id, checkpoint_id, image_url, object_path, note_him, note_her, position)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, siteID, checkpointID, m.ImageURL, m.ObjectPath, m.NoteHim, m.NoteHer, item.Position,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create memory: %w", err)
	}
	return id, nil
}

// UpsertBatch writes complete rows with their positions in one transaction.
func (s *MemoryStore) UpsertBatch(ctx context.Context, items []ordering.Item[*types.Memory]) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		m := it.Value
		id, err := parseID(it.ID)
		if err != nil {
			return fmt.Errorf("upsert memories: %w", err)
		}
		batch.Queue(upsertMemory,
			id, string(m.SiteID), m.CheckpointID, m.ImageURL, m.ObjectPath, m.NoteHim, m.NoteHer, it.Position,
		)
	}

	attrs := []attribute.KeyValue{attribute.Int("batch_size", len(items))}
	err := s.db.run(ctx, "memories", "upsert_batch", attrs, func(ctx context.Context) error {
		return s.db.execBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("upsert memories: %w", err)
	}
	return nil
}

// DeleteOne removes a memory row.
func (s *MemoryStore) DeleteOne(ctx context.Context, id string) error {
	_, err := s.Delete(ctx, id)
	return err
}

// Delete removes a memory row and returns the object path of its photo.
func (s *MemoryStore) Delete(ctx context.Context, id string) (string, error) {
	id, err := parseID(id)
	if err != nil {
		return "", err
	}

	var path string
	attrs := []attribute.KeyValue{attribute.String("memory_id", id)}
	err = s.db.run(ctx, "memories", "delete", attrs, func(ctx context.Context) error {
		err := s.db.pool.QueryRow(ctx, `DELETE FROM memories WHERE id = $1 RETURNING object_path`, id).Scan(&path)
		return notFound(err, "memory "+id)
	})
	if err != nil {
		return "", fmt.Errorf("delete memory: %w", err)
	}
	return path, nil
}

// ListByCheckpoint returns a checkpoint's memories in position order. The
// site id scopes the lookup so public readers cannot reach other sites.
func (s *MemoryStore) ListByCheckpoint(ctx context.Context, site types.SiteID, checkpointID string) ([]*types.Memory, error) {
	siteID, err := parseID(string(site))
	if err != nil {
		return nil, err
	}
	checkpointID, err = parseID(checkpointID)
	if err != nil {
		return nil, err
	}

	var out []*types.Memory
	attrs := []attribute.KeyValue{attribute.String("checkpoint_id", checkpointID)}
	err = s.db.run(ctx, "memories", "list_by_checkpoint", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
SELECT `+memoryColumns+`
FROM memories
WHERE site_id = $1 AND checkpoint_id = $2
ORDER BY position, created_at, id`, siteID, checkpointID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanMemory)
		return err
	})
	return out, err
}

// ListBySite returns every memory of a site, grouped by checkpoint order and
// then by position, for the album view.
func (s *MemoryStore) ListBySite(ctx context.Context, site types.SiteID) ([]*types.Memory, error) {
	siteID, err := parseID(string(site))
	if err != nil {
		return nil, err
	}

	var out []*types.Memory
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID)}
	err = s.db.run(ctx, "memories", "list_by_site", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
SELECT m.id::text, m.site_id::text, m.checkpoint_id::text, m.image_url, m.object_path, m.note_him, m.note_her, m.position
FROM memories m
JOIN checkpoints c ON c.id = m.checkpoint_id
WHERE m.site_id = $1
ORDER BY c.position, c.id, m.position, m.id`, siteID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanMemory)
		return err
	})
	return out, err
}

// ObjectPathsByCheckpoint lists the stored photo paths of a checkpoint.
func (s *MemoryStore) ObjectPathsByCheckpoint(ctx context.Context, checkpointID string) ([]string, error) {
	checkpointID, err := parseID(checkpointID)
	if err != nil {
		return nil, err
	}
	return s.paths(ctx, "object_paths_by_checkpoint", `
SELECT object_path FROM memories WHERE checkpoint_id = $1 AND object_path <> ''`, checkpointID)
}

// ReferencedObjectPaths lists every object path still referenced by a memory
// or a site hero background.
func (s *MemoryStore) ReferencedObjectPaths(ctx context.Context) ([]string, error) {
	return s.paths(ctx, "referenced_object_paths", `
SELECT object_path FROM memories WHERE object_path <> ''
UNION
SELECT hero_bg_path FROM sites WHERE hero_bg_path <> ''`)
}

// UnreferencedPaths returns the paths among paths that no memory or site hero
// background refers to.
func (s *MemoryStore) UnreferencedPaths(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	return s.paths(ctx, "unreferenced_paths", `
SELECT p FROM unnest($1::text[]) AS p
WHERE NOT EXISTS (SELECT 1 FROM memories WHERE object_path = p)
  AND NOT EXISTS (SELECT 1 FROM sites WHERE hero_bg_path = p)`, paths)
}

func (s *MemoryStore) paths(ctx context.Context, op, query string, args ...any) ([]string, error) {
	var out []string
	err := s.db.run(ctx, "memories", op, nil, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return out, err
}

func scanMemory(row pgx.CollectableRow) (*types.Memory, error) {
	var (
		m      types.Memory
		siteID string
	)
	err := row.Scan(&m.ID, &siteID, &m.CheckpointID, &m.ImageURL, &m.ObjectPath, &m.NoteHim, &m.NoteHer, &m.Position)
	if err != nil {
		return nil, err
	}
	m.SiteID = types.SiteID(siteID)
	return &m, nil
}
