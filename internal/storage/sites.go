package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/storymap-studio/internal/types"
)

const siteColumns = `id::text, user_id, path, is_active, hero_label, hero_title, hero_subtext,
	hero_bg_url, hero_bg_path, hero_blur_amount, text_color, map_style, map_zoom_level, map_pitch,
	footer_title, footer_description, footer_caption, created_at`

// SiteStore persists site settings.
type SiteStore struct {
	db *DB
}

// NewSiteStore constructs a site store.
func NewSiteStore(db *DB) *SiteStore {
	return &SiteStore{db: db}
}

// Create inserts a new site. ErrConflict is returned when the path is taken.
func (s *SiteStore) Create(ctx context.Context, site types.Site) (types.Site, error) {
	var out types.Site
	attrs := []attribute.KeyValue{attribute.String("path", site.Path)}
	err := s.db.run(ctx, "sites", "create", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
INSERT INTO sites (user_id, path, is_active, hero_label, hero_title, hero_subtext, hero_bg_url,
	hero_blur_amount, text_color, map_style, map_zoom_level, map_pitch,
	footer_title, footer_description, footer_caption)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING `+siteColumns,
			string(site.UserID), site.Path, site.IsActive, site.HeroLabel, site.HeroTitle, site.HeroSubtext, site.HeroBgURL,
			site.HeroBlurAmount, string(site.TextColor), site.MapStyle, site.MapZoomLevel, site.MapPitch,
			site.FooterTitle, site.FooterDescription, site.FooterCaption,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanSite)
		return err
	})
	if isUniqueViolation(err) {
		return types.Site{}, fmt.Errorf("site path %q: %w", site.Path, ErrConflict)
	}
	if err != nil {
		return types.Site{}, fmt.Errorf("create site: %w", err)
	}
	return out, nil
}

// GetByPath returns the active site published at path.
func (s *SiteStore) GetByPath(ctx context.Context, path string) (types.Site, error) {
	return s.getOne(ctx, "get_by_path", `WHERE path = $1 AND is_active`, path)
}

// GetByUser returns the site owned by user.
func (s *SiteStore) GetByUser(ctx context.Context, user types.UserID) (types.Site, error) {
	return s.getOne(ctx, "get_by_user", `WHERE user_id = $1 ORDER BY created_at LIMIT 1`, string(user))
}

// GetByID returns a site by id.
func (s *SiteStore) GetByID(ctx context.Context, id types.SiteID) (types.Site, error) {
	siteID, err := parseID(string(id))
	if err != nil {
		return types.Site{}, err
	}
	return s.getOne(ctx, "get_by_id", `WHERE id = $1`, siteID)
}

// PathAvailable reports whether no site uses path.
func (s *SiteStore) PathAvailable(ctx context.Context, path string) (bool, error) {
	var taken bool
	attrs := []attribute.KeyValue{attribute.String("path", path)}
	err := s.db.run(ctx, "sites", "path_available", attrs, func(ctx context.Context) error {
		return s.db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sites WHERE path = $1)`, path).Scan(&taken)
	})
	if err != nil {
		return false, fmt.Errorf("check path: %w", err)
	}
	return !taken, nil
}

// UpdateSettings overwrites every editable setting. A hero URL that no longer
// matches the uploaded background drops the stored object path.
func (s *SiteStore) UpdateSettings(ctx context.Context, id types.SiteID, in types.Settings) (types.Site, error) {
	siteID, err := parseID(string(id))
	if err != nil {
		return types.Site{}, err
	}

	var out types.Site
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID)}
	err = s.db.run(ctx, "sites", "update_settings", attrs, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `
UPDATE sites SET
	hero_label = $2,
	hero_title = $3,
	hero_subtext = $4,
	hero_bg_path = CASE WHEN hero_bg_url = $5 THEN hero_bg_path ELSE '' END,
	hero_bg_url = $5,
	hero_blur_amount = $6,
	text_color = $7,
	map_style = $8,
	map_zoom_level = $9,
	map_pitch = $10,
	footer_title = $11,
	footer_description = $12,
	footer_caption = $13
WHERE id = $1
RETURNING `+siteColumns,
			siteID, in.HeroLabel, in.HeroTitle, in.HeroSubtext, in.HeroBgURL,
			in.HeroBlurAmount, string(in.TextColor), in.MapStyle, in.MapZoomLevel, in.MapPitch,
			in.FooterTitle, in.FooterDescription, in.FooterCaption,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanSite)
		return notFound(err, "site "+siteID)
	})
	if err != nil {
		return types.Site{}, fmt.Errorf("update site settings: %w", err)
	}
	return out, nil
}

// SetHeroBackground stores an uploaded hero image and returns the object path
// of the image it replaced, if any.
func (s *SiteStore) SetHeroBackground(ctx context.Context, id types.SiteID, url, objectPath string) (string, error) {
	siteID, err := parseID(string(id))
	if err != nil {
		return "", err
	}

	var previous string
	attrs := []attribute.KeyValue{attribute.String("site_id", siteID)}
	err = s.db.run(ctx, "sites", "set_hero_background", attrs, func(ctx context.Context) error {
		err := s.db.pool.QueryRow(ctx, `
UPDATE sites AS s SET hero_bg_url = $2, hero_bg_path = $3
FROM (SELECT id, hero_bg_path FROM sites WHERE id = $1 FOR UPDATE) AS prev
WHERE s.id = prev.id
RETURNING prev.hero_bg_path`, siteID, url, objectPath).Scan(&previous)
		return notFound(err, "site "+siteID)
	})
	if err != nil {
		return "", fmt.Errorf("set hero background: %w", err)
	}
	return previous, nil
}

func (s *SiteStore) getOne(ctx context.Context, op, where string, arg any) (types.Site, error) {
	var out types.Site
	err := s.db.run(ctx, "sites", op, nil, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites `+where, arg)
		if err != nil {
			return err
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanSite)
		return notFound(err, "site")
	})
	return out, err
}

func scanSite(row pgx.CollectableRow) (types.Site, error) {
	var (
		site      types.Site
		id        string
		userID    string
		textColor string
	)
	err := row.Scan(&id, &userID, &site.Path, &site.IsActive, &site.HeroLabel, &site.HeroTitle, &site.HeroSubtext,
		&site.HeroBgURL, &site.HeroBgPath, &site.HeroBlurAmount, &textColor, &site.MapStyle, &site.MapZoomLevel, &site.MapPitch,
		&site.FooterTitle, &site.FooterDescription, &site.FooterCaption, &site.CreatedAt)
	if err != nil {
		return types.Site{}, err
	}
	site.ID = types.SiteID(id)
	site.UserID = types.UserID(userID)
	site.TextColor = types.TextColor(textColor)
	return site, nil
}
