package types

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SiteID identifies a published story-map site.
type SiteID string

// UserID identifies the account that owns a site.
type UserID string

// ErrUnknownField is returned when an edit names a field the record does not expose.
var ErrUnknownField = errors.New("unknown field")

// ErrFieldType is returned when an edit carries a value of the wrong type.
var ErrFieldType = errors.New("wrong field type")

// ValidationError carries field level messages for a record that cannot be persisted yet.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// TextColor is the hero text palette chosen in site settings.
type TextColor string

const (
	TextColorWhite TextColor = "white"
	TextColorBlack TextColor = "black"
)

const minPathLength = 3

var pathPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidatePath checks a public site path slug.
func ValidatePath(path string) error {
	verr := &ValidationError{}
	switch {
	case strings.TrimSpace(path) == "":
		verr.add("path", "Please choose a path for your site")
	case !pathPattern.MatchString(path):
		verr.add("path", "Only lowercase letters, numbers, and hyphens are allowed")
	case len(path) < minPathLength:
		verr.add("path", fmt.Sprintf("Path must be at least %d characters", minPathLength))
	}
	return verr.orNil()
}

// NormalizePath trims and lowercases a path before validation.
func NormalizePath(path string) string {
	return strings.ToLower(strings.TrimSpace(path))
}

// Site holds the landing page and map settings of a couple's story map.
type Site struct {
	ID                SiteID    `json:"id"`
	UserID            UserID    `json:"user_id"`
	Path              string    `json:"path"`
	IsActive          bool      `json:"is_active"`
	HeroLabel         string    `json:"hero_label"`
	HeroTitle         string    `json:"hero_title"`
	HeroSubtext       string    `json:"hero_subtext"`
	HeroBgURL         string    `json:"hero_bg_url"`
	HeroBgPath        string    `json:"-"`
	HeroBlurAmount    int       `json:"hero_blur_amount"`
	TextColor         TextColor `json:"text_color"`
	MapStyle          string    `json:"map_style"`
	MapZoomLevel      float64   `json:"map_zoom_level"`
	MapPitch          float64   `json:"map_pitch"`
	FooterTitle       string    `json:"footer_title"`
	FooterDescription string    `json:"footer_description"`
	FooterCaption     string    `json:"footer_caption"`
	CreatedAt         time.Time `json:"created_at"`
}

// DefaultSite returns the settings a freshly onboarded site starts with.
func DefaultSite(user UserID, path string) Site {
	return Site{
		UserID:         user,
		Path:           NormalizePath(path),
		IsActive:       true,
		HeroBlurAmount: 16,
		TextColor:      TextColorWhite,
		MapStyle:       "light",
		MapZoomLevel:   13,
	}
}

// Settings is the editable subset of a Site.
type Settings struct {
	HeroLabel         string    `json:"hero_label"`
	HeroTitle         string    `json:"hero_title"`
	HeroSubtext       string    `json:"hero_subtext"`
	HeroBgURL         string    `json:"hero_bg_url"`
	HeroBlurAmount    int       `json:"hero_blur_amount"`
	TextColor         TextColor `json:"text_color"`
	MapStyle          string    `json:"map_style"`
	MapZoomLevel      float64   `json:"map_zoom_level"`
	MapPitch          float64   `json:"map_pitch"`
	FooterTitle       string    `json:"footer_title"`
	FooterDescription string    `json:"footer_description"`
	FooterCaption     string    `json:"footer_caption"`
}

// Settings extracts the editable settings.
func (s Site) Settings() Settings {
	return Settings{
		HeroLabel:         s.HeroLabel,
		HeroTitle:         s.HeroTitle,
		HeroSubtext:       s.HeroSubtext,
		HeroBgURL:         s.HeroBgURL,
		HeroBlurAmount:    s.HeroBlurAmount,
		TextColor:         s.TextColor,
		MapStyle:          s.MapStyle,
		MapZoomLevel:      s.MapZoomLevel,
		MapPitch:          s.MapPitch,
		FooterTitle:       s.FooterTitle,
		FooterDescription: s.FooterDescription,
		FooterCaption:     s.FooterCaption,
	}
}

// ApplySettings overwrites every editable setting on the site.
func (s *Site) ApplySettings(in Settings) {
	s.HeroLabel = in.HeroLabel
	s.HeroTitle = in.HeroTitle
	s.HeroSubtext = in.HeroSubtext
	s.HeroBgURL = in.HeroBgURL
	s.HeroBlurAmount = in.HeroBlurAmount
	s.TextColor = in.TextColor
	s.MapStyle = in.MapStyle
	s.MapZoomLevel = in.MapZoomLevel
	s.MapPitch = in.MapPitch
	s.FooterTitle = in.FooterTitle
	s.FooterDescription = in.FooterDescription
	s.FooterCaption = in.FooterCaption
}

// Validate checks the settings against the columns' constraints.
func (in Settings) Validate() error {
	verr := &ValidationError{}
	if in.TextColor != TextColorWhite && in.TextColor != TextColorBlack {
		verr.add("text_color", "Text color must be white or black")
	}
	if in.HeroBlurAmount < 0 || in.HeroBlurAmount > 64 {
		verr.add("hero_blur_amount", "Blur must be between 0 and 64")
	}
	if in.MapZoomLevel < 0 || in.MapZoomLevel > 22 {
		verr.add("map_zoom_level", "Zoom must be between 0 and 22")
	}
	if in.MapPitch < 0 || in.MapPitch > 85 {
		verr.add("map_pitch", "Pitch must be between 0 and 85")
	}
	return verr.orNil()
}

// Bounds is a longitude/latitude rectangle used for viewport queries.
type Bounds struct {
	MinLng float64
	MinLat float64
	MaxLng float64
	MaxLat float64
}

// ParseBounds reads "minLng,minLat,maxLng,maxLat".
func ParseBounds(raw string) (Bounds, error) {
	var b Bounds
	if _, err := fmt.Sscanf(raw, "%g,%g,%g,%g", &b.MinLng, &b.MinLat, &b.MaxLng, &b.MaxLat); err != nil {
		return Bounds{}, fmt.Errorf("parse bounds %q: %w", raw, err)
	}
	if b.MinLat > b.MaxLat || b.MinLat < -90 || b.MaxLat > 90 {
		return Bounds{}, fmt.Errorf("invalid latitude range in bounds %q", raw)
	}
	return b, nil
}

// Contains reports whether the point lies inside the rectangle. Rectangles whose
// MinLng exceeds MaxLng wrap across the antimeridian.
func (b Bounds) Contains(lng, lat float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.MinLng <= b.MaxLng {
		return lng >= b.MinLng && lng <= b.MaxLng
	}
	return lng >= b.MinLng || lng <= b.MaxLng
}
