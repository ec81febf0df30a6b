package types

import (
	"fmt"
	"strings"
)

// Checkpoint is a labeled location in the story map.
type Checkpoint struct {
	ID          string   `json:"id,omitempty"`
	SiteID      SiteID   `json:"site_id"`
	Title       string   `json:"title"`
	MarkerLabel string   `json:"marker_label"`
	Date        string   `json:"date"`
	Address     string   `json:"address"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Zoom        *float64 `json:"zoom,omitempty"`
	Description string   `json:"description"`
	Position    int      `json:"position"`
}

// NewCheckpoint returns the placeholder chapter added from the studio sidebar.
func NewCheckpoint(site SiteID) *Checkpoint {
	return &Checkpoint{
		SiteID:    site,
		Title:     "New Spot",
		Latitude:  Float(0),
		Longitude: Float(0),
	}
}

// SetField applies a single field edit coming from the studio.
func (c *Checkpoint) SetField(field string, value any) error {
	switch field {
	case "title":
		return setString(&c.Title, field, value)
	case "marker_label":
		return setString(&c.MarkerLabel, field, value)
	case "date":
		return setString(&c.Date, field, value)
	case "address":
		return setString(&c.Address, field, value)
	case "description":
		return setString(&c.Description, field, value)
	case "latitude":
		return setFloat(&c.Latitude, field, value)
	case "longitude":
		return setFloat(&c.Longitude, field, value)
	case "zoom":
		return setFloat(&c.Zoom, field, value)
	default:
		return fmt.Errorf("checkpoint %q: %w", field, ErrUnknownField)
	}
}

// Validate reports the non-nullable fields that are missing.
func (c *Checkpoint) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(c.Title) == "" {
		verr.add("title", "Location Name is required")
	}
	switch {
	case c.Latitude == nil:
		verr.add("latitude", "Location coordinates are required")
	case *c.Latitude < -90 || *c.Latitude > 90:
		verr.add("latitude", "Latitude must be between -90 and 90")
	}
	switch {
	case c.Longitude == nil:
		verr.add("longitude", "Location coordinates are required")
	case *c.Longitude < -180 || *c.Longitude > 180:
		verr.add("longitude", "Longitude must be between -180 and 180")
	}
	if c.Zoom != nil && (*c.Zoom < 0 || *c.Zoom > 22) {
		verr.add("zoom", "Zoom must be between 0 and 22")
	}
	return verr.orNil()
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Latitude = cloneFloat(c.Latitude)
	out.Longitude = cloneFloat(c.Longitude)
	out.Zoom = cloneFloat(c.Zoom)
	return &out
}
