package types

import (
	"fmt"
	"strings"
)

// Memory is a photo in a checkpoint's journal with the couple's paired notes.
type Memory struct {
	ID           string `json:"id,omitempty"`
	SiteID       SiteID `json:"site_id"`
	CheckpointID string `json:"checkpoint_id"`
	ImageURL     string `json:"image_url"`
	ObjectPath   string `json:"object_path"`
	NoteHim      string `json:"note_him"`
	NoteHer      string `json:"note_her"`
	Position     int    `json:"position"`
}

// SetField applies a note edit. The image itself is only replaced by uploads.
func (m *Memory) SetField(field string, value any) error {
	switch field {
	case "note_him":
		return setString(&m.NoteHim, field, value)
	case "note_her":
		return setString(&m.NoteHer, field, value)
	default:
		return fmt.Errorf("memory %q: %w", field, ErrUnknownField)
	}
}

// Validate requires the image reference and owning checkpoint.
func (m *Memory) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(m.ImageURL) == "" {
		verr.add("image_url", "Photo is required")
	}
	if m.CheckpointID == "" {
		verr.add("checkpoint_id", "Save this location first to start adding photos")
	}
	return verr.orNil()
}

// Clone returns a copy.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}
