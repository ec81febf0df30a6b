package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointSetField(t *testing.T) {
	cp := NewCheckpoint("site-1")

	require.NoError(t, cp.SetField("title", "Lisbon"))
	require.NoError(t, cp.SetField("latitude", 38.72))
	require.NoError(t, cp.SetField("longitude", json.Number("-9.14")))
	require.NoError(t, cp.SetField("zoom", "12.5"))
	require.NoError(t, cp.SetField("marker_label", nil))

	assert.Equal(t, "Lisbon", cp.Title)
	assert.InDelta(t, 38.72, *cp.Latitude, 1e-9)
	assert.InDelta(t, -9.14, *cp.Longitude, 1e-9)
	assert.InDelta(t, 12.5, *cp.Zoom, 1e-9)
	assert.Empty(t, cp.MarkerLabel)

	err := cp.SetField("order_index", 3)
	assert.True(t, errors.Is(err, ErrUnknownField))

	err = cp.SetField("title", 42.0)
	assert.ErrorIs(t, err, ErrFieldType)
	assert.Equal(t, "Lisbon", cp.Title, "rejected edits leave the record untouched")
}

func TestCheckpointValidate(t *testing.T) {
	cp := NewCheckpoint("site-1")
	require.NoError(t, cp.Validate())

	require.NoError(t, cp.SetField("title", "   "))
	require.NoError(t, cp.SetField("latitude", ""))

	err := cp.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Location Name is required", verr.Fields["title"])
	assert.Equal(t, "Location coordinates are required", verr.Fields["latitude"])
	assert.NotContains(t, verr.Fields, "longitude")
}

func TestCheckpointCloneIsDeep(t *testing.T) {
	cp := NewCheckpoint("site-1")
	clone := cp.Clone()
	*clone.Latitude = 10

	assert.InDelta(t, 0, *cp.Latitude, 1e-9)
}

func TestMemorySetFieldAndValidate(t *testing.T) {
	m := &Memory{CheckpointID: "cp-1", ImageURL: "https://cdn/x.jpg"}
	require.NoError(t, m.SetField("note_him", "first dance"))
	require.NoError(t, m.SetField("note_her", "rain"))
	assert.True(t, errors.Is(m.SetField("image_url", "y"), ErrUnknownField))
	require.NoError(t, m.Validate())

	m.ImageURL = ""
	assert.Error(t, m.Validate())
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("ana-and-joao"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("ab"))
	assert.Error(t, ValidatePath("Ana"))
	assert.Error(t, ValidatePath("ana_joao"))
	assert.Equal(t, "ana-joao", NormalizePath("  Ana-Joao "))
}

func TestSettingsValidate(t *testing.T) {
	site := DefaultSite("user-1", "our-story")
	require.NoError(t, site.Settings().Validate())

	s := site.Settings()
	s.TextColor = "green"
	s.MapPitch = 90
	var verr *ValidationError
	require.ErrorAs(t, s.Validate(), &verr)
	assert.Len(t, verr.Fields, 2)
}

func TestBounds(t *testing.T) {
	b, err := ParseBounds("-10,35,5,45")
	require.NoError(t, err)
	assert.True(t, b.Contains(-9.14, 38.72))
	assert.False(t, b.Contains(13.4, 52.5))

	wrap, err := ParseBounds("170,-20,-170,20")
	require.NoError(t, err)
	assert.True(t, wrap.Contains(179, 0))
	assert.True(t, wrap.Contains(-175, 0))
	assert.False(t, wrap.Contains(0, 0))

	_, err = ParseBounds("1,2,3")
	assert.Error(t, err)
}
