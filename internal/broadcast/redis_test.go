package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, ev SiteEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestProcessDispatchesRemoteEventsOnce(t *testing.T) {
	b := NewRedisBroadcaster(nil, zerolog.Nop())
	var got []SiteEvent
	b.Subscribe(func(ev SiteEvent) { got = append(got, ev) })

	ev := SiteEvent{ID: "e1", SiteID: "s1", Kind: KindCheckpoints, Origin: "other", EnqueuedAt: time.Now().UnixNano()}
	require.NoError(t, b.process(encode(t, ev)))
	require.NoError(t, b.process(encode(t, ev)))

	require.Len(t, got, 1)
	assert.Equal(t, KindCheckpoints, got[0].Kind)
}

func TestProcessSkipsOwnEvents(t *testing.T) {
	b := NewRedisBroadcaster(nil, zerolog.Nop())
	called := false
	b.Subscribe(func(SiteEvent) { called = true })

	require.NoError(t, b.process(encode(t, SiteEvent{ID: "e1", SiteID: "s1", Origin: b.Origin()})))
	assert.False(t, called)
}

func TestProcessRejectsIncompletePayload(t *testing.T) {
	b := NewRedisBroadcaster(nil, zerolog.Nop())
	assert.Error(t, b.process([]byte(`{"id":"x"}`)))
	assert.Error(t, b.process([]byte(`not json`)))
}

func TestDedupeExpires(t *testing.T) {
	b := NewRedisBroadcaster(nil, zerolog.Nop())
	b.dedupeTTL = 50 * time.Millisecond

	assert.False(t, b.isDuplicate("a"))
	time.Sleep(80 * time.Millisecond)
	assert.False(t, b.isDuplicate("a"))
	assert.True(t, b.isDuplicate("a"))
}
