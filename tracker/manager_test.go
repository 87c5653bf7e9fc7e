package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/types"
)

func TestCreateTrackerIsGetOrCreate(t *testing.T) {
	m := NewManager(&recordingSink{}, nil)

	a := m.CreateTracker("UA-1")
	again := m.CreateTracker("UA-1")
	b := m.CreateTracker("UA-2")

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.DefaultTracker(), "the first tracker becomes the default")
	assert.Equal(t, []*Tracker{a, b}, m.Trackers())

	got, ok := m.Tracker("UA-2")
	assert.True(t, ok)
	assert.Same(t, b, got)
}

func TestCloseTracker(t *testing.T) {
	m := NewManager(&recordingSink{}, nil)
	a := m.CreateTracker("UA-1")
	b := m.CreateTracker("UA-2")

	m.CloseTracker(b)
	assert.Same(t, a, m.DefaultTracker())
	_, ok := m.Tracker("UA-2")
	assert.False(t, ok)

	m.CloseTracker(a)
	assert.Nil(t, m.DefaultTracker(), "closing the default tracker clears it")
	assert.Empty(t, m.Trackers())

	c := m.CreateTracker("UA-3")
	assert.Same(t, c, m.DefaultTracker())

	m.SetDefaultTracker(nil)
	assert.Nil(t, m.DefaultTracker())
}

func TestManagerGatesOnOptOut(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(sink, nil)
	tr := m.CreateTracker("UA-1")

	require.NoError(t, tr.Send(types.Params{"t": "event"}))
	assert.Len(t, sink.all(), 1)

	sink.mut.Lock()
	sink.optOut = true
	sink.mut.Unlock()
	require.NoError(t, tr.Send(types.Params{"t": "event"}))
	assert.Len(t, sink.all(), 1)
}

func TestManagerTrackersUseProvider(t *testing.T) {
	provider := platform.NewStaticProvider("anon", "en-gb", "ua")
	m := NewManager(&recordingSink{}, provider)
	tr := m.CreateTracker("UA-1")
	assert.Equal(t, "anon", tr.ClientID())
	assert.Equal(t, "en-gb", tr.Fields().Language)
}
