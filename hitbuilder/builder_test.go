package hitbuilder

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/types"
)

func TestBuilderIsImmutable(t *testing.T) {
	base := NewScreenView("home")
	before := base.Build()

	derived := base.Set("cd1", "premium").SetNonInteraction()

	assert.Equal(t, before, base.Build(), "deriving must not change the parent")
	assert.Equal(t, 1, base.Depth())
	assert.Equal(t, 3, derived.Depth())

	built := base.Build()
	built["t"] = "event"
	assert.Equal(t, HitTypeScreenView, base.Build()["t"], "Build returns a fresh map")
}

func TestLaterFramesWin(t *testing.T) {
	b := New().Set("k", "a").Set("k", "b").SetAll(map[string]string{"k": "c", "j": "x"}).Set("j", "y")
	assert.Equal(t, types.Params{"k": "c", "j": "y"}, b.Build())
}

func TestGetReadsOwnFrameOnly(t *testing.T) {
	b := NewScreenView("home").Set("cd1", "x")
	v, ok := b.Get("cd1")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = b.Get("t")
	assert.False(t, ok, "ancestor values are not visible through Get")
}

func TestSiblingsAreIsolated(t *testing.T) {
	template := NewScreenView("home").Set("cd1", "shared")
	a := template.Set("cd2", "a")
	b := template.Set("cd2", "b")

	assert.Equal(t, "a", a.Build()["cd2"])
	assert.Equal(t, "b", b.Build()["cd2"])
	assert.NotContains(t, template.Build(), "cd2")
}

func TestSetAllCopiesItsInput(t *testing.T) {
	in := map[string]string{"cd1": "x"}
	b := New().SetAll(in)
	in["cd1"] = "changed"
	assert.Equal(t, "x", b.Build()["cd1"])
}

func TestConcurrentTemplateUse(t *testing.T) {
	template := NewScreenView("home").SetCustomDimension(1, "shared")

	var wg sync.WaitGroup
	results := make([]types.Params, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = template.SetCustomMetric(1, int64(i)).Build()
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, "shared", r["cd1"])
		assert.Equal(t, types.Params{"t": "screenview", "cd": "home", "cd1": "shared", "cm1": strconv.Itoa(i)}, r)
	}
	assert.Equal(t, 2, template.Depth())
}

func TestFactories(t *testing.T) {
	t.Run("screen view", func(t *testing.T) {
		assert.Equal(t, types.Params{"t": "screenview", "cd": "main"}, NewScreenView("main").Build())
		assert.Equal(t, types.Params{"t": "screenview"}, NewScreenView("").Build())
	})

	t.Run("event", func(t *testing.T) {
		b, err := NewEvent("video", "play", "intro", 42)
		require.NoError(t, err)
		assert.Equal(t, types.Params{"t": "event", "ec": "video", "ea": "play", "el": "intro", "ev": "42"}, b.Build())

		b, err = NewEvent("video", "play", "", 0)
		require.NoError(t, err)
		assert.Equal(t, types.Params{"t": "event", "ec": "video", "ea": "play"}, b.Build())

		_, err = NewEvent("video", "play", "", -1)
		assert.ErrorIs(t, err, ErrNegativeValue)
		_, err = NewEvent("", "play", "", 0)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("exception", func(t *testing.T) {
		assert.Equal(t, types.Params{"t": "exception", "exd": "boom"}, NewException("boom", true).Build())
		assert.Equal(t, types.Params{"t": "exception", "exd": "boom", "exf": "0"}, NewException("boom", false).Build())
	})

	t.Run("social", func(t *testing.T) {
		b, err := NewSocialInteraction("twitter", "share", "https://example.com")
		require.NoError(t, err)
		assert.Equal(t, types.Params{"t": "social", "sn": "twitter", "sa": "share", "st": "https://example.com"}, b.Build())

		_, err = NewSocialInteraction("twitter", "", "x")
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("timing", func(t *testing.T) {
		b := NewTiming("load", "json", 1500600*time.Microsecond, "api")
		assert.Equal(t, types.Params{"t": "timing", "utc": "load", "utv": "json", "utt": "1501", "utl": "api"}, b.Build())
	})
}

func TestSessionAndInteractionFlags(t *testing.T) {
	p := NewScreenView("home").SetNewSession().SetNonInteraction().Build()
	assert.Equal(t, "start", p["sc"])
	assert.Equal(t, "1", p["ni"])
}

func TestCampaignParams(t *testing.T) {
	b, err := NewScreenView("home").SetCampaignParamsFromURL("https://example.com/landing?utm_source=news&utm_medium=email&utm_campaign=spring&gclid=abc&other=1")
	require.NoError(t, err)
	p := b.Build()
	assert.Equal(t, "news", p["cs"])
	assert.Equal(t, "email", p["cm"])
	assert.Equal(t, "spring", p["cn"])
	assert.Equal(t, "abc", p["gclid"])
	assert.NotContains(t, p, "other")

	b, err = New().SetCampaignParamsFromURL("?utm_term=shoes&utm_content=banner&dclid=d1")
	require.NoError(t, err)
	assert.Equal(t, types.Params{"ck": "shoes", "cc": "banner", "dclid": "d1"}, b.Build())

	_, err = New().SetCampaignParamsFromURL("utm_source=%zz")
	assert.Error(t, err)
}
