// Package tracker turns per-call hit parameters into complete hits for one
// property and hands them to the dispatch engine.
package tracker

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/sample"
	"github.com/hitrelay/hitrelay/types"
)

var (
	ErrEmptyPropertyID = errors.New("tracker has no property id")
	ErrInvalidRate     = errors.New("sample rate must be between 0 and 100")
)

// HitSink accepts finished hits. *dispatch.Engine and *Manager both
// implement it.
type HitSink interface {
	EnqueueHit(params types.Params)
}

// Fields are the identity and session values a tracker adds to every hit.
// Empty strings, zero numbers and nil dimensions are not sent.
type Fields struct {
	ClientID          string
	UserID            string
	AppName           string
	AppVersion        string
	AppID             string
	AppInstallerID    string
	ScreenName        string
	AnonymizeIP       bool
	ScreenResolution  *platform.Dimensions
	ViewportSize      *platform.Dimensions
	Language          string
	ScreenColors      int
	Referrer          string
	Encoding          string
	IPOverride        string
	UserAgentOverride string
	HostName          string
	Page              string
	Title             string
	ExperimentID      string
	ExperimentVariant string
	LocationOverride  string
	DataSource        string
}

// params renders the fields in the order they are merged; a later entry
// would win a key collision.
func (f Fields) params() types.Params {
	p := types.Params{}
	set := func(key, value string) {
		if value != "" {
			p[key] = value
		}
	}
	set("an", f.AppName)
	set("av", f.AppVersion)
	set("aid", f.AppID)
	set("aiid", f.AppInstallerID)
	set("cd", f.ScreenName)
	if f.AnonymizeIP {
		p["aip"] = "1"
	}
	if f.ScreenResolution != nil {
		p["sr"] = f.ScreenResolution.String()
	}
	if f.ViewportSize != nil {
		p["vp"] = f.ViewportSize.String()
	}
	set("ul", f.Language)
	if f.ScreenColors != 0 {
		p["sd"] = strconv.Itoa(f.ScreenColors) + "-bits"
	}
	set("dr", f.Referrer)
	set("de", f.Encoding)
	set("uip", f.IPOverride)
	set("ua", f.UserAgentOverride)
	set("dh", f.HostName)
	set("dp", f.Page)
	set("dt", f.Title)
	set("xid", f.ExperimentID)
	set("xvar", f.ExperimentVariant)
	set("geoid", f.LocationOverride)
	set("uid", f.UserID)
	set("ds", f.DataSource)
	return p
}

// Tracker holds everything that is the same across the hits of one
// property: identity fields, sticky parameters and the sample rate.
type Tracker struct {
	propertyID string
	sink       HitSink
	provider   platform.Provider

	mut         sync.RWMutex
	fields      Fields
	sticky      types.Params
	sampler     *sample.DeterministicSampler
	unsubscribe func()
}

// New returns a tracker that reports to sink. The sample rate starts at
// 100.
func New(propertyID string, sink HitSink) *Tracker {
	return &Tracker{
		propertyID: propertyID,
		sink:       sink,
		sticky:     types.Params{},
		sampler:    sample.NewDeterministicSampler(100),
	}
}

// NewWithPlatform returns a tracker whose client id, language and display
// fields come from provider, and which follows the provider's viewport and
// screen changes until Close is called.
func NewWithPlatform(propertyID string, sink HitSink, provider platform.Provider) *Tracker {
	t := New(propertyID, sink)
	t.provider = provider

	t.fields.ClientID = provider.AnonymousClientID()
	t.fields.ScreenColors = provider.ScreenColors()
	t.fields.Language = provider.UserLanguage()
	if d, ok := provider.ScreenResolution(); ok {
		t.fields.ScreenResolution = &d
	}
	if d, ok := provider.ViewportResolution(); ok {
		t.fields.ViewportSize = &d
	}
	t.unsubscribe = provider.Subscribe(t.platformChanged)
	return t
}

func (t *Tracker) platformChanged(c platform.Change) {
	var d platform.Dimensions
	var ok bool
	switch c {
	case platform.ViewportChanged:
		d, ok = t.provider.ViewportResolution()
	case platform.ScreenChanged:
		d, ok = t.provider.ScreenResolution()
	default:
		return
	}

	var dim *platform.Dimensions
	if ok {
		dim = &d
	}
	t.mut.Lock()
	defer t.mut.Unlock()
	if c == platform.ViewportChanged {
		t.fields.ViewportSize = dim
	} else {
		t.fields.ScreenResolution = dim
	}
}

// Close stops following platform changes.
func (t *Tracker) Close() {
	t.mut.Lock()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mut.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (t *Tracker) PropertyID() string {
	return t.propertyID
}

// Fields returns a copy of the tracker's identity fields.
func (t *Tracker) Fields() Fields {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.fields
}

// UpdateFields changes identity fields under the tracker's lock.
func (t *Tracker) UpdateFields(fn func(*Fields)) {
	t.mut.Lock()
	defer t.mut.Unlock()
	fn(&t.fields)
}

func (t *Tracker) SetClientID(clientID string) {
	t.UpdateFields(func(f *Fields) { f.ClientID = clientID })
}

func (t *Tracker) ClientID() string {
	return t.Fields().ClientID
}

// Set adds a parameter to every later hit. Per-call parameters still win.
func (t *Tracker) Set(key, value string) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.sticky[key] = value
}

func (t *Tracker) Get(key string) (string, bool) {
	t.mut.RLock()
	defer t.mut.RUnlock()
	v, ok := t.sticky[key]
	return v, ok
}

// SetSampleRate sets the percentage of clients whose hits are sent.
func (t *Tracker) SetSampleRate(rate float64) error {
	if rate < 0 || rate > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	t.mut.Lock()
	defer t.mut.Unlock()
	t.sampler = sample.NewDeterministicSampler(rate)
	return nil
}

func (t *Tracker) SampleRate() float64 {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.sampler.SampleRate
}

// Assemble merges params with the tracker's state. Protocol version,
// property id and client id go first, then the identity fields, then the
// sticky parameters, then params; later values replace earlier ones.
func (t *Tracker) Assemble(params types.Params) types.Params {
	t.mut.RLock()
	defer t.mut.RUnlock()

	result := types.Params{
		types.ParamProtocolVersion: "1",
		types.ParamPropertyID:      t.propertyID,
	}
	if t.fields.ClientID != "" {
		result[types.ParamClientID] = t.fields.ClientID
	}
	result.Merge(t.fields.params())
	result.Merge(t.sticky)
	result.Merge(params)
	return result
}

// Send completes params and enqueues the hit unless this client is sampled
// out. Without a property id nothing is sent and ErrEmptyPropertyID is
// returned.
func (t *Tracker) Send(params types.Params) error {
	if t.propertyID == "" {
		return ErrEmptyPropertyID
	}
	if t.provider != nil {
		t.provider.OnTracking()
	}

	t.mut.RLock()
	keep := t.sampler.Keep(t.fields.ClientID)
	t.mut.RUnlock()
	if !keep {
		return nil
	}
	t.sink.EnqueueHit(t.Assemble(params))
	return nil
}
