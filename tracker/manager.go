package tracker

import (
	"slices"
	"strings"
	"sync"

	"github.com/hitrelay/hitrelay/platform"
	"github.com/hitrelay/hitrelay/types"
)

// Engine is the part of the dispatch engine the manager needs.
type Engine interface {
	HitSink
	OptOut() bool
}

// Manager owns the trackers of an application, one per property id, and
// routes their hits to a single engine.
type Manager struct {
	engine   Engine
	provider platform.Provider

	mut            sync.RWMutex
	trackers       map[string]*Tracker
	defaultTracker *Tracker
}

var _ HitSink = (*Manager)(nil)

// NewManager returns a manager for engine. Trackers it creates take their
// platform fields from provider.
func NewManager(engine Engine, provider platform.Provider) *Manager {
	return &Manager{
		engine:   engine,
		provider: provider,
		trackers: make(map[string]*Tracker),
	}
}

// CreateTracker returns the tracker for propertyID, creating it on first
// use. The first tracker created becomes the default tracker.
func (m *Manager) CreateTracker(propertyID string) *Tracker {
	m.mut.Lock()
	defer m.mut.Unlock()

	if t, ok := m.trackers[propertyID]; ok {
		return t
	}
	var t *Tracker
	if m.provider != nil {
		t = NewWithPlatform(propertyID, m, m.provider)
	} else {
		t = New(propertyID, m)
	}
	m.trackers[propertyID] = t
	if m.defaultTracker == nil {
		m.defaultTracker = t
	}
	return t
}

// CloseTracker forgets t. If t was the default tracker there is no default
// until one is set or created.
func (m *Manager) CloseTracker(t *Tracker) {
	m.mut.Lock()
	if cur, ok := m.trackers[t.PropertyID()]; ok && cur == t {
		delete(m.trackers, t.PropertyID())
	}
	if m.defaultTracker == t {
		m.defaultTracker = nil
	}
	m.mut.Unlock()

	t.Close()
}

func (m *Manager) Tracker(propertyID string) (*Tracker, bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	t, ok := m.trackers[propertyID]
	return t, ok
}

// Trackers returns the open trackers ordered by property id.
func (m *Manager) Trackers() []*Tracker {
	m.mut.RLock()
	defer m.mut.RUnlock()
	out := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Tracker) int {
		return strings.Compare(a.PropertyID(), b.PropertyID())
	})
	return out
}

// DefaultTracker may be nil.
func (m *Manager) DefaultTracker() *Tracker {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.defaultTracker
}

func (m *Manager) SetDefaultTracker(t *Tracker) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.defaultTracker = t
}

// EnqueueHit forwards to the engine unless the app is opted out.
func (m *Manager) EnqueueHit(params types.Params) {
	if m.engine.OptOut() {
		return
	}
	m.engine.EnqueueHit(params)
}
