package platform

import "sync"

// StaticProvider reports whatever it was last told. Setting the viewport or
// screen notifies subscribers.
type StaticProvider struct {
	notifier

	mut        sync.RWMutex
	clientID   string
	colors     int
	screen     *Dimensions
	viewport   *Dimensions
	language   string
	userAgent  string
	onTracking func()
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(clientID, language, userAgent string) *StaticProvider {
	return &StaticProvider{
		clientID:  clientID,
		language:  language,
		userAgent: userAgent,
	}
}

func (s *StaticProvider) AnonymousClientID() string {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.clientID
}

func (s *StaticProvider) ScreenColors() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.colors
}

func (s *StaticProvider) ScreenResolution() (Dimensions, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.screen == nil {
		return Dimensions{}, false
	}
	return *s.screen, true
}

func (s *StaticProvider) ViewportResolution() (Dimensions, bool) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.viewport == nil {
		return Dimensions{}, false
	}
	return *s.viewport, true
}

func (s *StaticProvider) UserLanguage() string {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.language
}

func (s *StaticProvider) UserAgent() string {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.userAgent
}

func (s *StaticProvider) OnTracking() {
	s.mut.RLock()
	fn := s.onTracking
	s.mut.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetOnTracking installs a hook run by OnTracking.
func (s *StaticProvider) SetOnTracking(fn func()) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.onTracking = fn
}

func (s *StaticProvider) SetClientID(id string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.clientID = id
}

func (s *StaticProvider) SetScreenColors(bits int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.colors = bits
}

func (s *StaticProvider) SetScreenResolution(d Dimensions) {
	s.mut.Lock()
	s.screen = &d
	s.mut.Unlock()
	s.notify(ScreenChanged)
}

func (s *StaticProvider) SetViewportResolution(d Dimensions) {
	s.mut.Lock()
	s.viewport = &d
	s.mut.Unlock()
	s.notify(ViewportChanged)
}
