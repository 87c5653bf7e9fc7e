package health

import (
	"sync"
	"time"
)

// MockHealth is a Recorder and Reporter whose answers are set directly.
type MockHealth struct {
	mutex   sync.Mutex
	isAlive bool
	isReady bool
	reports map[string]bool
}

var (
	_ Recorder = (*MockHealth)(nil)
	_ Reporter = (*MockHealth)(nil)
)

func (m *MockHealth) Register(subsystem string, timeout time.Duration) {}

func (m *MockHealth) Unregister(subsystem string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.reports, subsystem)
}

func (m *MockHealth) Ready(subsystem string, ready bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.reports == nil {
		m.reports = make(map[string]bool)
	}
	m.reports[subsystem] = ready
}

// Reported returns the last readiness a subsystem reported.
func (m *MockHealth) Reported(subsystem string) (ready, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ready, ok = m.reports[subsystem]
	return ready, ok
}

func (m *MockHealth) SetAlive(isAlive bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.isAlive = isAlive
}

func (m *MockHealth) IsAlive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isAlive
}

func (m *MockHealth) SetReady(isReady bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.isReady = isReady
}

func (m *MockHealth) IsReady() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isReady
}
