package config

import (
	"sync"
	"time"
)

// MockConfig will respond with whatever config it's set to do during
// initialization
type MockConfig struct {
	Callbacks                     []ConfigReloadCallback
	GetHashVal                    string
	GetGeneralConfigVal           GeneralConfig
	GetDispatchConfigVal          DispatchConfig
	GetTrackingConfigVal          TrackingConfig
	GetConnectivityConfigVal      ConnectivityConfig
	GetSettingsConfigVal          SettingsConfig
	GetLoggerTypeVal              string
	GetLoggerLevelVal             Level
	GetLoggerConfigVal            LoggerConfig
	GetPrometheusMetricsConfigVal PrometheusMetricsConfig
	GetOTelMetricsConfigVal       OTelMetricsConfig
	GetOTelTracingConfigVal       OTelTracingConfig

	Mux sync.RWMutex
}

// assert that MockConfig implements Config
var _ Config = (*MockConfig)(nil)

func (m *MockConfig) Reload() {
	m.Mux.RLock()
	callbacks := m.Callbacks
	hash := m.GetHashVal
	m.Mux.RUnlock()

	for _, cb := range callbacks {
		cb(hash)
	}
}

func (m *MockConfig) RegisterReloadCallback(callback ConfigReloadCallback) {
	m.Mux.Lock()
	m.Callbacks = append(m.Callbacks, callback)
	m.Mux.Unlock()
}

func (m *MockConfig) GetHash() string {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetHashVal
}

func (m *MockConfig) GetListenAddr() string {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetGeneralConfigVal.ListenAddr
}

func (m *MockConfig) GetGeneralConfig() GeneralConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetGeneralConfigVal
}

func (m *MockConfig) GetDispatchConfig() DispatchConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetDispatchConfigVal
}

func (m *MockConfig) GetTrackingConfig() TrackingConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetTrackingConfigVal
}

func (m *MockConfig) GetConnectivityConfig() ConnectivityConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetConnectivityConfigVal
}

func (m *MockConfig) GetSettingsConfig() SettingsConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetSettingsConfigVal
}

func (m *MockConfig) GetLoggerType() string {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetLoggerTypeVal
}

func (m *MockConfig) GetLoggerLevel() Level {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetLoggerLevelVal
}

func (m *MockConfig) GetLoggerConfig() LoggerConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetLoggerConfigVal
}

func (m *MockConfig) GetPrometheusMetricsConfig() PrometheusMetricsConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetPrometheusMetricsConfigVal
}

func (m *MockConfig) GetOTelMetricsConfig() OTelMetricsConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetOTelMetricsConfigVal
}

func (m *MockConfig) GetOTelTracingConfig() OTelTracingConfig {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return m.GetOTelTracingConfigVal
}

func (m *MockConfig) GetShutdownTimeout() time.Duration {
	m.Mux.RLock()
	defer m.Mux.RUnlock()

	return time.Duration(m.GetGeneralConfigVal.ShutdownTimeout)
}
