package config

import (
	"time"
)

// Config defines the interface the rest of the code uses to get items from the
// config. There are different implementations of the config using different
// backends to store the config.
type Config interface {
	// RegisterReloadCallback takes a function that will be called whenever
	// the configuration is reloaded. Consumers that cache config values on
	// startup should re-read them here.
	RegisterReloadCallback(callback ConfigReloadCallback)

	// Reload forces the config to attempt to reload its values. If the config
	// checksum has changed, the reload callbacks will be called.
	Reload()

	// GetHash returns the hash of the currently loaded config files
	GetHash() string

	// GetListenAddr returns the address and port the relay API listens on
	GetListenAddr() string

	GetGeneralConfig() GeneralConfig

	// GetDispatchConfig returns the settings for the hit dispatch engine
	GetDispatchConfig() DispatchConfig

	// GetTrackingConfig returns the settings shared by every tracker
	GetTrackingConfig() TrackingConfig

	GetConnectivityConfig() ConnectivityConfig

	// GetSettingsConfig returns the persistence backend for local settings
	// such as the opt-out flag
	GetSettingsConfig() SettingsConfig

	// GetLoggerType returns the type of the logger to use. Valid types are in
	// the logger package
	GetLoggerType() string

	// GetLoggerLevel returns the level of the logger to use.
	GetLoggerLevel() Level

	GetLoggerConfig() LoggerConfig

	// GetPrometheusMetricsConfig returns the config specific to PrometheusMetrics
	GetPrometheusMetricsConfig() PrometheusMetricsConfig

	// GetOTelMetricsConfig returns the config specific to OTelMetrics
	GetOTelMetricsConfig() OTelMetricsConfig

	GetOTelTracingConfig() OTelTracingConfig

	GetShutdownTimeout() time.Duration
}

type ConfigReloadCallback func(configHash string)
