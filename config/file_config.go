package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Duration is a time.Duration that reads and writes itself as a duration
// string ("30s", "2m") in every config format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// UnmarshalFlag lets go-flags parse a Duration from the command line or env.
func (d *Duration) UnmarshalFlag(value string) error {
	return d.UnmarshalText([]byte(value))
}

// DefaultTrue is a bool that is true when it is not mentioned in the config
// at all. Use it as a pointer field with a default:"true" tag.
type DefaultTrue bool

func (dt *DefaultTrue) Get() (enabled bool) {
	if dt == nil {
		return true
	}
	return bool(*dt)
}

func (dt *DefaultTrue) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%v", dt.Get())), nil
}

func (dt *DefaultTrue) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "true", "1", "yes", "on":
		*dt = true
	case "false", "0", "no", "off":
		*dt = false
	default:
		return fmt.Errorf("invalid boolean %q", string(text))
	}
	return nil
}

type fileConfig struct {
	mainConfig    *configContents
	mainHash      string
	opts          *CmdEnv
	callbacks     []ConfigReloadCallback
	errorCallback func(error)
	mux           sync.RWMutex
}

type configContents struct {
	General           GeneralConfig           `yaml:"General"`
	Dispatch          DispatchConfig          `yaml:"Dispatch"`
	Tracking          TrackingConfig          `yaml:"Tracking"`
	Connectivity      ConnectivityConfig      `yaml:"Connectivity"`
	Settings          SettingsConfig          `yaml:"Settings"`
	Logger            LoggerConfig            `yaml:"Logger"`
	PrometheusMetrics PrometheusMetricsConfig `yaml:"PrometheusMetrics"`
	OTelMetrics       OTelMetricsConfig       `yaml:"OTelMetrics"`
	OTelTracing       OTelTracingConfig       `yaml:"OTelTracing"`
}

// GeneralConfig holds the relay's own settings. DebugServiceAddr turns on
// pprof and /debug/vars when set.
type GeneralConfig struct {
	ListenAddr       string   `yaml:"ListenAddr" default:"0.0.0.0:8089" cmdenv:"ListenAddr"`
	PropertyIDs      []string `yaml:"PropertyIDs" cmdenv:"PropertyIDs"`
	AppName          string   `yaml:"AppName" default:"hitrelay"`
	AppVersion       string   `yaml:"AppVersion"`
	ShutdownTimeout  Duration `yaml:"ShutdownTimeout" default:"15s"`
	DebugServiceAddr string   `yaml:"DebugServiceAddr" cmdenv:"DebugServiceAddr"`
}

type DispatchConfig struct {
	// Period is how often queued hits are flushed. Zero sends every hit as
	// soon as it is enqueued.
	Period            Duration     `yaml:"Period" default:"0s" cmdenv:"DispatchPeriod"`
	Throttling        bool         `yaml:"Throttling"`
	BucketCapacity    float64      `yaml:"BucketCapacity" default:"60"`
	BucketFillRate    float64      `yaml:"BucketFillRate" default:"0.5"`
	Secure            *DefaultTrue `yaml:"Secure" default:"true"`
	Debug             bool         `yaml:"Debug" cmdenv:"Debug"`
	UsePost           *DefaultTrue `yaml:"UsePost" default:"true"`
	BustCache         bool         `yaml:"BustCache"`
	UserAgent         string       `yaml:"UserAgent"`
	CollectHost       string       `yaml:"CollectHost" default:"http://www.google-analytics.com" cmdenv:"CollectHost"`
	SecureCollectHost string       `yaml:"SecureCollectHost" default:"https://ssl.google-analytics.com" cmdenv:"SecureCollectHost"`
	RequestTimeout    Duration     `yaml:"RequestTimeout" default:"30s"`
}

type TrackingConfig struct {
	SampleRate           float64 `yaml:"SampleRate" default:"100"`
	AnonymizeIP          bool    `yaml:"AnonymizeIP"`
	ReportUncaughtPanics bool    `yaml:"ReportUncaughtPanics"`
	ClientID             string  `yaml:"ClientID" cmdenv:"ClientID"`
	Language             string  `yaml:"Language"`
}

type ConnectivityConfig struct {
	Enabled  bool     `yaml:"Enabled"`
	ProbeURL string   `yaml:"ProbeURL" default:"https://www.google-analytics.com/"`
	Interval Duration `yaml:"Interval" default:"30s"`
	Timeout  Duration `yaml:"Timeout" default:"5s"`
}

type SettingsConfig struct {
	Type          string `yaml:"Type" default:"memory" cmdenv:"SettingsType"`
	Path          string `yaml:"Path" default:"hitrelay-settings.yaml"`
	RedisHost     string `yaml:"RedisHost" cmdenv:"RedisHost"`
	RedisUsername string `yaml:"RedisUsername"`
	RedisPassword string `yaml:"RedisPassword" cmdenv:"RedisPassword"`
	RedisDatabase int    `yaml:"RedisDatabase"`
	RedisUseTLS   bool   `yaml:"RedisUseTLS"`
	RedisPrefix   string `yaml:"RedisPrefix" default:"hitrelay"`
}

type LoggerConfig struct {
	Type   string `yaml:"Type" default:"stdout" cmdenv:"LoggerType"`
	Level  Level  `yaml:"Level" default:"warn" cmdenv:"LogLevel"`
	Format string `yaml:"Format" default:"text"`
}

type PrometheusMetricsConfig struct {
	Enabled    bool   `yaml:"Enabled"`
	ListenAddr string `yaml:"ListenAddr" default:"localhost:2112"`
}

type OTelMetricsConfig struct {
	Enabled           bool     `yaml:"Enabled"`
	APIHost           string   `yaml:"APIHost" default:"http://localhost:4318"`
	Compression       string   `yaml:"Compression" default:"gzip"`
	ReportingInterval Duration `yaml:"ReportingInterval" default:"30s"`
}

type OTelTracingConfig struct {
	Enabled    bool    `yaml:"Enabled"`
	APIHost    string  `yaml:"APIHost" default:"http://localhost:4318"`
	SampleRate float64 `yaml:"SampleRate" default:"1"`
}

// NewConfig creates a new Config object from the command line options and
// the config files they name. The errorCallback is called when a later
// reload fails; the previous config stays in effect.
func NewConfig(opts *CmdEnv, errorCallback func(error)) (Config, error) {
	mainconf, hash, err := newConfigContents(opts)
	if err != nil {
		return nil, err
	}
	if err := mainconf.validate(); err != nil {
		return nil, err
	}

	cfg := &fileConfig{
		mainConfig:    mainconf,
		mainHash:      hash,
		opts:          opts,
		errorCallback: errorCallback,
	}
	return cfg, nil
}

func newConfigContents(opts *CmdEnv) (*configContents, string, error) {
	var mainconf configContents
	hash, err := readConfigInto(&mainconf, opts.ConfigLocations, opts)
	if err != nil {
		return nil, "", err
	}
	return &mainconf, hash, nil
}

func (c *configContents) validate() error {
	if c.Dispatch.Period < 0 {
		return fmt.Errorf("Dispatch.Period must not be negative, got %v", time.Duration(c.Dispatch.Period))
	}
	if c.Dispatch.BucketCapacity < 0 || c.Dispatch.BucketFillRate < 0 {
		return fmt.Errorf("Dispatch bucket capacity and fill rate must not be negative")
	}
	if c.Tracking.SampleRate < 0 || c.Tracking.SampleRate > 100 {
		return fmt.Errorf("Tracking.SampleRate must be between 0 and 100, got %v", c.Tracking.SampleRate)
	}
	for _, host := range []string{c.Dispatch.CollectHost, c.Dispatch.SecureCollectHost} {
		u, err := url.Parse(host)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid collect host %q", host)
		}
	}
	if c.Connectivity.Enabled {
		if c.Connectivity.Interval <= 0 || c.Connectivity.Timeout <= 0 {
			return fmt.Errorf("Connectivity.Interval and Connectivity.Timeout must be positive when the monitor is enabled")
		}
	}
	switch c.Settings.Type {
	case "memory", "file":
	case "redis":
		if c.Settings.RedisHost == "" {
			return fmt.Errorf("Settings.RedisHost is required for the redis settings store")
		}
	default:
		return fmt.Errorf("unknown settings store type %q", c.Settings.Type)
	}
	return nil
}

func (f *fileConfig) Reload() {
	mainconf, hash, err := newConfigContents(f.opts)
	if err == nil {
		err = mainconf.validate()
	}
	if err != nil {
		if f.errorCallback != nil {
			f.errorCallback(err)
		}
		return
	}

	f.mux.Lock()
	if hash == f.mainHash {
		f.mux.Unlock()
		return
	}
	f.mainConfig = mainconf
	f.mainHash = hash
	callbacks := f.callbacks
	f.mux.Unlock()

	for _, cb := range callbacks {
		cb(hash)
	}
}

func (f *fileConfig) RegisterReloadCallback(cb ConfigReloadCallback) {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.callbacks = append(f.callbacks, cb)
}

func (f *fileConfig) GetHash() string {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainHash
}

func (f *fileConfig) GetListenAddr() string {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.General.ListenAddr
}

func (f *fileConfig) GetGeneralConfig() GeneralConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.General
}

func (f *fileConfig) GetDispatchConfig() DispatchConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Dispatch
}

func (f *fileConfig) GetTrackingConfig() TrackingConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Tracking
}

func (f *fileConfig) GetConnectivityConfig() ConnectivityConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Connectivity
}

func (f *fileConfig) GetSettingsConfig() SettingsConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Settings
}

func (f *fileConfig) GetLoggerType() string {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Logger.Type
}

func (f *fileConfig) GetLoggerLevel() Level {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Logger.Level
}

func (f *fileConfig) GetLoggerConfig() LoggerConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.Logger
}

func (f *fileConfig) GetPrometheusMetricsConfig() PrometheusMetricsConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.PrometheusMetrics
}

func (f *fileConfig) GetOTelMetricsConfig() OTelMetricsConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.OTelMetrics
}

func (f *fileConfig) GetOTelTracingConfig() OTelTracingConfig {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.mainConfig.OTelTracing
}

func (f *fileConfig) GetShutdownTimeout() time.Duration {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return time.Duration(f.mainConfig.General.ShutdownTimeout)
}
