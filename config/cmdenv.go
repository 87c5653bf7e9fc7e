package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/jessevdk/go-flags"
)

// CmdEnv is a struct that contains all the command line options; it's
// separate from the config struct so that we can apply the command line options
// and env vars after loading the config, and so they don't have to be tied to
// the config struct. Command line options override env vars, and both of them
// override values already in the struct when ApplyTags is called.
// Default values specified in this struct are shown in the help output, but
// most default values should be specified in the config so that the defaults
// system works.
// Note that this system uses reflection to establish the relationship between
// the config struct and the command line options.
type CmdEnv struct {
	ConfigLocations   []string `short:"c" long:"config" env:"HITRELAY_CONFIG" env-delim:"," description:"config file or URL to load; may be repeated"`
	ListenAddr        string   `long:"listen-addr" env:"HITRELAY_LISTEN_ADDR" description:"address:port the relay API listens on"`
	PropertyIDs       []string `long:"property-id" env:"HITRELAY_PROPERTY_IDS" env-delim:"," description:"property id to create a tracker for; may be repeated"`
	DispatchPeriod    Duration `long:"dispatch-period" env:"HITRELAY_DISPATCH_PERIOD" description:"how often queued hits are flushed; 0 sends immediately"`
	Debug             bool     `long:"debug-endpoint" env:"HITRELAY_DEBUG_ENDPOINT" description:"send hits to the validation endpoint"`
	CollectHost       string   `long:"collect-host" env:"HITRELAY_COLLECT_HOST" description:"base URL of the plain-text collector"`
	SecureCollectHost string   `long:"secure-collect-host" env:"HITRELAY_SECURE_COLLECT_HOST" description:"base URL of the TLS collector"`
	ClientID          string   `long:"client-id" env:"HITRELAY_CLIENT_ID" description:"client id reported with every hit"`
	SettingsType      string   `long:"settings-type" env:"HITRELAY_SETTINGS_TYPE" description:"where local settings are persisted: memory, file or redis"`
	RedisHost         string   `long:"redis-host" env:"HITRELAY_REDIS_HOST" description:"redis host:port for the redis settings store"`
	RedisPassword     string   `long:"redis-password" env:"HITRELAY_REDIS_PASSWORD" description:"password for the redis settings store"`
	LoggerType        string   `long:"logger" env:"HITRELAY_LOGGER" description:"logger type: stdout or none"`
	LogLevel          Level    `long:"log-level" env:"HITRELAY_LOG_LEVEL" description:"log level: debug, info, warn or error"`
	DebugServiceAddr  string   `long:"debug-service" env:"HITRELAY_DEBUG_SERVICE" description:"address:port for pprof and /debug/vars"`
	Version           bool     `short:"v" long:"version" description:"print version number and exit"`
}

func NewCmdEnvOptions(args []string) (*CmdEnv, error) {
	opts := &CmdEnv{}

	if _, err := flags.ParseArgs(opts, args); err != nil {
		switch flagsErr := err.(type) {
		case *flags.Error:
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			return nil, err
		default:
			return nil, err
		}
	}

	return opts, nil
}

// GetField returns the reflect.Value for the field with the given name in the CmdEnvOptions struct.
func (c *CmdEnv) GetField(name string) reflect.Value {
	return reflect.ValueOf(c).Elem().FieldByName(name)
}

// ApplyTags uses reflection to apply the values from the CmdEnv struct to the given struct.
// Any field in the struct that wants to be set from the command line must have a `cmdenv` tag on it that names
// the field in the CmdEnv struct that should be used to set the value. The types must match. If the
// named field in CmdEnv is the zero value, then it will not be applied. A tag may list several
// comma-separated names; the first one that is set wins.
func (c *CmdEnv) ApplyTags(s reflect.Value) error {
	return applyCmdEnvTags(s, c)
}

type getFielder interface {
	GetField(name string) reflect.Value
}

// applyCmdEnvTags is a helper function that applies the values from the given GetFielder to the given struct.
// We do it this way to make it easier to test.
func applyCmdEnvTags(s reflect.Value, fielder getFielder) error {
	switch s.Kind() {
	case reflect.Struct:
		t := s.Type()

		for i := 0; i < s.NumField(); i++ {
			field := s.Field(i)
			fieldType := t.Field(i)

			if tag := fieldType.Tag.Get("cmdenv"); tag != "" {
				for _, name := range strings.Split(tag, ",") {
					// this field has a cmdenv tag, so apply the value from opts
					value := fielder.GetField(strings.TrimSpace(name))
					if !value.IsValid() {
						// if you get this error, you didn't specify cmdenv tags
						// correctly -- its value must be the name of a field in the struct
						return fmt.Errorf("programming error -- invalid field name: %s", name)
					}
					if !field.CanSet() {
						return fmt.Errorf("programming error -- cannot set new value for: %s", fieldType.Name)
					}

					// zero values mean the option wasn't given
					if value.IsZero() {
						continue
					}
					// ensure that the types match
					if fieldType.Type != value.Type() {
						return fmt.Errorf("programming error -- types don't match for field: %s (%v and %v)",
							fieldType.Name, fieldType.Type, value.Type())
					}
					field.Set(value)
					break
				}
			}

			// recurse into any nested structs
			err := applyCmdEnvTags(field, fielder)
			if err != nil {
				return err
			}
		}

	case reflect.Ptr:
		if !s.IsNil() {
			return applyCmdEnvTags(s.Elem(), fielder)
		}
	}
	return nil
}
