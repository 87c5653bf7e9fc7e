package config

import (
	"fmt"
	"strings"
)

// Level is a logging level as written in config files and flags.
type Level int

const (
	UnknownLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = []string{"unknown", "debug", "info", "warn", "error"}

func ParseLevel(s string) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range levelNames {
		if n == name {
			return Level(i)
		}
	}
	return UnknownLevel
}

func (l Level) String() string {
	if l <= UnknownLevel || int(l) >= len(levelNames) {
		return levelNames[UnknownLevel]
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	*l = ParseLevel(string(text))
	if *l == UnknownLevel {
		return fmt.Errorf("unknown logging level %q", string(text))
	}
	return nil
}

// UnmarshalFlag lets go-flags parse --log-level.
func (l *Level) UnmarshalFlag(value string) error {
	return l.UnmarshalText([]byte(value))
}
