// Package settings persists small pieces of local state, such as the
// opt-out flag, across restarts.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/hitrelay/hitrelay/config"
)

// KeyAppOptOut holds the application-wide opt-out flag.
const KeyAppOptOut = "hitrelay.AppOptOut"

var ErrNotFound = errors.New("setting not found")

// Store is a string key/value store. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns ErrNotFound when the key was never set.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// GetBool reads a boolean setting. A missing key reads as def.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, nil
}

func SetBool(ctx context.Context, s Store, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}

// GetStoreImplementation picks the store named in the config.
func GetStoreImplementation(c config.Config) Store {
	var store Store
	switch c.GetSettingsConfig().Type {
	case "memory":
		store = NewMemoryStore()
	case "file":
		store = &FileStore{}
	case "redis":
		store = &RedisStore{}
	default:
		fmt.Printf("unknown settings store type %s. Exiting.\n", c.GetSettingsConfig().Type)
		os.Exit(1)
	}
	return store
}
