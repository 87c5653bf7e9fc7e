package config

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	jsoniter "github.com/json-iterator/go"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatUnknown Format = "unknown"
	FormatYAML    Format = "yaml"
	FormatJSON    Format = "json"
	FormatTOML    Format = "toml"
)

// remoteConfigTimeout bounds fetching a config from an http(s) location.
const remoteConfigTimeout = 30 * time.Second

var formatsByExtension = map[string]Format{
	".yaml": FormatYAML,
	".yml":  FormatYAML,
	".toml": FormatTOML,
	".json": FormatJSON,
}

var formatsByMediaType = map[string]Format{
	"application/json":   FormatJSON,
	"text/json":          FormatJSON,
	"application/toml":   FormatTOML,
	"application/x-toml": FormatTOML,
	"text/toml":          FormatTOML,
	"text/x-toml":        FormatTOML,
	"application/yaml":   FormatYAML,
	"application/x-yaml": FormatYAML,
	"text/yaml":          FormatYAML,
	"text/x-yaml":        FormatYAML,
}

func formatFromFilename(filename string) Format {
	if f, ok := formatsByExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}
	return FormatUnknown
}

// formatFromResponse reads the Content-Type, ignoring parameters such as
// charset.
func formatFromResponse(resp *http.Response) Format {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return FormatUnknown
	}
	if f, ok := formatsByMediaType[mediaType]; ok {
		return f
	}
	return FormatUnknown
}

// openConfig opens a config file, or fetches it when the location is an
// http(s) URL.
func openConfig(location string) (io.ReadCloser, Format, error) {
	if location == "" {
		return nil, FormatUnknown, fmt.Errorf("empty config location")
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, FormatUnknown, err
	}
	switch u.Scheme {
	case "file", "":
		r, err := os.Open(u.Path)
		if err != nil {
			return nil, FormatUnknown, err
		}
		return r, formatFromFilename(u.Path), nil
	case "http", "https":
		ctx, cancel := context.WithTimeout(context.Background(), remoteConfigTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, FormatUnknown, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, FormatUnknown, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, FormatUnknown, fmt.Errorf("fetching config %s: %s", location, resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, FormatUnknown, fmt.Errorf("fetching config %s: %w", location, err)
		}
		format := formatFromResponse(resp)
		if format == FormatUnknown {
			format = formatFromFilename(u.Path)
		}
		return io.NopCloser(strings.NewReader(string(body))), format, nil
	default:
		return nil, FormatUnknown, fmt.Errorf("unknown scheme %q", u.Scheme)
	}
}

// decodeInto only overwrites the fields the document names, so successive
// documents layer onto the same struct.
func decodeInto(r io.Reader, format Format, into any) error {
	switch format {
	case FormatYAML:
		return yaml.NewDecoder(r).Decode(into)
	case FormatTOML:
		return toml.NewDecoder(r).Decode(into)
	case FormatJSON:
		return jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r).Decode(into)
	default:
		return fmt.Errorf("unable to determine data format")
	}
}

// readConfigInto layers every location onto dest in order, then fills zero
// values from default tags and applies command line and env overrides. The
// returned hash covers the raw bytes of all locations, so a reload is only
// acted on when one of them changed.
func readConfigInto(dest any, locations []string, opts *CmdEnv) (string, error) {
	h := md5.New()
	for _, location := range locations {
		location = strings.TrimSpace(location)
		r, format, err := openConfig(location)
		if err != nil {
			return "", err
		}
		err = decodeInto(io.TeeReader(r, h), format, dest)
		r.Close()
		if err != nil {
			return "", fmt.Errorf("loading config %s: %w", location, err)
		}
	}
	hash := hex.EncodeToString(h.Sum(nil))

	if opts == nil {
		return hash, nil
	}
	if err := defaults.Set(dest); err != nil {
		return hash, fmt.Errorf("applying config defaults: %w", err)
	}
	if err := opts.ApplyTags(reflect.ValueOf(dest)); err != nil {
		return hash, fmt.Errorf("applying command line options: %w", err)
	}
	return hash, nil
}
