// Package transmit sends single hits to a Measurement Protocol collector.
package transmit

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/types"
)

// MaxValueLength is the longest parameter value sent, in bytes. Longer values
// are truncated rather than rejected.
const MaxValueLength = 65519

const (
	collectPath      = "/collect"
	debugCollectPath = "/debug/collect"
)

// Transmission sends one parameter set and reports what the collector said.
// An error means no response was received at all; any HTTP status, including
// errors, comes back as a Response.
type Transmission interface {
	Send(ctx context.Context, params types.Params) (*Response, error)
}

type Response struct {
	StatusCode int
	Body       string
}

// Success reports whether the collector accepted the hit.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Settings controls where and how hits are sent.
type Settings struct {
	Secure            bool
	Debug             bool
	UsePost           bool
	UserAgent         string
	CollectHost       string
	SecureCollectHost string
}

// SettingsFromConfig extracts the transmission settings from the dispatch
// section of the config.
func SettingsFromConfig(c config.DispatchConfig) Settings {
	return Settings{
		Secure:            c.Secure.Get(),
		Debug:             c.Debug,
		UsePost:           c.UsePost.Get(),
		UserAgent:         c.UserAgent,
		CollectHost:       c.CollectHost,
		SecureCollectHost: c.SecureCollectHost,
	}
}

// Endpoint picks one of the four collector URLs.
func (s Settings) Endpoint() string {
	host := s.CollectHost
	if s.Secure {
		host = s.SecureCollectHost
	}
	path := collectPath
	if s.Debug {
		path = debugCollectPath
	}
	return strings.TrimSuffix(host, "/") + path
}

// TransmitType reports which kind of endpoint these settings talk to.
func (s Settings) TransmitType() types.TransmitType {
	if s.Debug {
		return types.TransmitTypeDebug
	}
	return types.TransmitTypeCollect
}

// EncodeParams renders params as key=value pairs joined by '&'. Values are
// truncated to MaxValueLength and percent-encoded; keys are sent as is.
// Pair order follows map iteration and is not significant to the collector.
func EncodeParams(params types.Params) string {
	var sb strings.Builder
	for k, v := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(escapeValue(truncate(v, MaxValueLength)))
	}
	return sb.String()
}

// escapeValue percent-encodes everything except the unreserved characters,
// so spaces become %20 rather than '+'.
func escapeValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
