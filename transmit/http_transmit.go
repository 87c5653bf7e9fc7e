package transmit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/types"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPTransmission posts (or gets) hits to the collector over HTTP. Each Send
// is independent; any number may run at once.
type HTTPTransmission struct {
	Config config.Config `inject:""`

	// Transport is the underlying round tripper; http.DefaultTransport if nil.
	Transport http.RoundTripper
	// DefaultUserAgent is sent when the config names no user agent.
	DefaultUserAgent string

	mut      sync.RWMutex
	settings Settings
	client   *http.Client
}

var _ Transmission = (*HTTPTransmission)(nil)

// NewHTTPTransmission builds a transmission without a config, for use as a
// library.
func NewHTTPTransmission(settings Settings, transport http.RoundTripper, timeout time.Duration) *HTTPTransmission {
	h := &HTTPTransmission{Transport: transport}
	h.configure(settings, timeout)
	return h
}

func (h *HTTPTransmission) Start() error {
	if h.Config == nil {
		return nil
	}
	dc := h.Config.GetDispatchConfig()
	h.configure(SettingsFromConfig(dc), time.Duration(dc.RequestTimeout))
	h.Config.RegisterReloadCallback(h.reloadSettings)
	return nil
}

func (h *HTTPTransmission) reloadSettings(configHash string) {
	dc := h.Config.GetDispatchConfig()
	h.configure(SettingsFromConfig(dc), time.Duration(dc.RequestTimeout))
}

func (h *HTTPTransmission) configure(settings Settings, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	transport := h.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	if settings.UserAgent == "" {
		settings.UserAgent = h.DefaultUserAgent
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	h.settings = settings
	h.client = &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   timeout,
	}
}

// Settings returns the settings currently in effect.
func (h *HTTPTransmission) Settings() Settings {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return h.settings
}

// UpdateSettings replaces the settings used by later sends. Sends already in
// progress are not affected.
func (h *HTTPTransmission) UpdateSettings(fn func(*Settings)) {
	h.mut.Lock()
	defer h.mut.Unlock()
	fn(&h.settings)
}

func (h *HTTPTransmission) Send(ctx context.Context, params types.Params) (*Response, error) {
	h.mut.RLock()
	settings := h.settings
	client := h.client
	h.mut.RUnlock()

	req, err := newRequest(ctx, settings, EncodeParams(params))
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading collector response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

func newRequest(ctx context.Context, settings Settings, encoded string) (*http.Request, error) {
	endpoint := settings.Endpoint()

	var req *http.Request
	var err error
	if settings.UsePost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+encoded, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	if settings.UserAgent != "" {
		req.Header.Set("User-Agent", settings.UserAgent)
	}
	return req, nil
}
