package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/settings"
)

// KeyAnonymousClientID holds the generated client id of this host.
const KeyAnonymousClientID = "hitrelay.AnonymousClientId"

// HostProvider describes the process the library runs in. A host has no
// screen, so only the client id, language and user agent are reported.
// Nothing may be read from it before Start or NewHostProvider has run.
type HostProvider struct {
	Config   config.Config  `inject:""`
	Settings settings.Store `inject:""`

	*StaticProvider
}

// NewHostProvider loads the host's anonymous client id from store, creating
// and saving a random one the first time. A non-empty clientID overrides it.
func NewHostProvider(ctx context.Context, store settings.Store, clientID, appName, appVersion string) (*HostProvider, error) {
	h := &HostProvider{Settings: store}
	if err := h.load(ctx, clientID, appName, appVersion); err != nil {
		return nil, err
	}
	return h, nil
}

// Start takes the client id override from Tracking.ClientID and the user
// agent product from the General section.
func (h *HostProvider) Start() error {
	general := h.Config.GetGeneralConfig()
	return h.load(context.Background(), h.Config.GetTrackingConfig().ClientID, general.AppName, general.AppVersion)
}

func (h *HostProvider) load(ctx context.Context, clientID, appName, appVersion string) error {
	if clientID == "" {
		var err error
		clientID, err = loadOrCreateClientID(ctx, h.Settings)
		if err != nil {
			return err
		}
	}
	h.StaticProvider = NewStaticProvider(clientID, hostLanguage(), HostUserAgent(appName, appVersion))
	return nil
}

func loadOrCreateClientID(ctx context.Context, store settings.Store) (string, error) {
	id, err := store.Get(ctx, KeyAnonymousClientID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return "", fmt.Errorf("loading client id: %w", err)
	}
	id = uuid.NewString()
	if err := store.Set(ctx, KeyAnonymousClientID, id); err != nil {
		return "", fmt.Errorf("saving client id: %w", err)
	}
	return id, nil
}

// HostUserAgent builds a user agent of the form
// "app/1.0 (linux; amd64) go/1.24.0".
func HostUserAgent(appName, appVersion string) string {
	product := appName
	if appVersion != "" {
		product += "/" + appVersion
	}
	return fmt.Sprintf("%s (%s; %s) %s", product, runtime.GOOS, runtime.GOARCH, strings.Replace(runtime.Version(), "go", "go/", 1))
}

// hostLanguage turns a POSIX locale such as "en_US.UTF-8" into "en-us".
func hostLanguage() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if lang := languageTag(os.Getenv(env)); lang != "" {
			return lang
		}
	}
	return ""
}

func languageTag(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(locale, "_", "-"))
}
