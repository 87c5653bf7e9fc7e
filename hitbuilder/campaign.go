package hitbuilder

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hitrelay/hitrelay/types"
)

// campaignParams maps the query parameters used in campaign links to the
// hit parameters that carry them.
var campaignParams = map[string]string{
	"utm_campaign": "cn",
	"utm_source":   "cs",
	"utm_medium":   "cm",
	"utm_term":     "ck",
	"utm_content":  "cc",
	"utm_id":       "ci",
	"gclid":        "gclid",
	"dclid":        "dclid",
}

// SetCampaignParamsFromURL copies campaign attribution from a link into the
// hit. The argument may be a full URL or just its query string. Unknown
// query parameters are ignored.
func (b *HitBuilder) SetCampaignParamsFromURL(link string) (*HitBuilder, error) {
	query := link
	if strings.Contains(link, "://") {
		u, err := url.Parse(link)
		if err != nil {
			return nil, fmt.Errorf("parsing campaign url: %w", err)
		}
		query = u.RawQuery
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("parsing campaign query: %w", err)
	}

	data := types.Params{}
	for name, key := range campaignParams {
		if v := values.Get(name); v != "" {
			data[key] = v
		}
	}
	return b.derive(data), nil
}
