// Package hitbuilder assembles Measurement Protocol parameter sets.
//
// A HitBuilder is immutable. Every mutator returns a new builder whose
// lineage is its parent's lineage plus one new frame, so one builder can be
// used as a shared template by any number of goroutines.
package hitbuilder

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/hitrelay/hitrelay/types"
)

const (
	HitTypeScreenView = "screenview"
	HitTypeEvent      = "event"
	HitTypeException  = "exception"
	HitTypeSocial     = "social"
	HitTypeTiming     = "timing"
)

var (
	ErrNegativeValue = errors.New("event value must not be negative")
	ErrMissingField  = errors.New("required field is empty")
)

type HitBuilder struct {
	data    types.Params
	lineage []*HitBuilder

	// running counts for the indexed e-commerce parameters, carried forward
	// through every derived builder
	productCount   int
	promotionCount int
	impressions    *impressionState
}

// New returns an empty builder. Most callers start from one of the typed
// constructors instead.
func New() *HitBuilder {
	return newRoot(types.Params{})
}

func newRoot(data types.Params) *HitBuilder {
	b := &HitBuilder{data: data}
	b.lineage = []*HitBuilder{b}
	return b
}

// derive returns a child of b whose own frame is data.
func (b *HitBuilder) derive(data types.Params) *HitBuilder {
	child := &HitBuilder{
		data:           data,
		productCount:   b.productCount,
		promotionCount: b.promotionCount,
		impressions:    b.impressions,
	}
	child.lineage = append(slices.Clip(b.lineage), child)
	return child
}

// NewScreenView starts a screenview hit. An empty screen name is left out.
func NewScreenView(screenName string) *HitBuilder {
	data := types.Params{"t": HitTypeScreenView}
	if screenName != "" {
		data["cd"] = screenName
	}
	return newRoot(data)
}

// NewEvent starts a custom event hit. Label is optional and a zero value is
// not sent.
func NewEvent(category, action, label string, value int64) (*HitBuilder, error) {
	if category == "" || action == "" {
		return nil, fmt.Errorf("event category and action: %w", ErrMissingField)
	}
	if value < 0 {
		return nil, fmt.Errorf("event value %d: %w", value, ErrNegativeValue)
	}
	data := types.Params{
		"t":  HitTypeEvent,
		"ec": category,
		"ea": action,
	}
	if label != "" {
		data["el"] = label
	}
	if value != 0 {
		data["ev"] = strconv.FormatInt(value, 10)
	}
	return newRoot(data), nil
}

// NewException starts an exception hit. The collector treats exceptions as
// fatal unless exf=0 is sent.
func NewException(description string, fatal bool) *HitBuilder {
	data := types.Params{"t": HitTypeException}
	if description != "" {
		data["exd"] = description
	}
	if !fatal {
		data["exf"] = "0"
	}
	return newRoot(data)
}

func NewSocialInteraction(network, action, target string) (*HitBuilder, error) {
	if network == "" || action == "" || target == "" {
		return nil, fmt.Errorf("social network, action and target: %w", ErrMissingField)
	}
	return newRoot(types.Params{
		"t":  HitTypeSocial,
		"sn": network,
		"sa": action,
		"st": target,
	}), nil
}

// NewTiming starts a user timing hit. The duration is sent in whole
// milliseconds, rounded to nearest.
func NewTiming(category, variable string, duration time.Duration, label string) *HitBuilder {
	data := types.Params{
		"t":   HitTypeTiming,
		"utt": strconv.FormatInt(duration.Round(time.Millisecond).Milliseconds(), 10),
	}
	if category != "" {
		data["utc"] = category
	}
	if variable != "" {
		data["utv"] = variable
	}
	if label != "" {
		data["utl"] = label
	}
	return newRoot(data)
}

// Get returns a value from this builder's own frame only; values set by
// ancestors are not visible.
func (b *HitBuilder) Get(key string) (string, bool) {
	v, ok := b.data[key]
	return v, ok
}

func (b *HitBuilder) Set(key, value string) *HitBuilder {
	return b.derive(types.Params{key: value})
}

func (b *HitBuilder) SetAll(params map[string]string) *HitBuilder {
	return b.derive(types.Params(params).Clone())
}

func (b *HitBuilder) SetCustomDimension(index int, dimension string) *HitBuilder {
	return b.Set("cd"+strconv.Itoa(index), dimension)
}

func (b *HitBuilder) SetCustomMetric(index int, metric int64) *HitBuilder {
	return b.Set("cm"+strconv.Itoa(index), strconv.FormatInt(metric, 10))
}

// SetNewSession forces a new session to start with this hit.
func (b *HitBuilder) SetNewSession() *HitBuilder {
	return b.Set("sc", "start")
}

func (b *HitBuilder) SetNonInteraction() *HitBuilder {
	return b.Set("ni", "1")
}

// Depth is the number of frames in the builder's lineage.
func (b *HitBuilder) Depth() int {
	return len(b.lineage)
}

// Build folds the lineage oldest to newest into a fresh parameter set; later
// frames win on key collisions.
func (b *HitBuilder) Build() types.Params {
	result := types.Params{}
	for _, ancestor := range b.lineage {
		result.Merge(ancestor.data)
	}
	return result
}
