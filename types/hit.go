package types

import (
	"maps"
	"time"
)

// Parameter names the dispatch path reads or writes itself. Everything else
// in a hit is opaque to the engine.
const (
	ParamProtocolVersion = "v"
	ParamPropertyID      = "tid"
	ParamClientID        = "cid"
	ParamHitType         = "t"
	ParamQueueTime       = "qt"
	ParamCacheBuster     = "z"
)

// Params is one set of Measurement Protocol parameters, keyed by parameter name.
type Params map[string]string

// Clone returns a copy of p that can be changed without affecting p.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// Merge copies every pair of other into p, overwriting existing keys.
func (p Params) Merge(other Params) {
	maps.Copy(p, other)
}

// Hit is a single tracked event waiting to be dispatched. Its parameters are
// fixed when the hit is created; the dispatcher works on copies.
type Hit struct {
	params    Params
	timestamp time.Time
}

// NewHit wraps a copy of params, stamped with the given creation time.
func NewHit(params Params, created time.Time) *Hit {
	return &Hit{
		params:    params.Clone(),
		timestamp: created,
	}
}

// Params returns a copy of the hit's parameters.
func (h *Hit) Params() Params {
	return h.params.Clone()
}

// Get returns a single parameter of the hit.
func (h *Hit) Get(key string) (string, bool) {
	v, ok := h.params[key]
	return v, ok
}

// Len is the number of parameters in the hit.
func (h *Hit) Len() int {
	return len(h.params)
}

// Timestamp is when the hit was created.
func (h *Hit) Timestamp() time.Time {
	return h.timestamp
}
