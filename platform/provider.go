// Package platform describes the device or host that hits are reported
// from.
package platform

import (
	"strconv"
	"sync"
)

// Dimensions is a width and height in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// String renders the dimensions as "WxH".
func (d Dimensions) String() string {
	return strconv.Itoa(d.Width) + "x" + strconv.Itoa(d.Height)
}

type Change int

const (
	ViewportChanged Change = iota
	ScreenChanged
)

// Provider supplies the platform facts that trackers attach to every hit.
// Zero values mean "unknown" and are not reported.
type Provider interface {
	AnonymousClientID() string
	ScreenColors() int
	ScreenResolution() (Dimensions, bool)
	ViewportResolution() (Dimensions, bool)
	UserLanguage() string
	UserAgent() string

	// OnTracking is called just before a hit is built, giving the provider a
	// chance to refresh anything that may have changed.
	OnTracking()

	// Subscribe registers fn to be told about viewport and screen changes.
	// The returned function removes the subscription.
	Subscribe(fn func(Change)) (unsubscribe func())
}

// notifier fans change notifications out to subscribers.
type notifier struct {
	mut  sync.Mutex
	next int
	subs map[int]func(Change)
}

func (n *notifier) Subscribe(fn func(Change)) func() {
	n.mut.Lock()
	defer n.mut.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(Change))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mut.Lock()
		defer n.mut.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(c Change) {
	n.mut.Lock()
	subs := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mut.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}
