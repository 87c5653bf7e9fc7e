package dispatch

import "github.com/hitrelay/hitrelay/types"

// Observer is told how every dispatched hit resolved. Observers are called
// from dispatch goroutines, possibly concurrently, and must not block for
// long.
type Observer interface {
	OnOutcome(outcome types.Outcome)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(outcome types.Outcome)

func (f ObserverFunc) OnOutcome(outcome types.Outcome) {
	f(outcome)
}
