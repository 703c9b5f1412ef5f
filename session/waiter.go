package session

import "sync"

// Waiter parks a long-poll request until data arrives or the wait is
// superseded. Both channels close at most once.
type Waiter struct {
	dataOnce   sync.Once
	cancelOnce sync.Once
	data       chan struct{}
	canceled   chan struct{}
}

func newWaiter() *Waiter {
	return &Waiter{
		data:     make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

// Data is closed when a notification lands on the session.
func (w *Waiter) Data() <-chan struct{} { return w.data }

// Canceled is closed when a newer wait replaced this one or the session is
// being torn down.
func (w *Waiter) Canceled() <-chan struct{} { return w.canceled }

func (w *Waiter) signalData() {
	w.dataOnce.Do(func() { close(w.data) })
}

func (w *Waiter) cancel() {
	w.cancelOnce.Do(func() { close(w.canceled) })
}
