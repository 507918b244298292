// Package shutdown turns termination signals into a callback.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
)

// OnSignal runs fn on its own goroutine the first time the process is asked
// to stop. The returned func unregisters the handler; fn does not run after it
// returns.
func OnSignal(fn func(os.Signal)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			fn(sig)
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
