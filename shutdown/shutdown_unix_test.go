//go:build !windows

package shutdown

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestOnSignal(t *testing.T) {
	got := make(chan os.Signal, 1)
	stop := OnSignal(func(sig os.Signal) { got <- sig })
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Skip(err)
	}
	select {
	case sig := <-got:
		if sig != syscall.SIGHUP {
			t.Errorf("got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestStopUnregisters(t *testing.T) {
	called := make(chan struct{}, 1)
	stop := OnSignal(func(os.Signal) { called <- struct{}{} })
	stop()
	stop()
	select {
	case <-called:
		t.Fatal("handler ran after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
