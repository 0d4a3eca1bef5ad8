package irex

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestWatchSignalsGracefulTimeoutExitCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	exitCh := make(chan int, 1)
	go watchSignals(ctx, cancel, sigs, func(code int) { exitCh <- code })

	sigs <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled after the first signal")
	}

	select {
	case code := <-exitCh:
		if code != 130 {
			t.Errorf("exit code after grace period = %d, want 130", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no exit after the graceful shutdown grace period")
	}
}

func TestWatchSignalsSecondInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	exitCh := make(chan int, 1)
	go watchSignals(ctx, cancel, sigs, func(code int) { exitCh <- code })

	sigs <- os.Interrupt
	time.Sleep(300 * time.Millisecond)
	sigs <- os.Interrupt

	select {
	case code := <-exitCh:
		if code != 130 {
			t.Errorf("exit code = %d, want 130", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no exit after the second interrupt")
	}
}

func TestWatchSignalsCriticalPhase(t *testing.T) {
	isCriticalAtomic.Store(1)
	t.Cleanup(func() { isCriticalAtomic.Store(0) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	exitCh := make(chan int, 1)
	go watchSignals(ctx, cancel, sigs, func(code int) { exitCh <- code })

	sigs <- os.Interrupt

	// The first signal must neither cancel nor exit during the critical
	// install window.
	select {
	case <-ctx.Done():
		t.Fatal("context cancelled during critical phase")
	case code := <-exitCh:
		t.Fatalf("exit(%d) on first interrupt during critical phase", code)
	case <-time.After(300 * time.Millisecond):
	}

	sigs <- os.Interrupt
	select {
	case code := <-exitCh:
		if code != 130 {
			t.Errorf("forced exit code = %d, want 130", code)
		}
	case <-time.After(time.Second):
		t.Fatal("no forced exit on second interrupt during critical phase")
	}
}
