package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunTicker_InvokesFnAndStopsOnCancel(t *testing.T) {
	s := &Supervisor{log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	calls := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		s.runTicker(ctx, "test_task", 1, func(context.Context) error {
			calls <- struct{}{}
			return nil
		})
		close(done)
	}()

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("expected at least one tick within 3s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runTicker should return promptly once ctx is cancelled")
	}
}

func TestRunTicker_LogsErrorsWithoutStopping(t *testing.T) {
	s := &Supervisor{log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := make(chan struct{}, 8)
	go s.runTicker(ctx, "failing_task", 1, func(context.Context) error {
		attempts <- struct{}{}
		return errTestFailure
	})

	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(3 * time.Second):
			t.Fatal("expected repeated ticks even when fn returns an error")
		}
	}
	cancel()
}

var errTestFailure = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
