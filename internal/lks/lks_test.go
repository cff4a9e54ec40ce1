package lks

import (
	"context"
	"testing"
	"time"
)

type fakeProber struct {
	pass map[string]bool
}

func (f fakeProber) Probe(_ context.Context, key string) bool {
	return f.pass[key]
}

func TestScheduler_NextKeyRoundRobins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, []string{"a", "b", "c"}, fakeProber{})

	want := []string{"a", "b", "c", "a"}
	for i, w := range want {
		got, err := s.NextKey(ctx)
		if err != nil {
			t.Fatalf("NextKey[%d]: %v", i, err)
		}
		if got != w {
			t.Errorf("NextKey[%d] = %q, want %q", i, got, w)
		}
	}
}

func TestScheduler_QuarantineRemovesFromRotation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, []string{"only"}, fakeProber{})

	s.Quarantine(ctx, "only")

	if _, err := s.NextKey(ctx); err == nil {
		t.Fatal("expected ErrNoActiveKeys once the sole key is quarantined")
	}
}

func TestScheduler_ReactivateOnceReinstatesPassingKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, []string{"a"}, fakeProber{pass: map[string]bool{"a": true}})

	s.Quarantine(ctx, "a")
	if _, err := s.NextKey(ctx); err == nil {
		t.Fatal("expected no active keys right after quarantine")
	}

	s.reactivateOnce(ctx)

	got, err := s.NextKey(ctx)
	if err != nil {
		t.Fatalf("NextKey after reactivation: %v", err)
	}
	if got != "a" {
		t.Errorf("NextKey after reactivation = %q, want %q", got, "a")
	}
}

func TestScheduler_ReactivateOnceSkipsFailingProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, []string{"a"}, fakeProber{pass: map[string]bool{"a": false}})

	s.Quarantine(ctx, "a")
	s.reactivateOnce(ctx)

	if _, err := s.NextKey(ctx); err == nil {
		t.Fatal("a key that fails its probe should remain quarantined")
	}
}

func TestScheduler_NextKeyHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, []string{"a"}, fakeProber{})
	cancel()

	// give the owning goroutine a moment to observe cancellation
	time.Sleep(10 * time.Millisecond)

	if _, err := s.NextKey(ctx); err == nil {
		t.Fatal("expected an error once the scheduler's context is cancelled")
	}
}
