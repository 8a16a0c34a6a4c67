package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownReverseOrder(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var order []string
	hook := func(name string) StopFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	r.Register("bus", hook("bus"))
	r.Register("audit", hook("audit"))
	r.Register("channels", hook("channels"))

	r.Shutdown(time.Second)

	want := []string{"channels", "audit", "bus"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(order), len(want))
	}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("position %d = %q, want %q", i, order[i], w)
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("once", func(context.Context) error {
		calls++
		return nil
	})
	r.Shutdown(time.Second)
	r.Shutdown(time.Second)
	if calls != 1 {
		t.Errorf("hook ran %d times, want 1", calls)
	}
}

func TestShutdownContinuesPastFailure(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	r.Register("failing", func(context.Context) error {
		return errors.New("did not stop cleanly")
	})
	r.Shutdown(time.Second)
	if !ran {
		t.Error("hook after a failing one did not run")
	}
}

func TestShutdownAbandonsOnDeadline(t *testing.T) {
	r := NewRegistry()
	ran := false
	r.Register("never_reached", func(context.Context) error {
		ran = true
		return nil
	})
	r.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	r.Shutdown(30 * time.Millisecond)
	if ran {
		t.Error("hook ran after the deadline expired")
	}
}
