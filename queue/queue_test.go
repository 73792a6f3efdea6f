package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conductor/id"
	"github.com/xraph/conductor/job"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestManager_UnconfiguredQueueIsNotLimited(t *testing.T) {
	m := NewManager()
	for range 100 {
		release, err := m.Acquire(context.Background(), "any-queue", "any_class")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		release()
	}
	if n := m.InFlight("any-queue"); n != 0 {
		t.Errorf("InFlight = %d", n)
	}
}

// ---------------------------------------------------------------------------
// In-flight limits
// ---------------------------------------------------------------------------

func TestManager_MaxInFlight(t *testing.T) {
	m := NewManager(Config{Name: "emails", MaxInFlight: 2})
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "emails", "send")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m.Acquire(ctx, "emails", "send")
	if err != nil {
		t.Fatal(err)
	}
	if n := m.InFlight("emails"); n != 2 {
		t.Fatalf("InFlight = %d, want 2", n)
	}

	// A third submission waits until its context gives up.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(short, "emails", "send"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Acquire error = %v", err)
	}

	r1()
	r3, err := m.Acquire(ctx, "emails", "send")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
	r3()
	if n := m.InFlight("emails"); n != 0 {
		t.Errorf("InFlight after release = %d", n)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxInFlight: 3})

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		peak    atomic.Int32
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "q", "c")
			if err != nil {
				t.Error(err)
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 3 {
		t.Errorf("peak in flight = %d, want <= 3", p)
	}
}

// ---------------------------------------------------------------------------
// Rate limits
// ---------------------------------------------------------------------------

func TestManager_RateLimit_BurstThenThrottle(t *testing.T) {
	m := NewManager(Config{Name: "bulk", RateLimit: 1, RateBurst: 2})
	ctx := context.Background()

	for i := range 2 {
		release, err := m.Acquire(ctx, "bulk", "c")
		if err != nil {
			t.Fatalf("burst Acquire %d: %v", i, err)
		}
		release()
	}

	// The bucket is empty and refills once a second.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(short, "bulk", "c"); err == nil {
		t.Fatal("expected the third Acquire to be throttled")
	}
}

func TestManager_ClassLimitIsolation(t *testing.T) {
	m := NewManager()
	m.SetClassConfig(ClassConfig{Queue: "default", Class: "charge_card", MaxInFlight: 1})
	ctx := context.Background()

	hold, err := m.Acquire(ctx, "default", "charge_card")
	if err != nil {
		t.Fatal(err)
	}
	defer hold()

	// Other classes on the same queue are unaffected.
	other, err := m.Acquire(ctx, "default", "send_email")
	if err != nil {
		t.Fatalf("other class: %v", err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(short, "default", "charge_card"); err == nil {
		t.Fatal("expected the class limit to hold the second submission")
	}
}

func TestManager_FailedAcquireReleasesQueueSlot(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxInFlight: 1})
	m.SetClassConfig(ClassConfig{Queue: "q", Class: "slow", RateLimit: 0.001, RateBurst: 1})
	ctx := context.Background()

	// Drain the class bucket.
	release, err := m.Acquire(ctx, "q", "slow")
	if err != nil {
		t.Fatal(err)
	}
	release()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(short, "q", "slow"); err == nil {
		t.Fatal("expected throttled Acquire to fail")
	}
	if n := m.InFlight("q"); n != 0 {
		t.Errorf("queue slot leaked: InFlight = %d", n)
	}
}

func TestManager_SetQueueConfig(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxInFlight: 1})
	ctx := context.Background()

	old, err := m.Acquire(ctx, "q", "c")
	if err != nil {
		t.Fatal(err)
	}

	m.SetQueueConfig(Config{Name: "q", MaxInFlight: 2})
	a, err := m.Acquire(ctx, "q", "c")
	if err != nil {
		t.Fatalf("Acquire under new config: %v", err)
	}
	b, err := m.Acquire(ctx, "q", "c")
	if err != nil {
		t.Fatalf("second Acquire under new config: %v", err)
	}
	old()
	a()
	b()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_HoldsUntilAdmitted(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxInFlight: 1})
	mw := m.Middleware()
	spec := &job.Spec{ID: id.NewJobID(), Queue: "q", Class: "c"}

	var inside atomic.Int32
	err := mw(context.Background(), spec, func(context.Context) error {
		inside.Add(1)
		if n := m.InFlight("q"); n != 1 {
			t.Errorf("InFlight inside handler = %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if inside.Load() != 1 {
		t.Fatal("handler not called")
	}
	if n := m.InFlight("q"); n != 0 {
		t.Errorf("InFlight after handler = %d", n)
	}

	hold, _ := m.Acquire(context.Background(), "q", "c")
	defer hold()
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = mw(short, spec, func(context.Context) error {
		t.Error("handler ran past the limit")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked middleware error = %v", err)
	}
}
