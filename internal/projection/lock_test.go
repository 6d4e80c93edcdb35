package projection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.TryLock(context.Background(), "ws")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(context.Background(), "ws"); !errors.Is(err, ErrReplayConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if other, err := l.TryLock(context.Background(), "other"); err != nil {
		t.Fatalf("independent workspace blocked: %v", err)
	} else {
		other()
	}
	release()
	release()
	again, err := l.TryLock(context.Background(), "ws")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	again()
}

func TestKeepAliveRenewsUntilStopped(t *testing.T) {
	var calls atomic.Int32
	stop := keepAlive(5*time.Millisecond, func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("lease renewed only %d times", calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	stop()
	n := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != n {
		t.Fatalf("renewal continued after stop: %d -> %d", n, got)
	}
}

func TestKeepAliveStopsWhenLeaseLost(t *testing.T) {
	var calls atomic.Int32
	stop := keepAlive(5*time.Millisecond, func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("timeout")
		}
		return false, nil
	})
	defer stop()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("transient error ended renewal early")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected renewal to stop once the lease was lost, got %d calls", got)
	}
}
