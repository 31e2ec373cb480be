package agent_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"leasepool/internal/agent"
)

func TestIdentityEnvOverride(t *testing.T) {
	t.Setenv("LEASEPOOL_AGENT_ID", "pinned-worker")
	if got := agent.Identity(); got != "pinned-worker" {
		t.Fatalf("expected pinned id, got %s", got)
	}
}

func TestIdentityGenerated(t *testing.T) {
	t.Setenv("LEASEPOOL_AGENT_ID", "")
	id := agent.Identity()
	if !strings.Contains(id, strconv.Itoa(os.Getpid())) {
		t.Fatalf("expected pid in identity: %s", id)
	}
	if other := agent.Identity(); other == id {
		t.Fatalf("expected distinct suffixes, got %s twice", id)
	}
}

func TestRunnerStopsWhenLeaseLost(t *testing.T) {
	lost := make(chan struct{})
	r := &agent.Runner{
		Interval: 5 * time.Millisecond,
		Beat: func(ctx context.Context) (bool, error) {
			return false, nil
		},
		OnLost: func() { close(lost) },
	}
	r.Start(context.Background())
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatalf("expected OnLost")
	}
	// Stop after self-stop must not hang
	r.Stop()
}

func TestRunnerSurvivesTransientErrors(t *testing.T) {
	var beats atomic.Int32
	var failures atomic.Int32
	r := &agent.Runner{
		Interval: 5 * time.Millisecond,
		Beat: func(ctx context.Context) (bool, error) {
			if beats.Add(1) == 1 {
				return false, errors.New("connection refused")
			}
			return true, nil
		},
		OnLost:  func() { t.Error("lease must not be treated as lost on error") },
		OnError: func(err error) { failures.Add(1) },
	}
	r.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for beats.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	if beats.Load() < 3 {
		t.Fatalf("expected renewals to continue past the error, got %d", beats.Load())
	}
	if failures.Load() != 1 {
		t.Fatalf("expected one reported error, got %d", failures.Load())
	}
}

func TestRunnerStopIsIdempotent(t *testing.T) {
	r := &agent.Runner{
		Interval: time.Hour,
		Beat: func(ctx context.Context) (bool, error) {
			return true, nil
		},
	}
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}

func TestRunnerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &agent.Runner{
		Interval: time.Hour,
		Beat: func(ctx context.Context) (bool, error) {
			return true, nil
		},
	}
	r.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runner did not exit on context cancel")
	}
}
