package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"feedpush/pkg/logx"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		expr  string
		every time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", expr: "*/30 * * * *"},
		{name: "descriptor", raw: "@hourly", expr: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 8 * * *", expr: "0 8 * * *"},
		{name: "duration", raw: "30m", expr: "@every 30m0s", every: 30 * time.Minute},
		{name: "compound duration", raw: "2h15m", expr: "@every 2h15m0s", every: 135 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", expr: "@every 45s", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", expr: "@every 1h30m0s", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw, time.Minute)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if got.Expr != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr, tt.expr)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseEmptyUsesDefault(t *testing.T) {
	t.Parallel()

	got, err := Parse("", 30*time.Minute)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Every != 30*time.Minute {
		t.Fatalf("Every = %v, want 30m", got.Every)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"soon", "-5m", "0s", "01:75", "cron:", "every:"} {
		if _, err := Parse(raw, time.Minute); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", raw)
		}
	}
}

func TestRunnerSkipsOverlap(t *testing.T) {
	t.Parallel()

	r := NewRunner(logx.Nop())

	var mu sync.Mutex
	calls := 0
	release := make(chan struct{})
	job := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}

	// Fire directly; the first call holds the slot, the second must skip.
	done := make(chan struct{})
	go func() {
		r.fire(context.Background(), "recheck", 0, job)
		close(done)
	}()

	// Wait for the first firing to be inside the job.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first firing never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	r.fire(context.Background(), "recheck", 0, job)
	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 1 {
		t.Fatalf("overlapping firing ran, calls = %d", n)
	}

	close(release)
	<-done
}

func TestRunnerRecoversPanic(t *testing.T) {
	t.Parallel()

	r := NewRunner(logx.Nop())
	r.fire(context.Background(), "boom", 0, func(ctx context.Context) error {
		panic("bad job")
	})
	// Reaching here means the panic was contained.
}
