// Package schedule runs the periodic subscription recheck. Schedules are
// configured as one string that may be a cron expression, an interval, or an
// HH:MM span, normalized here before it reaches robfig/cron.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedpush/pkg/logx"
)

// Spec is a normalized schedule ready to register with the runner.
type Spec struct {
	// Expr is a robfig/cron expression, including @-descriptors. Interval
	// forms are normalized to "@every <dur>".
	Expr string
	// Every is non-zero when the input was an interval form.
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// Parse normalizes a schedule string.
//
// Accepted forms:
//   - cron expression: "*/30 * * * *", "@hourly"
//   - Go duration: "30m", "2h15m"
//   - HH:MM span: "01:30" meaning every 90 minutes
//   - explicit prefixes "cron:" and "every:" to force a reading
//
// An empty string falls back to def.
func Parse(raw string, def time.Duration) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{Expr: fmt.Sprintf("@every %s", def), Every: def}, nil
	}

	low := strings.ToLower(s)
	if rest, ok := strings.CutPrefix(low, "cron:"); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return Spec{}, fmt.Errorf("schedule: expression required after %q", "cron:")
		}
		return Spec{Expr: rest}, nil
	}
	if rest, ok := strings.CutPrefix(low, "every:"); ok {
		d, err := parseSpan(strings.TrimSpace(rest))
		if err != nil {
			return Spec{}, err
		}
		return Spec{Expr: fmt.Sprintf("@every %s", d), Every: d}, nil
	}

	// Whitespace or a leading @ can only be cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return Spec{Expr: s}, nil
	}

	d, err := parseSpan(s)
	if err != nil {
		return Spec{}, fmt.Errorf("schedule: %q is neither a cron expression, a duration, nor HH:MM", raw)
	}
	return Spec{Expr: fmt.Sprintf("@every %s", d), Every: d}, nil
}

func parseSpan(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("schedule: interval required")
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		var hh, mm int
		fmt.Sscanf(m[1], "%d", &hh)
		fmt.Sscanf(m[2], "%d", &mm)
		if mm > 59 {
			return 0, fmt.Errorf("schedule: invalid minutes in %q", s)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("schedule: interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("schedule: invalid interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule: interval must be > 0")
	}
	return d, nil
}

// Runner executes registered jobs on their schedules. A job that is still
// running when its next firing arrives is skipped, not stacked.
type Runner struct {
	log logx.Logger
	c   *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	started bool
}

func NewRunner(log logx.Logger) *Runner {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Runner{
		log:     log,
		c:       cron.New(cron.WithParser(parser)),
		running: make(map[string]bool),
	}
}

// Add registers a job. The job context is bounded by timeout when timeout > 0.
func (r *Runner) Add(ctx context.Context, name string, spec Spec, timeout time.Duration, job func(context.Context) error) error {
	_, err := r.c.AddFunc(spec.Expr, func() {
		r.fire(ctx, name, timeout, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %q for %s: %w", spec.Expr, name, err)
	}
	return nil
}

func (r *Runner) fire(ctx context.Context, name string, timeout time.Duration, job func(context.Context) error) {
	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		r.log.Debug("job still running, skipping this firing", logx.String("job", name))
		return
	}
	r.running[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running[name] = false
		r.mu.Unlock()
	}()

	jctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job panicked",
				logx.String("job", name), logx.Any("panic", rec))
		}
	}()
	if err := job(jctx); err != nil {
		r.log.Warn("job failed",
			logx.String("job", name), logx.Err(err),
			logx.Duration("took", time.Since(start)))
		return
	}
	r.log.Debug("job finished",
		logx.String("job", name), logx.Duration("took", time.Since(start)))
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.c.Start()
}

// Stop halts firing and waits for in-flight jobs started by cron to return.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	done := r.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
