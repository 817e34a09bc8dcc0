// Package bridge composes decode, resolve and render into the one-shot
// pipeline that headless activations run.
//
// The OS may invoke the push entry point with no agent process alive.
// Each activation is an independent, unsynchronized invocation; the
// only state shared between them is the last-submitted descriptor and
// the notification id map, both owned by the store and idempotent under
// concurrent read-modify-write.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"feedpush/internal/registry"
	"feedpush/internal/resolve"
	"feedpush/internal/store"
	"feedpush/internal/subscription"
	"feedpush/internal/wake"
	logx "feedpush/pkg/logx"
)

type resolver interface {
	Resolve(ctx context.Context, ref wake.ContentRef) (*resolve.Content, error)
}

type renderer interface {
	Render(ctx context.Context, c *resolve.Content) error
}

type submitter interface {
	Submit(ctx context.Context, d *subscription.Descriptor) error
}

// Config tunes the pipeline.
type Config struct {
	// Budget bounds one whole dispatch. Background activations run
	// under a hard OS wall-clock budget; blowing it silently drops the
	// notification, so fail early instead.
	Budget time.Duration

	// Source tags audit entries ("agent" or "wake").
	Source string

	// Encodings used when a rotation has no prior descriptor to
	// inherit from.
	Encodings []string
}

// Pipeline is safe for concurrent dispatches.
type Pipeline struct {
	cfg Config
	rsv resolver
	rnd renderer
	sub submitter
	st  store.Store // may be nil
	log logx.Logger
}

func New(cfg Config, rsv resolver, rnd renderer, sub submitter, st store.Store, log logx.Logger) *Pipeline {
	if cfg.Budget <= 0 {
		cfg.Budget = 20 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "agent"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{cfg: cfg, rsv: rsv, rnd: rnd, sub: sub, st: st, log: log.With(logx.String("comp", "bridge"))}
}

// Dispatch runs one wake event start to finish. It is fire-and-forget
// from the host's perspective: every failure degrades to "no
// notification shown" and is logged, never propagated.
func (p *Pipeline) Dispatch(ctx context.Context, raw []byte) {
	started := time.Now()
	log := p.log.With(logx.String("activation", uuid.NewString()[:8]))

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	ref, err := wake.Decode(raw)
	if err != nil {
		// Malformed payloads are dropped outright; nothing downstream
		// runs.
		log.Warn("wake payload dropped", logx.Err(err))
		return
	}
	log = log.With(logx.String("post_id", ref.PostID))

	content, err := p.rsv.Resolve(ctx, ref)
	if err != nil {
		// A partial notification is worse than none; the next feed
		// sync will surface the post anyway.
		log.Warn("resolve failed, notification suppressed", logx.Err(err))
		p.audit(store.AuditEntry{
			Action: "render", PostID: ref.PostID,
			OK: false, Error: err.Error(), TookMS: ms(started),
		})
		return
	}

	if err := p.rnd.Render(ctx, content); err != nil {
		log.Warn("render failed", logx.Err(err))
		p.audit(store.AuditEntry{
			Action: "render", PostID: ref.PostID,
			OK: false, Error: err.Error(), TookMS: ms(started),
		})
		return
	}

	log.Info("notification delivered", logx.Duration("took", time.Since(started)))
	p.audit(store.AuditEntry{Action: "render", PostID: ref.PostID, OK: true, TookMS: ms(started)})
}

// OnNewEndpoint handles a distributor-pushed rotation. The new URL is
// authoritative, but a byte-identical redelivery of the last submitted
// URL must not hit the registry again.
func (p *Pipeline) OnNewEndpoint(ctx context.Context, endpoint string) {
	if endpoint == "" {
		return
	}
	log := p.log.With(logx.String("endpoint", endpoint))

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	last, hadLast := p.lastRecord(ctx)
	if hadLast && last.Endpoint == endpoint {
		log.Debug("rotation redelivery suppressed")
		return
	}

	d := &subscription.Descriptor{
		Transport: subscription.TransportDistributor,
		URL:       endpoint,
		Encodings: p.cfg.Encodings,
	}
	if hadLast {
		// The rotated endpoint supersedes the old descriptor but keeps
		// its negotiated material.
		prev := last.Descriptor()
		d.AuthSecret = prev.AuthSecret
		if len(prev.Encodings) > 0 {
			d.Encodings = prev.Encodings
		}
	}

	err := p.sub.Submit(ctx, d)
	p.audit(store.AuditEntry{
		Action: "rotate", Endpoint: endpoint,
		OK: err == nil, Error: errString(err),
	})
	if err != nil {
		// Not persisted: a redelivered rotation retries the submit.
		var se *registry.SubmitError
		if errors.As(err, &se) && se.Kind == registry.Rejected {
			log.Error("rotated endpoint rejected by registry", logx.Err(err))
		} else {
			log.Warn("rotated endpoint submit failed", logx.Err(err))
		}
		return
	}

	p.putRecord(ctx, store.FromDescriptor(d, time.Now()))
	log.Info("rotated endpoint registered")
}

// MarkSubmitted records a successful agent-side submission so later
// headless rotations de-dup against it.
func (p *Pipeline) MarkSubmitted(ctx context.Context, d *subscription.Descriptor) {
	if d == nil {
		return
	}
	p.putRecord(ctx, store.FromDescriptor(d, time.Now()))
}

func (p *Pipeline) lastRecord(ctx context.Context) (store.DescriptorRecord, bool) {
	if p.st == nil {
		return store.DescriptorRecord{}, false
	}
	rec, ok, err := p.st.LastDescriptor(ctx)
	if err != nil {
		p.log.Debug("loading last descriptor failed", logx.Err(err))
		return store.DescriptorRecord{}, false
	}
	return rec, ok
}

func (p *Pipeline) putRecord(ctx context.Context, rec store.DescriptorRecord) {
	if p.st == nil {
		return
	}
	if err := p.st.PutLastDescriptor(ctx, rec); err != nil {
		p.log.Warn("persisting descriptor failed", logx.Err(err))
	}
}

func (p *Pipeline) audit(e store.AuditEntry) {
	if p.st == nil {
		return
	}
	e.Source = p.cfg.Source
	// Audit writes ride on a short independent timeout; a wedged store
	// must not eat the activation budget.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.st.AppendAudit(ctx, e); err != nil && !errors.Is(err, store.ErrDisabled) {
		p.log.Debug("audit append failed", logx.Err(err))
	}
}

func ms(since time.Time) int64 { return time.Since(since).Milliseconds() }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
