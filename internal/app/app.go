// Package app wires the long-lived agent together: config, logging,
// store, transport, registration and the wake pipeline.
package app

import (
	"context"
	"fmt"
	"slices"
	"time"

	"feedpush/internal/api"
	"feedpush/internal/bridge"
	"feedpush/internal/channel"
	"feedpush/internal/config"
	"feedpush/internal/eventbus"
	"feedpush/internal/notify"
	"feedpush/internal/observability/pprof"
	"feedpush/internal/registry"
	"feedpush/internal/resolve"
	"feedpush/internal/runtime/supervisor"
	"feedpush/internal/schedule"
	"feedpush/internal/store"
	"feedpush/internal/subscription"
	"feedpush/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	api       *api.Client
	adapter   channel.Adapter
	submitter *registry.Submitter
	resolver  *resolve.Resolver
	renderer  *notify.Renderer
	pipeline  *bridge.Pipeline
	runner    *schedule.Runner
	pprof     *pprof.Service

	notifyReady func(state string) // systemd sd_notify, nil outside units
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	core, err := NewCore(cfg, "agent", log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	if core.Store != nil {
		log.Info("store enabled", logx.String("driver", cfg.Store.Driver))
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       eventbus.New(),
		st:        core.Store,
		api:       core.API,
		submitter: core.Submitter,
		resolver:  core.Resolver,
		renderer:  core.Renderer,
		pipeline:  core.Pipeline,
		runner:    schedule.NewRunner(log.With(logx.String("comp", "schedule"))),
		pprof: pprof.New(pprof.Config{
			Enabled: cfg.Debug.Pprof.Enabled,
			Addr:    cfg.Debug.Pprof.Addr,
		}, log.With(logx.String("comp", "pprof"))),
	}, nil
}

// SetReadyNotifier installs the systemd readiness callback.
func (a *App) SetReadyNotifier(fn func(state string)) { a.notifyReady = fn }

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
		Journal: logx.JournalConfig{
			Enabled:    cfg.Logging.Journal.Enabled,
			MinLevel:   cfg.Logging.Journal.MinLevel,
			RatePerSec: cfg.Logging.Journal.RatePerSec,
		},
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError())
	cfg := a.cfgm.Get()

	adapter, err := channel.Detect(a.sup.Context(), channel.DetectConfig{
		GatewayURL:  cfg.Transport.Gateway,
		Distributor: cfg.Transport.Distributor,
	}, a.log)
	if err != nil {
		return err
	}
	a.adapter = adapter

	// Restore the last-submitted descriptor so the transport can pick
	// up where the previous run left off.
	if a.st != nil {
		if rec, ok, err := a.st.LastDescriptor(a.sup.Context()); err == nil && ok {
			a.adapter.Adopt(rec.Descriptor())
		}
	}

	if d, ok := adapter.(interface {
		SetHandlers(onWake func(raw []byte), onRotate func(endpoint string))
	}); ok {
		d.SetHandlers(
			func(raw []byte) {
				a.bus.Publish(eventbus.Event{Type: eventbus.TypeWake, Time: time.Now(), Data: raw})
			},
			func(endpoint string) {
				a.bus.Publish(eventbus.Event{Type: eventbus.TypeEndpointRotated, Time: time.Now(), Data: endpoint})
			},
		)
	}
	if att, ok := adapter.(interface{ Attach(context.Context) error }); ok {
		if err := att.Attach(a.sup.Context()); err != nil {
			a.log.Warn("connector attach failed", logx.Err(err))
		}
	}

	// Initial reconcile before anything is scheduled. Failure is not
	// fatal; the server may be down and the recheck will catch up.
	subCtx, cancel := context.WithTimeout(a.sup.Context(), cfg.SubscribeTimeout())
	if err := a.reconcile(subCtx); err != nil {
		a.log.Warn("initial subscription reconcile failed", logx.Err(err))
	}
	cancel()

	spec, err := schedule.Parse(cfg.Reconcile.Schedule, config.DefaultReconcileEvery)
	if err != nil {
		return err
	}
	if err := a.runner.Add(a.sup.Context(), "subscription.recheck", spec, cfg.SubscribeTimeout(), a.reconcile); err != nil {
		return err
	}
	a.runner.Start()

	// Click handling is best-effort: losing the action listener must
	// not take the agent down.
	a.sup.Go0("notify.actions", func(c context.Context) {
		if err := a.renderer.Start(c); err != nil && c.Err() == nil {
			a.log.Warn("notification action listener stopped", logx.Err(err))
		}
	})
	a.sup.Go0("events.dispatch", a.eventLoop)
	a.sup.Go0("config.watch", a.cfgm.Watch)

	if a.pprof.Enabled() {
		_ = a.pprof.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	if a.notifyReady != nil {
		a.notifyReady("READY=1")
	}
	a.log.Info("agent started", logx.String("transport", string(a.adapter.Transport())))
	return nil
}

// eventLoop serializes transport callbacks into pipeline calls so a
// wake burst and a rotation cannot race each other's store writes.
func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeWake:
				if raw, ok := e.Data.([]byte); ok {
					a.pipeline.Dispatch(ctx, raw)
				}
			case eventbus.TypeEndpointRotated:
				if endpoint, ok := e.Data.(string); ok {
					a.pipeline.OnNewEndpoint(ctx, endpoint)
				}
			}
		}
	}
}

// reconcile checks the platform subscription against the server's
// current key and repairs whatever drifted.
func (a *App) reconcile(ctx context.Context) error {
	cfg := a.cfgm.Get()

	key, err := a.api.ServerKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch server key: %w", err)
	}

	cur := a.adapter.Current()
	decision := subscription.Reconcile(cur, key)
	a.log.Debug("subscription reconcile",
		logx.String("decision", decision.String()),
		logx.Bool("subscribed", cur != nil))

	switch decision {
	case subscription.Keep:
		// Registration submits are idempotent by endpoint, so re-submit
		// when we cannot prove the server has seen this endpoint.
		if cur != nil && !a.submittedBefore(ctx, cur.URL) {
			if err := a.submitter.Submit(ctx, cur); err != nil {
				return err
			}
			a.pipeline.MarkSubmitted(ctx, cur)
		}
		return nil

	case subscription.Resubscribe:
		if err := a.adapter.Unsubscribe(ctx); err != nil {
			return fmt.Errorf("unsubscribe stale endpoint: %w", err)
		}
		fallthrough

	case subscription.SubscribeFresh:
		desc, err := a.adapter.Subscribe(ctx, channel.SubscribeConfig{
			ServerKey: key,
			Encodings: cfg.Transport.Encodings,
		})
		if err != nil {
			return err
		}
		if err := a.submitter.Submit(ctx, desc); err != nil {
			return err
		}
		a.pipeline.MarkSubmitted(ctx, desc)
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSubscriptionChanged,
			Time: time.Now(),
			Data: desc.URL,
		})
		a.log.Info("subscription established", logx.String("endpoint", desc.URL))
		return nil
	}
	return nil
}

func (a *App) submittedBefore(ctx context.Context, endpoint string) bool {
	if a.st == nil {
		return false
	}
	rec, ok, err := a.st.LastDescriptor(ctx)
	if err != nil || !ok {
		return false
	}
	return rec.Endpoint == endpoint
}

// applyConfig hot-applies what can change live. Transport, store and
// schedule settings are bound at startup; warn instead of half-applying.
func (a *App) applyConfig(old, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if old.Transport.Gateway != cfg.Transport.Gateway ||
		old.Transport.Distributor != cfg.Transport.Distributor ||
		!slices.Equal(old.Transport.Encodings, cfg.Transport.Encodings) {
		a.log.Warn("transport config changed; restart required to take effect")
	}
	if old.Store != cfg.Store {
		a.log.Warn("store config changed; restart required to take effect")
	}
	if old.Reconcile.Schedule != cfg.Reconcile.Schedule {
		a.log.Warn("reconcile schedule changed; restart required to take effect")
	}
	a.log.Info("config applied")
}

// Done is closed when the supervised context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.notifyReady != nil {
		a.notifyReady("STOPPING=1")
	}
	a.runner.Stop(ctx)
	a.pprof.Stop(ctx)
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cl, ok := a.adapter.(interface{ Close() error }); ok {
		_ = cl.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	_ = a.logs.Close()
	return err
}
