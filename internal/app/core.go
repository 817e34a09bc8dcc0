package app

import (
	"time"

	"feedpush/internal/api"
	"feedpush/internal/bridge"
	"feedpush/internal/config"
	"feedpush/internal/notify"
	"feedpush/internal/registry"
	"feedpush/internal/resolve"
	"feedpush/internal/store"
	"feedpush/pkg/logx"
)

// Core is the dispatch machinery shared by the agent and the headless
// wake entrypoint: store, server client, resolver, renderer and the
// pipeline gluing them together.
type Core struct {
	Store     store.Store
	API       *api.Client
	Resolver  *resolve.Resolver
	Submitter *registry.Submitter
	Renderer  *notify.Renderer
	Pipeline  *bridge.Pipeline
}

// NewCore builds the pipeline from a loaded config. source tags audit
// entries with who dispatched ("agent" or "wake").
func NewCore(cfg *config.Config, source string, log logx.Logger) (*Core, error) {
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout(cfg),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	client := api.New(cfg.Server.BaseURL, cfg.RequestTimeout())
	resolver := resolve.New(client, cfg.ResolveTimeout(), cfg.SnippetLength(), log.With(logx.String("comp", "resolve")))
	submitter := registry.NewSubmitter(client, log.With(logx.String("comp", "registry")))
	renderer := notify.New(st, log.With(logx.String("comp", "notify")))

	pipeline := bridge.New(bridge.Config{
		Budget:    cfg.WakeBudget(),
		Source:    source,
		Encodings: cfg.Transport.Encodings,
	}, resolver, renderer, submitter, st, log.With(logx.String("comp", "bridge")))

	return &Core{
		Store:     st,
		API:       client,
		Resolver:  resolver,
		Submitter: submitter,
		Renderer:  renderer,
		Pipeline:  pipeline,
	}, nil
}

// Close releases what NewCore opened.
func (c *Core) Close() error {
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}

func busyTimeout(cfg *config.Config) time.Duration {
	d, _ := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	return d
}
