// The wake binary is the headless activation path. The session bus
// starts it when a distributor has a message to deliver and no agent is
// running; it dispatches whatever arrives, then exits once the bus has
// gone quiet.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"feedpush/internal/app"
	"feedpush/internal/channel"
	"feedpush/internal/config"
	logx "feedpush/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		payload     string
		newEndpoint string
		linger      time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&payload, "payload", "", "dispatch one wake payload and exit ('-' reads stdin)")
	flag.StringVar(&newEndpoint, "new-endpoint", "", "record an endpoint rotation and exit")
	flag.DurationVar(&linger, "linger", 15*time.Second, "idle time before a bus-activated run exits")
	flag.Parse()

	if err := run(cfgPath, payload, newEndpoint, linger); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, payload, newEndpoint string, linger time.Duration) error {
	// No console in a bus activation; the journal is the log of record.
	log := logx.NewJournal("INFO").With(logx.String("comp", "wake"))

	cfgm := config.NewManager(cfgPath, log)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	core, err := app.NewCore(cfg, "wake", log)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WakeBudget()+linger)
	defer cancel()

	switch {
	case newEndpoint != "":
		core.Pipeline.OnNewEndpoint(ctx, newEndpoint)
		return nil

	case payload != "":
		raw := []byte(payload)
		if payload == "-" {
			raw, err = io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
		core.Pipeline.Dispatch(ctx, raw)
		return nil

	default:
		return serveBus(ctx, cfg, core, log, linger)
	}
}

// serveBus exports the connector object and dispatches everything the
// distributor hands over until the bus goes quiet.
func serveBus(ctx context.Context, cfg *config.Config, core *app.Core, log logx.Logger, linger time.Duration) error {
	adapter, err := channel.Detect(ctx, channel.DetectConfig{
		Distributor: cfg.Transport.Distributor,
	}, log)
	if err != nil {
		return err
	}

	type event struct {
		raw      []byte
		endpoint string
	}
	events := make(chan event, 16)

	d, ok := adapter.(interface {
		SetHandlers(onWake func(raw []byte), onRotate func(endpoint string))
		Attach(ctx context.Context) error
	})
	if !ok {
		return fmt.Errorf("bus activation needs a distributor transport")
	}
	d.SetHandlers(
		func(raw []byte) {
			select {
			case events <- event{raw: raw}:
			default:
				log.Warn("wake burst overflow, dropping")
			}
		},
		func(endpoint string) {
			select {
			case events <- event{endpoint: endpoint}:
			default:
			}
		},
	)
	if err := d.Attach(ctx); err != nil {
		return err
	}
	if cl, ok := adapter.(interface{ Close() error }); ok {
		defer cl.Close()
	}

	idle := time.NewTimer(linger)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			log.Debug("bus quiet, exiting")
			return nil
		case e := <-events:
			if e.endpoint != "" {
				core.Pipeline.OnNewEndpoint(ctx, e.endpoint)
			} else {
				core.Pipeline.Dispatch(ctx, e.raw)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(linger)
		}
	}
}
