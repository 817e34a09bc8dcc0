// Package channel implements the per-transport subscribe/unsubscribe
// primitives. Each adapter produces transport-agnostic endpoint
// descriptors; everything above this package is transport-blind.
//
// The transport is selected exactly once at startup by capability
// probing (see Detect); nothing else in the tree switches on transport
// type.
package channel

import (
	"context"
	"fmt"

	"feedpush/internal/subscription"
	logx "feedpush/pkg/logx"
)

// SubscribeConfig carries what an adapter needs to create an endpoint.
type SubscribeConfig struct {
	// ServerKey is the server's current signing key (public bytes),
	// passed to the platform as the application-server key. Webpush
	// only; distributors never see it.
	ServerKey []byte

	// Encodings is the ordered list of accepted content encodings.
	Encodings []string
}

// Adapter is one push transport. Implementations own their platform
// state; callers treat descriptors as opaque and immutable.
type Adapter interface {
	Transport() subscription.Transport

	// Subscribe registers with the platform and returns the resulting
	// descriptor. A platform-level failure leaves the adapter
	// unsubscribed; there is no auto-retry.
	Subscribe(ctx context.Context, cfg SubscribeConfig) (*subscription.Descriptor, error)

	// Unsubscribe tears down the platform registration. Must be called
	// before re-subscribing after a key rotation; platforms reject
	// overlapping registrations.
	Unsubscribe(ctx context.Context) error

	// Current returns the active descriptor, or nil when unsubscribed.
	Current() *subscription.Descriptor

	// Adopt restores a descriptor persisted by a previous run, so the
	// platform registration survives process restarts. Descriptors for
	// a different transport are ignored.
	Adopt(d *subscription.Descriptor)
}

// TransportError marks a platform-level subscribe/unsubscribe failure.
// It is surfaced to the user as a warning and never auto-retried.
type TransportError struct {
	Transport subscription.Transport
	Op        string
	err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.err)
}

func (e *TransportError) Unwrap() error { return e.err }

// DetectConfig controls transport probing.
type DetectConfig struct {
	// GatewayURL is the webpush platform gateway. Empty disables the
	// webpush transport.
	GatewayURL string

	// Distributor is the preferred distributor name. Empty picks the
	// first one found, falling back to the bundled default.
	Distributor string

	// listDistributors overrides distributor discovery in tests.
	listDistributors func(ctx context.Context) ([]string, error)
}

// Detect probes the platform once and returns the adapter for the best
// available transport.
//
// Preference order: an on-device distributor wins over webpush, because
// distributor delivery keeps working while the agent is not running.
func Detect(ctx context.Context, cfg DetectConfig, log logx.Logger) (Adapter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	list := cfg.listDistributors
	if list == nil {
		list = listSessionDistributors
	}

	names, err := list(ctx)
	if err != nil {
		log.Debug("distributor probe failed", logx.Err(err))
	}
	if len(names) > 0 {
		name := pickDistributor(names, cfg.Distributor)
		log.Info("transport selected",
			logx.String("transport", string(subscription.TransportDistributor)),
			logx.String("distributor", name))
		return newDistributor(name, log), nil
	}

	if cfg.GatewayURL != "" {
		log.Info("transport selected",
			logx.String("transport", string(subscription.TransportWebPush)))
		return newWebPush(cfg.GatewayURL, log), nil
	}

	return nil, fmt.Errorf("no push transport available: no distributor on the bus and no gateway configured")
}

// pickDistributor prefers the configured distributor, then the bundled
// default, then whatever is first on the bus.
func pickDistributor(names []string, preferred string) string {
	if preferred != "" {
		for _, n := range names {
			if n == preferred || n == distributorPrefix+"."+preferred {
				return n
			}
		}
	}
	for _, n := range names {
		if n == defaultDistributor {
			return n
		}
	}
	return names[0]
}
