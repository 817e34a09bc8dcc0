package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"feedpush/internal/subscription"
	logx "feedpush/pkg/logx"
)

const (
	distributorPrefix = "org.unifiedpush.Distributor"

	// defaultDistributor is the bundled fallback shipped alongside the
	// agent for devices with no third-party distributor installed.
	defaultDistributor = distributorPrefix + ".feedpush"

	connectorPath    = "/org/unifiedpush/Connector"
	connectorIface   = "org.unifiedpush.Connector1"
	connectorBusName = "org.unifiedpush.Connector.feedpush"

	registerMethod   = distributorPrefix + "1.Register"
	unregisterMethod = distributorPrefix + "1.Unregister"
)

// listSessionDistributors asks the session bus which distributor
// services are installed.
func listSessionDistributors(ctx context.Context) ([]string, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var names []string
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, distributorPrefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

// distributor is the OS-distributor transport. The adapter exports a
// connector object on the session bus; the distributor calls back into
// it with wake messages and endpoint rotations, including while the
// agent's primary process is not running (the wake binary exports the
// same object).
type distributor struct {
	name string
	log  logx.Logger

	mu       sync.Mutex
	conn     *dbus.Conn
	token    string
	current  *subscription.Descriptor
	pending  chan registrationOutcome
	onWake   func(raw []byte)
	onRotate func(endpoint string)
}

type registrationOutcome struct {
	endpoint string
	reason   string
	failed   bool
}

func newDistributor(name string, log logx.Logger) *distributor {
	return &distributor{
		name: name,
		log:  log.With(logx.String("comp", "distributor"), logx.String("name", name)),
	}
}

func (d *distributor) Transport() subscription.Transport { return subscription.TransportDistributor }

// SetHandlers installs the inbound event callbacks. Must be called
// before Subscribe.
func (d *distributor) SetHandlers(onWake func(raw []byte), onRotate func(endpoint string)) {
	d.mu.Lock()
	d.onWake = onWake
	d.onRotate = onRotate
	d.mu.Unlock()
}

// connector is the D-Bus object the distributor invokes.
type connector struct{ d *distributor }

func (c *connector) Message(token string, message []byte, msgID string) *dbus.Error {
	c.d.mu.Lock()
	// An empty local token means this process attached to an existing
	// registration and never saw the token it was made with.
	ok := token == c.d.token || c.d.token == ""
	h := c.d.onWake
	c.d.mu.Unlock()
	if !ok || h == nil {
		return nil
	}
	h(message)
	return nil
}

func (c *connector) NewEndpoint(token, endpoint string) *dbus.Error {
	d := c.d
	d.mu.Lock()
	if token != d.token && d.token != "" {
		d.mu.Unlock()
		return nil
	}
	pending := d.pending
	h := d.onRotate
	d.mu.Unlock()

	// During Subscribe the first NewEndpoint completes the one-shot;
	// afterwards it is a rotation event.
	if pending != nil {
		select {
		case pending <- registrationOutcome{endpoint: endpoint}:
			return nil
		default:
		}
	}
	if h != nil {
		h(endpoint)
	}
	return nil
}

func (c *connector) Unregistered(token string) *dbus.Error {
	d := c.d
	d.mu.Lock()
	if token != d.token && token != "" && d.token != "" {
		d.mu.Unlock()
		return nil
	}
	d.current = nil
	pending := d.pending
	d.mu.Unlock()

	// Arriving while Subscribe still waits on its one-shot means the
	// distributor aborted the registration instead of minting an
	// endpoint.
	if pending != nil {
		select {
		case pending <- registrationOutcome{failed: true, reason: "distributor unregistered the connector"}:
			return nil
		default:
		}
	}
	d.log.Warn("distributor unregistered us")
	return nil
}

func (d *distributor) export(conn *dbus.Conn) error {
	c := &connector{d: d}
	if err := conn.Export(c, connectorPath, connectorIface); err != nil {
		return err
	}
	return nil
}

// Adopt restores an endpoint registered by a previous run. The token is
// lost with the old process, so the connector accepts distributor
// callbacks unchecked until the next Subscribe.
func (d *distributor) Adopt(desc *subscription.Descriptor) {
	if desc == nil || desc.Transport != subscription.TransportDistributor {
		return
	}
	d.mu.Lock()
	d.current = desc.Clone()
	d.mu.Unlock()
}

// Attach connects to the session bus, claims the connector name and
// exports the connector object without registering anew. Used when an
// earlier registration is still live, and by the headless wake
// entrypoint that the bus activates to deliver a message.
func (d *distributor) Attach(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return &TransportError{Transport: d.Transport(), Op: "attach", err: err}
	}
	if err := d.export(conn); err != nil {
		conn.Close()
		return &TransportError{Transport: d.Transport(), Op: "attach", err: err}
	}
	if _, err := conn.RequestName(connectorBusName, dbus.NameFlagReplaceExisting); err != nil {
		conn.Close()
		return &TransportError{Transport: d.Transport(), Op: "attach", err: err}
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// Close drops the bus connection. The platform registration stays live;
// the next process picks it up via Adopt and Attach.
func (d *distributor) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe registers with the selected distributor. Registration
// completes asynchronously: the distributor acks the Register call and
// later delivers the endpoint via NewEndpoint, so Subscribe waits on a
// one-shot bounded by ctx.
func (d *distributor) Subscribe(ctx context.Context, cfg SubscribeConfig) (*subscription.Descriptor, error) {
	_ = cfg.ServerKey // distributors hold no client-side server key

	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: err}
	}
	if err := d.export(conn); err != nil {
		conn.Close()
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: err}
	}
	if _, err := conn.RequestName(connectorBusName, dbus.NameFlagReplaceExisting); err != nil {
		conn.Close()
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: err}
	}

	token := uuid.NewString()
	pending := make(chan registrationOutcome, 1)

	d.mu.Lock()
	d.conn = conn
	d.token = token
	d.pending = pending
	d.mu.Unlock()

	var result, reason string
	call := conn.Object(d.name, "/org/unifiedpush/Distributor").CallWithContext(
		ctx, registerMethod, 0, connectorBusName, token, "feed reader notifications")
	if call.Err != nil {
		d.teardown()
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: call.Err}
	}
	if err := call.Store(&result, &reason); err == nil && result == "REGISTRATION_FAILED" {
		d.teardown()
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: fmt.Errorf("distributor refused registration: %s", reason)}
	}

	select {
	case out := <-pending:
		if out.failed {
			d.teardown()
			return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: fmt.Errorf("registration failed: %s", out.reason)}
		}
		desc := &subscription.Descriptor{
			Transport: subscription.TransportDistributor,
			URL:       out.endpoint,
			Encodings: cfg.Encodings,
		}
		d.mu.Lock()
		d.current = desc
		d.pending = nil
		d.mu.Unlock()
		d.log.Info("subscribed", logx.String("endpoint", desc.URL))
		return desc.Clone(), nil
	case <-ctx.Done():
		d.teardown()
		return nil, &TransportError{Transport: d.Transport(), Op: "subscribe", err: ctx.Err()}
	}
}

func (d *distributor) Unsubscribe(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	token := d.token
	cur := d.current
	d.mu.Unlock()
	if conn == nil || cur == nil {
		return nil
	}

	call := conn.Object(d.name, "/org/unifiedpush/Distributor").CallWithContext(ctx, unregisterMethod, 0, token)
	if call.Err != nil {
		return &TransportError{Transport: d.Transport(), Op: "unsubscribe", err: call.Err}
	}

	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	d.log.Info("unsubscribed", logx.String("endpoint", cur.URL))
	return nil
}

func (d *distributor) Current() *subscription.Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.Clone()
}

func (d *distributor) teardown() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.pending = nil
	d.current = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
