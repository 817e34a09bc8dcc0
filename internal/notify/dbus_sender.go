package notify

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"sync"

	"github.com/godbus/dbus/v5"

	logx "feedpush/pkg/logx"
)

// See: https://specifications.freedesktop.org/notification-spec/notification-spec-latest.html
const (
	notificationServiceObj   = "/org/freedesktop/Notifications"
	notificationServiceIface = "org.freedesktop.Notifications"
	signalActionInvoked      = notificationServiceIface + ".ActionInvoked"
	signalClosed             = notificationServiceIface + ".NotificationClosed"

	defaultAction = "default"
	appName       = "feedpush"
)

// dbusSender delivers over org.freedesktop.Notifications with a
// notify-send fallback. It tracks the ids it minted so the click
// listener can tell our notifications from everyone else's.
type dbusSender struct {
	log  logx.Logger
	conn *dbus.Conn

	mu   sync.Mutex
	sent map[uint32]string // notification id -> action url
}

func newDBusSender(log logx.Logger) *dbusSender {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Warn("no session bus, notifications fall back to notify-send", logx.Err(err))
	}
	return &dbusSender{
		log:  log.With(logx.String("comp", "dbus")),
		conn: conn,
		sent: map[uint32]string{},
	}
}

func (d *dbusSender) Send(ctx context.Context, n Notification, replacesID uint32) (uint32, error) {
	if d.conn != nil {
		id, err := d.sendViaDbus(ctx, n, replacesID)
		if err == nil {
			return id, nil
		}
		d.log.Debug("dbus notify failed, trying notify-send", logx.Err(err))
	}
	return 0, d.sendViaNotifySend(ctx, n)
}

func (d *dbusSender) sendViaDbus(ctx context.Context, n Notification, replacesID uint32) (uint32, error) {
	actions := []string{}
	if n.ActionURL != "" {
		actions = append(actions, defaultAction, "Open")
	}

	hints := map[string]dbus.Variant{}
	if n.IconURL != "" {
		hints["image-path"] = dbus.MakeVariant(n.IconURL)
	}

	obj := d.conn.Object(notificationServiceIface, notificationServiceObj)
	call := obj.CallWithContext(ctx, notificationServiceIface+".Notify", 0,
		appName,
		replacesID, // same id replaces the visible notification
		"",         // app_icon
		n.Title,    // summary
		n.Body,     // body
		actions,
		hints,
		int32(0)) // expire_timeout: never

	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify response: %w", err)
	}

	d.mu.Lock()
	if replacesID != 0 {
		delete(d.sent, replacesID)
	}
	d.sent[id] = n.ActionURL
	d.mu.Unlock()

	return id, nil
}

func (d *dbusSender) sendViaNotifySend(ctx context.Context, n Notification) error {
	notifySend, err := exec.LookPath("notify-send")
	if err != nil {
		return fmt.Errorf("notify-send not installed: %w", err)
	}

	body := n.Body
	// notify-send doesn't support actions, but URLs in notifications are clickable.
	if n.ActionURL != "" {
		body += " Open: " + n.ActionURL
	}

	cmd := exec.CommandContext(ctx, notifySend, n.Title, body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %s: %w", string(out), err)
	}
	return nil
}

func (d *dbusSender) Close(ctx context.Context, id uint32) error {
	if d.conn == nil || id == 0 {
		return nil
	}
	obj := d.conn.Object(notificationServiceIface, notificationServiceObj)
	return obj.CallWithContext(ctx, notificationServiceIface+".CloseNotification", 0, id).Err
}

// Listen handles ActionInvoked signals for our notifications: open the
// click target, then dismiss. The browser decides between focusing an
// existing tab on that URL and opening a new one; we never do both.
func (d *dbusSender) Listen(ctx context.Context) error {
	if d.conn == nil {
		<-ctx.Done()
		return nil
	}

	if err := d.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notificationServiceObj),
		dbus.WithMatchInterface(notificationServiceIface),
	); err != nil {
		return fmt.Errorf("register for notification signals: %w", err)
	}
	defer func() {
		_ = d.conn.RemoveMatchSignal(
			dbus.WithMatchObjectPath(notificationServiceObj),
			dbus.WithMatchInterface(notificationServiceIface),
		)
	}()

	signals := make(chan *dbus.Signal, 10)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	for {
		select {
		case sig := <-signals:
			d.handleSignal(ctx, sig)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *dbusSender) handleSignal(ctx context.Context, sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 1 {
		return
	}
	if sig.Name == signalClosed {
		// Dismissed notifications can't be clicked anymore; forget
		// their targets.
		if id, ok := sig.Body[0].(uint32); ok {
			d.mu.Lock()
			delete(d.sent, id)
			d.mu.Unlock()
		}
		return
	}
	if sig.Name != signalActionInvoked || len(sig.Body) < 2 {
		return
	}
	id, _ := sig.Body[0].(uint32)

	d.mu.Lock()
	target, ours := d.sent[id]
	if ours {
		delete(d.sent, id)
	}
	d.mu.Unlock()
	if !ours || target == "" {
		return
	}

	if _, err := url.Parse(target); err != nil {
		d.log.Warn("invalid click target", logx.String("url", target), logx.Err(err))
		return
	}
	d.openURL(target)
	_ = d.Close(ctx, id)
}

func (d *dbusSender) openURL(target string) {
	for _, provider := range []string{"xdg-open", "x-www-browser"} {
		path, err := exec.LookPath(provider)
		if err != nil {
			continue
		}
		cmd := exec.Command(path, target)
		if err := cmd.Start(); err != nil {
			d.log.Debug("opener failed", logx.String("provider", provider), logx.Err(err))
			continue
		}
		go func() { _ = cmd.Wait() }()
		return
	}
	d.log.Warn("no browser opener available", logx.String("url", target))
}
