package channel

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"feedpush/internal/subscription"
	logx "feedpush/pkg/logx"
)

// webPush subscribes against a web-push platform gateway.
//
// The client side of a subscription is a P-256 ECDH keypair plus a
// 16-byte auth secret; the gateway mints the endpoint URL the server
// will later push to. The subscribe request pins user-visible delivery:
// every push must surface a notification, silent pushes are refused at
// subscribe time.
type webPush struct {
	gatewayURL string
	hc         *http.Client
	log        logx.Logger

	mu      sync.Mutex
	current *subscription.Descriptor
	privKey *ecdh.PrivateKey
}

func newWebPush(gatewayURL string, log logx.Logger) *webPush {
	return &webPush{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		hc:         &http.Client{Timeout: 15 * time.Second},
		log:        log.With(logx.String("comp", "webpush")),
	}
}

func (w *webPush) Transport() subscription.Transport { return subscription.TransportWebPush }

type gatewaySubscribeReq struct {
	ApplicationServerKey string `json:"application_server_key"`
	UserVisibleOnly      bool   `json:"user_visible_only"`
	P256dh               string `json:"p256dh"`
	Auth                 string `json:"auth"`
}

type gatewaySubscribeResp struct {
	Endpoint string `json:"endpoint"`
}

func (w *webPush) Subscribe(ctx context.Context, cfg SubscribeConfig) (*subscription.Descriptor, error) {
	if len(cfg.ServerKey) == 0 {
		return nil, &TransportError{Transport: w.Transport(), Op: "subscribe", err: fmt.Errorf("missing application-server key")}
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, &TransportError{Transport: w.Transport(), Op: "subscribe", err: err}
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, &TransportError{Transport: w.Transport(), Op: "subscribe", err: err}
	}

	req := gatewaySubscribeReq{
		ApplicationServerKey: base64.RawURLEncoding.EncodeToString(cfg.ServerKey),
		UserVisibleOnly:      true,
		P256dh:               base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:                 base64.RawURLEncoding.EncodeToString(auth),
	}
	var resp gatewaySubscribeResp
	if err := w.postJSON(ctx, http.MethodPost, w.gatewayURL+"/subscribe", req, &resp); err != nil {
		return nil, &TransportError{Transport: w.Transport(), Op: "subscribe", err: err}
	}
	if resp.Endpoint == "" {
		return nil, &TransportError{Transport: w.Transport(), Op: "subscribe", err: fmt.Errorf("gateway returned no endpoint")}
	}

	d := &subscription.Descriptor{
		Transport:  subscription.TransportWebPush,
		URL:        resp.Endpoint,
		AuthSecret: auth,
		PublicKey:  bytes.Clone(cfg.ServerKey),
		Encodings:  cfg.Encodings,
	}

	w.mu.Lock()
	w.current = d
	w.privKey = priv
	w.mu.Unlock()

	w.log.Info("subscribed", logx.String("endpoint", d.URL))
	return d.Clone(), nil
}

func (w *webPush) Unsubscribe(ctx context.Context) error {
	w.mu.Lock()
	cur := w.current
	w.mu.Unlock()
	if cur == nil {
		return nil
	}

	body := map[string]string{"endpoint": cur.URL}
	if err := w.postJSON(ctx, http.MethodDelete, w.gatewayURL+"/subscribe", body, nil); err != nil {
		return &TransportError{Transport: w.Transport(), Op: "unsubscribe", err: err}
	}

	w.mu.Lock()
	w.current = nil
	w.privKey = nil
	w.mu.Unlock()

	w.log.Info("unsubscribed", logx.String("endpoint", cur.URL))
	return nil
}

// Adopt restores a descriptor from a previous run. The client keypair is
// gone with the old process, but unsubscribing and key comparison only
// need the endpoint and the recorded server key.
func (w *webPush) Adopt(d *subscription.Descriptor) {
	if d == nil || d.Transport != subscription.TransportWebPush {
		return
	}
	w.mu.Lock()
	w.current = d.Clone()
	w.privKey = nil
	w.mu.Unlock()
}

func (w *webPush) Current() *subscription.Descriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// ClientPublicKey exposes the client's own P-256 public key bytes. The
// platform layer needs it to decrypt pushes; tests use it to check the
// keypair is live.
func (w *webPush) ClientPublicKey() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.privKey == nil {
		return nil
	}
	return w.privKey.PublicKey().Bytes()
}

func (w *webPush) postJSON(ctx context.Context, method, url string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
