package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"feedpush/internal/api"
	"feedpush/internal/bridge"
	"feedpush/internal/channel"
	"feedpush/internal/config"
	"feedpush/internal/eventbus"
	"feedpush/internal/registry"
	"feedpush/internal/subscription"
	"feedpush/pkg/logx"
)

// fakeAdapter is an in-memory transport for wiring tests.
type fakeAdapter struct {
	mu           sync.Mutex
	current      *subscription.Descriptor
	subscribes   int
	unsubscribes int
	nextURL      string
}

func (f *fakeAdapter) Transport() subscription.Transport { return subscription.TransportWebPush }

func (f *fakeAdapter) Subscribe(ctx context.Context, cfg channel.SubscribeConfig) (*subscription.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	url := f.nextURL
	if url == "" {
		url = "https://push.example/ep-1"
	}
	f.current = &subscription.Descriptor{
		Transport:  subscription.TransportWebPush,
		URL:        url,
		AuthSecret: []byte("0123456789abcdef"),
		PublicKey:  append([]byte(nil), cfg.ServerKey...),
		Encodings:  cfg.Encodings,
	}
	return f.current.Clone(), nil
}

func (f *fakeAdapter) Unsubscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	f.current = nil
	return nil
}

func (f *fakeAdapter) Current() *subscription.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone()
}

func (f *fakeAdapter) Adopt(d *subscription.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = d.Clone()
}

// feedServer serves the config and subscription endpoints and records
// submitted endpoints.
type feedServer struct {
	mu        sync.Mutex
	key       []byte
	submitted []string
}

func (fs *feedServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		key := base64.RawURLEncoding.EncodeToString(fs.key)
		fs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"vapid": map[string]string{"public_key": key},
		})
	})
	mux.HandleFunc("/api/push_subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body api.PushSubscription
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.submitted = append(fs.submitted, body.Subscription.Endpoint)
		fs.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newTestApp(t *testing.T, baseURL string, ad channel.Adapter) *App {
	t.Helper()

	cfgm := config.NewManager("unused", logx.Nop())
	raw, _ := json.Marshal(map[string]any{"server": map[string]string{"base_url": baseURL}})
	parsed, err := config.Parse("config.json", raw)
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}
	parsed.Transport.Encodings = []string{"aes128gcm"}
	if err := cfgm.Commit(parsed); err != nil {
		t.Fatalf("commit config: %v", err)
	}

	log := logx.Nop()
	client := api.New(baseURL, 2*time.Second)
	sub := registry.NewSubmitter(client, log)
	pipeline := bridge.New(bridge.Config{Budget: 2 * time.Second, Source: "agent"}, nil, nil, sub, nil, log)

	return &App{
		cfgm:      cfgm,
		log:       log,
		bus:       eventbus.New(),
		api:       client,
		adapter:   ad,
		submitter: sub,
		pipeline:  pipeline,
	}
}

func TestReconcileSubscribesFresh(t *testing.T) {
	t.Parallel()

	fs := &feedServer{key: []byte("server-key-1")}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	ad := &fakeAdapter{}
	a := newTestApp(t, srv.URL, ad)

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ad.subscribes != 1 {
		t.Fatalf("subscribes = %d, want 1", ad.subscribes)
	}
	if len(fs.submitted) != 1 {
		t.Fatalf("submitted = %v, want one endpoint", fs.submitted)
	}

	// Second pass with the same key changes nothing.
	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if ad.subscribes != 1 || ad.unsubscribes != 0 {
		t.Fatalf("stable key caused churn: subscribes=%d unsubscribes=%d", ad.subscribes, ad.unsubscribes)
	}
}

func TestReconcileRotatesOnKeyChange(t *testing.T) {
	t.Parallel()

	fs := &feedServer{key: []byte("key-one")}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	ad := &fakeAdapter{}
	a := newTestApp(t, srv.URL, ad)

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	fs.mu.Lock()
	fs.key = []byte("key-two")
	fs.mu.Unlock()
	ad.mu.Lock()
	ad.nextURL = "https://push.example/ep-2"
	ad.mu.Unlock()

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("rotation reconcile: %v", err)
	}
	if ad.unsubscribes != 1 || ad.subscribes != 2 {
		t.Fatalf("rotation path wrong: subscribes=%d unsubscribes=%d", ad.subscribes, ad.unsubscribes)
	}
	cur := ad.Current()
	if string(cur.PublicKey) != "key-two" {
		t.Fatalf("descriptor bound to %q, want key-two", cur.PublicKey)
	}
	if got := fs.submitted[len(fs.submitted)-1]; got != "https://push.example/ep-2" {
		t.Fatalf("last submitted endpoint = %q", got)
	}
}

func TestReconcileDistributorKeepsThroughKeyChange(t *testing.T) {
	t.Parallel()

	fs := &feedServer{key: []byte("any-key")}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	ad := &fakeAdapter{}
	a := newTestApp(t, srv.URL, ad)

	// A distributor descriptor carries no key material, so key changes
	// never force churn.
	ad.Adopt(&subscription.Descriptor{
		Transport: subscription.TransportDistributor,
		URL:       "https://dist.example/ep",
	})

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if ad.subscribes != 0 || ad.unsubscribes != 0 {
		t.Fatalf("distributor endpoint churned: subscribes=%d unsubscribes=%d", ad.subscribes, ad.unsubscribes)
	}
}
