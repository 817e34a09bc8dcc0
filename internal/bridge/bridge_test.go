package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"feedpush/internal/resolve"
	"feedpush/internal/store"
	"feedpush/internal/subscription"
	"feedpush/internal/wake"
	logx "feedpush/pkg/logx"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	out   *resolve.Content
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, ref wake.ContentRef) (*resolve.Content, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := *f.out
	out.PostID = ref.PostID
	return &out, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	visible map[string]*resolve.Content
	err     error
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{visible: map[string]*resolve.Content{}}
}

func (f *fakeRenderer) Render(ctx context.Context, c *resolve.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.visible[c.PostID] = c
	return nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	calls     int
	endpoints []string
	err       error
}

func (f *fakeSubmitter) Submit(ctx context.Context, d *subscription.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.endpoints = append(f.endpoints, d.URL)
	return f.err
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func pipeline(rsv *fakeResolver, rnd *fakeRenderer, sub *fakeSubmitter, st store.Store) *Pipeline {
	return New(Config{Budget: time.Second, Source: "wake"}, rsv, rnd, sub, st, logx.Nop())
}

func TestDispatchRendersResolvedContent(t *testing.T) {
	t.Parallel()

	rsv := &fakeResolver{out: &resolve.Content{Title: "A post", FeedTitle: "Some blog", ClickURL: "https://x/42"}}
	rnd := newFakeRenderer()
	p := pipeline(rsv, rnd, &fakeSubmitter{}, nil)

	p.Dispatch(context.Background(), []byte(`{"id":"42"}`))

	if rsv.calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", rsv.calls)
	}
	c, ok := rnd.visible["42"]
	if !ok {
		t.Fatal("nothing rendered for post 42")
	}
	if c.Title != "A post" || c.FeedTitle != "Some blog" || c.ClickURL != "https://x/42" {
		t.Fatalf("rendered content = %+v", c)
	}
}

func TestDispatchMalformedPayloadTouchesNothing(t *testing.T) {
	t.Parallel()

	rsv := &fakeResolver{out: &resolve.Content{}}
	rnd := newFakeRenderer()
	p := pipeline(rsv, rnd, &fakeSubmitter{}, nil)

	for _, raw := range []string{"", "not json", `{"title":"no id"}`} {
		p.Dispatch(context.Background(), []byte(raw))
	}

	if rsv.calls != 0 {
		t.Fatalf("resolver calls = %d, want 0", rsv.calls)
	}
	if len(rnd.visible) != 0 {
		t.Fatalf("rendered = %d, want 0", len(rnd.visible))
	}
}

func TestDispatchResolveFailureSuppressesRender(t *testing.T) {
	t.Parallel()

	rsv := &fakeResolver{err: errors.New("post gone")}
	rnd := newFakeRenderer()
	p := pipeline(rsv, rnd, &fakeSubmitter{}, testStore(t))

	p.Dispatch(context.Background(), []byte(`{"id":"42"}`))

	if len(rnd.visible) != 0 {
		t.Fatalf("rendered = %d, want 0", len(rnd.visible))
	}
}

func TestOnNewEndpointSubmitsAndPersists(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	st := testStore(t)
	p := pipeline(&fakeResolver{}, newFakeRenderer(), sub, st)
	ctx := context.Background()

	p.OnNewEndpoint(ctx, "https://up.example/ep/1")

	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, want 1", sub.calls)
	}
	rec, ok, err := st.LastDescriptor(ctx)
	if err != nil || !ok {
		t.Fatalf("LastDescriptor = ok=%v err=%v", ok, err)
	}
	if rec.Endpoint != "https://up.example/ep/1" || rec.Transport != string(subscription.TransportDistributor) {
		t.Fatalf("persisted record = %+v", rec)
	}
}

func TestOnNewEndpointRedeliverySuppressed(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	p := pipeline(&fakeResolver{}, newFakeRenderer(), sub, testStore(t))
	ctx := context.Background()

	p.OnNewEndpoint(ctx, "https://up.example/ep/1")
	p.OnNewEndpoint(ctx, "https://up.example/ep/1") // byte-identical redelivery

	if sub.calls != 1 {
		t.Fatalf("submit calls = %d, want 1 (redelivery must be suppressed)", sub.calls)
	}

	p.OnNewEndpoint(ctx, "https://up.example/ep/2") // genuine rotation
	if sub.calls != 2 {
		t.Fatalf("submit calls = %d, want 2 after genuine rotation", sub.calls)
	}
}

func TestOnNewEndpointFailedSubmitRetriesOnRedelivery(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{err: errors.New("connection refused")}
	st := testStore(t)
	p := pipeline(&fakeResolver{}, newFakeRenderer(), sub, st)
	ctx := context.Background()

	p.OnNewEndpoint(ctx, "https://up.example/ep/1")
	if _, ok, _ := st.LastDescriptor(ctx); ok {
		t.Fatal("failed submit must not be recorded as last-submitted")
	}

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()

	p.OnNewEndpoint(ctx, "https://up.example/ep/1")
	if sub.calls != 2 {
		t.Fatalf("submit calls = %d, want 2 (redelivery after failure retries)", sub.calls)
	}
	if _, ok, _ := st.LastDescriptor(ctx); !ok {
		t.Fatal("successful submit not recorded")
	}
}

func TestOnNewEndpointInheritsPriorMaterial(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	st := testStore(t)
	p := pipeline(&fakeResolver{}, newFakeRenderer(), sub, st)
	ctx := context.Background()

	p.MarkSubmitted(ctx, &subscription.Descriptor{
		Transport:  subscription.TransportDistributor,
		URL:        "https://up.example/ep/1",
		AuthSecret: []byte{9, 9},
		Encodings:  []string{"aes128gcm"},
	})

	p.OnNewEndpoint(ctx, "https://up.example/ep/2")

	rec, ok, _ := st.LastDescriptor(ctx)
	if !ok || rec.Endpoint != "https://up.example/ep/2" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.AuthSecret) != 2 || len(rec.Encodings) != 1 {
		t.Fatalf("material not inherited: %+v", rec)
	}
}

func TestConcurrentDuplicateWakes(t *testing.T) {
	t.Parallel()

	rsv := &fakeResolver{out: &resolve.Content{Title: "t", ClickURL: "https://x"}}
	rnd := newFakeRenderer()
	p := pipeline(rsv, rnd, &fakeSubmitter{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Dispatch(context.Background(), []byte(`{"id":"42"}`))
		}()
	}
	wg.Wait()

	if len(rnd.visible) != 1 {
		t.Fatalf("visible = %d, want 1 (idempotent by post id)", len(rnd.visible))
	}
}
