package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	"feedpush/internal/resolve"
	"feedpush/internal/store"
	logx "feedpush/pkg/logx"
)

// fakeSender models a notification server: Send with replacesID swaps
// the visible notification in place, otherwise a new one appears.
type fakeSender struct {
	mu      sync.Mutex
	nextID  uint32
	visible map[uint32]Notification
	sends   int
}

func newFakeSender() *fakeSender {
	return &fakeSender{visible: map[uint32]Notification{}}
}

func (f *fakeSender) Send(ctx context.Context, n Notification, replacesID uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if replacesID != 0 {
		if _, ok := f.visible[replacesID]; ok {
			f.visible[replacesID] = n
			return replacesID, nil
		}
	}
	f.nextID++
	f.visible[f.nextID] = n
	return f.nextID, nil
}

func (f *fakeSender) Close(ctx context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.visible, id)
	return nil
}

func (f *fakeSender) visibleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visible)
}

func content(postID, title string) *resolve.Content {
	return &resolve.Content{
		PostID:    postID,
		Title:     title,
		FeedTitle: "Some blog",
		Snippet:   "snippet",
		ClickURL:  "https://blog.example/" + postID,
	}
}

func TestRenderTwiceSamePostCollapses(t *testing.T) {
	t.Parallel()

	fs := newFakeSender()
	r := newWithSender(fs, nil, logx.Nop())
	ctx := context.Background()

	if err := r.Render(ctx, content("42", "first")); err != nil {
		t.Fatalf("Render #1: %v", err)
	}
	if err := r.Render(ctx, content("42", "second")); err != nil {
		t.Fatalf("Render #2: %v", err)
	}

	if got := fs.visibleCount(); got != 1 {
		t.Fatalf("visible notifications = %d, want 1", got)
	}
	for _, n := range fs.visible {
		if n.Title != "second" {
			t.Fatalf("visible title = %q, want the second render to win", n.Title)
		}
	}
}

func TestRenderDistinctPostsStayDistinct(t *testing.T) {
	t.Parallel()

	fs := newFakeSender()
	r := newWithSender(fs, nil, logx.Nop())
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := r.Render(ctx, content(id, "post "+id)); err != nil {
			t.Fatalf("Render(%s): %v", id, err)
		}
	}
	if got := fs.visibleCount(); got != 3 {
		t.Fatalf("visible notifications = %d, want 3", got)
	}
}

func TestRenderCollapsesAcrossRenderers(t *testing.T) {
	t.Parallel()

	// Two renderers sharing a store stand in for two independent
	// headless activations handling duplicate deliveries of one event.
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	fs := newFakeSender()
	ctx := context.Background()

	r1 := newWithSender(fs, st, logx.Nop())
	if err := r1.Render(ctx, content("42", "first")); err != nil {
		t.Fatalf("Render via r1: %v", err)
	}

	r2 := newWithSender(fs, st, logx.Nop())
	if err := r2.Render(ctx, content("42", "second")); err != nil {
		t.Fatalf("Render via r2: %v", err)
	}

	if got := fs.visibleCount(); got != 1 {
		t.Fatalf("visible notifications = %d, want 1", got)
	}
}

func TestRenderBodyLeadsWithFeedTitle(t *testing.T) {
	t.Parallel()

	fs := newFakeSender()
	r := newWithSender(fs, nil, logx.Nop())

	if err := r.Render(context.Background(), content("42", "post")); err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, n := range fs.visible {
		if n.Body != "Some blog — snippet" {
			t.Fatalf("Body = %q", n.Body)
		}
		if n.ActionURL != "https://blog.example/42" {
			t.Fatalf("ActionURL = %q", n.ActionURL)
		}
	}
}

func TestDismissedNotificationReleasesClickTarget(t *testing.T) {
	t.Parallel()

	d := &dbusSender{
		log:  logx.Nop(),
		sent: map[uint32]string{7: "https://blog.example/42", 9: "https://blog.example/43"},
	}

	d.handleSignal(context.Background(), &dbus.Signal{
		Name: signalClosed,
		Body: []interface{}{uint32(7), uint32(2)},
	})

	d.mu.Lock()
	_, gone := d.sent[7]
	_, kept := d.sent[9]
	d.mu.Unlock()
	if gone {
		t.Fatal("dismissed notification still tracked")
	}
	if !kept {
		t.Fatal("unrelated notification dropped")
	}

	// Unrelated signals leave the map alone.
	d.handleSignal(context.Background(), &dbus.Signal{
		Name: notificationServiceIface + ".Other",
		Body: []interface{}{uint32(9)},
	})
	d.mu.Lock()
	_, kept = d.sent[9]
	d.mu.Unlock()
	if !kept {
		t.Fatal("unrelated signal dropped a tracked notification")
	}
}
