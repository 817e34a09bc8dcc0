package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"feedpush/internal/subscription"
	logx "feedpush/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "agent.state")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.LastDescriptor(ctx); err != nil || ok {
		t.Fatalf("fresh store LastDescriptor = ok=%v err=%v, want absent", ok, err)
	}

	d := &subscription.Descriptor{
		Transport:  subscription.TransportWebPush,
		URL:        "https://push.example/ep/1",
		AuthSecret: []byte{1, 2},
		PublicKey:  []byte{3, 4},
		Encodings:  []string{"aes128gcm"},
	}
	now := time.Now()
	if err := st.PutLastDescriptor(ctx, FromDescriptor(d, now)); err != nil {
		t.Fatalf("PutLastDescriptor: %v", err)
	}

	rec, ok, err := st.LastDescriptor(ctx)
	if err != nil || !ok {
		t.Fatalf("LastDescriptor = ok=%v err=%v", ok, err)
	}
	got := rec.Descriptor()
	if got.URL != d.URL || got.Transport != d.Transport {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.AuthSecret, d.AuthSecret) || !bytes.Equal(got.PublicKey, d.PublicKey) {
		t.Fatal("key material did not round trip")
	}
}

func TestDescriptorSupersede(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, url := range []string{"https://push/1", "https://push/2"} {
		rec := DescriptorRecord{Transport: "distributor", Endpoint: url, SubmittedAt: time.Now()}
		if err := st.PutLastDescriptor(ctx, rec); err != nil {
			t.Fatalf("PutLastDescriptor(%s): %v", url, err)
		}
	}
	rec, ok, _ := st.LastDescriptor(ctx)
	if !ok || rec.Endpoint != "https://push/2" {
		t.Fatalf("LastDescriptor = %+v, want superseded endpoint", rec)
	}
}

func TestNotificationIDRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.NotificationID(ctx, "42"); err != nil || ok {
		t.Fatalf("fresh NotificationID = ok=%v err=%v", ok, err)
	}
	if err := st.PutNotificationID(ctx, "42", 1001); err != nil {
		t.Fatalf("PutNotificationID: %v", err)
	}
	id, ok, err := st.NotificationID(ctx, "42")
	if err != nil || !ok || id != 1001 {
		t.Fatalf("NotificationID = %d ok=%v err=%v", id, ok, err)
	}

	// Overwrite wins.
	if err := st.PutNotificationID(ctx, "42", 1002); err != nil {
		t.Fatalf("PutNotificationID overwrite: %v", err)
	}
	if id, _, _ := st.NotificationID(ctx, "42"); id != 1002 {
		t.Fatalf("NotificationID after overwrite = %d, want 1002", id)
	}
}

func TestNotificationIDSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.state")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.PutNotificationID(ctx, "42", 7); err != nil {
		t.Fatalf("PutNotificationID: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	id, ok, err := st2.NotificationID(ctx, "42")
	if err != nil || !ok || id != 7 {
		t.Fatalf("NotificationID after reopen = %d ok=%v err=%v", id, ok, err)
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.AppendAudit(context.Background(), AuditEntry{
		Source: "agent", Action: "submit",
		Endpoint: "https://push/1", OK: true, TookMS: 12,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
