package store

import (
	"errors"
	"time"

	"feedpush/internal/subscription"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", persistence is disabled and the agent
// loses rotation de-dup and cross-activation notification collapse.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DescriptorRecord is the persisted form of the last-submitted endpoint
// descriptor. It is the only state shared between the agent and
// headless wake activations, so keep it schema-stable.
type DescriptorRecord struct {
	Transport   string    `json:"transport"`
	Endpoint    string    `json:"endpoint"`
	AuthSecret  []byte    `json:"auth_secret,omitempty"`
	PublicKey   []byte    `json:"public_key,omitempty"`
	Encodings   []string  `json:"encodings,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FromDescriptor flattens a descriptor for storage.
func FromDescriptor(d *subscription.Descriptor, submittedAt time.Time) DescriptorRecord {
	return DescriptorRecord{
		Transport:   string(d.Transport),
		Endpoint:    d.URL,
		AuthSecret:  d.AuthSecret,
		PublicKey:   d.PublicKey,
		Encodings:   d.Encodings,
		SubmittedAt: submittedAt,
	}
}

// Descriptor rebuilds the in-memory descriptor.
func (r DescriptorRecord) Descriptor() *subscription.Descriptor {
	return &subscription.Descriptor{
		Transport:  subscription.Transport(r.Transport),
		URL:        r.Endpoint,
		AuthSecret: r.AuthSecret,
		PublicKey:  r.PublicKey,
		Encodings:  r.Encodings,
	}
}

// AuditEntry records one subscription or delivery action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Source   string    `json:"source"` // "agent" or "wake"
	Action   string    `json:"action"` // "subscribe", "unsubscribe", "submit", "rotate", "render"
	Endpoint string    `json:"endpoint,omitempty"`
	PostID   string    `json:"post_id,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
}
