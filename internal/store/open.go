package store

import (
	"context"
	"errors"
	"strings"

	logx "feedpush/pkg/logx"
)

// Store is the minimal persistence API shared by the agent and headless
// wake activations.
//
// All writes are idempotent at the caller (descriptor by endpoint
// equality, notification ids by post id). Concurrent activations racing
// on the same state settle on last-write-wins, and both writers agree
// on the value.
type Store interface {
	LastDescriptor(ctx context.Context) (DescriptorRecord, bool, error)
	PutLastDescriptor(ctx context.Context, rec DescriptorRecord) error

	// NotificationID maps a post id to the OS notification id used for
	// it, so a repeat render replaces instead of duplicating, even
	// across independent process activations.
	NotificationID(ctx context.Context, postID string) (uint32, bool, error)
	PutNotificationID(ctx context.Context, postID string, id uint32) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
