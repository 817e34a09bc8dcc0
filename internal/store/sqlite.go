//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "feedpush/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const descriptorStateKey = "last_descriptor"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. Headless
	// activations open the same file, so busy_timeout matters more
	// here than in a single-process app.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 2 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LastDescriptor(ctx context.Context) (DescriptorRecord, bool, error) {
	if s == nil || s.db == nil {
		return DescriptorRecord{}, false, ErrDisabled
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, descriptorStateKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DescriptorRecord{}, false, nil
	}
	if err != nil {
		return DescriptorRecord{}, false, err
	}
	var rec DescriptorRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.Warn("stored descriptor unreadable, ignoring", logx.Err(err))
		return DescriptorRecord{}, false, nil
	}
	if rec.Endpoint == "" {
		return DescriptorRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *sqliteStore) PutLastDescriptor(ctx context.Context, rec DescriptorRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		descriptorStateKey, string(b),
	)
	return err
}

func (s *sqliteStore) NotificationID(ctx context.Context, postID string) (uint32, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	if postID == "" {
		return 0, false, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT nid FROM notif WHERE post_id = ?`, postID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(id), true, nil
}

func (s *sqliteStore) PutNotificationID(ctx context.Context, postID string, id uint32) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if postID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notif(post_id, nid, at) VALUES(?,?,?)
		 ON CONFLICT(post_id) DO UPDATE SET nid=excluded.nid, at=excluded.at`,
		postID, int64(id), time.Now().UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneStale(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, source, action, endpoint, post_id, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Source, e.Action,
		nullStr(e.Endpoint), nullStr(e.PostID), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) pruneStale(ctx context.Context) error {
	cutoff := time.Now().Add(-notifRetention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM notif WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
