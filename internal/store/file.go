package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "feedpush/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.descriptor.json     (atomic snapshot of the last descriptor)
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.notif.snapshot.json (periodic snapshot)
//   - <prefix>.notif.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. The
// descriptor snapshot is written with rename so a crashed activation
// never leaves a torn file for the next one.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	descriptorPath string

	auditFile *os.File

	notifSnapshotPath string
	notifJournalFile  *os.File
	notif             map[string]notifRecord

	notifWrites int
}

type notifRecord struct {
	ID uint32 `json:"id"`
	At int64  `json:"at"` // unix milli
}

type notifJournalLine struct {
	PostID string `json:"post_id"`
	ID     uint32 `json:"id"`
	At     int64  `json:"at"`
}

// notifRetention bounds how long a post id keeps claiming its OS
// notification id. Past it, a fresh id is fine: the old notification is
// long gone from the shade.
const notifRetention = 7 * 24 * time.Hour

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".notif.snapshot.json"
	journalPath := prefix + ".notif.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load notification ids from snapshot + journal.
	notif := map[string]notifRecord{}
	_ = loadNotifSnapshot(snapPath, notif)
	_ = replayNotifJournal(journalPath, notif)
	pruneStaleNotif(notif)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		descriptorPath:    prefix + ".descriptor.json",
		auditFile:         af,
		notifSnapshotPath: snapPath,
		notifJournalFile:  jf,
		notif:             notif,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.notifJournalFile != nil {
		err2 = s.notifJournalFile.Close()
		s.notifJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LastDescriptor(ctx context.Context) (DescriptorRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.descriptorPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DescriptorRecord{}, false, nil
		}
		return DescriptorRecord{}, false, err
	}
	var rec DescriptorRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		// A torn or hand-edited file is treated as absent, not fatal.
		s.log.Warn("descriptor snapshot unreadable, ignoring", logx.Err(err))
		return DescriptorRecord{}, false, nil
	}
	if rec.Endpoint == "" {
		return DescriptorRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileStore) PutLastDescriptor(ctx context.Context, rec DescriptorRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := s.descriptorPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.descriptorPath)
}

func (s *fileStore) NotificationID(ctx context.Context, postID string) (uint32, bool, error) {
	_ = ctx
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return 0, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.notif[postID]
	if !ok {
		return 0, false, nil
	}
	return rec.ID, true, nil
}

func (s *fileStore) PutNotificationID(ctx context.Context, postID string, id uint32) error {
	_ = ctx
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifJournalFile == nil {
		return errors.New("notif journal closed")
	}
	now := time.Now().UnixMilli()
	s.notif[postID] = notifRecord{ID: id, At: now}

	enc := json.NewEncoder(s.notifJournalFile)
	if err := enc.Encode(notifJournalLine{PostID: postID, ID: id, At: now}); err != nil {
		return err
	}
	s.notifWrites++
	if s.notifWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("notif compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	pruneStaleNotif(s.notif)

	tmp := s.notifSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.notif); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.notifSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.notifJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.notifJournalFile.Seek(0, 2)
	return err
}

func loadNotifSnapshot(path string, out map[string]notifRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]notifRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayNotifJournal(path string, out map[string]notifRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l notifJournalLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue
		}
		if l.PostID == "" {
			continue
		}
		out[l.PostID] = notifRecord{ID: l.ID, At: l.At}
	}
	return sc.Err()
}

func pruneStaleNotif(m map[string]notifRecord) {
	cutoff := time.Now().Add(-notifRetention).UnixMilli()
	for k, v := range m {
		if v.At < cutoff {
			delete(m, k)
		}
	}
}
