package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"feedpush/pkg/logx"
)

// Manager loads the config file, validates it, and optionally watches it for
// changes. Subscribers get the new snapshot after a successful reload; a bad
// edit keeps the last good config in place.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cur  *Config
	hash string

	subMu sync.Mutex
	subs  map[chan *Config]struct{}

	validator func(context.Context, *Config) error
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{
		path: path,
		log:  log,
		subs: make(map[chan *Config]struct{}),
	}
}

// SetLogger swaps the boot logger for the fully configured one.
func (m *Manager) SetLogger(log logx.Logger) {
	m.log = log
}

// SetValidator installs an extra check run against a candidate config before
// it is committed. Used by the app to probe things the static Validate cannot.
func (m *Manager) SetValidator(fn func(context.Context, *Config) error) {
	m.validator = fn
}

// Load reads, parses and commits the config file. Call once at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur = cfg
	m.hash = sum
	m.mu.Unlock()
	return cfg, nil
}

// Commit installs a config produced outside the file path, such as a
// programmatic override. The config is validated first.
func (m *Manager) Commit(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cur = cfg
	m.hash = ""
	m.mu.Unlock()
	m.publish(cfg)
	return nil
}

// Get returns the current committed config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Subscribe returns a channel that receives each newly committed config.
// Delivery is best-effort; a slow subscriber loses older snapshots, never
// blocks the reload.
func (m *Manager) Subscribe() chan *Config {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

func (m *Manager) read() (*Config, string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(m.path, data)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	return cfg, hex.EncodeToString(sum[:]), nil
}

// Parse decodes strict JSON (or YAML coerced to JSON) and validates it.
func Parse(path string, data []byte) (*Config, error) {
	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, fmt.Errorf("parse config (%s): %w", format, err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config (%s): %w", format, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse config (%s): trailing data after document", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch follows the config file until ctx is done. Editors replace files by
// rename, which invalidates inode watches, so the watcher is recreated with
// backoff whenever it errors or the file watch is lost.
func (m *Manager) Watch(ctx context.Context) {
	backoff := watchBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("config watch interrupted, restarting",
				logx.Err(err), logx.Duration("backoff", backoff))
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory, not the file: rename-replace keeps working.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watch events closed")
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				m.reload(ctx)
			})
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watch errors closed")
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, sum, err := m.read()
	if err != nil {
		m.log.Error("config reload failed, keeping previous", logx.Err(err))
		return
	}

	m.mu.RLock()
	same := sum == m.hash
	m.mu.RUnlock()
	if same {
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Error("config rejected by validator, keeping previous", logx.Err(err))
			return
		}
	}

	m.mu.Lock()
	m.cur = cfg
	m.hash = sum
	m.mu.Unlock()

	m.log.Info("config reloaded", logx.String("hash", sum[:12]))
	m.publish(cfg)
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale snapshot so the newest one always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
