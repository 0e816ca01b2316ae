package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

const (
	// DefaultTTL is the session lifetime when configuration does not set one.
	DefaultTTL = 24 * time.Hour

	defaultMaxSessions = 64

	// teardownTimeout bounds the teardown of an evicted session.
	teardownTimeout = 30 * time.Second
)

// Manager owns every live session. The expiring cache is the authority on
// liveness; the directory only records what existed, for operators and for
// restarts.
type Manager struct {
	cfg *config.Config
	log *logger.Logger
	dir Directory
	ttl time.Duration

	mu      sync.Mutex // serializes Create against duplicate ids
	cache   *expirable.LRU[string, *Session]
	closing atomic.Bool
}

// NewManager builds a manager over the given directory. Zero config values
// fall back to defaults.
func NewManager(cfg *config.Config, dir Directory, log *logger.Logger) *Manager {
	ttl := cfg.Session.TTLDuration()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	size := cfg.Session.MaxSessions
	if size <= 0 {
		size = defaultMaxSessions
	}
	if dir == nil {
		dir = NewMemoryDirectory()
	}
	m := &Manager{
		cfg: cfg,
		log: log.WithComponent("session_manager"),
		dir: dir,
		ttl: ttl,
	}
	m.cache = expirable.NewLRU[string, *Session](size, m.onEvict, ttl)
	return m
}

// ProvideDirectory builds the directory backend selected by configuration.
func ProvideDirectory(cfg *config.Config, log *logger.Logger) (Directory, error) {
	switch cfg.Session.Directory {
	case "", "memory":
		return NewMemoryDirectory(), nil
	case "sqlite":
		return NewSQLiteDirectory(cfg.Session.SQLitePath, log)
	default:
		return nil, apperrors.Configuration(fmt.Sprintf("unknown session directory backend %q", cfg.Session.Directory))
	}
}

// onEvict tears down a session leaving the cache, whether by TTL, capacity
// pressure, or explicit removal. Outside shutdown the directory row is
// marked expired so operators can see what lapsed.
func (m *Manager) onEvict(id string, s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		m.log.WithError(err).Warn("Evicted session teardown failed", zap.String("session_id", id))
	}
	if m.closing.Load() {
		return
	}
	if err := m.dir.SetStatus(ctx, id, StatusExpired); err != nil && !apperrors.IsNotFound(err) {
		m.log.WithError(err).Warn("Could not mark session expired", zap.String("session_id", id))
	}
}

// Create assembles a new session. An empty id gets a generated one; a live
// duplicate id is rejected.
func (m *Manager) Create(ctx context.Context, id, workspaceID string, opts CreateOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.cache.Get(id); exists {
		return nil, apperrors.Invalidf("session %s already exists", id)
	}

	s, err := newSession(ctx, id, workspaceID, m.cfg, m.log, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.cache.Get(id); exists {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, apperrors.Invalidf("session %s already exists", id)
	}
	m.cache.Add(id, s)
	m.mu.Unlock()

	entry := Entry{
		SessionID:   id,
		WorkspaceID: workspaceID,
		Provider:    s.Provider,
		Status:      StatusActive,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.CreatedAt.Add(m.ttl),
	}
	if err := m.dir.Put(ctx, entry); err != nil {
		// The directory is advisory; a failed write does not fail creation.
		m.log.WithError(err).Warn("Could not record session in directory", zap.String("session_id", id))
	}
	return s, nil
}

// Get returns the live session or nil. A directory row alone never
// resurrects a session.
func (m *Manager) Get(id string) *Session {
	s, ok := m.cache.Get(id)
	if !ok {
		return nil
	}
	return s
}

// List returns every live session, least recently used first.
func (m *Manager) List() []*Session {
	return m.cache.Values()
}

// ListDirectory returns the advisory directory rows, including sessions
// from previous processes.
func (m *Manager) ListDirectory(ctx context.Context) ([]Entry, error) {
	return m.dir.List(ctx)
}

// Delete tears the session down and removes its directory row. Deleting an
// id known to neither memory nor the directory reports not found.
func (m *Manager) Delete(ctx context.Context, id string) error {
	removed := m.cache.Remove(id)
	_, dirErr := m.dir.Get(ctx, id)
	if err := m.dir.Delete(ctx, id); err != nil {
		return err
	}
	if !removed && apperrors.IsNotFound(dirErr) {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// Purge evicts sessions past their lifetime without waiting for the cache's
// background sweep. Returns how many were torn down.
func (m *Manager) Purge() int {
	var n int
	for _, id := range m.cache.Keys() {
		s, ok := m.cache.Peek(id)
		if !ok || time.Since(s.CreatedAt) >= m.ttl {
			if m.cache.Remove(id) {
				n++
			}
		}
	}
	return n
}

// Shutdown closes every session in parallel and then the directory. The
// directory rows are left as they are so a restart can list what ran.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)

	var g errgroup.Group
	for _, id := range m.cache.Keys() {
		if s, ok := m.cache.Peek(id); ok {
			g.Go(func() error { return s.Close(ctx) })
		}
	}
	err := g.Wait()
	// Purge sweeps up entries Peek hid, such as expired but unreaped
	// sessions; Close is idempotent so the overlap is harmless.
	m.cache.Purge()
	if cerr := m.dir.Close(); cerr != nil && err == nil {
		err = cerr
	}
	m.log.Info("Session manager shut down")
	return err
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, built from loaded configuration
// on first use. A broken config file degrades to defaults and an in-memory
// directory rather than failing.
func Default() *Manager {
	defaultOnce.Do(func() {
		log := logger.Default()
		cfg, err := config.Load()
		if err != nil {
			log.WithError(err).Warn("Could not load configuration for session manager; using defaults")
			cfg = &config.Config{}
		}
		dir, err := ProvideDirectory(cfg, log)
		if err != nil {
			log.WithError(err).Warn("Could not open session directory; using in-memory")
			dir = NewMemoryDirectory()
		}
		defaultManager = NewManager(cfg, dir, log)
	})
	return defaultManager
}
