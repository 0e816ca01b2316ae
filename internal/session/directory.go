package session

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
)

// Directory entry statuses.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Entry is one directory row. The directory is advisory: it records which
// sessions exist and when they lapse, but the manager's in-memory cache is
// the authority on liveness.
type Entry struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	Provider    string    `db:"provider" json:"provider"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

// Directory records session metadata across restarts. Implementations must
// tolerate concurrent use.
type Directory interface {
	// Put inserts or replaces the entry for its session id.
	Put(ctx context.Context, e Entry) error
	// Get returns the entry or a not-found error.
	Get(ctx context.Context, sessionID string) (*Entry, error)
	// List returns entries newest first, purging rows past their expiry.
	List(ctx context.Context) ([]Entry, error)
	// SetStatus updates the status of an existing entry.
	SetStatus(ctx context.Context, sessionID, status string) error
	// Delete removes the entry. Deleting an absent id is not an error.
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryDirectory keeps entries in process memory. It serves tests and
// deployments that do not care about restarts.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]Entry)}
}

func (d *MemoryDirectory) Put(ctx context.Context, e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.SessionID] = e
	return nil
}

func (d *MemoryDirectory) Get(ctx context.Context, sessionID string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session entry", sessionID)
	}
	out := e
	return &out, nil
}

func (d *MemoryDirectory) List(ctx context.Context) ([]Entry, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for id, e := range d.entries {
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now) {
			delete(d.entries, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (d *MemoryDirectory) SetStatus(ctx context.Context, sessionID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[sessionID]
	if !ok {
		return apperrors.NotFound("session entry", sessionID)
	}
	e.Status = status
	d.entries[sessionID] = e
	return nil
}

func (d *MemoryDirectory) Delete(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, sessionID)
	return nil
}

func (d *MemoryDirectory) Close() error { return nil }
