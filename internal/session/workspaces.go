package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Factory builds the registry for a user, typically restoring persisted sessions.
type Factory func(userID string) (*Registry, error)

// Workspaces holds one Registry per user and closes registries that go idle.
type Workspaces struct {
	cache   *cache.Cache
	factory Factory
	logger  *slog.Logger
	evicted func(userID string)

	// Serializes create-on-miss so a user never gets two registries.
	mu sync.Mutex
}

// NewWorkspaces returns a workspace set whose registries expire after idleTTL
// without access.
func NewWorkspaces(idleTTL time.Duration, factory Factory, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	c := cache.New(idleTTL, max(idleTTL/2, time.Second))
	w := &Workspaces{cache: c, factory: factory, logger: logger}
	c.OnEvicted(func(userID string, v any) {
		if reg, ok := v.(*Registry); ok {
			w.logger.Info("Closing idle workspace", "user_id", userID)
			reg.Close()
			if w.evicted != nil {
				w.evicted(userID)
			}
		}
	})
	return w
}

// OnEvicted registers fn to run after a workspace has been closed. Set it
// before the first Get.
func (w *Workspaces) OnEvicted(fn func(userID string)) {
	w.evicted = fn
}

// Get returns the registry for userID, creating it on first use. Each call
// extends the idle deadline.
func (w *Workspaces) Get(userID string) (*Registry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if v, found := w.cache.Get(userID); found {
		w.cache.Set(userID, v, cache.DefaultExpiration)
		return v.(*Registry), nil
	}

	// An expired entry the janitor has not swept yet is closed here.
	w.cache.Delete(userID)

	reg, err := w.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("create workspace for %s: %w", userID, err)
	}
	w.cache.Set(userID, reg, cache.DefaultExpiration)
	w.logger.Debug("Workspace created", "user_id", userID)
	return reg, nil
}

// Lookup returns the registry for userID without creating or refreshing it.
func (w *Workspaces) Lookup(userID string) (*Registry, bool) {
	v, found := w.cache.Get(userID)
	if !found {
		return nil, false
	}
	return v.(*Registry), true
}

// Len returns the number of workspaces held, including expired ones not yet swept.
func (w *Workspaces) Len() int {
	return w.cache.ItemCount()
}

// Evict closes and drops the workspace of userID.
func (w *Workspaces) Evict(userID string) {
	w.cache.Delete(userID)
}

// Close closes every workspace.
func (w *Workspaces) Close() {
	w.cache.DeleteExpired()
	for userID := range w.cache.Items() {
		w.cache.Delete(userID)
	}
}
