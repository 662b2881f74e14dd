// Package sync contains the reconciliation engine and the optimistic
// mutation pipeline. Per-screen feeds merge three concurrently-evolving
// inputs (the initial snapshot load, the live document stream, and the
// pending-toggle overlay) into the single state a view renders, and apply
// user mutations optimistically with rollback or deferral on failure.
package sync

import (
	"context"
	"log/slog"
	"strings"
	gosync "sync"
	"time"

	"github.com/vich3er/cursova/internal/ledger"
	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/snapshot"
	"github.com/vich3er/cursova/internal/unread"
	"github.com/vich3er/cursova/internal/validate"
)

// matchWindow bounds the creation-time distance when matching an
// optimistic local insertion against its authoritative twin from the
// stream. The local entry has a temporary id, so identity cannot be used.
const matchWindow = 5 * time.Second

// tempIDPrefix marks client-generated identifiers for optimistic inserts.
const tempIDPrefix = "temp-"

// Engine owns the shared collaborators of all feeds for one signed-in
// user session.
type Engine struct {
	store   remote.Store
	ledger  *ledger.Ledger
	snaps   *snapshot.Store
	visits  *unread.VisitLog
	net     *netwatch.Monitor
	tracker *Tracker
	names   *NameCache
	logger  *slog.Logger
	userID  string

	drainMu  gosync.Mutex
	draining bool
}

// Config collects the engine's dependencies.
type Config struct {
	Store    remote.Store
	Ledger   *ledger.Ledger
	Snapshot *snapshot.Store
	Visits   *unread.VisitLog
	Net      *netwatch.Monitor
	Logger   *slog.Logger
	UserID   string
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		snaps:   cfg.Snapshot,
		visits:  cfg.Visits,
		net:     cfg.Net,
		tracker: NewTracker(),
		names:   NewNameCache(),
		logger:  cfg.Logger,
		userID:  cfg.UserID,
	}
}

// UserID returns the id of the signed-in user this engine serves.
func (e *Engine) UserID() string { return e.userID }

// Tracker exposes the pending-operation registry.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// GroupNames exposes the session-scoped group-name cache.
func (e *Engine) GroupNames() *NameCache { return e.names }

// Visits exposes the per-scope visit log.
func (e *Engine) Visits() *unread.VisitLog { return e.visits }

// AllDone derives list completion from its items. An empty list is never
// complete.
func AllDone(items []model.ShoppingItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.IsDone {
			return false
		}
	}
	return true
}

// DrainPending re-issues every outstanding ledger write once. Called on
// the offline→online transition, before new backup cycles run. Entries
// that succeed are cleared; entries that fail are logged and left for the
// next reconnection. Concurrent drains collapse to one.
func (e *Engine) DrainPending(ctx context.Context) {
	e.drainMu.Lock()
	if e.draining {
		e.drainMu.Unlock()
		return
	}
	e.draining = true
	e.drainMu.Unlock()

	defer func() {
		e.drainMu.Lock()
		e.draining = false
		e.drainMu.Unlock()
	}()

	pending, err := e.ledger.All()
	if err != nil {
		e.logger.Error("read pending ledger", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	e.logger.Info("draining pending toggles", "count", len(pending))
	for itemID, done := range pending {
		if err := e.store.SetItemDone(ctx, itemID, done); err != nil {
			e.logger.Warn("sync pending toggle", "item", itemID, "error", err)
			continue
		}
		if err := e.ledger.Clear(itemID); err != nil {
			e.logger.Error("clear pending toggle", "item", itemID, "error", err)
		}
	}
}

// UpdateDisplayName changes the signed-in user's display name and returns
// the stored form. Names are kept lowercased and unique; renaming to the
// current name in any case is a no-op. Requires connectivity.
func (e *Engine) UpdateDisplayName(ctx context.Context, current, name string) (string, error) {
	normalized := strings.ToLower(validate.Sanitize(name))
	if normalized == strings.ToLower(current) {
		return normalized, nil
	}
	if e.net.Offline() {
		return "", remote.ErrOffline
	}
	if err := validate.DisplayName(ctx, e.store, name); err != nil {
		return "", err
	}
	if err := e.store.UpdateDisplayName(ctx, e.userID, normalized); err != nil {
		return "", remote.Classify(err)
	}
	return normalized, nil
}

// recomputeListCompletion performs the server-side-equivalent completion
// recomputation after a successful item write, so completion converges
// even when two users toggle concurrently.
func (e *Engine) recomputeListCompletion(ctx context.Context, listID string) {
	items, err := e.store.ItemsByList(ctx, listID)
	if err != nil {
		e.logger.Warn("recompute completion: fetch items", "list", listID, "error", err)
		return
	}
	if err := e.store.SetListCompletion(ctx, listID, AllDone(items)); err != nil {
		e.logger.Warn("recompute completion: write", "list", listID, "error", err)
	}
}

// touchList stamps the list's update metadata after a successful item
// mutation.
func (e *Engine) touchList(ctx context.Context, listID string) {
	if err := e.store.TouchList(ctx, listID, e.userID); err != nil {
		e.logger.Warn("touch list", "list", listID, "error", err)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
