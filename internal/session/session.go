// Package session resolves the signed-in user's profile at startup. The
// resolution is bounded: a slow or unreachable store must never block the
// session from opening, because everything downstream can run from the
// snapshot.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/snapshot"
)

// DefaultTimeout bounds how long Resolve waits for the remote profile
// before falling back.
const DefaultTimeout = 10 * time.Second

// Session describes how the user's identity was established.
type Session struct {
	UserID  string
	Profile *model.UserProfile

	// FromSnapshot means the profile came from the local snapshot, not
	// the store.
	FromSnapshot bool

	// Degraded means no profile could be established at all. The session
	// still opens; profile-dependent features stay off.
	Degraded bool
}

// DisplayName returns the best available name for the user.
func (s *Session) DisplayName() string {
	if s.Profile != nil && s.Profile.DisplayName != "" {
		return s.Profile.DisplayName
	}
	return s.UserID
}

// Resolver establishes sessions against the store with snapshot fallback.
type Resolver struct {
	store   remote.Querier
	snaps   *snapshot.Store
	logger  *slog.Logger
	timeout time.Duration
}

func NewResolver(store remote.Querier, snaps *snapshot.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		snaps:   snaps,
		logger:  logger,
		timeout: DefaultTimeout,
	}
}

// Resolve fetches the profile for uid, waiting at most the resolver's
// timeout. On failure it falls back to the snapshot's stored profile, and
// past that opens a degraded session. Resolve never returns an error:
// failure modes are states of the returned session.
func (r *Resolver) Resolve(ctx context.Context, uid string) Session {
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	profile, err := r.store.Profile(rctx, uid)
	if err == nil && profile != nil {
		return Session{UserID: uid, Profile: profile}
	}
	if err != nil {
		r.logger.Warn("resolve profile", "uid", uid, "error", err)
	}

	snap, serr := r.snaps.Read()
	if serr != nil {
		r.logger.Warn("read snapshot for session", "error", serr)
	}
	if snap != nil && snap.UserID == uid && snap.UserProfile != nil {
		p := *snap.UserProfile
		r.logger.Info("session from snapshot", "uid", uid)
		return Session{UserID: uid, Profile: &p, FromSnapshot: true}
	}

	r.logger.Warn("session degraded", "uid", uid)
	return Session{UserID: uid, Degraded: true}
}
