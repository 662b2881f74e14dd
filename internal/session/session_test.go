package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/snapshot"
)

type fakeQuerier struct {
	remote.Querier
	profile *model.UserProfile
	err     error
}

func (q fakeQuerier) Profile(ctx context.Context, uid string) (*model.UserProfile, error) {
	return q.profile, q.err
}

func TestResolveFromStore(t *testing.T) {
	q := fakeQuerier{profile: &model.UserProfile{UID: "u1", DisplayName: "Ann"}}
	r := NewResolver(q, snapshot.NewStore(t.TempDir(), ""), slog.Default())

	s := r.Resolve(context.Background(), "u1")
	if s.Degraded || s.FromSnapshot {
		t.Errorf("unexpected session flags %+v", s)
	}
	if s.DisplayName() != "Ann" {
		t.Errorf("display name = %q", s.DisplayName())
	}
}

func TestResolveFallsBackToSnapshot(t *testing.T) {
	snaps := snapshot.NewStore(t.TempDir(), "")
	snap := snapshot.New("u1")
	snap.UserProfile = &model.UserProfile{UID: "u1", DisplayName: "Ann"}
	if err := snaps.Write(snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	q := fakeQuerier{err: errors.New("store unreachable")}
	r := NewResolver(q, snaps, slog.Default())

	s := r.Resolve(context.Background(), "u1")
	if !s.FromSnapshot || s.Degraded {
		t.Errorf("expected snapshot session, got %+v", s)
	}
	if s.Profile == nil || s.Profile.DisplayName != "Ann" {
		t.Error("snapshot profile not carried into session")
	}
}

func TestResolveIgnoresForeignSnapshot(t *testing.T) {
	snaps := snapshot.NewStore(t.TempDir(), "")
	snap := snapshot.New("someone-else")
	snap.UserProfile = &model.UserProfile{UID: "someone-else"}
	if err := snaps.Write(snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	q := fakeQuerier{err: errors.New("store unreachable")}
	r := NewResolver(q, snaps, slog.Default())

	s := r.Resolve(context.Background(), "u1")
	if !s.Degraded {
		t.Error("another user's snapshot must not establish a session")
	}
	if s.DisplayName() != "u1" {
		t.Errorf("degraded display name = %q", s.DisplayName())
	}
}
