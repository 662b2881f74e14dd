package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"time"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/validate"
)

// minDisplayNameLength is the shortest display name accepted for member
// lookups.
const minDisplayNameLength = 3

var errOwnerOnly = errors.New("only the group owner may do this")

// GroupsState is the reconciled view-model for the home screen: every
// group the user belongs to plus per-group unread flags.
type GroupsState struct {
	Groups       []model.Group
	Unread       map[string]bool
	FromSnapshot bool
}

// GroupsFeed reconciles the signed-in user's group memberships. It is the
// root feed of a session: it also reacts to connectivity transitions by
// draining the pending-write ledger.
type GroupsFeed struct {
	e *Engine

	// PreferLargerTentative mirrors the list feed's tentative-emission
	// guard. It must be set before Run.
	PreferLargerTentative bool

	mu       gosync.Mutex
	groups   []model.Group
	flags    map[string]bool
	seeded   bool
	baseline int
	updates  chan GroupsState
}

// GroupsFeed creates the home-screen feed.
func (e *Engine) GroupsFeed() *GroupsFeed {
	return &GroupsFeed{
		e:                     e,
		PreferLargerTentative: true,
		flags:                 map[string]bool{},
		updates:               make(chan GroupsState, 16),
	}
}

// Updates delivers reconciled states, most recent last.
func (f *GroupsFeed) Updates() <-chan GroupsState { return f.updates }

// Run seeds from the snapshot, attaches the groups stream, and blocks
// until ctx is cancelled.
func (f *GroupsFeed) Run(ctx context.Context) {
	f.seedFromSnapshot()

	if f.e.net.Online() {
		f.e.DrainPending(ctx)
	}

	groupsCh, errCh := f.e.store.WatchGroups(ctx, f.e.userID)
	netCh, cancelNet := f.e.net.Subscribe()
	defer cancelNet()

	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-groupsCh:
			if !ok {
				groupsCh = nil
				continue
			}
			f.applyGroups(upd)
			f.RefreshUnread(ctx)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			f.handleStreamError(err)
		case online := <-netCh:
			if online {
				f.e.DrainPending(ctx)
			}
		}
	}
}

// seedFromSnapshot computes the unread flags from the bundle itself, so
// badges render correctly offline.
func (f *GroupsFeed) seedFromSnapshot() {
	snap, err := f.e.snaps.Read()
	if err != nil {
		f.e.logger.Warn("read snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}

	flags := map[string]bool{}
	for _, g := range snap.Groups {
		f.e.names.Put(g.ID, g.Name)

		var lists []model.ShoppingList
		for _, l := range snap.Lists {
			if l.GroupID == g.ID {
				lists = append(lists, l)
			}
		}
		u, err := f.e.visits.GroupHasUnread(g.ID, snap.ChatMessages[g.ID], lists, f.e.userID)
		if err != nil {
			f.e.logger.Warn("group unread", "group", g.ID, "error", err)
			continue
		}
		flags[g.ID] = u
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(snap.Groups) > 0 {
		f.groups = append([]model.Group(nil), snap.Groups...)
		f.flags = flags
		f.seeded = true
		f.baseline = len(snap.Groups)
	}
	f.publishLocked()
}

func (f *GroupsFeed) applyGroups(upd remote.GroupsUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	authoritative := !upd.FromCache
	accept := authoritative
	if !accept {
		if !f.seeded {
			accept = len(upd.Groups) > 0
		} else if f.PreferLargerTentative {
			accept = len(upd.Groups) > f.baseline
		} else {
			accept = true
		}
	}
	if !accept {
		return
	}

	f.groups = append([]model.Group(nil), upd.Groups...)
	for _, g := range f.groups {
		f.e.names.Put(g.ID, g.Name)
	}
	if len(upd.Groups) > f.baseline {
		f.baseline = len(upd.Groups)
	}
	f.publishLocked()
}

// RefreshUnread recomputes the per-group unread flags with one-shot reads.
// Groups whose reads fail keep their previous flag.
func (f *GroupsFeed) RefreshUnread(ctx context.Context) {
	f.mu.Lock()
	groups := append([]model.Group(nil), f.groups...)
	f.mu.Unlock()

	flags := map[string]bool{}
	for _, g := range groups {
		lists, err := f.e.store.ListsByGroup(ctx, g.ID)
		if err != nil {
			continue
		}
		msgs, err := f.e.store.MessagesByGroup(ctx, g.ID)
		if err != nil {
			continue
		}
		u, err := f.e.visits.GroupHasUnread(g.ID, msgs, lists, f.e.userID)
		if err != nil {
			continue
		}
		flags[g.ID] = u
	}

	f.mu.Lock()
	for id, u := range flags {
		f.flags[id] = u
	}
	f.publishLocked()
	f.mu.Unlock()
}

func (f *GroupsFeed) handleStreamError(err error) {
	cerr := remote.Classify(err)
	switch cerr.Kind {
	case remote.KindTransient:
	case remote.KindPermission:
		f.mu.Lock()
		if !f.seeded {
			f.groups = nil
			f.publishLocked()
		}
		f.mu.Unlock()
	default:
		f.e.logger.Error("groups stream", "error", err)
	}
}

// CreateGroup creates a group owned by the signed-in user. The owner is
// always a member of their own group. Creation requires connectivity.
func (f *GroupsFeed) CreateGroup(ctx context.Context, name string) (model.Group, error) {
	name = validate.Sanitize(name)
	if err := validate.Name(name); err != nil {
		return model.Group{}, err
	}
	if f.e.net.Offline() {
		return model.Group{}, remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpGroup, "create group")
	defer f.e.tracker.Remove(opID)

	g := model.Group{
		Name:      name,
		OwnerID:   f.e.userID,
		Members:   []string{f.e.userID},
		CreatedAt: time.Now(),
	}
	id, err := f.e.store.CreateGroup(ctx, g)
	if err != nil {
		return model.Group{}, remote.Classify(err)
	}
	g.ID = id

	f.e.names.Put(id, name)
	if err := f.e.visits.MarkGroupVisited(id); err != nil {
		f.e.logger.Warn("mark group visited", "group", id, "error", err)
	}
	return g, nil
}

// Member pairs a profile with its role in the group.
type Member struct {
	model.UserProfile
	IsOwner bool `json:"isOwner"`
}

// group returns a copy of the known group with the given id, or nil.
func (f *GroupsFeed) group(groupID string) *model.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.groups {
		if f.groups[i].ID == groupID {
			g := f.groups[i]
			return &g
		}
	}
	return nil
}

// Members resolves the profiles of every group member. Members whose
// profile document is missing are skipped. Requires connectivity.
func (f *GroupsFeed) Members(ctx context.Context, groupID string) ([]Member, error) {
	if f.e.net.Offline() {
		return nil, remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return nil, remote.NewValidation("unknown group")
	}

	var members []Member
	for _, uid := range g.Members {
		p, err := f.e.store.Profile(ctx, uid)
		if err != nil {
			return nil, remote.Classify(err)
		}
		if p == nil {
			continue
		}
		members = append(members, Member{UserProfile: *p, IsOwner: uid == g.OwnerID})
	}
	return members, nil
}

// AddMember looks up a user by display name and adds them to the group.
// Requires connectivity; the membership change arrives via the stream.
func (f *GroupsFeed) AddMember(ctx context.Context, groupID, displayName string) (*model.UserProfile, error) {
	normalized := strings.ToLower(validate.Sanitize(displayName))
	if normalized == "" {
		return nil, remote.NewValidation("display name must not be empty")
	}
	if len([]rune(normalized)) < minDisplayNameLength {
		return nil, remote.NewValidation("display name too short")
	}
	if f.e.net.Offline() {
		return nil, remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return nil, remote.NewValidation("unknown group")
	}

	p, err := f.e.store.ProfileByDisplayName(ctx, normalized)
	if err != nil {
		return nil, remote.Classify(err)
	}
	if p == nil {
		return nil, remote.NewValidation("no user with that display name")
	}
	if g.HasMember(p.UID) {
		return nil, remote.NewValidation("user is already a member")
	}

	opID := f.e.tracker.Add(OpGroup, "add member")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.AddGroupMember(ctx, groupID, p.UID); err != nil {
		return nil, remote.Classify(err)
	}
	return p, nil
}

// RemoveMember removes a member from the group. Only the owner may remove
// members, and the owner cannot be removed.
func (f *GroupsFeed) RemoveMember(ctx context.Context, groupID, uid string) error {
	if f.e.net.Offline() {
		return remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return remote.NewValidation("unknown group")
	}
	if f.e.userID != g.OwnerID {
		return &remote.Error{Kind: remote.KindPermission, Err: errOwnerOnly}
	}
	if uid == g.OwnerID {
		return remote.NewValidation("cannot remove the group owner")
	}

	opID := f.e.tracker.Add(OpGroup, "remove member")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.RemoveGroupMember(ctx, groupID, uid); err != nil {
		return remote.Classify(err)
	}
	return nil
}

// LeaveGroup removes the signed-in user from the group. The owner cannot
// leave their own group. A permission error after the removal is treated
// as success: dropping out of the member list revokes read access.
func (f *GroupsFeed) LeaveGroup(ctx context.Context, groupID string) error {
	if f.e.net.Offline() {
		return remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return remote.NewValidation("unknown group")
	}
	if f.e.userID == g.OwnerID {
		return remote.NewValidation("the owner cannot leave the group")
	}

	opID := f.e.tracker.Add(OpGroup, "leave group")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.RemoveGroupMember(ctx, groupID, f.e.userID); err != nil {
		cerr := remote.Classify(err)
		if cerr.Kind != remote.KindPermission {
			return cerr
		}
	}
	return nil
}

// RenameGroup changes the group's name. Owner only.
func (f *GroupsFeed) RenameGroup(ctx context.Context, groupID, name string) error {
	name = validate.Sanitize(name)
	if err := validate.Name(name); err != nil {
		return err
	}
	if f.e.net.Offline() {
		return remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return remote.NewValidation("unknown group")
	}
	if f.e.userID != g.OwnerID {
		return &remote.Error{Kind: remote.KindPermission, Err: errOwnerOnly}
	}

	opID := f.e.tracker.Add(OpGroup, "rename group")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.UpdateGroupName(ctx, groupID, name); err != nil {
		return remote.Classify(err)
	}
	f.e.names.Put(groupID, name)
	return nil
}

// DeleteGroup deletes the group with its lists and their items. Owner
// only.
func (f *GroupsFeed) DeleteGroup(ctx context.Context, groupID string) error {
	if f.e.net.Offline() {
		return remote.ErrOffline
	}
	g := f.group(groupID)
	if g == nil {
		return remote.NewValidation("unknown group")
	}
	if f.e.userID != g.OwnerID {
		return &remote.Error{Kind: remote.KindPermission, Err: errOwnerOnly}
	}

	opID := f.e.tracker.Add(OpGroup, "delete group")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.DeleteGroup(ctx, groupID); err != nil {
		return remote.Classify(err)
	}
	return nil
}

// State returns the current reconciled state.
func (f *GroupsFeed) State() GroupsState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *GroupsFeed) stateLocked() GroupsState {
	groups := make([]model.Group, len(f.groups))
	copy(groups, f.groups)
	flags := make(map[string]bool, len(f.flags))
	for id, u := range f.flags {
		flags[id] = u
	}
	return GroupsState{
		Groups:       groups,
		Unread:       flags,
		FromSnapshot: f.seeded,
	}
}

func (f *GroupsFeed) publishLocked() {
	st := f.stateLocked()
	select {
	case f.updates <- st:
	default:
		select {
		case <-f.updates:
		default:
		}
		select {
		case f.updates <- st:
		default:
		}
	}
}
