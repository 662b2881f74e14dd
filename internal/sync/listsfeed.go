package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/validate"
)

// ListsState is the reconciled view-model for one group's overview screen:
// the group's lists plus per-list unread flags.
type ListsState struct {
	GroupID      string
	GroupName    string
	Lists        []model.ShoppingList
	Unread       map[string]bool
	FromSnapshot bool
}

// ListsFeed reconciles the lists of one group and creates new ones.
type ListsFeed struct {
	e       *Engine
	groupID string

	// PreferLargerTentative mirrors the list feed's tentative-emission
	// guard. It must be set before Run.
	PreferLargerTentative bool

	mu       gosync.Mutex
	lists    []model.ShoppingList
	seeded   bool
	baseline int
	updates  chan ListsState
}

// ListsFeed creates the feed for one group's overview screen.
func (e *Engine) ListsFeed(groupID string) *ListsFeed {
	return &ListsFeed{
		e:                     e,
		groupID:               groupID,
		PreferLargerTentative: true,
		updates:               make(chan ListsState, 16),
	}
}

// Updates delivers reconciled states, most recent last.
func (f *ListsFeed) Updates() <-chan ListsState { return f.updates }

// Run seeds from the snapshot, attaches the lists stream, and blocks
// until ctx is cancelled.
func (f *ListsFeed) Run(ctx context.Context) {
	f.seedFromSnapshot()

	if err := f.e.visits.MarkGroupVisited(f.groupID); err != nil {
		f.e.logger.Warn("mark group visited", "group", f.groupID, "error", err)
	}

	listsCh, errCh := f.e.store.WatchLists(ctx, f.groupID)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-listsCh:
			if !ok {
				listsCh = nil
				continue
			}
			f.applyLists(upd)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			f.handleStreamError(err)
		}
	}
}

// seedFromSnapshot derives each seeded list's completion from the
// snapshot's items with the pending overlay applied, so the overview and
// the list screen agree before any live data arrives.
func (f *ListsFeed) seedFromSnapshot() {
	snap, err := f.e.snaps.Read()
	if err != nil {
		f.e.logger.Warn("read snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}

	overlay, err := f.e.ledger.All()
	if err != nil {
		f.e.logger.Warn("read pending overlay", "error", err)
	}

	var lists []model.ShoppingList
	for _, l := range snap.Lists {
		if l.GroupID != f.groupID {
			continue
		}
		items := applyOverlay(snap.ItemsForList(l.ID), overlay)
		if len(items) > 0 {
			l.IsComplete = AllDone(items)
		}
		lists = append(lists, l)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if g := snap.GroupByID(f.groupID); g != nil {
		f.e.names.Put(f.groupID, g.Name)
	}
	if len(lists) > 0 {
		f.lists = lists
		f.seeded = true
		f.baseline = len(lists)
	}
	f.publishLocked()
}

func (f *ListsFeed) applyLists(upd remote.ListsUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	authoritative := !upd.FromCache
	accept := authoritative
	if !accept {
		if !f.seeded {
			accept = len(upd.Lists) > 0
		} else if f.PreferLargerTentative {
			accept = len(upd.Lists) > f.baseline
		} else {
			accept = true
		}
	}
	if !accept {
		return
	}

	f.lists = append([]model.ShoppingList(nil), upd.Lists...)
	if len(upd.Lists) > f.baseline {
		f.baseline = len(upd.Lists)
	}
	f.publishLocked()
}

func (f *ListsFeed) handleStreamError(err error) {
	cerr := remote.Classify(err)
	switch cerr.Kind {
	case remote.KindTransient:
	case remote.KindPermission:
		f.mu.Lock()
		if !f.seeded {
			f.lists = nil
			f.publishLocked()
		}
		f.mu.Unlock()
	default:
		f.e.logger.Error("lists stream", "group", f.groupID, "error", err)
	}
}

// CreateList creates a new, empty list in the group. Creation requires
// connectivity; the stream emission delivers the new list.
func (f *ListsFeed) CreateList(ctx context.Context, name string) (model.ShoppingList, error) {
	name = validate.Sanitize(name)
	if err := validate.Name(name); err != nil {
		return model.ShoppingList{}, err
	}
	if f.e.net.Offline() {
		return model.ShoppingList{}, remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpList, "create list")
	defer f.e.tracker.Remove(opID)

	l := model.ShoppingList{
		GroupID:       f.groupID,
		Name:          name,
		CreatedBy:     f.e.userID,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		LastUpdatedBy: f.e.userID,
	}
	id, err := f.e.store.CreateList(ctx, l)
	if err != nil {
		return model.ShoppingList{}, remote.Classify(err)
	}
	l.ID = id

	// A list the viewer just created is read by definition.
	if err := f.e.visits.MarkListRead(id); err != nil {
		f.e.logger.Warn("mark list read", "list", id, "error", err)
	}
	return l, nil
}

// RenameList changes a list's name. Requires connectivity; the stream
// delivers the renamed list.
func (f *ListsFeed) RenameList(ctx context.Context, listID, name string) error {
	name = validate.Sanitize(name)
	if err := validate.ItemName(name); err != nil {
		return err
	}
	if f.e.net.Offline() {
		return remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpList, "rename list")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.RenameList(ctx, listID, name); err != nil {
		return remote.Classify(err)
	}
	return nil
}

// DeleteList deletes the list and all of its items. Requires connectivity.
func (f *ListsFeed) DeleteList(ctx context.Context, listID string) error {
	if f.e.net.Offline() {
		return remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpList, "delete list")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.DeleteList(ctx, listID); err != nil {
		return remote.Classify(err)
	}
	return nil
}

// State returns the current reconciled state.
func (f *ListsFeed) State() ListsState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *ListsFeed) stateLocked() ListsState {
	lists := make([]model.ShoppingList, len(f.lists))
	copy(lists, f.lists)

	flags := make(map[string]bool, len(lists))
	for i := range lists {
		u, err := f.e.visits.ListHasUnread(&lists[i], f.e.userID)
		if err != nil {
			f.e.logger.Warn("list unread", "list", lists[i].ID, "error", err)
			continue
		}
		flags[lists[i].ID] = u
	}

	name, _ := f.e.names.Get(f.groupID)
	return ListsState{
		GroupID:      f.groupID,
		GroupName:    name,
		Lists:        lists,
		Unread:       flags,
		FromSnapshot: f.seeded,
	}
}

func (f *ListsFeed) publishLocked() {
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
