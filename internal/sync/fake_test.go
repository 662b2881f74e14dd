package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/vich3er/cursova/internal/database"
	"github.com/vich3er/cursova/internal/device"
	"github.com/vich3er/cursova/internal/ledger"
	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/snapshot"
	"github.com/vich3er/cursova/internal/unread"
)

// fakeStore drives feeds from tests: emissions are pushed onto the watch
// channels by hand and writes are recorded or fail with configured errors.
type fakeStore struct {
	mu gosync.Mutex

	itemsCh  chan remote.ItemsUpdate
	itemsErr chan error
	listCh   chan remote.ListUpdate
	listErr  chan error
	listsCh  chan remote.ListsUpdate
	listsErr chan error
	groupsCh chan remote.GroupsUpdate
	grpErr   chan error
	msgsCh   chan remote.MessagesUpdate
	msgsErr  chan error
	profCh   chan remote.ProfileUpdate
	profErr  chan error

	profile  *model.UserProfile
	profiles []model.UserProfile
	groups   []model.Group
	lists    []model.ShoppingList
	items    []model.ShoppingItem
	messages []model.ChatMessage

	setDoneErr     error
	addItemErr     error
	setDone        map[string]bool
	addedItems     []model.ShoppingItem
	addedMsgs      []model.ChatMessage
	touched        []string
	completions    map[string]bool
	memberAdds     [][2]string
	memberRemovals [][2]string
	renamedGroups  map[string]string
	deletedGroups  []string
	renamedLists   map[string]string
	deletedLists   []string
	displayNames   map[string]string
	nextID         string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		itemsCh:     make(chan remote.ItemsUpdate, 8),
		itemsErr:    make(chan error, 8),
		listCh:      make(chan remote.ListUpdate, 8),
		listErr:     make(chan error, 8),
		listsCh:     make(chan remote.ListsUpdate, 8),
		listsErr:    make(chan error, 8),
		groupsCh:    make(chan remote.GroupsUpdate, 8),
		grpErr:      make(chan error, 8),
		msgsCh:      make(chan remote.MessagesUpdate, 8),
		msgsErr:     make(chan error, 8),
		profCh:      make(chan remote.ProfileUpdate, 8),
		profErr:     make(chan error, 8),
		setDone:       map[string]bool{},
		completions:   map[string]bool{},
		renamedGroups: map[string]string{},
		renamedLists:  map[string]string{},
		displayNames:  map[string]string{},
		nextID:        "srv-1",
	}
}

func (f *fakeStore) WatchGroups(ctx context.Context, userID string) (<-chan remote.GroupsUpdate, <-chan error) {
	return f.groupsCh, f.grpErr
}
func (f *fakeStore) WatchLists(ctx context.Context, groupID string) (<-chan remote.ListsUpdate, <-chan error) {
	return f.listsCh, f.listsErr
}
func (f *fakeStore) WatchList(ctx context.Context, listID string) (<-chan remote.ListUpdate, <-chan error) {
	return f.listCh, f.listErr
}
func (f *fakeStore) WatchItems(ctx context.Context, listID string) (<-chan remote.ItemsUpdate, <-chan error) {
	return f.itemsCh, f.itemsErr
}
func (f *fakeStore) WatchMessages(ctx context.Context, groupID string) (<-chan remote.MessagesUpdate, <-chan error) {
	return f.msgsCh, f.msgsErr
}
func (f *fakeStore) WatchProfile(ctx context.Context, uid string) (<-chan remote.ProfileUpdate, <-chan error) {
	return f.profCh, f.profErr
}

func (f *fakeStore) Profile(ctx context.Context, uid string) (*model.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.profiles {
		if f.profiles[i].UID == uid {
			p := f.profiles[i]
			return &p, nil
		}
	}
	return f.profile, nil
}
func (f *fakeStore) ProfileByDisplayName(ctx context.Context, displayName string) (*model.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.profiles {
		if f.profiles[i].DisplayName == displayName {
			p := f.profiles[i]
			return &p, nil
		}
	}
	if f.profile != nil && f.profile.DisplayName == displayName {
		return f.profile, nil
	}
	return nil, nil
}
func (f *fakeStore) GroupsByMember(ctx context.Context, userID string) ([]model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups, nil
}
func (f *fakeStore) ListsByGroup(ctx context.Context, groupID string) ([]model.ShoppingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists, nil
}
func (f *fakeStore) ItemsByList(ctx context.Context, listID string) ([]model.ShoppingItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, nil
}
func (f *fakeStore) MessagesByGroup(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeStore) CreateGroup(ctx context.Context, g model.Group) (string, error) {
	return f.nextID, nil
}
func (f *fakeStore) UpdateGroupName(ctx context.Context, groupID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamedGroups[groupID] = name
	return nil
}
func (f *fakeStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberAdds = append(f.memberAdds, [2]string{groupID, userID})
	return nil
}
func (f *fakeStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberRemovals = append(f.memberRemovals, [2]string{groupID, userID})
	return nil
}
func (f *fakeStore) DeleteGroup(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedGroups = append(f.deletedGroups, groupID)
	return nil
}
func (f *fakeStore) CreateList(ctx context.Context, l model.ShoppingList) (string, error) {
	return f.nextID, nil
}
func (f *fakeStore) RenameList(ctx context.Context, listID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamedLists[listID] = name
	return nil
}
func (f *fakeStore) DeleteList(ctx context.Context, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedLists = append(f.deletedLists, listID)
	return nil
}
func (f *fakeStore) AddItem(ctx context.Context, it model.ShoppingItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addItemErr != nil {
		return "", f.addItemErr
	}
	f.addedItems = append(f.addedItems, it)
	return f.nextID, nil
}
func (f *fakeStore) SetItemDone(ctx context.Context, itemID string, done bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setDoneErr != nil {
		return f.setDoneErr
	}
	f.setDone[itemID] = done
	return nil
}
func (f *fakeStore) UpdateItemText(ctx context.Context, itemID, text string) error { return nil }
func (f *fakeStore) DeleteItem(ctx context.Context, itemID string) error           { return nil }
func (f *fakeStore) TouchList(ctx context.Context, listID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, listID)
	return nil
}
func (f *fakeStore) SetListCompletion(ctx context.Context, listID string, complete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[listID] = complete
	return nil
}
func (f *fakeStore) AddMessage(ctx context.Context, groupID string, msg model.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addItemErr != nil {
		return "", f.addItemErr
	}
	f.addedMsgs = append(f.addedMsgs, msg)
	return f.nextID, nil
}

func (f *fakeStore) UpdateDisplayName(ctx context.Context, uid, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayNames[uid] = displayName
	return nil
}

func (f *fakeStore) setItemDoneCalls() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for k, v := range f.setDone {
		out[k] = v
	}
	return out
}

// setupEngine builds an engine over an in-memory device database, a
// temp-dir snapshot store, and the fake remote store.
func setupEngine(t *testing.T, store remote.Store, online bool) (*Engine, *snapshot.Store, *ledger.Ledger, *netwatch.Monitor) {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	kv := device.NewKV(db)
	led := ledger.New(kv)
	snaps := snapshot.NewStore(t.TempDir(), "")
	net := netwatch.New(online)

	e := NewEngine(Config{
		Store:    store,
		Ledger:   led,
		Snapshot: snaps,
		Visits:   unread.NewVisitLog(kv),
		Net:      net,
		Logger:   slog.Default(),
		UserID:   "user-1",
	})
	return e, snaps, led, net
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
