// Package remote defines the narrow boundary to the hosted document store.
// The core consumes these interfaces only; the Firestore adapter lives in
// the firestore subpackage and fakes stand in for it in tests.
//
// Every update carries a FromCache provenance flag: false means the data
// round-tripped to the server (an authoritative emission), true means it
// may have been served from the store's own local cache (tentative).
package remote

import (
	"context"

	"github.com/vich3er/cursova/internal/model"
)

type GroupsUpdate struct {
	Groups    []model.Group
	FromCache bool
}

type ListsUpdate struct {
	Lists     []model.ShoppingList
	FromCache bool
}

// ListUpdate carries a single-document emission. A nil List means the
// document is absent.
type ListUpdate struct {
	List      *model.ShoppingList
	FromCache bool
}

type ItemsUpdate struct {
	Items     []model.ShoppingItem
	FromCache bool
}

type MessagesUpdate struct {
	Messages  []model.ChatMessage
	FromCache bool
}

// ProfileUpdate carries the user's profile document. A nil Profile means
// the document is absent.
type ProfileUpdate struct {
	Profile   *model.UserProfile
	FromCache bool
}

// Watcher opens live subscriptions. Each Watch call returns an update
// channel and an error channel; both are owned by the subscription and
// closed when ctx is cancelled. Errors delivered on the error channel are
// already classified (see Classify); a transient stream error does not
// terminate the subscription, a permission error does. Cancellation of ctx
// is the structured release of the subscription: emissions already in
// flight when ctx ends are discarded, never delivered.
type Watcher interface {
	WatchGroups(ctx context.Context, userID string) (<-chan GroupsUpdate, <-chan error)
	WatchLists(ctx context.Context, groupID string) (<-chan ListsUpdate, <-chan error)
	WatchList(ctx context.Context, listID string) (<-chan ListUpdate, <-chan error)
	WatchItems(ctx context.Context, listID string) (<-chan ItemsUpdate, <-chan error)
	WatchMessages(ctx context.Context, groupID string) (<-chan MessagesUpdate, <-chan error)
	WatchProfile(ctx context.Context, uid string) (<-chan ProfileUpdate, <-chan error)
}

// Querier performs one-shot reads, used by backup cycles and remote
// completion recomputation.
type Querier interface {
	Profile(ctx context.Context, uid string) (*model.UserProfile, error)
	ProfileByDisplayName(ctx context.Context, displayName string) (*model.UserProfile, error)
	GroupsByMember(ctx context.Context, userID string) ([]model.Group, error)
	ListsByGroup(ctx context.Context, groupID string) ([]model.ShoppingList, error)
	ItemsByList(ctx context.Context, listID string) ([]model.ShoppingItem, error)
	MessagesByGroup(ctx context.Context, groupID string) ([]model.ChatMessage, error)
}

// Writer performs remote mutations. Creation calls return the
// server-assigned document id. DeleteList and DeleteGroup cascade: a
// list's items are deleted with it, a group's lists (and their items)
// with the group. Errors come back raw; callers classify them with
// Classify.
type Writer interface {
	CreateGroup(ctx context.Context, g model.Group) (string, error)
	UpdateGroupName(ctx context.Context, groupID, name string) error
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	DeleteGroup(ctx context.Context, groupID string) error
	CreateList(ctx context.Context, l model.ShoppingList) (string, error)
	RenameList(ctx context.Context, listID, name string) error
	DeleteList(ctx context.Context, listID string) error
	AddItem(ctx context.Context, it model.ShoppingItem) (string, error)
	SetItemDone(ctx context.Context, itemID string, done bool) error
	UpdateItemText(ctx context.Context, itemID, text string) error
	DeleteItem(ctx context.Context, itemID string) error
	TouchList(ctx context.Context, listID, userID string) error
	SetListCompletion(ctx context.Context, listID string, complete bool) error
	AddMessage(ctx context.Context, groupID string, msg model.ChatMessage) (string, error)
	UpdateDisplayName(ctx context.Context, uid, displayName string) error
}

// Store is the full document-store surface the core depends on.
type Store interface {
	Watcher
	Querier
	Writer
}
