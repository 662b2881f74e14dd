// Package firestore adapts Cloud Firestore to the remote.Store boundary.
//
// The server-side Go SDK has no offline cache, so every emission from this
// adapter is authoritative (FromCache is always false). The tentative path
// exists for store implementations that do serve from a local cache; the
// engine exercises it through fakes.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	fs "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
)

const (
	colUsers    = "users"
	colGroups   = "groups"
	colLists    = "shoppingLists"
	colItems    = "items"
	colChats    = "chats"
	colMessages = "messages"
)

// watchBackoff is the pause before re-attaching a watch after a transient
// stream failure.
const watchBackoff = 3 * time.Second

// Config holds Firestore connection settings.
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// Store implements remote.Store on Cloud Firestore.
type Store struct {
	client *fs.Client
	logger *slog.Logger
}

// New connects to Firestore for the configured project.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) messages(groupID string) *fs.CollectionRef {
	return s.client.Collection(colChats).Doc(groupID).Collection(colMessages)
}

// watch runs attach until ctx ends, re-attaching after transient failures
// and reporting every classified error on errs. Permission and unexpected
// errors terminate the watch.
func (s *Store) watch(ctx context.Context, name string, errs chan<- error, attach func(ctx context.Context) error) {
	for {
		err := attach(ctx)
		if ctx.Err() != nil {
			return
		}
		cerr := remote.Classify(err)
		s.logger.Warn("watch interrupted", "watch", name, "kind", cerr.Kind.String(), "error", err)
		select {
		case errs <- cerr:
		case <-ctx.Done():
			return
		}
		if cerr.Kind != remote.KindTransient {
			return
		}
		select {
		case <-time.After(watchBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// --- Watcher ---

func (s *Store) WatchGroups(ctx context.Context, userID string) (<-chan remote.GroupsUpdate, <-chan error) {
	updates := make(chan remote.GroupsUpdate)
	errs := make(chan error, 1)
	q := s.client.Collection(colGroups).Where("members", "array-contains", userID)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "groups", errs, func(ctx context.Context) error {
			it := q.Snapshots(ctx)
			defer it.Stop()
			for {
				qsnap, err := it.Next()
				if err != nil {
					return err
				}
				groups, err := decodeGroups(qsnap.Documents)
				if err != nil {
					return err
				}
				select {
				case updates <- remote.GroupsUpdate{Groups: groups}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

func (s *Store) WatchLists(ctx context.Context, groupID string) (<-chan remote.ListsUpdate, <-chan error) {
	updates := make(chan remote.ListsUpdate)
	errs := make(chan error, 1)
	q := s.client.Collection(colLists).Where("groupId", "==", groupID)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "lists", errs, func(ctx context.Context) error {
			it := q.Snapshots(ctx)
			defer it.Stop()
			for {
				qsnap, err := it.Next()
				if err != nil {
					return err
				}
				lists, err := decodeLists(qsnap.Documents)
				if err != nil {
					return err
				}
				select {
				case updates <- remote.ListsUpdate{Lists: lists}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

func (s *Store) WatchList(ctx context.Context, listID string) (<-chan remote.ListUpdate, <-chan error) {
	updates := make(chan remote.ListUpdate)
	errs := make(chan error, 1)
	ref := s.client.Collection(colLists).Doc(listID)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "list", errs, func(ctx context.Context) error {
			it := ref.Snapshots(ctx)
			defer it.Stop()
			for {
				dsnap, err := it.Next()
				if err != nil {
					return err
				}
				var upd remote.ListUpdate
				if dsnap.Exists() {
					var l model.ShoppingList
					if err := dsnap.DataTo(&l); err != nil {
						return err
					}
					l.ID = dsnap.Ref.ID
					upd.List = &l
				}
				select {
				case updates <- upd:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

func (s *Store) WatchItems(ctx context.Context, listID string) (<-chan remote.ItemsUpdate, <-chan error) {
	updates := make(chan remote.ItemsUpdate)
	errs := make(chan error, 1)
	q := s.client.Collection(colItems).
		Where("shoppingListId", "==", listID).
		OrderBy("isDone", fs.Asc).
		OrderBy("createdAt", fs.Desc)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "items", errs, func(ctx context.Context) error {
			it := q.Snapshots(ctx)
			defer it.Stop()
			for {
				qsnap, err := it.Next()
				if err != nil {
					return err
				}
				items, err := decodeItems(qsnap.Documents)
				if err != nil {
					return err
				}
				select {
				case updates <- remote.ItemsUpdate{Items: items}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

func (s *Store) WatchMessages(ctx context.Context, groupID string) (<-chan remote.MessagesUpdate, <-chan error) {
	updates := make(chan remote.MessagesUpdate)
	errs := make(chan error, 1)
	q := s.messages(groupID).OrderBy("createdAt", fs.Desc)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "messages", errs, func(ctx context.Context) error {
			it := q.Snapshots(ctx)
			defer it.Stop()
			for {
				qsnap, err := it.Next()
				if err != nil {
					return err
				}
				msgs, err := decodeMessages(qsnap.Documents)
				if err != nil {
					return err
				}
				select {
				case updates <- remote.MessagesUpdate{Messages: msgs}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

func (s *Store) WatchProfile(ctx context.Context, uid string) (<-chan remote.ProfileUpdate, <-chan error) {
	updates := make(chan remote.ProfileUpdate)
	errs := make(chan error, 1)
	ref := s.client.Collection(colUsers).Doc(uid)

	go func() {
		defer close(updates)
		defer close(errs)
		s.watch(ctx, "profile", errs, func(ctx context.Context) error {
			it := ref.Snapshots(ctx)
			defer it.Stop()
			for {
				dsnap, err := it.Next()
				if err != nil {
					return err
				}
				var upd remote.ProfileUpdate
				if dsnap.Exists() {
					var p model.UserProfile
					if err := dsnap.DataTo(&p); err != nil {
						return err
					}
					upd.Profile = &p
				}
				select {
				case updates <- upd:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}()
	return updates, errs
}

// --- Querier ---

func (s *Store) Profile(ctx context.Context, uid string) (*model.UserProfile, error) {
	docs := s.client.Collection(colUsers).Where("uid", "==", uid).Limit(1).Documents(ctx)
	defer docs.Stop()

	doc, err := docs.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	var p model.UserProfile
	if err := doc.DataTo(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (s *Store) ProfileByDisplayName(ctx context.Context, displayName string) (*model.UserProfile, error) {
	docs := s.client.Collection(colUsers).Where("displayName", "==", displayName).Limit(1).Documents(ctx)
	defer docs.Stop()

	doc, err := docs.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile by name: %w", err)
	}
	var p model.UserProfile
	if err := doc.DataTo(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (s *Store) GroupsByMember(ctx context.Context, userID string) ([]model.Group, error) {
	return decodeGroups(s.client.Collection(colGroups).Where("members", "array-contains", userID).Documents(ctx))
}

func (s *Store) ListsByGroup(ctx context.Context, groupID string) ([]model.ShoppingList, error) {
	return decodeLists(s.client.Collection(colLists).Where("groupId", "==", groupID).Documents(ctx))
}

func (s *Store) ItemsByList(ctx context.Context, listID string) ([]model.ShoppingItem, error) {
	return decodeItems(s.client.Collection(colItems).Where("shoppingListId", "==", listID).Documents(ctx))
}

func (s *Store) MessagesByGroup(ctx context.Context, groupID string) ([]model.ChatMessage, error) {
	return decodeMessages(s.messages(groupID).Documents(ctx))
}

// --- Writer ---

func (s *Store) CreateGroup(ctx context.Context, g model.Group) (string, error) {
	ref, _, err := s.client.Collection(colGroups).Add(ctx, g)
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	return ref.ID, nil
}

func (s *Store) UpdateGroupName(ctx context.Context, groupID, name string) error {
	_, err := s.client.Collection(colGroups).Doc(groupID).Update(ctx, []fs.Update{
		{Path: "name", Value: name},
	})
	if err != nil {
		return fmt.Errorf("update group name: %w", err)
	}
	return nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.client.Collection(colGroups).Doc(groupID).Update(ctx, []fs.Update{
		{Path: "members", Value: fs.ArrayUnion(userID)},
	})
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *Store) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.client.Collection(colGroups).Doc(groupID).Update(ctx, []fs.Update{
		{Path: "members", Value: fs.ArrayRemove(userID)},
	})
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// DeleteGroup deletes every item of every list in the group, the lists,
// and finally the group document itself.
func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	lists, err := s.ListsByGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	for _, l := range lists {
		if err := s.DeleteList(ctx, l.ID); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
	}
	if _, err := s.client.Collection(colGroups).Doc(groupID).Delete(ctx); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (s *Store) CreateList(ctx context.Context, l model.ShoppingList) (string, error) {
	ref, _, err := s.client.Collection(colLists).Add(ctx, l)
	if err != nil {
		return "", fmt.Errorf("create list: %w", err)
	}
	return ref.ID, nil
}

func (s *Store) RenameList(ctx context.Context, listID, name string) error {
	_, err := s.client.Collection(colLists).Doc(listID).Update(ctx, []fs.Update{
		{Path: "name", Value: name},
	})
	if err != nil {
		return fmt.Errorf("rename list: %w", err)
	}
	return nil
}

// DeleteList deletes the list's items before the list document.
func (s *Store) DeleteList(ctx context.Context, listID string) error {
	items, err := s.ItemsByList(ctx, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	for _, it := range items {
		if _, err := s.client.Collection(colItems).Doc(it.ID).Delete(ctx); err != nil {
			return fmt.Errorf("delete list item: %w", err)
		}
	}
	if _, err := s.client.Collection(colLists).Doc(listID).Delete(ctx); err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return nil
}

func (s *Store) AddItem(ctx context.Context, it model.ShoppingItem) (string, error) {
	ref, _, err := s.client.Collection(colItems).Add(ctx, it)
	if err != nil {
		return "", fmt.Errorf("add item: %w", err)
	}
	return ref.ID, nil
}

func (s *Store) SetItemDone(ctx context.Context, itemID string, done bool) error {
	_, err := s.client.Collection(colItems).Doc(itemID).Update(ctx, []fs.Update{
		{Path: "isDone", Value: done},
	})
	if err != nil {
		return fmt.Errorf("set item done: %w", err)
	}
	return nil
}

func (s *Store) UpdateItemText(ctx context.Context, itemID, text string) error {
	_, err := s.client.Collection(colItems).Doc(itemID).Update(ctx, []fs.Update{
		{Path: "text", Value: text},
	})
	if err != nil {
		return fmt.Errorf("update item text: %w", err)
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, itemID string) error {
	_, err := s.client.Collection(colItems).Doc(itemID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func (s *Store) TouchList(ctx context.Context, listID, userID string) error {
	_, err := s.client.Collection(colLists).Doc(listID).Update(ctx, []fs.Update{
		{Path: "updatedAt", Value: fs.ServerTimestamp},
		{Path: "lastUpdatedBy", Value: userID},
	})
	if err != nil {
		return fmt.Errorf("touch list: %w", err)
	}
	return nil
}

func (s *Store) SetListCompletion(ctx context.Context, listID string, complete bool) error {
	_, err := s.client.Collection(colLists).Doc(listID).Update(ctx, []fs.Update{
		{Path: "isComplete", Value: complete},
	})
	if err != nil {
		return fmt.Errorf("set list completion: %w", err)
	}
	return nil
}

func (s *Store) AddMessage(ctx context.Context, groupID string, msg model.ChatMessage) (string, error) {
	ref, _, err := s.messages(groupID).Add(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}
	return ref.ID, nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, uid, displayName string) error {
	_, err := s.client.Collection(colUsers).Doc(uid).Update(ctx, []fs.Update{
		{Path: "displayName", Value: displayName},
	})
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// --- decoding ---

func decodeGroups(docs *fs.DocumentIterator) ([]model.Group, error) {
	defer docs.Stop()
	var groups []model.Group
	for {
		doc, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate groups: %w", err)
		}
		var g model.Group
		if err := doc.DataTo(&g); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		g.ID = doc.Ref.ID
		groups = append(groups, g)
	}
	return groups, nil
}

func decodeLists(docs *fs.DocumentIterator) ([]model.ShoppingList, error) {
	defer docs.Stop()
	var lists []model.ShoppingList
	for {
		doc, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate lists: %w", err)
		}
		var l model.ShoppingList
		if err := doc.DataTo(&l); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		l.ID = doc.Ref.ID
		lists = append(lists, l)
	}
	return lists, nil
}

func decodeItems(docs *fs.DocumentIterator) ([]model.ShoppingItem, error) {
	defer docs.Stop()
	var items []model.ShoppingItem
	for {
		doc, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate items: %w", err)
		}
		var it model.ShoppingItem
		if err := doc.DataTo(&it); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		it.ID = doc.Ref.ID
		items = append(items, it)
	}
	return items, nil
}

func decodeMessages(docs *fs.DocumentIterator) ([]model.ChatMessage, error) {
	defer docs.Stop()
	var msgs []model.ChatMessage
	for {
		doc, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate messages: %w", err)
		}
		var m model.ChatMessage
		if err := doc.DataTo(&m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.ID = doc.Ref.ID
		msgs = append(msgs, m)
	}
	return msgs, nil
}
