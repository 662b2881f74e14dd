// Package snapshot implements the local snapshot store: a durable
// full-copy of every entity the user can see, written wholesale on each
// backup cycle and read once at session start to remove first-paint
// latency and give degraded offline functionality.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vich3er/cursova/internal/model"
)

// Version tags the snapshot layout for staleness reasoning.
const Version = "1.1"

const fileName = "shopping_list_backup.json"

// Snapshot is the versioned full-data bundle. It is created or overwritten
// wholesale; it is never partially patched on disk.
type Snapshot struct {
	Version      string                         `json:"version"`
	Timestamp    int64                          `json:"timestamp"`
	UserID       string                         `json:"userId"`
	UserProfile  *model.UserProfile             `json:"userProfile"`
	Groups       []model.Group                  `json:"groups"`
	Lists        []model.ShoppingList           `json:"lists"`
	Items        []model.ShoppingItem           `json:"items"`
	ChatMessages map[string][]model.ChatMessage `json:"chatMessages"`
}

// New returns an empty snapshot bundle stamped with the current time.
func New(userID string) *Snapshot {
	return &Snapshot{
		Version:      Version,
		Timestamp:    time.Now().UnixMilli(),
		UserID:       userID,
		ChatMessages: map[string][]model.ChatMessage{},
	}
}

// ItemsForList returns the snapshot items belonging to one list.
func (s *Snapshot) ItemsForList(listID string) []model.ShoppingItem {
	var items []model.ShoppingItem
	for _, it := range s.Items {
		if it.ShoppingListID == listID {
			items = append(items, it)
		}
	}
	return items
}

// ListByID returns the snapshot list with the given id, or nil.
func (s *Snapshot) ListByID(listID string) *model.ShoppingList {
	for i := range s.Lists {
		if s.Lists[i].ID == listID {
			return &s.Lists[i]
		}
	}
	return nil
}

// GroupByID returns the snapshot group with the given id, or nil.
func (s *Snapshot) GroupByID(groupID string) *model.Group {
	for i := range s.Groups {
		if s.Groups[i].ID == groupID {
			return &s.Groups[i]
		}
	}
	return nil
}

// Store persists the snapshot as one JSON file under dir, optionally
// encrypted at rest. Reads and writes are independent of network
// reachability.
type Store struct {
	mu         sync.Mutex
	dir        string
	passphrase string
}

// NewStore creates a snapshot store rooted at dir. An empty passphrase
// stores the bundle as plain JSON; a non-empty one encrypts it at rest.
func NewStore(dir, passphrase string) *Store {
	return &Store{dir: dir, passphrase: passphrase}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, fileName)
}

// Write durably persists the bundle, atomically replacing any prior
// snapshot. The caller must not crash on failure, only log.
func (s *Store) Write(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(snap)
}

// Read returns the most recent snapshot, or nil if none exists or the
// stored content cannot be decoded. Corrupt content is treated as absent,
// not as an error.
func (s *Store) Read() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) read() (*Snapshot, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if s.passphrase != "" {
		data, err = Decrypt(data, s.passphrase)
		if err != nil {
			return nil, nil
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// Delete removes the stored snapshot. Deleting an absent snapshot is not
// an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Info describes the stored snapshot file.
type Info struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Stat returns metadata about the stored snapshot without decoding it.
func (s *Store) Stat() (Info, error) {
	fi, err := os.Stat(s.path())
	if os.IsNotExist(err) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("stat snapshot: %w", err)
	}
	return Info{Exists: true, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// SetItemDone patches one item's done flag inside the stored bundle. A
// missing snapshot or unknown item id is a no-op: the snapshot is a cache,
// never a source of truth.
func (s *Store) SetItemDone(itemID string, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read()
	if err != nil || snap == nil {
		return err
	}
	patched := false
	for i := range snap.Items {
		if snap.Items[i].ID == itemID {
			snap.Items[i].IsDone = done
			patched = true
			break
		}
	}
	if !patched {
		return nil
	}
	return s.writeLocked(snap)
}

// SetListCompletion patches one list's completion flag inside the stored
// bundle, keeping the snapshot's derived state consistent with what the
// user last saw.
func (s *Store) SetListCompletion(listID string, complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read()
	if err != nil || snap == nil {
		return err
	}
	patched := false
	for i := range snap.Lists {
		if snap.Lists[i].ID == listID {
			snap.Lists[i].IsComplete = complete
			patched = true
			break
		}
	}
	if !patched {
		return nil
	}
	return s.writeLocked(snap)
}

func (s *Store) writeLocked(snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if s.passphrase != "" {
		data, err = Encrypt(data, s.passphrase)
		if err != nil {
			return err
		}
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
