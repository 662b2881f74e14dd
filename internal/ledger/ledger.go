// Package ledger implements the durable pending-write ledger: a map of
// item id to the locally-applied but unconfirmed done value. Entries are
// written before the remote write is attempted and removed once the write
// is confirmed or explicitly reverted.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vich3er/cursova/internal/device"
)

const storageKey = "pending_item_toggles"

// Ledger persists pending toggles as a single flat JSON object under one
// storage key. The mutex makes each read-modify-write sequence atomic when
// callers run on separate goroutines.
type Ledger struct {
	mu sync.Mutex
	kv *device.KV
}

func New(kv *device.KV) *Ledger {
	return &Ledger{kv: kv}
}

func (l *Ledger) load() (map[string]bool, error) {
	raw, ok, err := l.kv.Get(storageKey)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if !ok {
		return map[string]bool{}, nil
	}
	var pending map[string]bool
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		// Corrupt ledger content is discarded rather than propagated;
		// the overlay degrades to empty.
		return map[string]bool{}, nil
	}
	return pending, nil
}

func (l *Ledger) save(pending map[string]bool) error {
	if len(pending) == 0 {
		// Remove the key entirely instead of storing an empty map so the
		// ledger's storage footprint stays bounded.
		return l.kv.Remove(storageKey)
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := l.kv.Set(storageKey, string(raw)); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// SetPending upserts the desired done value for an item. A later call for
// the same item replaces the earlier one; there is never more than one
// entry per item.
func (l *Ledger) SetPending(itemID string, done bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, err := l.load()
	if err != nil {
		return err
	}
	pending[itemID] = done
	return l.save(pending)
}

// All returns the full overlay, ready to be applied onto a freshly received
// item collection. The returned map is owned by the caller.
func (l *Ledger) All() (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Clear removes the entry for one item after remote confirmation or an
// explicit revert. Clearing an absent entry is a no-op.
func (l *Ledger) Clear(itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := pending[itemID]; !ok {
		return nil
	}
	delete(pending, itemID)
	return l.save(pending)
}
