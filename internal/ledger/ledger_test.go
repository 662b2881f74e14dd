package ledger

import (
	"testing"

	"github.com/vich3er/cursova/internal/database"
	"github.com/vich3er/cursova/internal/device"
)

func setupLedger(t *testing.T) (*Ledger, *device.KV) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	kv := device.NewKV(db)
	return New(kv), kv
}

func TestSetPendingAndAll(t *testing.T) {
	l, _ := setupLedger(t)

	if err := l.SetPending("a", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if err := l.SetPending("b", false); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || !all["a"] || all["b"] {
		t.Errorf("unexpected ledger contents %v", all)
	}
}

func TestSecondToggleSupersedesFirst(t *testing.T) {
	l, _ := setupLedger(t)

	if err := l.SetPending("a", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if err := l.SetPending("a", false); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	all, _ := l.All()
	if len(all) != 1 {
		t.Fatalf("expected one entry, got %d", len(all))
	}
	if all["a"] {
		t.Error("second toggle must supersede the first")
	}
}

func TestClearingLastEntryRemovesKey(t *testing.T) {
	l, kv := setupLedger(t)

	if err := l.SetPending("a", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if err := l.Clear("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	all, _ := l.All()
	if len(all) != 0 {
		t.Errorf("expected empty ledger, got %v", all)
	}
	if _, ok, _ := kv.Get("pending_item_toggles"); ok {
		t.Error("empty ledger must not occupy storage")
	}
}

func TestCorruptStoredValueTreatedAsEmpty(t *testing.T) {
	l, kv := setupLedger(t)

	if err := kv.Set("pending_item_toggles", "{not json"); err != nil {
		t.Fatalf("seed corrupt value: %v", err)
	}

	all, err := l.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("corrupt ledger must read as empty, got %v", all)
	}

	// And it must be writable again.
	if err := l.SetPending("a", true); err != nil {
		t.Fatalf("set after corruption: %v", err)
	}
	all, _ = l.All()
	if !all["a"] {
		t.Error("ledger unusable after corruption")
	}
}
