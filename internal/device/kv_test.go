package device

import (
	"testing"

	"github.com/vich3er/cursova/internal/database"
)

func setupKV(t *testing.T) *KV {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewKV(db)
}

func TestGetMissingKey(t *testing.T) {
	kv := setupKV(t)

	_, ok, err := kv.Get("absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected absent key")
	}
}

func TestSetGetOverwrite(t *testing.T) {
	kv := setupKV(t)

	if err := kv.Set("k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := kv.Get("k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v != "v1" {
		t.Errorf("value = %q, want %q", v, "v1")
	}

	if err := kv.Set("k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = kv.Get("k")
	if v != "v2" {
		t.Errorf("value after overwrite = %q, want %q", v, "v2")
	}
}

func TestRemove(t *testing.T) {
	kv := setupKV(t)

	if err := kv.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Remove("k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, ok, _ := kv.Get("k")
	if ok {
		t.Error("expected key removed")
	}

	// Removing an absent key is not an error.
	if err := kv.Remove("k"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
}
