package unread

import (
	"testing"
	"time"

	"github.com/vich3er/cursova/internal/database"
	"github.com/vich3er/cursova/internal/device"
	"github.com/vich3er/cursova/internal/model"
)

func setupVisits(t *testing.T) *VisitLog {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewVisitLog(device.NewKV(db))
}

func TestListUnreadRules(t *testing.T) {
	now := time.Now()
	l := &model.ShoppingList{
		ID:            "l1",
		CreatedBy:     "other",
		CreatedAt:     now.Add(-2 * time.Hour),
		UpdatedAt:     now.Add(-time.Minute),
		LastUpdatedBy: "other",
	}

	// Never visited: any foreign activity is unread.
	if !ListUnread(l, time.Time{}, "me") {
		t.Error("foreign activity with no visit must be unread")
	}

	// Visited after the change: read.
	if ListUnread(l, now, "me") {
		t.Error("activity before the visit must be read")
	}

	// The viewer's own change never counts.
	l.LastUpdatedBy = "me"
	if ListUnread(l, time.Time{}, "me") {
		t.Error("own activity must not be unread")
	}
}

func TestListUnreadFallsBackToCreation(t *testing.T) {
	now := time.Now()
	l := &model.ShoppingList{
		ID:        "l1",
		CreatedBy: "other",
		CreatedAt: now.Add(-time.Minute),
	}
	if !ListUnread(l, now.Add(-time.Hour), "me") {
		t.Error("creation by another member must count as activity")
	}
}

func TestChatUnread(t *testing.T) {
	now := time.Now()
	msgs := []model.ChatMessage{
		{UserID: "me", CreatedAt: now.Add(-time.Minute)},
		{UserID: "other", CreatedAt: now.Add(-2 * time.Hour)},
	}

	if ChatUnread(msgs, now.Add(-time.Hour), "me") {
		t.Error("own recent message and old foreign message must read as seen")
	}

	msgs = append(msgs, model.ChatMessage{UserID: "other", CreatedAt: now.Add(-time.Second)})
	if !ChatUnread(msgs, now.Add(-time.Hour), "me") {
		t.Error("recent foreign message must be unread")
	}
}

func TestVisitLogRoundtrip(t *testing.T) {
	v := setupVisits(t)

	if last, err := v.LastChatVisit("g1"); err != nil || !last.IsZero() {
		t.Fatalf("fresh visit log: last=%v err=%v", last, err)
	}

	before := time.Now().Add(-time.Second)
	if err := v.MarkChatRead("g1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	last, err := v.LastChatVisit("g1")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Before(before) {
		t.Errorf("visit time %v not stamped with now", last)
	}

	visited, err := v.HasVisitedGroup("g1")
	if err != nil {
		t.Fatalf("has visited: %v", err)
	}
	if visited {
		t.Error("chat visit must not mark the group visited")
	}
	if err := v.MarkGroupVisited("g1"); err != nil {
		t.Fatalf("mark group: %v", err)
	}
	if visited, _ = v.HasVisitedGroup("g1"); !visited {
		t.Error("group visit not recorded")
	}
}

func TestGroupHasUnreadAggregates(t *testing.T) {
	v := setupVisits(t)
	now := time.Now()

	lists := []model.ShoppingList{{
		ID:        "l1",
		CreatedBy: "other",
		CreatedAt: now.Add(-time.Minute),
	}}

	// Foreign list activity alone marks the group.
	u, err := v.GroupHasUnread("g1", nil, lists, "me")
	if err != nil {
		t.Fatalf("group unread: %v", err)
	}
	if !u {
		t.Error("list activity must mark the group unread")
	}

	if err := v.MarkListRead("l1"); err != nil {
		t.Fatalf("mark list: %v", err)
	}
	if u, _ = v.GroupHasUnread("g1", nil, lists, "me"); u {
		t.Error("read list must clear the group flag")
	}

	// A foreign chat message marks it again.
	msgs := []model.ChatMessage{{UserID: "other", CreatedAt: now}}
	if u, _ = v.GroupHasUnread("g1", msgs, lists, "me"); !u {
		t.Error("chat activity must mark the group unread")
	}
}
