// Package unread computes per-scope "has unseen activity" flags from the
// entity streams and an on-device last-visited log. Read status is local
// to the device by design: visits from other devices are never reconciled.
package unread

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vich3er/cursova/internal/device"
	"github.com/vich3er/cursova/internal/model"
)

// VisitLog records when each scope (group, list, chat) was last opened.
// Values are unix-millisecond strings, one key per scope.
type VisitLog struct {
	kv  *device.KV
	now func() time.Time
}

func NewVisitLog(kv *device.KV) *VisitLog {
	return &VisitLog{kv: kv, now: time.Now}
}

func chatKey(groupID string) string { return "chat_last_visit_" + groupID }
func listKey(listID string) string  { return "list_last_visit_" + listID }
func groupKey(groupID string) string {
	return "group_last_visit_" + groupID
}

func (v *VisitLog) mark(key string) error {
	ms := strconv.FormatInt(v.now().UnixMilli(), 10)
	if err := v.kv.Set(key, ms); err != nil {
		return fmt.Errorf("mark visit: %w", err)
	}
	return nil
}

func (v *VisitLog) last(key string) (time.Time, error) {
	raw, ok, err := v.kv.Get(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read visit: %w", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// MarkChatRead stamps the chat scope with "now". Called unconditionally
// when the chat screen gains focus.
func (v *VisitLog) MarkChatRead(groupID string) error {
	return v.mark(chatKey(groupID))
}

// LastChatVisit returns the last chat visit, or the zero time if never
// visited.
func (v *VisitLog) LastChatVisit(groupID string) (time.Time, error) {
	return v.last(chatKey(groupID))
}

// MarkListRead stamps the list scope with "now".
func (v *VisitLog) MarkListRead(listID string) error {
	return v.mark(listKey(listID))
}

// LastListVisit returns the last list visit, or the zero time if never
// visited.
func (v *VisitLog) LastListVisit(listID string) (time.Time, error) {
	return v.last(listKey(listID))
}

// MarkGroupVisited stamps the group scope with "now".
func (v *VisitLog) MarkGroupVisited(groupID string) error {
	return v.mark(groupKey(groupID))
}

// HasVisitedGroup reports whether the group screen was ever opened on this
// device.
func (v *VisitLog) HasVisitedGroup(groupID string) (bool, error) {
	_, ok, err := v.kv.Get(groupKey(groupID))
	if err != nil {
		return false, fmt.Errorf("read group visit: %w", err)
	}
	return ok, nil
}

// ListUnread reports whether a list changed after the viewer's last visit,
// ignoring the viewer's own changes.
func ListUnread(l *model.ShoppingList, lastVisit time.Time, viewerID string) bool {
	if l == nil {
		return false
	}
	return l.LastActivity().After(lastVisit) && l.LastActor() != viewerID
}

// ChatUnread reports whether any message arrived after the viewer's last
// visit from another sender.
func ChatUnread(msgs []model.ChatMessage, lastVisit time.Time, viewerID string) bool {
	for _, m := range msgs {
		if m.CreatedAt.After(lastVisit) && m.UserID != viewerID {
			return true
		}
	}
	return false
}

// ListHasUnread is ListUnread against the stored visit log.
func (v *VisitLog) ListHasUnread(l *model.ShoppingList, viewerID string) (bool, error) {
	if l == nil {
		return false, nil
	}
	lastVisit, err := v.LastListVisit(l.ID)
	if err != nil {
		return false, err
	}
	return ListUnread(l, lastVisit, viewerID), nil
}

// ChatHasUnread is ChatUnread against the stored visit log.
func (v *VisitLog) ChatHasUnread(groupID string, msgs []model.ChatMessage, viewerID string) (bool, error) {
	lastVisit, err := v.LastChatVisit(groupID)
	if err != nil {
		return false, err
	}
	return ChatUnread(msgs, lastVisit, viewerID), nil
}

// GroupHasUnread aggregates: a group is unread if its chat is unread or
// any of its lists is.
func (v *VisitLog) GroupHasUnread(groupID string, msgs []model.ChatMessage, lists []model.ShoppingList, viewerID string) (bool, error) {
	chatUnread, err := v.ChatHasUnread(groupID, msgs, viewerID)
	if err != nil {
		return false, err
	}
	if chatUnread {
		return true, nil
	}
	for i := range lists {
		listUnread, err := v.ListHasUnread(&lists[i], viewerID)
		if err != nil {
			return false, err
		}
		if listUnread {
			return true, nil
		}
	}
	return false, nil
}
