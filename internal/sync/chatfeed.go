package sync

import (
	"context"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/vich3er/cursova/internal/model"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/validate"
)

// ChatState is the reconciled view-model for one group's chat screen.
type ChatState struct {
	GroupID      string
	GroupName    string
	Messages     []model.ChatMessage
	FromSnapshot bool
}

// ChatFeed reconciles one group's message history from the snapshot seed
// and the live stream, and sends new messages optimistically.
type ChatFeed struct {
	e       *Engine
	groupID string

	// PreferLargerTentative mirrors the list feed's tentative-emission
	// guard. It must be set before Run.
	PreferLargerTentative bool

	mu       gosync.Mutex
	msgs     []model.ChatMessage
	seeded   bool
	baseline int
	updates  chan ChatState
}

// ChatFeed creates the feed for one group's chat screen.
func (e *Engine) ChatFeed(groupID string) *ChatFeed {
	return &ChatFeed{
		e:                     e,
		groupID:               groupID,
		PreferLargerTentative: true,
		updates:               make(chan ChatState, 16),
	}
}

// Updates delivers reconciled states, most recent last.
func (f *ChatFeed) Updates() <-chan ChatState { return f.updates }

// Run seeds from the snapshot, attaches the message stream, and blocks
// until ctx is cancelled.
func (f *ChatFeed) Run(ctx context.Context) {
	f.seedFromSnapshot()

	if err := f.e.visits.MarkChatRead(f.groupID); err != nil {
		f.e.logger.Warn("mark chat read", "group", f.groupID, "error", err)
	}

	msgCh, errCh := f.e.store.WatchMessages(ctx, f.groupID)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			f.applyMessages(upd)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			f.handleStreamError(err)
		}
	}
}

// MarkRead stamps the chat's visit timestamp. Called whenever the screen
// gains focus and again when it closes, so messages that arrived while it
// was open count as read.
func (f *ChatFeed) MarkRead() error {
	return f.e.visits.MarkChatRead(f.groupID)
}

func (f *ChatFeed) seedFromSnapshot() {
	snap, err := f.e.snaps.Read()
	if err != nil {
		f.e.logger.Warn("read snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}

	msgs := snap.ChatMessages[f.groupID]
	f.mu.Lock()
	defer f.mu.Unlock()
	if g := snap.GroupByID(f.groupID); g != nil {
		f.e.names.Put(f.groupID, g.Name)
	}
	if len(msgs) > 0 {
		f.msgs = append([]model.ChatMessage(nil), msgs...)
		f.seeded = true
		f.baseline = len(msgs)
	}
	f.publishLocked()
}

func (f *ChatFeed) applyMessages(upd remote.MessagesUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	authoritative := !upd.FromCache
	accept := authoritative
	if !accept {
		if !f.seeded {
			accept = len(upd.Messages) > 0
		} else if f.PreferLargerTentative {
			accept = len(upd.Messages) > f.baseline
		} else {
			accept = true
		}
	}
	if !accept {
		return
	}

	// Optimistic sends not yet mirrored by the stream stay prepended,
	// keeping them at the newest end of the descending order; mirrored
	// ones yield to their authoritative twins.
	var retained []model.ChatMessage
	for _, m := range f.msgs {
		if !strings.HasPrefix(m.ID, tempIDPrefix) {
			continue
		}
		if !messageMirrored(upd.Messages, m) {
			retained = append(retained, m)
		}
	}
	f.msgs = append(retained, upd.Messages...)
	if len(upd.Messages) > f.baseline {
		f.baseline = len(upd.Messages)
	}
	f.publishLocked()
}

func (f *ChatFeed) handleStreamError(err error) {
	cerr := remote.Classify(err)
	switch cerr.Kind {
	case remote.KindTransient:
	case remote.KindPermission:
		f.mu.Lock()
		if !f.seeded {
			f.msgs = nil
			f.publishLocked()
		}
		f.mu.Unlock()
	default:
		f.e.logger.Error("message stream", "group", f.groupID, "error", err)
	}
}

// Send appends a message optimistically and writes it remotely. A failed
// write removes the optimistic entry and returns the classified error.
func (f *ChatFeed) Send(ctx context.Context, userName, text string, imageURLs []string) (model.ChatMessage, error) {
	text = validate.Sanitize(text)
	if err := validate.Message(text); err != nil {
		return model.ChatMessage{}, err
	}
	if f.e.net.Offline() {
		return model.ChatMessage{}, remote.ErrOffline
	}

	msg := model.ChatMessage{
		ID:        tempIDPrefix + uuid.NewString(),
		UserID:    f.e.userID,
		UserName:  userName,
		Text:      text,
		ImageURLs: imageURLs,
		CreatedAt: time.Now(),
	}
	if len(imageURLs) > 0 {
		msg.ImageURL = imageURLs[0]
	}

	// The stream delivers newest first; a fresh send belongs at the front.
	f.mu.Lock()
	f.msgs = append([]model.ChatMessage{msg}, f.msgs...)
	f.publishLocked()
	f.mu.Unlock()

	opID := f.e.tracker.Add(OpMessage, "send message")
	defer f.e.tracker.Remove(opID)

	remoteMsg := msg
	remoteMsg.ID = ""
	if _, err := f.e.store.AddMessage(ctx, f.groupID, remoteMsg); err != nil {
		f.mu.Lock()
		kept := f.msgs[:0]
		for _, m := range f.msgs {
			if m.ID != msg.ID {
				kept = append(kept, m)
			}
		}
		f.msgs = kept
		f.publishLocked()
		f.mu.Unlock()
		return model.ChatMessage{}, remote.Classify(err)
	}

	// Our own send counts as having read the chat.
	if err := f.e.visits.MarkChatRead(f.groupID); err != nil {
		f.e.logger.Warn("mark chat read", "group", f.groupID, "error", err)
	}
	return msg, nil
}

// State returns the current reconciled state.
func (f *ChatFeed) State() ChatState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *ChatFeed) stateLocked() ChatState {
	msgs := make([]model.ChatMessage, len(f.msgs))
	copy(msgs, f.msgs)
	name, _ := f.e.names.Get(f.groupID)
	return ChatState{
		GroupID:      f.groupID,
		GroupName:    name,
		Messages:     msgs,
		FromSnapshot: f.seeded,
	}
}

func (f *ChatFeed) publishLocked() {
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

func messageMirrored(incoming []model.ChatMessage, temp model.ChatMessage) bool {
	for _, in := range incoming {
		if in.UserID == temp.UserID &&
			in.Text == temp.Text &&
			absDuration(in.CreatedAt.Sub(temp.CreatedAt)) < matchWindow {
			return true
		}
	}
	return false
}
