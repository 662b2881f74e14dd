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

// ListState is the reconciled view-model for one list screen: the ordered,
// overlay-applied item collection plus derived metadata.
type ListState struct {
	List         *model.ShoppingList
	Group        *model.Group
	Items        []model.ShoppingItem
	Pending      map[string]bool
	FromSnapshot bool
}

// ListFeed reconciles one list's items from the snapshot seed, the live
// stream, and the pending-toggle overlay, and carries the mutation
// pipeline for that list.
type ListFeed struct {
	e      *Engine
	listID string

	// PreferLargerTentative keeps the "more data is better than less"
	// heuristic of step 4 of the replacement policy. Disabling it makes
	// every tentative emission replace displayed state. It must be set
	// before Run.
	PreferLargerTentative bool

	mu       gosync.Mutex
	list     *model.ShoppingList
	group    *model.Group
	items    []model.ShoppingItem
	seeded   bool
	baseline int
	updates  chan ListState
}

// ListFeed creates the feed for one list screen.
func (e *Engine) ListFeed(listID string) *ListFeed {
	return &ListFeed{
		e:                     e,
		listID:                listID,
		PreferLargerTentative: true,
		updates:               make(chan ListState, 16),
	}
}

// Updates delivers reconciled states, most recent last. Old states are
// dropped when the consumer falls behind.
func (f *ListFeed) Updates() <-chan ListState { return f.updates }

// Run seeds from the snapshot, attaches the live streams, and blocks until
// ctx is cancelled. Emissions arriving after cancellation are discarded by
// the subscription itself.
func (f *ListFeed) Run(ctx context.Context) {
	f.seedFromSnapshot()

	if err := f.e.visits.MarkListRead(f.listID); err != nil {
		f.e.logger.Warn("mark list read", "list", f.listID, "error", err)
	}
	if f.e.net.Online() {
		f.e.DrainPending(ctx)
	}

	itemsCh, itemErrs := f.e.store.WatchItems(ctx, f.listID)
	listCh, listErrs := f.e.store.WatchList(ctx, f.listID)
	netCh, cancelNet := f.e.net.Subscribe()
	defer cancelNet()

	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-itemsCh:
			if !ok {
				itemsCh = nil
				continue
			}
			f.applyItems(upd)
		case err, ok := <-itemErrs:
			if !ok {
				itemErrs = nil
				continue
			}
			f.handleStreamError(err)
		case upd, ok := <-listCh:
			if !ok {
				listCh = nil
				continue
			}
			f.applyList(upd)
		case err, ok := <-listErrs:
			if !ok {
				listErrs = nil
				continue
			}
			f.handleStreamError(err)
		case online := <-netCh:
			if online {
				f.e.DrainPending(ctx)
			}
		}
	}
}

// MarkRead stamps the list's visit timestamp. Called whenever the screen
// gains focus.
func (f *ListFeed) MarkRead() error {
	return f.e.visits.MarkListRead(f.listID)
}

// seedFromSnapshot renders snapshot-derived state before any live data has
// arrived: first paint works offline and without latency.
func (f *ListFeed) seedFromSnapshot() {
	snap, err := f.e.snaps.Read()
	if err != nil {
		f.e.logger.Warn("read snapshot", "error", err)
		return
	}
	if snap == nil {
		return
	}

	items := snap.ItemsForList(f.listID)
	overlay, err := f.e.ledger.All()
	if err != nil {
		f.e.logger.Warn("read pending overlay", "error", err)
	}
	items = applyOverlay(items, overlay)

	var list *model.ShoppingList
	var group *model.Group
	if l := snap.ListByID(f.listID); l != nil {
		c := *l
		list = &c
		if g := snap.GroupByID(l.GroupID); g != nil {
			gc := *g
			group = &gc
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.list = list
	f.group = group
	if len(items) > 0 {
		f.items = items
		f.seeded = true
		f.baseline = len(items)

		allDone := AllDone(items)
		if f.list != nil {
			f.list.IsComplete = allDone
			// The stored bundle keeps the derived flag consistent with
			// what the overlay just changed.
			if err := f.e.snaps.SetListCompletion(f.listID, allDone); err != nil {
				f.e.logger.Warn("patch snapshot completion", "list", f.listID, "error", err)
			}
		}
	}
	f.publishLocked()
}

// applyItems runs the replacement policy on one live emission.
func (f *ListFeed) applyItems(upd remote.ItemsUpdate) {
	overlay, err := f.e.ledger.All()
	if err != nil {
		f.e.logger.Warn("read pending overlay", "error", err)
	}
	items := applyOverlay(upd.Items, overlay)

	f.mu.Lock()
	defer f.mu.Unlock()

	authoritative := !upd.FromCache
	accept := authoritative
	if !accept {
		if !f.seeded {
			accept = len(items) > 0
		} else if f.PreferLargerTentative {
			accept = len(items) > f.baseline
		} else {
			accept = true
		}
	}
	if !accept {
		return
	}

	// An optimistic local insertion not yet mirrored by the stream is
	// matched on creator, content, and timestamp proximity; matched
	// entries yield to the authoritative ones, unmatched ones stay
	// prepended.
	var retained []model.ShoppingItem
	for _, it := range f.items {
		if !strings.HasPrefix(it.ID, tempIDPrefix) {
			continue
		}
		if !itemMirrored(items, it) {
			retained = append(retained, it)
		}
	}
	f.items = append(retained, items...)
	if len(items) > f.baseline {
		f.baseline = len(items)
	}

	if len(f.items) > 0 && f.list != nil {
		f.list.IsComplete = AllDone(f.items)
	}
	f.publishLocked()
}

func (f *ListFeed) applyList(upd remote.ListUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if upd.List == nil {
		// List deleted remotely; items cascade with it.
		f.list = nil
		f.items = nil
		f.publishLocked()
		return
	}

	l := *upd.List
	if len(f.items) > 0 {
		l.IsComplete = AllDone(f.items)
	}
	f.list = &l
	f.publishLocked()
}

// handleStreamError treats permission or transient stream failures as "no
// update", never as "no data": snapshot-derived state stays on screen.
func (f *ListFeed) handleStreamError(err error) {
	cerr := remote.Classify(err)
	switch cerr.Kind {
	case remote.KindTransient:
		// Will retry; keep whatever is displayed.
	case remote.KindPermission:
		f.mu.Lock()
		if !f.seeded {
			f.items = nil
			f.publishLocked()
		}
		f.mu.Unlock()
	default:
		f.e.logger.Error("list stream", "list", f.listID, "error", err)
	}
}

// Toggle flips an item's done flag optimistically. The pending entry
// survives connectivity-class failures and is retried on reconnection;
// any other failure rolls the item back and returns the classified error.
func (f *ListFeed) Toggle(ctx context.Context, itemID string) error {
	f.mu.Lock()
	idx := -1
	for i := range f.items {
		if f.items[i].ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.mu.Unlock()
		return remote.NewValidation("unknown item")
	}
	prevDone := f.items[idx].IsDone
	newDone := !prevDone
	prevComplete := AllDone(f.items)

	f.items[idx].IsDone = newDone
	allDone := AllDone(f.items)
	if f.list != nil {
		f.list.IsComplete = allDone
	}
	f.publishLocked()
	f.mu.Unlock()

	// Durable intent before the remote write: the toggle survives a
	// process restart while unconfirmed.
	if err := f.e.ledger.SetPending(itemID, newDone); err != nil {
		f.e.logger.Error("persist pending toggle", "item", itemID, "error", err)
	}
	if err := f.e.snaps.SetItemDone(itemID, newDone); err != nil {
		f.e.logger.Warn("patch snapshot item", "item", itemID, "error", err)
	}
	if err := f.e.snaps.SetListCompletion(f.listID, allDone); err != nil {
		f.e.logger.Warn("patch snapshot completion", "list", f.listID, "error", err)
	}

	opID := f.e.tracker.Add(OpItem, "toggle item")
	defer f.e.tracker.Remove(opID)

	if f.e.net.Offline() {
		// Deferred: the ledger entry stays and is drained when
		// connectivity returns.
		return remote.ErrOffline
	}

	if err := f.e.store.SetItemDone(ctx, itemID, newDone); err != nil {
		cerr := remote.Classify(err)
		if cerr.Kind == remote.KindTransient {
			return cerr
		}

		// Rejected: roll everything back to the pre-mutation value.
		f.mu.Lock()
		for i := range f.items {
			if f.items[i].ID == itemID {
				f.items[i].IsDone = prevDone
				break
			}
		}
		if f.list != nil {
			f.list.IsComplete = AllDone(f.items)
		}
		f.publishLocked()
		f.mu.Unlock()

		if err := f.e.ledger.Clear(itemID); err != nil {
			f.e.logger.Error("clear pending toggle", "item", itemID, "error", err)
		}
		if err := f.e.snaps.SetItemDone(itemID, prevDone); err != nil {
			f.e.logger.Warn("revert snapshot item", "item", itemID, "error", err)
		}
		if err := f.e.snaps.SetListCompletion(f.listID, prevComplete); err != nil {
			f.e.logger.Warn("revert snapshot completion", "list", f.listID, "error", err)
		}
		return cerr
	}

	// Confirmed.
	f.e.touchList(ctx, f.listID)
	f.e.recomputeListCompletion(ctx, f.listID)
	if err := f.e.ledger.Clear(itemID); err != nil {
		f.e.logger.Error("clear pending toggle", "item", itemID, "error", err)
	}
	return nil
}

// AddItem inserts a new item optimistically under a temporary id. The
// authoritative stream emission replaces it per the matching rule; a
// failed remote write removes it from displayed state.
func (f *ListFeed) AddItem(ctx context.Context, text, photoURL string) (model.ShoppingItem, error) {
	text = validate.Sanitize(text)
	if err := validate.ItemName(text); err != nil {
		return model.ShoppingItem{}, err
	}
	if f.e.net.Offline() {
		return model.ShoppingItem{}, remote.ErrOffline
	}

	item := model.ShoppingItem{
		ID:             tempIDPrefix + uuid.NewString(),
		ShoppingListID: f.listID,
		Text:           text,
		AddedBy:        f.e.userID,
		CreatedAt:      time.Now(),
		PhotoURL:       photoURL,
	}

	f.mu.Lock()
	f.items = append([]model.ShoppingItem{item}, f.items...)
	if f.list != nil {
		f.list.IsComplete = false
	}
	f.publishLocked()
	f.mu.Unlock()

	opID := f.e.tracker.Add(OpItem, "add item")
	defer f.e.tracker.Remove(opID)

	remoteItem := item
	remoteItem.ID = ""
	if _, err := f.e.store.AddItem(ctx, remoteItem); err != nil {
		f.removeItem(item.ID)
		return model.ShoppingItem{}, remote.Classify(err)
	}

	f.e.touchList(ctx, f.listID)
	f.e.recomputeListCompletion(ctx, f.listID)
	return item, nil
}

// EditItem updates an item's text. Editing requires connectivity.
func (f *ListFeed) EditItem(ctx context.Context, itemID, text string) error {
	text = validate.Sanitize(text)
	if err := validate.ItemName(text); err != nil {
		return err
	}
	if f.e.net.Offline() {
		return remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpItem, "edit item")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.UpdateItemText(ctx, itemID, text); err != nil {
		return remote.Classify(err)
	}

	f.mu.Lock()
	for i := range f.items {
		if f.items[i].ID == itemID {
			f.items[i].Text = text
			break
		}
	}
	f.publishLocked()
	f.mu.Unlock()

	f.e.touchList(ctx, f.listID)
	return nil
}

// DeleteItem removes an item. Deletion requires connectivity.
func (f *ListFeed) DeleteItem(ctx context.Context, itemID string) error {
	if f.e.net.Offline() {
		return remote.ErrOffline
	}

	opID := f.e.tracker.Add(OpItem, "delete item")
	defer f.e.tracker.Remove(opID)

	if err := f.e.store.DeleteItem(ctx, itemID); err != nil {
		return remote.Classify(err)
	}

	f.removeItem(itemID)
	f.e.touchList(ctx, f.listID)
	f.e.recomputeListCompletion(ctx, f.listID)
	return nil
}

func (f *ListFeed) removeItem(itemID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.items[:0]
	for _, it := range f.items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	f.items = kept
	if f.list != nil {
		f.list.IsComplete = AllDone(f.items)
	}
	f.publishLocked()
}

// State returns the current reconciled state.
func (f *ListFeed) State() ListState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *ListFeed) stateLocked() ListState {
	items := make([]model.ShoppingItem, len(f.items))
	copy(items, f.items)

	pending := map[string]bool{}
	if overlay, err := f.e.ledger.All(); err == nil {
		for id := range overlay {
			pending[id] = true
		}
	}
	for _, it := range items {
		if strings.HasPrefix(it.ID, tempIDPrefix) {
			pending[it.ID] = true
		}
	}

	st := ListState{
		Items:        items,
		Pending:      pending,
		FromSnapshot: f.seeded,
	}
	if f.list != nil {
		l := *f.list
		st.List = &l
	}
	if f.group != nil {
		g := *f.group
		st.Group = &g
	}
	return st
}

func (f *ListFeed) publishLocked() {
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

// applyOverlay returns items with the pending-ledger values applied to the
// done flag, so a user's own unconfirmed toggle is never visually reverted
// by a stale read.
func applyOverlay(items []model.ShoppingItem, overlay map[string]bool) []model.ShoppingItem {
	if len(items) == 0 || len(overlay) == 0 {
		return items
	}
	out := make([]model.ShoppingItem, len(items))
	copy(out, items)
	for i := range out {
		if done, ok := overlay[out[i].ID]; ok {
			out[i].IsDone = done
		}
	}
	return out
}

// itemMirrored reports whether an optimistic item already appears in the
// incoming collection under its server-assigned id.
func itemMirrored(incoming []model.ShoppingItem, temp model.ShoppingItem) bool {
	for _, in := range incoming {
		if in.AddedBy == temp.AddedBy &&
			in.Text == temp.Text &&
			absDuration(in.CreatedAt.Sub(temp.CreatedAt)) < matchWindow {
			return true
		}
	}
	return false
}
