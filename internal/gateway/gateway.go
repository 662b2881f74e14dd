// Package gateway exposes the reconciled state and the mutation pipeline
// to presentation clients over HTTP and WebSocket. It owns the per-screen
// feeds: a feed starts the first time its screen is requested and lives
// for the rest of the session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	gosync "sync"

	ws "github.com/coder/websocket"

	"github.com/vich3er/cursova/internal/backup"
	"github.com/vich3er/cursova/internal/middleware"
	"github.com/vich3er/cursova/internal/netwatch"
	"github.com/vich3er/cursova/internal/remote"
	"github.com/vich3er/cursova/internal/session"
	"github.com/vich3er/cursova/internal/sync"
)

// Gateway wires the engine's feeds to HTTP handlers and the broadcast hub.
type Gateway struct {
	engine  *sync.Engine
	backups *backup.Manager
	net     *netwatch.Monitor
	hub     *Hub
	sess    session.Session
	logger  *slog.Logger

	mu     gosync.Mutex
	ctx    context.Context
	groups *sync.GroupsFeed
	lists  map[string]*sync.ListsFeed
	items  map[string]*sync.ListFeed
	chats  map[string]*sync.ChatFeed
}

func New(engine *sync.Engine, backups *backup.Manager, net *netwatch.Monitor, sess session.Session, logger *slog.Logger) *Gateway {
	return &Gateway{
		engine:  engine,
		backups: backups,
		net:     net,
		hub:     NewHub(logger.With("component", "hub")),
		sess:    sess,
		logger:  logger,
		lists:   map[string]*sync.ListsFeed{},
		items:   map[string]*sync.ListFeed{},
		chats:   map[string]*sync.ChatFeed{},
	}
}

// Hub returns the broadcast hub, for the backup status callback.
func (g *Gateway) Hub() *Hub { return g.hub }

// SetBackups attaches the backup manager after construction. The manager's
// status callback broadcasts on the hub the gateway owns, so the two are
// wired in stages.
func (g *Gateway) SetBackups(m *backup.Manager) { g.backups = m }

// Start attaches the gateway to its session context and starts the root
// feed. Connectivity transitions are broadcast so clients can render an
// offline banner.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	g.groupsFeed()

	netCh, cancelNet := g.net.Subscribe()
	go func() {
		defer cancelNet()
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-netCh:
				g.hub.Broadcast(Event{Type: "connectivity", Payload: map[string]bool{"online": online}})
			}
		}
	}()
}

func (g *Gateway) groupsFeed() *sync.GroupsFeed {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groups != nil {
		return g.groups
	}
	f := g.engine.GroupsFeed()
	g.groups = f
	go f.Run(g.ctx)
	go func() {
		for st := range feedUpdates(g.ctx, f.Updates()) {
			g.hub.Broadcast(Event{Type: "groups_state", Payload: st})
			// Any change to the membership view is a reason to refresh
			// the snapshot.
			g.backups.Request()
		}
	}()
	return f
}

func (g *Gateway) listsFeed(groupID string) *sync.ListsFeed {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.lists[groupID]; ok {
		return f
	}
	f := g.engine.ListsFeed(groupID)
	g.lists[groupID] = f
	go f.Run(g.ctx)
	go func() {
		for st := range feedUpdates(g.ctx, f.Updates()) {
			g.hub.Broadcast(Event{Type: "lists_state", Scope: groupID, Payload: st})
		}
	}()
	return f
}

func (g *Gateway) listFeed(listID string) *sync.ListFeed {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.items[listID]; ok {
		return f
	}
	f := g.engine.ListFeed(listID)
	g.items[listID] = f
	go f.Run(g.ctx)
	go func() {
		for st := range feedUpdates(g.ctx, f.Updates()) {
			g.hub.Broadcast(Event{Type: "list_state", Scope: listID, Payload: st})
		}
	}()
	return f
}

func (g *Gateway) chatFeed(groupID string) *sync.ChatFeed {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.chats[groupID]; ok {
		return f
	}
	f := g.engine.ChatFeed(groupID)
	g.chats[groupID] = f
	go f.Run(g.ctx)
	go func() {
		for st := range feedUpdates(g.ctx, f.Updates()) {
			g.hub.Broadcast(Event{Type: "chat_state", Scope: groupID, Payload: st})
		}
	}()
	return f
}

// feedUpdates adapts a feed's update channel to one that closes when the
// session context ends.
func feedUpdates[T any](ctx context.Context, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-in:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (g *Gateway) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.health)
	mux.HandleFunc("GET /ws", g.serveWS)

	mux.HandleFunc("GET /api/session", g.getSession)
	mux.HandleFunc("PUT /api/session/display-name", g.updateDisplayName)
	mux.HandleFunc("GET /api/sync", g.getSync)
	mux.HandleFunc("POST /api/connectivity", g.setConnectivity)

	mux.HandleFunc("GET /api/groups", g.getGroups)
	mux.HandleFunc("POST /api/groups", g.createGroup)
	mux.HandleFunc("PUT /api/groups/{group_id}", g.renameGroup)
	mux.HandleFunc("DELETE /api/groups/{group_id}", g.deleteGroup)
	mux.HandleFunc("GET /api/groups/{group_id}/members", g.getMembers)
	mux.HandleFunc("POST /api/groups/{group_id}/members", g.addMember)
	mux.HandleFunc("DELETE /api/groups/{group_id}/members/{user_id}", g.removeMember)
	mux.HandleFunc("POST /api/groups/{group_id}/leave", g.leaveGroup)
	mux.HandleFunc("GET /api/groups/{group_id}/lists", g.getLists)
	mux.HandleFunc("POST /api/groups/{group_id}/lists", g.createList)
	mux.HandleFunc("GET /api/groups/{group_id}/messages", g.getMessages)
	mux.HandleFunc("POST /api/groups/{group_id}/messages", g.sendMessage)
	mux.HandleFunc("POST /api/groups/{group_id}/chat-read", g.markChatRead)

	mux.HandleFunc("GET /api/lists/{list_id}", g.getList)
	mux.HandleFunc("PUT /api/lists/{list_id}", g.renameList)
	mux.HandleFunc("DELETE /api/lists/{list_id}", g.deleteList)
	mux.HandleFunc("POST /api/lists/{list_id}/read", g.markListRead)
	mux.HandleFunc("POST /api/lists/{list_id}/items", g.addItem)
	mux.HandleFunc("POST /api/lists/{list_id}/items/{id}/toggle", g.toggleItem)
	mux.HandleFunc("PUT /api/lists/{list_id}/items/{id}", g.editItem)
	mux.HandleFunc("DELETE /api/lists/{list_id}/items/{id}", g.deleteItem)

	mux.HandleFunc("GET /api/backup/status", g.backupStatus)
	mux.HandleFunc("POST /api/backup/run", g.backupRun)

	return middleware.RequestLogger(g.logger.With("component", "http"))(mux)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // local clients only
	})
	if err != nil {
		g.logger.Warn("websocket accept", "error", err)
		return
	}
	NewClient(g.hub, conn).Run(r.Context())
}

// session returns a copy of the current session under the lock; the
// display name can change while the daemon runs.
func (g *Gateway) session() session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess
}

func (g *Gateway) getSession(w http.ResponseWriter, r *http.Request) {
	sess := g.session()
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":       sess.UserID,
		"displayName":  sess.DisplayName(),
		"degraded":     sess.Degraded,
		"fromSnapshot": sess.FromSnapshot,
		"online":       g.net.Online(),
	})
}

func (g *Gateway) updateDisplayName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	sess := g.session()
	current := sess.DisplayName()
	stored, err := g.engine.UpdateDisplayName(r.Context(), current, req.DisplayName)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.mu.Lock()
	if g.sess.Profile != nil {
		p := *g.sess.Profile
		p.DisplayName = stored
		g.sess.Profile = &p
	}
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"displayName": stored})
}

func (g *Gateway) getSync(w http.ResponseWriter, r *http.Request) {
	t := g.engine.Tracker()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":    t.HasPending(),
		"count":      t.Count(),
		"operations": t.Operations(),
	})
}

func (g *Gateway) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	g.net.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

func (g *Gateway) getGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.groupsFeed().State())
}

func (g *Gateway) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	grp, err := g.groupsFeed().CreateGroup(r.Context(), req.Name)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grp)
}

func (g *Gateway) renameGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := g.groupsFeed().RenameGroup(r.Context(), r.PathValue("group_id"), req.Name); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := g.groupsFeed().DeleteGroup(r.Context(), r.PathValue("group_id")); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) getMembers(w http.ResponseWriter, r *http.Request) {
	members, err := g.groupsFeed().Members(r.Context(), r.PathValue("group_id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (g *Gateway) addMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	p, err := g.groupsFeed().AddMember(r.Context(), r.PathValue("group_id"), req.DisplayName)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (g *Gateway) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := g.groupsFeed().RemoveMember(r.Context(), r.PathValue("group_id"), r.PathValue("user_id")); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) leaveGroup(w http.ResponseWriter, r *http.Request) {
	if err := g.groupsFeed().LeaveGroup(r.Context(), r.PathValue("group_id")); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) getLists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.listsFeed(r.PathValue("group_id")).State())
}

func (g *Gateway) createList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	l, err := g.listsFeed(r.PathValue("group_id")).CreateList(r.Context(), req.Name)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (g *Gateway) getMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.chatFeed(r.PathValue("group_id")).State())
}

func (g *Gateway) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string   `json:"text"`
		ImageURLs []string `json:"imageUrls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	sess := g.session()
	msg, err := g.chatFeed(r.PathValue("group_id")).Send(r.Context(), sess.DisplayName(), req.Text, req.ImageURLs)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (g *Gateway) markChatRead(w http.ResponseWriter, r *http.Request) {
	if err := g.chatFeed(r.PathValue("group_id")).MarkRead(); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) getList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.listFeed(r.PathValue("list_id")).State())
}

// renameList and deleteList act through the list's parent group feed,
// which owns list-level mutations.
func (g *Gateway) renameList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"groupId"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := g.listsFeed(req.GroupID).RenameList(r.Context(), r.PathValue("list_id"), req.Name); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) deleteList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"groupId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := g.listsFeed(req.GroupID).DeleteList(r.Context(), r.PathValue("list_id")); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) markListRead(w http.ResponseWriter, r *http.Request) {
	if err := g.listFeed(r.PathValue("list_id")).MarkRead(); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) addItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string `json:"text"`
		PhotoURL string `json:"photoURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	item, err := g.listFeed(r.PathValue("list_id")).AddItem(r.Context(), req.Text, req.PhotoURL)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// toggleItem is the one mutation with a deferred outcome: offline or
// transient failure leaves the toggle applied locally and pending, which
// is reported as accepted rather than failed.
func (g *Gateway) toggleItem(w http.ResponseWriter, r *http.Request) {
	err := g.listFeed(r.PathValue("list_id")).Toggle(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, remote.ErrOffline) || remote.KindOf(err) == remote.KindTransient {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "deferred"})
			return
		}
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) editItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := g.listFeed(r.PathValue("list_id")).EditItem(r.Context(), r.PathValue("id"), req.Text); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := g.listFeed(r.PathValue("list_id")).DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) backupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.backups.Status())
}

func (g *Gateway) backupRun(w http.ResponseWriter, r *http.Request) {
	g.backups.Request()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// writeError maps the error taxonomy to HTTP statuses.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, remote.ErrOffline):
		status = http.StatusServiceUnavailable
	case remote.KindOf(err) == remote.KindValidation:
		status = http.StatusBadRequest
	case remote.KindOf(err) == remote.KindPermission:
		status = http.StatusForbidden
	case remote.KindOf(err) == remote.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing to recover.
		return
	}
}
