package hub

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"vestnik/internal/content"
	"vestnik/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// Outbound channel depth per connection. Delivery is best-effort: a
	// slow consumer with a full channel loses the event, not the message.
	sessionBuffer = 100

	DefaultSummaryTTL = 30 * time.Second
)

const internalError = "internal error"

// Repository is the durable storage the hub coordinates. The hub owns all
// normalization; the repository owns durability and query semantics.
type Repository interface {
	SaveMessage(msg models.Message) error
	GetChat(userA, userB string, skip, take int) ([]models.Message, error)
	GetUserConversations(userName string, skip, take int) ([]models.ConversationSummary, error)
	HasAnyMessages() (bool, error)
	AddUser(userName, displayName, connectionID string) (models.User, error)
	GetUser(userName string) (models.User, error)
	ListUsers() ([]models.UserView, error)
	RemoveByConnection(connectionID string) error
}

type Config struct {
	// SeedDemo populates two demo users and a short conversation on first
	// start, when the message store is still empty.
	SeedDemo bool

	// SummaryTTL bounds how long a cached conversation list may serve
	// reads. Writes invalidate eagerly, so this only covers cross-process
	// writers.
	SummaryTTL time.Duration
}

// session is the in-memory state of one live connection: its outbound
// event channel and the userName it is bound to ("" while unbound).
type session struct {
	userName string
	ch       chan models.ServerMessage
}

// Hub binds live connections to user identities, routes inbound requests
// to the store and registry, and fans events out to the right rooms.
// All of its state is volatile and rebuilt empty on restart.
type Hub struct {
	repo Repository

	mu sync.RWMutex
	// connectionID -> session
	sessions map[string]*session
	// userName -> set of connectionIDs (the user's broadcast room)
	rooms map[string]map[string]struct{}

	summaries geche.Geche[string, []models.ConversationSummary]
	convLocks keyedMutex
	now       func() time.Time
}

func New(ctx context.Context, cfg Config, repo Repository) (*Hub, error) {
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = DefaultSummaryTTL
	}

	h := &Hub{
		repo:      repo,
		sessions:  make(map[string]*session),
		rooms:     make(map[string]map[string]struct{}),
		summaries: geche.NewMapTTLCache[string, []models.ConversationSummary](ctx, cfg.SummaryTTL, time.Minute),
		convLocks: keyedMutex{locks: make(map[string]*keyLock)},
		now:       time.Now,
	}

	if cfg.SeedDemo {
		if err := h.seedDemo(); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// seedDemo creates two demo users and a short conversation between them.
// It runs once: any existing message suppresses it forever.
func (h *Hub) seedDemo() error {
	hasMessages, err := h.repo.HasAnyMessages()
	if err != nil || hasMessages {
		return err
	}

	if _, err := h.repo.AddUser("alice", "Alice", ""); err != nil {
		return err
	}
	if _, err := h.repo.AddUser("bob", "Bob", ""); err != nil {
		return err
	}

	demo := []struct {
		from, to, text string
		age            time.Duration
	}{
		{"alice", "bob", "Hi Bob!", 10 * time.Minute},
		{"bob", "alice", "Hello Alice!", 9 * time.Minute},
		{"alice", "bob", "How are you?", 8 * time.Minute},
	}
	for _, d := range demo {
		msg := models.Message{
			ID:              uuid.NewString(),
			ConversationKey: models.ConversationKey(d.from, d.to),
			From:            d.from,
			To:              d.to,
			Text:            d.text,
			SentAt:          h.now().Add(-d.age).UnixMilli(),
		}
		if err := h.repo.SaveMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

// Connect admits a new live connection, assigns it a session and pushes the
// Connected event to the caller only. The returned channel carries every
// event addressed to this connection until Disconnect.
func (h *Hub) Connect(connectionID string) chan models.ServerMessage {
	sess := &session{ch: make(chan models.ServerMessage, sessionBuffer)}

	h.mu.Lock()
	h.sessions[connectionID] = sess
	h.send(sess, models.ServerMessage{
		Type:         models.ServerMessageTypeConnected,
		ConnectionID: connectionID,
	})
	h.mu.Unlock()

	return sess.ch
}

// Disconnect removes the live binding of the connection, clears the
// registry binding and rebroadcasts the live user list. The user's
// identity and message history persist.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, connectionID)
	if sess.userName != "" {
		h.leaveRoomLocked(connectionID, sess.userName)
	}
	close(sess.ch)
	h.mu.Unlock()

	if err := h.repo.RemoveByConnection(connectionID); err != nil {
		log.Printf("hub: failed to clear connection binding %s: %v", connectionID, err)
	}
	h.broadcastUsers()
}

// Handle routes one inbound request and returns the reply envelope. The
// reply echoes the request type and correlation id; any fan-out happens
// through the session channels as a side effect.
func (h *Hub) Handle(connectionID string, req models.ClientMessage) models.ServerMessage {
	var resp models.ServerMessage
	switch req.Type {
	case models.ClientMessageTypeRegister:
		resp = h.register(connectionID, req.UserName, req.DisplayName)
	case models.ClientMessageTypeCheckUser:
		resp = h.checkUser(req.UserName)
	case models.ClientMessageTypeGetConversations:
		resp = h.getConversations(req.UserName, req.Skip, req.Take)
	case models.ClientMessageTypeGetMessages:
		resp = h.getMessages(req.From, req.To, req.Skip, req.Take)
	case models.ClientMessageTypeSendMessage:
		resp = h.sendMessage(req)
	default:
		resp = models.ServerMessage{
			Type:    models.ServerMessageType(req.Type),
			Success: lo.ToPtr(false),
			Error:   "unknown request type",
		}
	}
	resp.ID = req.ID
	return resp
}

// register upserts the user, binds this connection to the user's room and
// broadcasts the refreshed user list to every live connection.
//
// Boundary contract: register relies on the transport edge to reject empty
// or malformed userNames and does not guard against them itself.
func (h *Hub) register(connectionID, userName, displayName string) models.ServerMessage {
	userName = models.NormalizeUserName(userName)
	displayName = content.Sanitize(strings.TrimSpace(displayName))

	user, err := h.repo.AddUser(userName, displayName, connectionID)
	if err != nil {
		log.Printf("hub: register %s failed: %v", userName, err)
		return models.ServerMessage{Type: models.ServerMessageTypeRegister, Success: lo.ToPtr(false), Error: internalError}
	}

	h.mu.Lock()
	if sess, ok := h.sessions[connectionID]; ok {
		// Re-register rebinds, last write wins.
		if sess.userName != "" && sess.userName != userName {
			h.leaveRoomLocked(connectionID, sess.userName)
		}
		sess.userName = userName
		room, ok := h.rooms[userName]
		if !ok {
			room = make(map[string]struct{})
			h.rooms[userName] = room
		}
		room[connectionID] = struct{}{}
	}
	h.mu.Unlock()

	h.broadcastUsers()

	view := user.View()
	return models.ServerMessage{
		Type:    models.ServerMessageTypeRegister,
		Success: lo.ToPtr(true),
		User:    &view,
	}
}

func (h *Hub) checkUser(userName string) models.ServerMessage {
	userName = models.NormalizeUserName(userName)
	if userName == "" {
		return models.ServerMessage{
			Type:    models.ServerMessageTypeCheckUser,
			Success: lo.ToPtr(false),
			Error:   "userName required",
		}
	}

	user, err := h.repo.GetUser(userName)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return models.ServerMessage{Type: models.ServerMessageTypeCheckUser, Success: lo.ToPtr(true)}
	case err != nil:
		log.Printf("hub: check user %s failed: %v", userName, err)
		return models.ServerMessage{Type: models.ServerMessageTypeCheckUser, Success: lo.ToPtr(false), Error: internalError}
	}

	view := user.View()
	return models.ServerMessage{
		Type:    models.ServerMessageTypeCheckUser,
		Success: lo.ToPtr(true),
		Exists:  true,
		User:    &view,
	}
}

func (h *Hub) getConversations(userName string, skip, take int) models.ServerMessage {
	userName = models.NormalizeUserName(userName)

	var (
		convs []models.ConversationSummary
		err   error
	)
	if skip == 0 && take == 0 {
		convs, err = h.conversations(userName)
	} else {
		convs, err = h.repo.GetUserConversations(userName, skip, take)
	}
	if err != nil {
		log.Printf("hub: conversations for %s failed: %v", userName, err)
		return models.ServerMessage{Type: models.ServerMessageTypeGetConversations, Success: lo.ToPtr(false), Error: internalError}
	}

	return models.ServerMessage{
		Type:          models.ServerMessageTypeGetConversations,
		Success:       lo.ToPtr(true),
		Conversations: convs,
	}
}

func (h *Hub) getMessages(from, to string, skip, take int) models.ServerMessage {
	from = models.NormalizeUserName(from)
	to = models.NormalizeUserName(to)

	messages, err := h.repo.GetChat(from, to, skip, take)
	if err != nil {
		log.Printf("hub: chat %s/%s failed: %v", from, to, err)
		return models.ServerMessage{Type: models.ServerMessageTypeGetMessages, Success: lo.ToPtr(false), Error: internalError}
	}
	for i := range messages {
		messages[i].HTML = h.renderHTML(messages[i].Text)
	}

	resp := models.ServerMessage{
		Type:     models.ServerMessageTypeGetMessages,
		Success:  lo.ToPtr(true),
		Messages: messages,
	}

	peer, err := h.repo.GetUser(to)
	if err == nil {
		view := peer.View()
		resp.User = &view
	} else if !errors.Is(err, models.ErrNotFound) {
		log.Printf("hub: lookup %s failed: %v", to, err)
	}
	return resp
}

// sendMessage validates, persists and fans out one message. Timestamp
// assignment and persistence happen under a per-conversation lock so
// concurrent sends to the same conversation keep their SentAt order.
func (h *Hub) sendMessage(req models.ClientMessage) models.ServerMessage {
	// Sanitize before the emptiness check: markup-only input strips down
	// to nothing and must be rejected, not stored as an empty message.
	text := content.Sanitize(req.Text)
	if strings.TrimSpace(req.From) == "" ||
		strings.TrimSpace(req.To) == "" ||
		strings.TrimSpace(text) == "" {
		return models.ServerMessage{Type: models.ServerMessageTypeSendMessage, Success: lo.ToPtr(false)}
	}

	from := models.NormalizeUserName(req.From)
	to := models.NormalizeUserName(req.To)
	key := models.ConversationKey(from, to)

	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationKey: key,
		From:            from,
		To:              to,
		Text:            text,
		Attachments:     req.Attachments,
	}

	unlock := h.convLocks.lock(key)
	msg.SentAt = h.now().UnixMilli()
	err := h.repo.SaveMessage(msg)
	unlock()
	if err != nil {
		log.Printf("hub: save message %s -> %s failed: %v", from, to, err)
		return models.ServerMessage{Type: models.ServerMessageTypeSendMessage, Success: lo.ToPtr(false), Error: internalError}
	}

	h.summaries.Del(from)
	h.summaries.Del(to)

	out := msg
	out.HTML = h.renderHTML(out.Text)

	for _, name := range lo.Uniq([]string{from, to}) {
		h.pushRoom(name, models.ServerMessage{
			Type:    models.ServerMessageTypeMessage,
			Message: &out,
		})

		convs, err := h.conversations(name)
		if err != nil {
			log.Printf("hub: conversations for %s failed: %v", name, err)
			continue
		}
		h.pushRoom(name, models.ServerMessage{
			Type:          models.ServerMessageTypeConversations,
			Conversations: convs,
		})
	}

	return models.ServerMessage{
		Type:    models.ServerMessageTypeSendMessage,
		Success: lo.ToPtr(true),
		Message: &out,
	}
}

// conversations returns the default first page of a user's summaries,
// served from the TTL cache when possible.
func (h *Hub) conversations(userName string) ([]models.ConversationSummary, error) {
	if cached, err := h.summaries.Get(userName); err == nil {
		return cached, nil
	}
	convs, err := h.repo.GetUserConversations(userName, 0, 0)
	if err != nil {
		return nil, err
	}
	h.summaries.Set(userName, convs)
	return convs, nil
}

func (h *Hub) renderHTML(text string) string {
	html, err := content.RenderMarkdown(text)
	if err != nil {
		log.Printf("hub: markdown rendering failed: %v", err)
		return ""
	}
	return html
}

// broadcastUsers pushes the privacy-filtered list of live users to every
// connection. A user is live while at least one connection is bound to it.
func (h *Hub) broadcastUsers() {
	h.mu.RLock()
	live := lo.Keys(h.rooms)
	h.mu.RUnlock()

	users := make([]models.UserView, 0, len(live))
	for _, name := range live {
		user, err := h.repo.GetUser(name)
		if err != nil {
			continue
		}
		users = append(users, user.View())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserName < users[j].UserName
	})

	h.mu.RLock()
	for _, sess := range h.sessions {
		h.send(sess, models.ServerMessage{
			Type:  models.ServerMessageTypeUsers,
			Users: users,
		})
	}
	h.mu.RUnlock()
}

// pushRoom delivers the event to every connection currently bound to
// userName. An empty room is a no-op.
func (h *Hub) pushRoom(userName string, msg models.ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connectionID := range h.rooms[userName] {
		if sess, ok := h.sessions[connectionID]; ok {
			h.send(sess, msg)
		}
	}
}

// send is non-blocking; callers must hold h.mu so a concurrent Disconnect
// cannot close the channel mid-send.
func (h *Hub) send(sess *session, msg models.ServerMessage) {
	select {
	case sess.ch <- msg:
	default:
		// Slow consumer, drop. Best-effort delivery only.
	}
}

func (h *Hub) leaveRoomLocked(connectionID, userName string) {
	room := h.rooms[userName]
	delete(room, connectionID)
	if len(room) == 0 {
		delete(h.rooms, userName)
	}
}

// keyedMutex serializes writers per conversation key without blocking
// unrelated conversations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
