// Package chatlist maintains the conversation list of the current user.
package chatlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/internal/room"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

const (
	unknownFirstName = "Unknown"
	unknownLastName  = "User"
	selfFirstName    = "You"
)

// Source is the event feed the aggregator subscribes to.
type Source interface {
	On(event protocol.Event, handler chat.Handler) *chat.Subscription
	UserID() string
}

// Fetcher returns every conversation of the current user.
type Fetcher interface {
	FetchChats(ctx context.Context) ([]protocol.ChatSummary, error)
}

// Presence reports whether a user is online.
type Presence interface {
	IsOnline(userID string) bool
}

// SnapshotStore persists the last fetched list of a user. Load returns
// nil and no error when nothing is stored.
type SnapshotStore interface {
	Load(ctx context.Context, userID string) ([]chat.Conversation, error)
	Save(ctx context.Context, userID string, list []chat.Conversation) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPresence sets the source of online flags.
func WithPresence(p Presence) Option {
	return func(a *Aggregator) { a.presence = p }
}

// WithStore sets the snapshot store.
func WithStore(s SnapshotStore) Option {
	return func(a *Aggregator) { a.store = s }
}

// WithSelf sets the profile shown for the current user.
func WithSelf(p chat.Participant) Option {
	return func(a *Aggregator) { a.self = p }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Aggregator) { a.log = logger.OrNop(log) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator keeps one conversation per participant pair, refreshed by
// full fetches and updated by live messages.
type Aggregator struct {
	src       Source
	fetcher   Fetcher
	presence  Presence
	store     SnapshotStore
	self      chat.Participant
	log       *zap.Logger
	now       func() time.Time
	group     singleflight.Group
	listeners chat.Listeners[[]chat.Conversation]
	sub       *chat.Subscription

	mu     sync.Mutex
	list   []*chat.Conversation
	last   map[*chat.Conversation]string
	active string
	err    error
	epoch  uint64
}

// New creates an Aggregator fed by src's newMessage events.
func New(src Source, fetcher Fetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		src:     src,
		fetcher: fetcher,
		log:     zap.NewNop(),
		now:     time.Now,
		last:    make(map[*chat.Conversation]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sub = src.On(protocol.EventNewMessage, a.handleNewMessage)
	return a
}

func (a *Aggregator) handleNewMessage(f protocol.Frame) {
	p, err := protocol.Decode[protocol.MessagePayload](f)
	if err != nil {
		a.log.Warn("ignoring malformed message", zap.Error(err))
		return
	}
	a.HandleMessage(chat.MessageFromPayload(*p, a.src.UserID()))
}

// Fetch replaces the list with the server's. Concurrent calls share one
// request. On failure the current list is kept and the error is exposed
// through Err until the next success or DismissError.
func (a *Aggregator) Fetch(ctx context.Context) ([]chat.Conversation, error) {
	_, err, _ := a.group.Do("chats:"+a.src.UserID(), func() (any, error) {
		return nil, a.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return a.Conversations(), nil
}

func (a *Aggregator) fetch(ctx context.Context) error {
	me := a.src.UserID()
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()

	summaries, err := a.fetcher.FetchChats(ctx)
	if err != nil {
		a.mu.Lock()
		if a.epoch == epoch {
			a.err = err
		}
		a.mu.Unlock()
		a.log.Warn("failed to load chats", zap.Error(err))
		a.listeners.Notify(a.Conversations())
		return err
	}

	list := a.transform(me, summaries)
	a.mu.Lock()
	if a.epoch != epoch {
		a.mu.Unlock()
		a.log.Debug("discarding chats of a previous user")
		return nil
	}
	a.install(list)
	a.err = nil
	a.mu.Unlock()
	a.log.Debug("chats loaded", zap.Int("count", len(list)))

	if a.store != nil && me != "" {
		if err := a.store.Save(ctx, me, derefAll(list)); err != nil {
			a.log.Warn("failed to save chat list snapshot", zap.Error(err))
		}
	}
	a.listeners.Notify(a.Conversations())
	return nil
}

// Restore seeds an empty list from the snapshot store.
func (a *Aggregator) Restore(ctx context.Context) error {
	me := a.src.UserID()
	if a.store == nil || me == "" {
		return nil
	}
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()

	saved, err := a.store.Load(ctx, me)
	if err != nil || len(saved) == 0 {
		return err
	}

	a.mu.Lock()
	if len(a.list) > 0 || a.epoch != epoch {
		a.mu.Unlock()
		return nil
	}
	list := make([]*chat.Conversation, len(saved))
	for i := range saved {
		c := saved[i]
		list[i] = &c
	}
	a.install(list)
	a.mu.Unlock()

	a.log.Debug("chat list restored", zap.Int("count", len(saved)))
	a.listeners.Notify(a.Conversations())
	return nil
}

// install replaces the list and re-applies the open conversation.
func (a *Aggregator) install(list []*chat.Conversation) {
	a.list = list
	a.last = make(map[*chat.Conversation]string, len(list))
	for _, c := range list {
		c.Active = a.active != "" && matches(c, a.active)
		if c.Active {
			c.UnreadCount = 0
		}
	}
}

// transform converts server summaries, keeping the most recently updated
// entry of each participant pair.
func (a *Aggregator) transform(me string, summaries []protocol.ChatSummary) []*chat.Conversation {
	byKey := make(map[string]*chat.Conversation, len(summaries))
	list := make([]*chat.Conversation, 0, len(summaries))
	for _, s := range summaries {
		c := a.convert(me, s)
		key := c.RoomID
		if key == "" {
			key = c.ID
		}
		if prev, ok := byKey[key]; ok {
			if c.UpdatedAt.After(prev.UpdatedAt) {
				*prev = *c
			}
			continue
		}
		byKey[key] = c
		list = append(list, c)
	}
	return list
}

func (a *Aggregator) convert(me string, s protocol.ChatSummary) *chat.Conversation {
	other := chat.ParticipantFromUser(s.OtherUser)
	if s.OtherUser == nil {
		other = chat.Participant{
			ID:        otherID(s.Users, me),
			FirstName: orDefault(s.FirstName, unknownFirstName),
			LastName:  orDefault(s.LastName, unknownLastName),
			Avatar:    s.ProfilePhoto,
		}
	}

	self := a.self
	if s.CurrentUser != nil && s.CurrentUser.UserID() != "" {
		self.ID = s.CurrentUser.UserID()
	}
	if self.ID == "" {
		self.ID = me
	}
	if self.FirstName == "" {
		self.FirstName = selfFirstName
	}

	c := &chat.Conversation{
		ID:          s.ID,
		Me:          self,
		Other:       other,
		UnreadCount: s.UnseenCount,
		CreatedAt:   s.CreatedAt.Time,
		UpdatedAt:   s.UpdatedAt.Time,
	}
	if self.ID != "" && other.ID != "" {
		c.RoomID = room.ID(self.ID, other.ID)
	}
	if s.LastMessage != "" {
		c.LastMessage = &chat.Preview{
			Body:     s.LastMessage,
			Kind:     chat.KindText,
			SenderID: other.ID,
			At:       s.UpdatedAt.Time,
		}
	}
	return c
}

// HandleMessage applies a live message to its conversation and reports
// whether the conversation is known. Messages of the open conversation
// and the user's own messages do not count as unread.
func (a *Aggregator) HandleMessage(msg chat.Message) bool {
	me := a.src.UserID()
	a.mu.Lock()
	c := a.lookup(msg.RoomID)
	if c == nil && msg.SenderID != "" && me != "" && msg.SenderID != me {
		c = a.lookup(room.ID(me, msg.SenderID))
	}
	if c == nil {
		a.mu.Unlock()
		a.log.Debug("message for unknown conversation", zap.String("room", msg.RoomID))
		return false
	}
	if msg.ID != "" && a.last[c] == msg.ID {
		a.mu.Unlock()
		return true
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = a.now()
	}
	own := msg.Own || (me != "" && msg.SenderID == me)
	c.LastMessage = &chat.Preview{
		Body:     msg.Body,
		Kind:     msg.Kind,
		SenderID: msg.SenderID,
		At:       at,
		Own:      own,
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	if !c.Active && !own {
		c.UnreadCount++
	}
	if msg.ID != "" {
		a.last[c] = msg.ID
	}
	a.mu.Unlock()

	a.listeners.Notify(a.Conversations())
	return true
}

// SetActive marks roomID as the open conversation and resets its unread
// count. An empty roomID clears the active conversation.
func (a *Aggregator) SetActive(roomID string) {
	a.mu.Lock()
	a.active = roomID
	for _, c := range a.list {
		c.Active = roomID != "" && matches(c, roomID)
		if c.Active {
			c.UnreadCount = 0
		}
	}
	a.mu.Unlock()

	a.listeners.Notify(a.Conversations())
}

// Conversations returns the list, most recently updated first, with
// online flags taken from the presence source.
func (a *Aggregator) Conversations() []chat.Conversation {
	a.mu.Lock()
	out := derefAll(a.list)
	a.mu.Unlock()

	for i := range out {
		out[i].Me.Online = true
		if a.presence != nil && out[i].Other.ID != "" {
			out[i].Other.Online = a.presence.IsOnline(out[i].Other.ID)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Conversation returns the conversation of roomID, matched by pair key
// or server chat id.
func (a *Aggregator) Conversation(roomID string) (chat.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.lookup(roomID)
	if c == nil {
		return chat.Conversation{}, false
	}
	return *c, true
}

// Err returns the error of the last failed fetch.
func (a *Aggregator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Reset forgets the list, the open conversation and the last error, for
// example when the user signs out. Fetches in flight are discarded.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.epoch++
	a.list = nil
	a.last = make(map[*chat.Conversation]string)
	a.active = ""
	a.err = nil
	a.mu.Unlock()

	a.listeners.Notify(a.Conversations())
}

// DismissError clears the error returned by Err.
func (a *Aggregator) DismissError() {
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()
}

// OnChange registers fn for every change of the list.
func (a *Aggregator) OnChange(fn func([]chat.Conversation)) *chat.Subscription {
	return a.listeners.Add(fn)
}

// Close detaches the aggregator from its source.
func (a *Aggregator) Close() {
	a.sub.Unsubscribe()
}

func (a *Aggregator) lookup(roomID string) *chat.Conversation {
	if roomID == "" {
		return nil
	}
	for _, c := range a.list {
		if matches(c, roomID) {
			return c
		}
	}
	return nil
}

func matches(c *chat.Conversation, roomID string) bool {
	return c.RoomID == roomID || c.ID == roomID
}

func otherID(users []string, me string) string {
	for _, id := range users {
		if id != "" && id != me {
			return id
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func derefAll(list []*chat.Conversation) []chat.Conversation {
	out := make([]chat.Conversation, len(list))
	for i, c := range list {
		out[i] = *c
		if c.LastMessage != nil {
			preview := *c.LastMessage
			out[i].LastMessage = &preview
		}
	}
	return out
}
