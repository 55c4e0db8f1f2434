// Package reconcile merges locally sent messages with server pushes and
// history fetches into one ordered, deduplicated sequence per room.
package reconcile

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

var (
	// ErrEmptyBody is returned by Send for a message without content.
	ErrEmptyBody = errors.New("message has no content")
	// ErrUnknownMessage is returned for ids the room does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable is returned by Retry for messages that did not fail.
	ErrNotRetryable = errors.New("only failed messages can be retried")
)

// Conn is the part of the connection manager the reconciler needs.
type Conn interface {
	On(event protocol.Event, handler chat.Handler) *chat.Subscription
	Emit(ctx context.Context, event protocol.Event, payload protocol.Payload) error
	UserID() string
}

// Sender transmits an outgoing message. It returns the persisted message
// when the transport confirms synchronously and nil when confirmation
// arrives later as a server event.
type Sender interface {
	Send(ctx context.Context, msg chat.Message) (*chat.Message, error)
}

// History fetches the persisted messages of a room.
type History interface {
	FetchRoomMessages(ctx context.Context, roomID string) (*protocol.RoomHistory, error)
}

// SocketSender sends messages as sendMessage events.
type SocketSender struct {
	Conn Conn
}

// Send implements Sender.
func (s SocketSender) Send(ctx context.Context, msg chat.Message) (*chat.Message, error) {
	err := s.Conn.Emit(ctx, protocol.EventSendMessage, protocol.SendMessagePayload{
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Message:     msg.Body,
		MessageType: msg.Kind.Wire(),
		ClientID:    msg.ClientID,
		Image:       chat.MediaPayload(msg.Media),
	})
	return nil, err
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSender replaces the socket sender.
func WithSender(s Sender) Option {
	return func(r *Reconciler) { r.sender = s }
}

// WithHistory sets the history source used by LoadHistory.
func WithHistory(h History) Option {
	return func(r *Reconciler) { r.history = h }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = logger.OrNop(log) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler is the single writer of every room's message sequence.
type Reconciler struct {
	conn      Conn
	sender    Sender
	history   History
	log       *zap.Logger
	now       func() time.Time
	listeners chat.Listeners[string]
	group     singleflight.Group
	subs      []*chat.Subscription

	mu    sync.Mutex
	rooms map[string]*stream
	peers map[string]chat.Participant
	epoch uint64
}

// New creates a Reconciler fed by conn's message events.
func New(conn Conn, opts ...Option) *Reconciler {
	r := &Reconciler{
		conn:  conn,
		log:   zap.NewNop(),
		now:   time.Now,
		rooms: make(map[string]*stream),
		peers: make(map[string]chat.Participant),
	}
	r.sender = SocketSender{Conn: conn}
	for _, opt := range opts {
		opt(r)
	}
	r.subs = []*chat.Subscription{
		conn.On(protocol.EventNewMessage, r.handleNewMessage),
		conn.On(protocol.EventMessageAck, r.handleAck),
		conn.On(protocol.EventMessageDelivered, r.handleDelivered),
		conn.On(protocol.EventMessagesSeen, r.handleSeen),
	}
	return r
}

// Detach stops consuming connection events.
func (r *Reconciler) Detach() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
}

// Reset drops every room and peer, for example when the user signs out.
// Sends and history loads in flight are discarded when they complete.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.epoch++
	rooms := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	r.rooms = make(map[string]*stream)
	r.peers = make(map[string]chat.Participant)
	r.mu.Unlock()

	sort.Strings(rooms)
	for _, id := range rooms {
		r.listeners.Notify(id)
	}
}

// OnChange registers fn, called with the room id after every change.
func (r *Reconciler) OnChange(fn func(roomID string)) *chat.Subscription {
	return r.listeners.Add(fn)
}

func (r *Reconciler) streamLocked(roomID string) *stream {
	s, ok := r.rooms[roomID]
	if !ok {
		s = newStream()
		r.rooms[roomID] = s
	}
	return s
}

// Open marks the room view as open. Pending history loads issued before
// Open are discarded.
func (r *Reconciler) Open(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.streamLocked(roomID)
	s.open = true
	s.gen++
}

// Close marks the room view as closed; in-flight history loads for it are
// discarded. Messages are kept.
func (r *Reconciler) Close(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rooms[roomID]; ok {
		s.open = false
		s.gen++
	}
}

// IsOpen reports whether the room view is open.
func (r *Reconciler) IsOpen(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	return ok && s.open
}

// Messages returns a snapshot of the room sequence.
func (r *Reconciler) Messages(roomID string) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	if !ok {
		return []chat.Message{}
	}
	return s.snapshot()
}

// Message returns one message by server or provisional id.
func (r *Reconciler) Message(roomID, id string) (chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rooms[roomID]
	if !ok {
		return chat.Message{}, false
	}
	m := s.lookup(id)
	if m == nil {
		return chat.Message{}, false
	}
	return *m, true
}

// Peer returns the other participant recorded by the last history load.
func (r *Reconciler) Peer(roomID string) (chat.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[roomID]
	return p, ok
}

// Send validates the message, inserts it optimistically as sending and
// transmits it. On failure the message stays in the room as failed and
// the error is returned.
func (r *Reconciler) Send(ctx context.Context, roomID, body string, kind chat.Kind, media *chat.Media) (chat.Message, error) {
	body = strings.TrimSpace(body)
	if kind == "" {
		kind = chat.KindText
	}
	if body == "" && (kind == chat.KindText || media == nil) {
		return chat.Message{}, ErrEmptyBody
	}

	id := uuid.NewString()
	msg := &chat.Message{
		ID:        id,
		ClientID:  id,
		RoomID:    roomID,
		SenderID:  r.conn.UserID(),
		Body:      body,
		Media:     media,
		Kind:      kind,
		CreatedAt: r.now(),
		Status:    chat.StatusSending,
		Own:       true,
	}

	r.mu.Lock()
	s := r.streamLocked(roomID)
	s.insert(msg)
	s.pending[id] = struct{}{}
	out := *msg
	epoch := r.epoch
	r.mu.Unlock()
	r.listeners.Notify(roomID)

	confirmed, err := r.sender.Send(ctx, out)
	if err != nil {
		r.log.Warn("send failed", zap.String("room", roomID), zap.String("clientId", id), zap.Error(err))
		r.advance(roomID, id, chat.StatusFailed)
		failed, _ := r.Message(roomID, id)
		return failed, errors.Wrap(err, "send message")
	}
	if confirmed != nil {
		c := *confirmed
		c.ClientID = id
		if c.RoomID == "" {
			c.RoomID = roomID
		}
		r.ingest(c, epoch)
	}
	current, _ := r.Message(roomID, id)
	return current, nil
}

// Retry resends a failed message as a new provisional message. The failed
// one stays in the sequence.
func (r *Reconciler) Retry(ctx context.Context, roomID, id string) (chat.Message, error) {
	m, ok := r.Message(roomID, id)
	if !ok {
		return chat.Message{}, ErrUnknownMessage
	}
	if m.Status != chat.StatusFailed || !m.Own {
		return chat.Message{}, ErrNotRetryable
	}
	return r.Send(ctx, roomID, m.Body, m.Kind, m.Media)
}

// Ingest merges a server message into its room. A message already known
// by id only advances its status. An own provisional message is
// confirmed in place when the server echoes its client id or, failing
// that, the oldest unconfirmed own message with the same kind and body.
// Anything else is inserted in timestamp order.
func (r *Reconciler) Ingest(msg chat.Message) {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()
	r.ingest(msg, epoch)
}

// ingest merges msg unless the reconciler was reset since epoch.
func (r *Reconciler) ingest(msg chat.Message, epoch uint64) {
	if msg.RoomID == "" || msg.ID == "" {
		r.log.Warn("ignoring message without room or id", zap.String("id", msg.ID))
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	changed := r.ingestLocked(r.streamLocked(msg.RoomID), msg, true)
	r.mu.Unlock()

	if changed {
		r.listeners.Notify(msg.RoomID)
	}
}

// ingestLocked merges msg into s. byBody enables the kind and body
// fallback correlation, which only live pushes use: history may hold an
// older message with the same text.
func (r *Reconciler) ingestLocked(s *stream, msg chat.Message, byBody bool) bool {
	if existing := s.lookup(msg.ID); existing != nil {
		if s.isPending(existing) {
			r.confirmLocked(s, existing, msg)
			return true
		}
		return r.mergeLocked(existing, msg)
	}

	var p *chat.Message
	if msg.ClientID != "" {
		if cand := s.lookup(msg.ClientID); cand != nil && s.isPending(cand) {
			p = cand
		}
	}
	if p == nil && byBody && msg.Own {
		p = s.oldestPending(msg)
	}
	if p != nil {
		r.confirmLocked(s, p, msg)
		return true
	}

	m := msg
	s.insert(&m)
	return true
}

// mergeLocked applies a repeated server message to an existing one.
func (r *Reconciler) mergeLocked(existing *chat.Message, msg chat.Message) bool {
	changed := false
	if existing.Status.CanAdvance(msg.Status) && msg.Status != chat.StatusFailed {
		existing.Status = msg.Status
		changed = true
	}
	if existing.Media == nil && msg.Media != nil {
		existing.Media = msg.Media
		changed = true
	}
	return changed
}

// confirmLocked turns provisional p into the server message msg. The
// server copy proves delivery, so it also overrides a failed status.
func (r *Reconciler) confirmLocked(s *stream, p *chat.Message, msg chat.Message) {
	delete(s.pending, p.ClientID)

	if dup, ok := s.byID[msg.ID]; ok && dup != p {
		s.remove(dup)
		msg.Status = maxStatus(msg.Status, dup.Status)
	}
	s.rekey(p, msg.ID)

	if p.Status == chat.StatusFailed || p.Status.CanAdvance(msg.Status) {
		p.Status = msg.Status
	}
	if p.Media == nil && msg.Media != nil {
		p.Media = msg.Media
	}
	if !msg.CreatedAt.IsZero() && !msg.CreatedAt.Equal(p.CreatedAt) {
		s.unplace(p)
		p.CreatedAt = msg.CreatedAt
		s.place(p)
	}
}

func maxStatus(a, b chat.Status) chat.Status {
	if a == chat.StatusFailed {
		return b
	}
	if b == chat.StatusFailed || a > b {
		return a
	}
	return b
}

// Ack confirms the provisional message clientID as serverID with status
// sent.
func (r *Reconciler) Ack(roomID, clientID, serverID string, at time.Time) error {
	r.mu.Lock()
	s, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownMessage
	}
	p := s.lookup(clientID)
	if p == nil {
		r.mu.Unlock()
		return ErrUnknownMessage
	}
	if s.isPending(p) {
		if serverID == "" {
			serverID = p.ID
		}
		r.confirmLocked(s, p, chat.Message{ID: serverID, ClientID: clientID, Status: chat.StatusSent, CreatedAt: at})
	} else if p.Status.CanAdvance(chat.StatusSent) {
		p.Status = chat.StatusSent
	}
	r.mu.Unlock()

	r.listeners.Notify(roomID)
	return nil
}

// MarkDelivered advances ids to delivered.
func (r *Reconciler) MarkDelivered(roomID string, ids []string) int {
	return r.advanceAll(roomID, ids, chat.StatusDelivered)
}

// MarkSeen advances ids to read. Without ids every own message of the
// room not sent by seenBy is marked read.
func (r *Reconciler) MarkSeen(roomID, seenBy string, ids []string) int {
	if len(ids) > 0 {
		return r.advanceAll(roomID, ids, chat.StatusRead)
	}

	r.mu.Lock()
	n := 0
	if s, ok := r.rooms[roomID]; ok {
		for _, m := range s.order {
			if m.SenderID != seenBy && m.Own && m.Status.CanAdvance(chat.StatusRead) {
				m.Status = chat.StatusRead
				n++
			}
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.listeners.Notify(roomID)
	}
	return n
}

func (r *Reconciler) advanceAll(roomID string, ids []string, to chat.Status) int {
	r.mu.Lock()
	n := 0
	if s, ok := r.rooms[roomID]; ok {
		for _, id := range ids {
			if m := s.lookup(id); m != nil && m.Status.CanAdvance(to) {
				m.Status = to
				n++
			}
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.listeners.Notify(roomID)
	}
	return n
}

func (r *Reconciler) advance(roomID, id string, to chat.Status) {
	r.advanceAll(roomID, []string{id}, to)
}

// LoadHistory fetches the persisted messages of roomID and merges them on
// top of the live state. Concurrent loads of one room share a fetch. The
// result is dropped when the room was opened or closed while the fetch
// was in flight.
func (r *Reconciler) LoadHistory(ctx context.Context, roomID string) error {
	if r.history == nil {
		return errors.New("no history source configured")
	}

	r.mu.Lock()
	gen := r.streamLocked(roomID).gen
	epoch := r.epoch
	r.mu.Unlock()

	key := strconv.FormatUint(epoch, 10) + ":" + roomID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.history.FetchRoomMessages(ctx, roomID)
	})
	if err != nil {
		return errors.Wrapf(err, "load history of %s", roomID)
	}
	h := v.(*protocol.RoomHistory)
	me := r.conn.UserID()

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		r.log.Debug("discarding history of a previous session", zap.String("room", roomID))
		return nil
	}
	s := r.streamLocked(roomID)
	if s.gen != gen {
		r.mu.Unlock()
		r.log.Debug("discarding stale history", zap.String("room", roomID))
		return nil
	}
	for _, p := range h.Messages {
		m := chat.MessageFromPayload(p, me)
		if m.ID == "" {
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = r.now()
		}
		r.ingestLocked(s, m, false)
	}
	if peer := h.Peer(); peer != nil {
		r.peers[roomID] = chat.ParticipantFromUser(peer)
	}
	r.mu.Unlock()

	r.listeners.Notify(roomID)
	return nil
}

func (r *Reconciler) handleNewMessage(f protocol.Frame) {
	p, err := protocol.Decode[protocol.MessagePayload](f)
	if err != nil {
		r.log.Warn("ignoring new message", zap.Error(err))
		return
	}
	r.Ingest(chat.MessageFromPayload(*p, r.conn.UserID()))
}

func (r *Reconciler) handleAck(f protocol.Frame) {
	p, err := protocol.Decode[protocol.AckPayload](f)
	if err != nil {
		r.log.Warn("ignoring message ack", zap.Error(err))
		return
	}
	if err := r.Ack(p.RoomID, p.ClientID, p.ID, p.CreatedAt.Time); err != nil {
		r.log.Debug("ack for unknown message", zap.String("room", p.RoomID), zap.String("clientId", p.ClientID))
	}
}

func (r *Reconciler) handleDelivered(f protocol.Frame) {
	p, err := protocol.Decode[protocol.ReceiptPayload](f)
	if err != nil {
		r.log.Warn("ignoring delivery receipt", zap.Error(err))
		return
	}
	r.MarkDelivered(p.RoomID, p.MessageIDs)
}

func (r *Reconciler) handleSeen(f protocol.Frame) {
	p, err := protocol.Decode[protocol.ReceiptPayload](f)
	if err != nil {
		r.log.Warn("ignoring seen receipt", zap.Error(err))
		return
	}
	r.MarkSeen(p.RoomID, p.SeenBy, p.MessageIDs)
}
