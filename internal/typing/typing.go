// Package typing coordinates typing indicators in both directions: it
// debounces the local user's keystrokes into typing/stopTyping events and
// tracks which remote users are typing in each room.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

const (
	DefaultStopAfter    = 2500 * time.Millisecond
	DefaultRemoteExpiry = 5 * time.Second

	emitTimeout = 5 * time.Second
)

// Conn is the part of the connection manager typing needs.
type Conn interface {
	On(event protocol.Event, handler chat.Handler) *chat.Subscription
	Emit(ctx context.Context, event protocol.Event, payload protocol.Payload) error
	UserID() string
}

// Config sets the debounce and expiry windows.
type Config struct {
	// StopAfter is the inactivity gap after which stopTyping is sent.
	StopAfter time.Duration
	// RemoteExpiry drops a remote typist that sent nothing for this long.
	RemoteExpiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopAfter <= 0 {
		c.StopAfter = DefaultStopAfter
	}
	if c.RemoteExpiry <= 0 {
		c.RemoteExpiry = DefaultRemoteExpiry
	}
	return c
}

// Change reports the remote typists of a room after an update.
type Change struct {
	RoomID string
	Users  []string
}

type phase int

const (
	phaseIdle phase = iota
	phasePending
	phaseEmitted
)

// local is the debouncer of one room.
type local struct {
	phase phase
	timer *time.Timer
	gen   uint64
}

// remote is one typist; timers compare entries by identity so a stale
// expiry never removes a refreshed entry.
type remote struct {
	timer *time.Timer
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	conn      Conn
	cfg       Config
	log       *zap.Logger
	listeners chat.Listeners[Change]
	subs      []*chat.Subscription

	mu     sync.Mutex
	local  map[string]*local
	remote map[string]map[string]*remote
	closed bool
}

// New creates a Coordinator on conn.
func New(conn Conn, cfg Config, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		log:    logger.OrNop(log),
		local:  make(map[string]*local),
		remote: make(map[string]map[string]*remote),
	}
	c.subs = []*chat.Subscription{
		conn.On(protocol.EventUserTyping, c.handleTyping),
		conn.On(protocol.EventUserStoppedTyping, c.handleStopped),
		conn.On(protocol.EventDisconnect, func(protocol.Frame) { c.reset() }),
	}
	return c
}

// StartTyping emits typing for roomID.
func (c *Coordinator) StartTyping(ctx context.Context, roomID string) error {
	return c.emit(ctx, protocol.EventTyping, roomID)
}

// StopTyping emits stopTyping for roomID.
func (c *Coordinator) StopTyping(ctx context.Context, roomID string) error {
	return c.emit(ctx, protocol.EventStopTyping, roomID)
}

func (c *Coordinator) emit(ctx context.Context, event protocol.Event, roomID string) error {
	return c.conn.Emit(ctx, event, protocol.TypingPayload{RoomID: roomID, UserID: c.conn.UserID()})
}

// Keystroke records local input in roomID. The first keystroke after an
// idle gap emits typing; every keystroke pushes the stopTyping deadline
// StopAfter into the future.
func (c *Coordinator) Keystroke(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	st := c.localState(roomID)
	if st.phase != phaseIdle {
		c.armLocked(roomID, st)
		c.mu.Unlock()
		return nil
	}
	st.phase = phasePending
	c.mu.Unlock()

	err := c.StartTyping(ctx, roomID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.phase != phasePending {
		return err
	}
	if err != nil {
		st.phase = phaseIdle
		return err
	}
	st.phase = phaseEmitted
	c.armLocked(roomID, st)
	return nil
}

// Flush ends the local typing burst in roomID immediately, for example
// when a message is sent. It does nothing when no typing was emitted.
func (c *Coordinator) Flush(ctx context.Context, roomID string) error {
	c.mu.Lock()
	st, ok := c.local[roomID]
	if !ok || st.phase == phaseIdle {
		c.mu.Unlock()
		return nil
	}
	c.idleLocked(st)
	c.mu.Unlock()

	return c.StopTyping(ctx, roomID)
}

func (c *Coordinator) localState(roomID string) *local {
	st, ok := c.local[roomID]
	if !ok {
		st = &local{}
		c.local[roomID] = st
	}
	return st
}

func (c *Coordinator) armLocked(roomID string, st *local) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(c.cfg.StopAfter, func() { c.expireLocal(roomID, st, gen) })
}

func (c *Coordinator) idleLocked(st *local) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	st.phase = phaseIdle
}

func (c *Coordinator) expireLocal(roomID string, st *local, gen uint64) {
	c.mu.Lock()
	if c.closed || st.gen != gen || st.phase != phaseEmitted {
		c.mu.Unlock()
		return
	}
	c.idleLocked(st)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := c.StopTyping(ctx, roomID); err != nil {
		c.log.Debug("stop typing", zap.String("room", roomID), zap.Error(err))
	}
}

func (c *Coordinator) handleTyping(f protocol.Frame) {
	p, err := protocol.Decode[protocol.TypingPayload](f)
	if err != nil || p.RoomID == "" || p.UserID == "" {
		c.log.Warn("ignoring typing event", zap.Error(err))
		return
	}
	if p.UserID == c.conn.UserID() {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	users, ok := c.remote[p.RoomID]
	if !ok {
		users = make(map[string]*remote)
		c.remote[p.RoomID] = users
	}
	prev, existed := users[p.UserID]
	if existed {
		prev.timer.Stop()
	}
	e := &remote{}
	roomID, userID := p.RoomID, p.UserID
	e.timer = time.AfterFunc(c.cfg.RemoteExpiry, func() { c.expireRemote(roomID, userID, e) })
	users[userID] = e
	var change *Change
	if !existed {
		change = c.changeLocked(roomID)
	}
	c.mu.Unlock()

	if change != nil {
		c.listeners.Notify(*change)
	}
}

func (c *Coordinator) handleStopped(f protocol.Frame) {
	p, err := protocol.Decode[protocol.TypingPayload](f)
	if err != nil {
		c.log.Warn("ignoring stop typing event", zap.Error(err))
		return
	}
	c.removeRemote(p.RoomID, p.UserID, nil)
}

func (c *Coordinator) expireRemote(roomID, userID string, e *remote) {
	c.removeRemote(roomID, userID, e)
}

// removeRemote drops userID from roomID. A non-nil want only removes
// that exact entry.
func (c *Coordinator) removeRemote(roomID, userID string, want *remote) {
	c.mu.Lock()
	users := c.remote[roomID]
	e, ok := users[userID]
	if !ok || (want != nil && e != want) {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(c.remote, roomID)
	}
	change := c.changeLocked(roomID)
	c.mu.Unlock()

	c.listeners.Notify(*change)
}

func (c *Coordinator) changeLocked(roomID string) *Change {
	return &Change{RoomID: roomID, Users: c.usersLocked(roomID)}
}

func (c *Coordinator) usersLocked(roomID string) []string {
	users := c.remote[roomID]
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// reset forgets all typing state without emitting.
func (c *Coordinator) reset() {
	c.mu.Lock()
	for _, st := range c.local {
		c.idleLocked(st)
	}
	var changes []Change
	for roomID, users := range c.remote {
		for _, e := range users {
			e.timer.Stop()
		}
		changes = append(changes, Change{RoomID: roomID, Users: []string{}})
	}
	c.remote = make(map[string]map[string]*remote)
	c.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].RoomID < changes[j].RoomID })
	for _, ch := range changes {
		c.listeners.Notify(ch)
	}
}

// TypingUsers returns the remote typists of roomID in ascending order.
func (c *Coordinator) TypingUsers(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usersLocked(roomID)
}

// IsTyping reports whether userID is typing in roomID.
func (c *Coordinator) IsTyping(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.remote[roomID][userID]
	return ok
}

// OnChange registers fn for changes of any room's typists.
func (c *Coordinator) OnChange(fn func(Change)) *chat.Subscription {
	return c.listeners.Add(fn)
}

// Close detaches from the connection and stops all timers.
func (c *Coordinator) Close() {
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, st := range c.local {
		c.idleLocked(st)
	}
	for _, users := range c.remote {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	c.remote = make(map[string]map[string]*remote)
}
