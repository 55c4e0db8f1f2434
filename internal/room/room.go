// Package room manages membership of server-side chat rooms.
package room

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

// ID returns the room key of a participant pair: the two user ids in
// ascending order joined with "-". ID(a, b) == ID(b, a).
func ID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// Conn is the part of the connection manager rooms need.
type Conn interface {
	On(event protocol.Event, handler chat.Handler) *chat.Subscription
	Emit(ctx context.Context, event protocol.Event, payload protocol.Payload) error
	IsConnected() bool
}

// Membership joins and leaves rooms and re-joins the rooms currently
// entered after every (re)connect.
type Membership struct {
	conn Conn
	log  *zap.Logger
	sub  *chat.Subscription

	mu      sync.Mutex
	entered map[string]int
	gen     uint64
}

// NewMembership creates a Membership on conn.
func NewMembership(conn Conn, log *zap.Logger) *Membership {
	m := &Membership{
		conn:    conn,
		log:     logger.OrNop(log),
		entered: make(map[string]int),
	}
	m.sub = conn.On(protocol.EventConnect, func(protocol.Frame) { m.rejoin() })
	return m
}

// Join asks the server for pushes of roomID. It is a no-op when not
// connected.
func (m *Membership) Join(ctx context.Context, roomID string) error {
	return m.emit(ctx, protocol.EventJoinChat, roomID)
}

// Leave stops pushes of roomID. It is a no-op when not connected.
func (m *Membership) Leave(ctx context.Context, roomID string) error {
	return m.emit(ctx, protocol.EventLeaveChat, roomID)
}

func (m *Membership) emit(ctx context.Context, event protocol.Event, roomID string) error {
	if !m.conn.IsConnected() {
		m.log.Debug("not connected, skipping room event",
			zap.String("event", string(event)), zap.String("room", roomID))
		return nil
	}
	return m.conn.Emit(ctx, event, protocol.RoomPayload{RoomID: roomID})
}

// Enter joins roomID for the lifetime of a view. The returned leave func
// is safe to call any number of times; the room is left once every Enter
// for it has been released.
func (m *Membership) Enter(ctx context.Context, roomID string) (leave func()) {
	m.mu.Lock()
	m.entered[roomID]++
	first := m.entered[roomID] == 1
	gen := m.gen
	m.mu.Unlock()

	if first {
		if err := m.Join(ctx, roomID); err != nil {
			m.log.Warn("join room", zap.String("room", roomID), zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(roomID, gen) })
	}
}

func (m *Membership) release(roomID string, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.entered[roomID]--
	last := m.entered[roomID] <= 0
	if last {
		delete(m.entered, roomID)
	}
	m.mu.Unlock()

	if last {
		if err := m.Leave(context.Background(), roomID); err != nil {
			m.log.Warn("leave room", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// Rooms returns the entered rooms in ascending order.
func (m *Membership) Rooms() []string {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.entered))
	for id := range m.entered {
		rooms = append(rooms, id)
	}
	m.mu.Unlock()
	sort.Strings(rooms)
	return rooms
}

func (m *Membership) rejoin() {
	for _, id := range m.Rooms() {
		if err := m.Join(context.Background(), id); err != nil {
			m.log.Warn("rejoin room", zap.String("room", id), zap.Error(err))
		}
	}
}

// Reset forgets every entered room without leaving it. Leave funcs
// returned before Reset do nothing.
func (m *Membership) Reset() {
	m.mu.Lock()
	m.entered = make(map[string]int)
	m.gen++
	m.mu.Unlock()
}

// Close stops re-joining on reconnect.
func (m *Membership) Close() {
	m.sub.Unsubscribe()
}
