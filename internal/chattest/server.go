// Package chattest provides an in-process chat backend for tests: the
// realtime socket endpoint and the REST endpoints the client calls.
package chattest

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/internal/room"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

var signingKey = []byte("chattest")

// User is a registered account.
type User struct {
	ID        string
	FirstName string
	LastName  string
}

// client is one live socket.
type client struct {
	conn     net.Conn
	userID   string
	outgoing chan []byte
	rooms    map[string]bool
}

// Server is a fake chat backend. All state is in memory.
type Server struct {
	http *httptest.Server
	log  *zap.Logger

	mu       sync.Mutex
	users    map[string]User
	access   map[string]string
	refresh  map[string]string
	chats    map[string]*chatRoom
	clients  map[*client]bool
	frames   []protocol.Frame
	received chan struct{}
	reject   bool
	failChat bool
	nextID   int
	wg       sync.WaitGroup
}

type chatRoom struct {
	id       string
	key      string
	users    [2]string
	messages []protocol.MessagePayload
	created  time.Time
	updated  time.Time
}

// NewServer starts a backend on a loopback port.
func NewServer(log *zap.Logger) *Server {
	s := newServer(log)
	s.http = httptest.NewServer(s.routes())
	return s
}

// Listen starts a backend on addr.
func Listen(addr string, log *zap.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start server")
	}
	s := newServer(log)
	s.http = httptest.NewUnstartedServer(s.routes())
	s.http.Listener.Close()
	s.http.Listener = l
	s.http.Start()
	return s, nil
}

func newServer(log *zap.Logger) *Server {
	return &Server{
		log:      logger.OrNop(log),
		users:    make(map[string]User),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		chats:    make(map[string]*chatRoom),
		clients:  make(map[*client]bool),
		received: make(chan struct{}, 1),
	}
}

// Close stops the server and drops every socket.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.http.Close()
	s.wg.Wait()
}

// APIURL returns the base URL of the REST endpoints.
func (s *Server) APIURL() string {
	return s.http.URL
}

// SocketURL returns the URL of the realtime endpoint.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// AddUser registers u.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// IssueTokens returns a signed access token carrying userID and a
// refresh token for it.
func (s *Server) IssueTokens(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *Server) issueLocked(userID string) (string, string) {
	s.nextID++
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"jti":     fmt.Sprintf("t%d", s.nextID),
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	access, err := token.SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	refresh := fmt.Sprintf("refresh-%s-%d", userID, s.nextID)
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RejectSockets makes the realtime endpoint refuse upgrades.
func (s *Server) RejectSockets(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// FailChats makes the chat list endpoint answer with a server error.
func (s *Server) FailChats(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failChat = fail
}

// Online returns the ids of users with a live socket.
func (s *Server) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked()
}

func (s *Server) onlineLocked() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(s.clients))
	for c := range s.clients {
		if !seen[c.userID] {
			seen[c.userID] = true
			ids = append(ids, c.userID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Members returns the users currently joined to roomID.
func (s *Server) Members(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for c := range s.clients {
		if c.rooms[roomID] {
			ids = append(ids, c.userID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Frames returns every frame received from clients, oldest first.
func (s *Server) Frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

// WaitFrame waits until a frame matching event and pred has been
// received. A nil pred matches any frame of event.
func (s *Server) WaitFrame(ctx context.Context, event protocol.Event, pred func(protocol.Frame) bool) (protocol.Frame, bool) {
	for {
		for _, f := range s.Frames() {
			if f.Event == event && (pred == nil || pred(f)) {
				return f, true
			}
		}
		select {
		case <-ctx.Done():
			return protocol.Frame{}, false
		case <-s.received:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Push sends f to every socket of userID.
func (s *Server) Push(userID string, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.userID == userID {
			s.sendLocked(c, data)
		}
	}
	return nil
}

// Drop closes every socket of userID without a close handshake.
func (s *Server) Drop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.userID == userID {
			c.conn.Close()
		}
	}
}

// Messages returns the stored messages of roomID.
func (s *Server) Messages(roomID string) []protocol.MessagePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.chats {
		if r.key == roomID || r.id == roomID {
			return append([]protocol.MessagePayload(nil), r.messages...)
		}
	}
	return nil
}

// roomLocked returns the room of the pair a, b, creating it when create
// is set.
func (s *Server) roomLocked(a, b string, create bool) *chatRoom {
	key := room.ID(a, b)
	for _, r := range s.chats {
		if r.key == key {
			return r
		}
	}
	if !create {
		return nil
	}
	s.nextID++
	now := time.Now().UTC()
	r := &chatRoom{
		id:      fmt.Sprintf("chat%d", s.nextID),
		key:     key,
		users:   [2]string{a, b},
		created: now,
		updated: now,
	}
	s.chats[r.id] = r
	return r
}

// storeLocked persists a message and returns it.
func (s *Server) storeLocked(roomID, sender, body, kind, clientID string, image *protocol.Media) (protocol.MessagePayload, bool) {
	r := s.chats[roomID]
	if r == nil {
		for _, c := range s.chats {
			if c.key == roomID {
				r = c
				break
			}
		}
	}
	if r == nil {
		parts := strings.SplitN(roomID, "-", 2)
		if len(parts) != 2 {
			return protocol.MessagePayload{}, false
		}
		r = s.roomLocked(parts[0], parts[1], true)
	}

	s.nextID++
	now := time.Now().UTC()
	receiver := r.users[0]
	if receiver == sender {
		receiver = r.users[1]
	}
	msg := protocol.MessagePayload{
		ID:              fmt.Sprintf("msg%d", s.nextID),
		ClientID:        clientID,
		RoomID:          r.key,
		Sender:          sender,
		Receiver:        receiver,
		Message:         body,
		MessageType:     protocol.NormalizeKind(kind),
		Image:           image,
		DeliveredStatus: "sent",
		CreatedAt:       protocol.At(now),
	}
	r.messages = append(r.messages, msg)
	r.updated = now
	return msg, true
}

// broadcastLocked sends f to every socket joined to roomID except skip.
func (s *Server) broadcastLocked(roomID string, f protocol.Frame, skip *client) {
	data, err := f.Encode()
	if err != nil {
		s.log.Error("encode broadcast", zap.Error(err))
		return
	}
	for c := range s.clients {
		if c != skip && c.rooms[roomID] {
			s.sendLocked(c, data)
		}
	}
}

func (s *Server) sendLocked(c *client, data []byte) {
	select {
	case c.outgoing <- data:
	default:
		s.log.Warn("client channel full, skipping", zap.String("user", c.userID))
	}
}

func (s *Server) presenceLocked() {
	f := protocol.NewFrame(protocol.EventOnlineUsers, protocol.OnlineUsersPayload{Users: s.onlineLocked()})
	data, err := f.Encode()
	if err != nil {
		return
	}
	for c := range s.clients {
		s.sendLocked(c, data)
	}
}
