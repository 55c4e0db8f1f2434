// Package session owns one authenticated chat session: the connection
// manager and every component fed by it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/api"
	"github.com/Deepak-Melkani/soulara-realtime/internal/cache"
	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/chatlist"
	"github.com/Deepak-Melkani/soulara-realtime/internal/client"
	"github.com/Deepak-Melkani/soulara-realtime/internal/config"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/internal/presence"
	"github.com/Deepak-Melkani/soulara-realtime/internal/reconcile"
	"github.com/Deepak-Melkani/soulara-realtime/internal/room"
	"github.com/Deepak-Melkani/soulara-realtime/internal/transport/gorilla"
	"github.com/Deepak-Melkani/soulara-realtime/internal/transport/ws"
	"github.com/Deepak-Melkani/soulara-realtime/internal/typing"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

var (
	// ErrUnauthenticated is returned by operations that need a user.
	ErrUnauthenticated = errors.New("session is not authenticated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session is closed")
)

// userClaims are the token claims that may carry the user id, in order
// of preference.
var userClaims = []string{"user_id", "userId", "_id", "id", "sub"}

// Option configures a Session.
type Option func(*options)

type options struct {
	log        *zap.Logger
	dialer     chat.Dialer
	store      chatlist.SnapshotStore
	restSend   bool
	apiOptions []api.Option
}

// WithLogger sets the logger of the session and its components.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDialer replaces the transport chosen by the config.
func WithDialer(d chat.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStore sets the chat list snapshot store, replacing the Redis store
// configured by the config.
func WithStore(s chatlist.SnapshotStore) Option {
	return func(o *options) { o.store = s }
}

// WithRESTSend posts messages over REST instead of the socket.
func WithRESTSend() Option {
	return func(o *options) { o.restSend = true }
}

// WithAPIOptions passes options to the REST client.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOptions = append(o.apiOptions, opts...) }
}

// Session is safe for concurrent use. Close must be called to release
// the connection.
type Session struct {
	log      *zap.Logger
	api      *api.Client
	manager  *client.Manager
	presence *presence.Tracker
	rooms    *room.Membership
	typing   *typing.Coordinator
	messages *reconcile.Reconciler
	chats    *chatlist.Aggregator
	redis    *cache.ChatListStore
	sub      *chat.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	userID string
	active string
	epoch  uint64
	closed bool
}

// New builds a session for cfg. It does not connect until Authenticate.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.log)

	s := &Session{log: log}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	dialer := o.dialer
	if dialer == nil {
		dialer = newDialer(cfg)
	}
	s.manager = client.New(client.Config{
		URL:                  cfg.SocketURL,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Connection.ReconnectDelay,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
	}, dialer, client.WithLogger(log.Named("conn")))

	apiOpts := append([]api.Option{
		api.WithLogger(log.Named("api")),
		api.WithRefreshHook(s.tokenRefreshed),
	}, o.apiOptions...)
	s.api = api.New(cfg.APIURL, api.NewTokens("", ""), apiOpts...)

	store := o.store
	if store == nil && cfg.Redis.Addr != "" {
		rctx, cancel := context.WithTimeout(ctx, cfg.Connection.ConnectTimeout)
		redis, err := cache.Dial(rctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		cancel()
		if err != nil {
			log.Warn("chat list cache disabled", zap.Error(err))
		} else {
			s.redis = redis
			store = redis
		}
	}

	s.presence = presence.NewTracker(s.manager, log.Named("presence"))
	s.rooms = room.NewMembership(s.manager, log.Named("room"))
	s.typing = typing.New(s.manager, typing.Config{
		StopAfter:    cfg.Typing.StopAfter,
		RemoteExpiry: cfg.Typing.RemoteExpiry,
	}, log.Named("typing"))

	recOpts := []reconcile.Option{
		reconcile.WithHistory(s.api),
		reconcile.WithLogger(log.Named("messages")),
	}
	if o.restSend {
		recOpts = append(recOpts, reconcile.WithSender(s.api))
	}
	s.messages = reconcile.New(s.manager, recOpts...)

	chatOpts := []chatlist.Option{
		chatlist.WithPresence(s.presence),
		chatlist.WithLogger(log.Named("chats")),
	}
	if store != nil {
		chatOpts = append(chatOpts, chatlist.WithStore(store))
	}
	s.chats = chatlist.New(s.manager, s.api, chatOpts...)

	s.sub = s.manager.On(protocol.EventConnect, func(protocol.Frame) { s.refreshChats() })
	return s, nil
}

func newDialer(cfg config.Config) chat.Dialer {
	if cfg.Transport == config.TransportGorilla {
		return gorilla.Dialer{HandshakeTimeout: cfg.Connection.ConnectTimeout}
	}
	return ws.Dialer{Timeout: cfg.Connection.ConnectTimeout}
}

// Run builds a session, calls fn with it and closes it on every return
// path.
func Run(ctx context.Context, cfg config.Config, fn func(context.Context, *Session) error, opts ...Option) error {
	s, err := New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// Authenticate installs the tokens of a signed-in user and connects. The
// user id is read from the access token's claims.
func (s *Session) Authenticate(ctx context.Context, access, refresh string) error {
	userID, err := UserIDFromToken(access)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.userID
	s.userID = userID
	s.mu.Unlock()

	if prev != "" && prev != userID {
		s.manager.Disconnect()
		s.reset()
	}
	s.api.Tokens().Set(access, refresh)
	s.manager.SetIdentity(userID, access)
	s.log.Info("authenticated", zap.String("user", userID))

	if err := s.chats.Restore(ctx); err != nil {
		s.log.Warn("restore chat list", zap.Error(err))
	}
	return s.manager.Connect(ctx)
}

// Unauthenticate disconnects and forgets the user.
func (s *Session) Unauthenticate() {
	s.mu.Lock()
	s.userID = ""
	s.active = ""
	s.mu.Unlock()

	s.manager.Disconnect()
	s.manager.SetIdentity("", "")
	s.api.Tokens().Set("", "")
	s.reset()
}

// reset drops the state of the previous user.
func (s *Session) reset() {
	s.mu.Lock()
	s.epoch++
	s.active = ""
	s.mu.Unlock()

	s.rooms.Reset()
	s.messages.Reset()
	s.chats.Reset()
}

// UserID returns the authenticated user, or "" when there is none.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Close disconnects and detaches every component. It is safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sub.Unsubscribe()
	s.manager.Close()
	s.cancel()
	s.wg.Wait()

	s.chats.Close()
	s.messages.Detach()
	s.typing.Close()
	s.rooms.Close()
	s.presence.Close()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Debug("close chat list cache", zap.Error(err))
		}
	}
	s.log.Info("session closed")
}

func (s *Session) tokenRefreshed(access string) {
	if userID := s.UserID(); userID != "" {
		s.manager.SetIdentity(userID, access)
	}
}

// refreshChats reloads the chat list after every (re)connect.
func (s *Session) refreshChats() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		if _, err := s.chats.Fetch(ctx); err != nil {
			s.log.Warn("refresh chats", zap.Error(err))
		}
	}()
}

func (s *Session) requireUser() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return "", ErrClosed
	case s.userID == "":
		return "", ErrUnauthenticated
	}
	return s.userID, nil
}

// StartChat resolves the server room shared with otherUserID and returns
// the room key used on the socket.
func (s *Session) StartChat(ctx context.Context, otherUserID string) (string, error) {
	me, err := s.requireUser()
	if err != nil {
		return "", err
	}
	chatID, err := s.api.CreateOrGetRoom(ctx, otherUserID)
	if err != nil {
		return "", err
	}
	roomID := room.ID(me, otherUserID)
	s.log.Debug("chat ready", zap.String("room", roomID), zap.String("chat", chatID))
	return roomID, nil
}

// EnterRoom joins roomID, opens its message view, marks it active and
// loads its history. The returned leave func undoes all of it and is safe
// to call more than once. A history error is returned together with a
// valid leave func.
func (s *Session) EnterRoom(ctx context.Context, roomID string) (leave func(), err error) {
	if _, err := s.requireUser(); err != nil {
		return nil, err
	}

	leaveRoom := s.rooms.Enter(ctx, roomID)
	s.messages.Open(roomID)
	s.mu.Lock()
	s.active = roomID
	epoch := s.epoch
	s.mu.Unlock()
	s.chats.SetActive(roomID)

	var once sync.Once
	leave = func() {
		once.Do(func() {
			if err := s.typing.Flush(context.Background(), roomID); err != nil {
				s.log.Debug("flush typing", zap.Error(err))
			}
			leaveRoom()
			s.mu.Lock()
			if s.epoch != epoch {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			s.messages.Close(roomID)
			s.mu.Lock()
			wasActive := s.active == roomID
			if wasActive {
				s.active = ""
			}
			s.mu.Unlock()
			if wasActive {
				s.chats.SetActive("")
			}
		})
	}

	if err := s.messages.LoadHistory(ctx, roomID); err != nil {
		return leave, err
	}
	return leave, nil
}

// Send stops the typing indicator of roomID and sends a message.
func (s *Session) Send(ctx context.Context, roomID, body string, kind chat.Kind, media *chat.Media) (chat.Message, error) {
	if _, err := s.requireUser(); err != nil {
		return chat.Message{}, err
	}
	if err := s.typing.Flush(ctx, roomID); err != nil {
		s.log.Debug("flush typing", zap.Error(err))
	}
	return s.messages.Send(ctx, roomID, body, kind, media)
}

// Manager returns the connection manager.
func (s *Session) Manager() *client.Manager { return s.manager }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Rooms returns the room membership.
func (s *Session) Rooms() *room.Membership { return s.rooms }

// Typing returns the typing coordinator.
func (s *Session) Typing() *typing.Coordinator { return s.typing }

// Messages returns the message reconciler.
func (s *Session) Messages() *reconcile.Reconciler { return s.messages }

// Chats returns the chat list.
func (s *Session) Chats() *chatlist.Aggregator { return s.chats }

// API returns the REST client.
func (s *Session) API() *api.Client { return s.api }

// UserIDFromToken reads the user id from a JWT without verifying its
// signature; the server verifies it on every request.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", errors.Wrap(ErrUnauthenticated, err.Error())
	}
	for _, key := range userClaims {
		if id, ok := claims[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", errors.Wrap(ErrUnauthenticated, "token carries no user id")
}
