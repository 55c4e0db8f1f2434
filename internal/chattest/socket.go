package chattest

import (
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

// handleSocket upgrades the request and serves one client.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	userID := r.URL.Query().Get("userId")
	if reject || userID == "" {
		http.Error(w, "socket refused", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		userID:   userID,
		outgoing: make(chan []byte, 64),
		rooms:    make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.presenceLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.handleClient(c)
}

// handleClient reads frames from c until it disconnects.
func (s *Server) handleClient(c *client) {
	defer s.wg.Done()

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case data := <-c.outgoing:
				if err := wsutil.WriteServerBinary(c.conn, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	defer func() {
		close(done)
		s.mu.Lock()
		delete(s.clients, c)
		s.presenceLocked()
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		data, err := wsutil.ReadClientBinary(c.conn)
		if err != nil {
			return
		}
		var f protocol.Frame
		if err := f.Decode(data); err != nil {
			s.log.Warn("failed to decode frame", zap.Error(err))
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *client, f protocol.Frame) {
	s.mu.Lock()
	defer func() {
		s.frames = append(s.frames, f)
		s.mu.Unlock()
		select {
		case s.received <- struct{}{}:
		default:
		}
	}()

	switch f.Event {
	case protocol.EventJoinChat, protocol.EventLeaveChat:
		p, err := protocol.Decode[protocol.RoomPayload](f)
		if err != nil || p.RoomID == "" {
			return
		}
		c.rooms[p.RoomID] = f.Event == protocol.EventJoinChat

	case protocol.EventSendMessage:
		p, err := protocol.Decode[protocol.SendMessagePayload](f)
		if err != nil {
			return
		}
		msg, ok := s.storeLocked(p.RoomID, c.userID, p.Message, p.MessageType, p.ClientID, p.Image)
		if !ok {
			return
		}
		ack := protocol.NewFrame(protocol.EventMessageAck, protocol.AckPayload{
			RoomID:    p.RoomID,
			ClientID:  p.ClientID,
			ID:        msg.ID,
			CreatedAt: msg.CreatedAt,
		})
		if data, err := ack.Encode(); err == nil {
			s.sendLocked(c, data)
		}
		s.broadcastLocked(msg.RoomID, protocol.NewFrame(protocol.EventNewMessage, msg), nil)

	case protocol.EventTyping, protocol.EventStopTyping:
		p, err := protocol.Decode[protocol.TypingPayload](f)
		if err != nil {
			return
		}
		out := protocol.EventUserTyping
		if f.Event == protocol.EventStopTyping {
			out = protocol.EventUserStoppedTyping
		}
		s.broadcastLocked(p.RoomID, protocol.NewFrame(out, protocol.TypingPayload{RoomID: p.RoomID, UserID: c.userID}), c)
	}
}
