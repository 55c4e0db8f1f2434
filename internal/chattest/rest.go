package chattest

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("POST /users/refresh-token", s.handleRefresh)
	mux.HandleFunc("GET /chat/all", s.authed(s.handleChats))
	mux.HandleFunc("GET /chat/message/{roomId}", s.authed(s.handleHistory))
	mux.HandleFunc("POST /chat/message", s.authed(s.handleSend))
	mux.HandleFunc("POST /chat/new", s.authed(s.handleNewRoom))
	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed rejects requests without a live access token.
func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.access[token]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, protocol.ErrorBody{Message: "jwt expired"})
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req protocol.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "invalid body"})
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[req.RefreshToken]
	var resp protocol.RefreshResponse
	if ok {
		delete(s.refresh, req.RefreshToken)
		resp.Success = true
		resp.Data.AccessToken, resp.Data.RefreshToken = s.issueLocked(userID)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorBody{Message: "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	if s.failChat {
		s.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorBody{Message: "chat list unavailable"})
		return
	}
	resp := protocol.ChatListResponse{Success: true, Chats: []protocol.ChatEnvelope{}}
	for _, c := range s.chats {
		if c.users[0] != userID && c.users[1] != userID {
			continue
		}
		other := c.users[0]
		if other == userID {
			other = c.users[1]
		}
		summary := protocol.ChatSummary{
			ID:          c.id,
			Users:       []string{c.users[0], c.users[1]},
			CreatedAt:   protocol.At(c.created),
			UpdatedAt:   protocol.At(c.updated),
			IsActive:    true,
			CurrentUser: &protocol.ChatUser{ID: userID, Role: "currentUser"},
			OtherUser:   s.userLocked(other, "otherUser"),
		}
		for _, m := range c.messages {
			if m.Sender != userID && !m.SeenStatus {
				summary.UnseenCount++
			}
		}
		if n := len(c.messages); n > 0 {
			summary.LastMessage = c.messages[n-1].Message
		}
		resp.Chats = append(resp.Chats, protocol.ChatEnvelope{Chat: summary})
	}
	s.mu.Unlock()

	sort.Slice(resp.Chats, func(i, j int) bool {
		return resp.Chats[i].Chat.ID < resp.Chats[j].Chat.ID
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	roomID := r.PathValue("roomId")

	s.mu.Lock()
	var found *chatRoom
	for _, c := range s.chats {
		if c.id == roomID || c.key == roomID {
			found = c
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, protocol.ErrorBody{Message: "room not found"})
		return
	}
	other := found.users[0]
	if other == userID {
		other = found.users[1]
	}
	resp := protocol.RoomHistory{
		Success:  true,
		Messages: append([]protocol.MessagePayload{}, found.messages...),
		Room: &protocol.RoomInfo{
			ID:          found.id,
			CurrentUser: &protocol.ChatUser{ID: userID, Role: "currentUser"},
			OtherUser:   s.userLocked(other, "otherUser"),
		},
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "invalid body"})
		return
	}

	s.mu.Lock()
	msg, ok := s.storeLocked(req.RoomID, userID, req.Text, req.MessageType, req.ClientID, req.File)
	if ok {
		s.broadcastLocked(msg.RoomID, protocol.NewFrame(protocol.EventNewMessage, msg), nil)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Message: "unknown room"})
		return
	}
	writeJSON(w, http.StatusCreated, protocol.SendMessageResponse{Message: &msg, Sender: userID})
}

func (s *Server) handleNewRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorBody{Error: "receiverId is required"})
		return
	}

	s.mu.Lock()
	existing := s.roomLocked(userID, req.ReceiverID, false)
	var resp protocol.CreateRoomResponse
	if existing != nil {
		resp.Message = "Chat room already exists"
		resp.Data = &struct {
			ID string `json:"_id"`
		}{ID: existing.id}
	} else {
		resp.Message = "New room created"
		resp.RoomID = s.roomLocked(userID, req.ReceiverID, true).id
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) userLocked(id, role string) *protocol.ChatUser {
	u, ok := s.users[id]
	if !ok {
		return &protocol.ChatUser{ID: id, Role: role}
	}
	return &protocol.ChatUser{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Role: role}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
