package protocol

// ChatUser is a participant as returned by the REST API. Structured
// responses use ID, legacy ones use LegacyID.
type ChatUser struct {
	ID             string `json:"id,omitempty"`
	LegacyID       string `json:"_id,omitempty"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
	ProfilePhoto   string `json:"profilePhoto,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	Role           string `json:"role,omitempty"`
}

// UserID returns the structured id, falling back to the legacy one.
func (u ChatUser) UserID() string {
	if u.ID != "" {
		return u.ID
	}
	return u.LegacyID
}

// Picture returns the first non-empty avatar field.
func (u ChatUser) Picture() string {
	for _, p := range []string{u.Avatar, u.ProfilePicture, u.ProfilePhoto} {
		if p != "" {
			return p
		}
	}
	return ""
}

// ChatSummary is one entry of GET /chat/all.
type ChatSummary struct {
	ID          string    `json:"_id"`
	Users       []string  `json:"users"`
	CreatedAt   Timestamp `json:"createdAt"`
	UpdatedAt   Timestamp `json:"updatedAt"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UnseenCount int       `json:"unseenCount"`
	IsActive    bool      `json:"isActive"`
	CurrentUser *ChatUser `json:"currentUser,omitempty"`
	OtherUser   *ChatUser `json:"otherUser,omitempty"`

	// Legacy flat fields describing the other participant.
	ProfilePhoto string `json:"profilePhoto,omitempty"`
	FirstName    string `json:"firstName,omitempty"`
	LastName     string `json:"lastName,omitempty"`
}

// ChatEnvelope wraps a ChatSummary in the list response.
type ChatEnvelope struct {
	Chat ChatSummary `json:"chat"`
}

// ChatListResponse is the body of GET /chat/all.
type ChatListResponse struct {
	Success bool           `json:"success"`
	Chats   []ChatEnvelope `json:"chats"`
}

// RoomInfo describes the participants of a room in a history response.
type RoomInfo struct {
	ID          string    `json:"id"`
	CurrentUser *ChatUser `json:"currentUser,omitempty"`
	OtherUser   *ChatUser `json:"otherUser,omitempty"`
}

// RoomHistory is the body of GET /chat/message/{roomId}.
type RoomHistory struct {
	Success  bool             `json:"success,omitempty"`
	Messages []MessagePayload `json:"messages"`
	Room     *RoomInfo        `json:"room,omitempty"`
	User     *ChatUser        `json:"user,omitempty"`
}

// Peer returns the other participant of the room, preferring the
// structured room info over the legacy user field.
func (h RoomHistory) Peer() *ChatUser {
	if h.Room != nil && h.Room.OtherUser != nil {
		return h.Room.OtherUser
	}
	return h.User
}

// SendMessageRequest is the body of POST /chat/message.
type SendMessageRequest struct {
	RoomID      string `json:"roomId"`
	Text        string `json:"text,omitempty"`
	MessageType string `json:"messageType"`
	ClientID    string `json:"clientId,omitempty"`
	File        *Media `json:"file,omitempty"`
}

// SendMessageResponse is the body returned by POST /chat/message.
type SendMessageResponse struct {
	Message *MessagePayload `json:"message"`
	Sender  string          `json:"sender"`
}

// CreateRoomRequest is the body of POST /chat/new.
type CreateRoomRequest struct {
	ReceiverID string `json:"receiverId"`
}

// CreateRoomResponse is returned by POST /chat/new. A new room carries
// RoomID, an existing one is returned under Data.
type CreateRoomResponse struct {
	Message string `json:"message,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
	Data    *struct {
		ID string `json:"_id"`
	} `json:"data,omitempty"`
}

// RefreshRequest is the body of POST /users/refresh-token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is returned by POST /users/refresh-token.
type RefreshResponse struct {
	Success bool `json:"success"`
	Data    struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"data"`
}

// ErrorBody is the error shape of any failed REST call.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
