package api

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

var (
	// ErrNoRoomID is returned when create-or-get yields no room id.
	ErrNoRoomID = errors.New("no room id in response")
	// ErrUnsuccessful is returned when a 2xx body reports success=false.
	ErrUnsuccessful = errors.New("request was not successful")
)

// FetchChats returns every conversation of the current user.
func (c *Client) FetchChats(ctx context.Context) ([]protocol.ChatSummary, error) {
	var resp protocol.ChatListResponse
	if err := c.do(ctx, http.MethodGet, "/chat/all", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrUnsuccessful
	}
	chats := make([]protocol.ChatSummary, 0, len(resp.Chats))
	for _, env := range resp.Chats {
		chats = append(chats, env.Chat)
	}
	return chats, nil
}

// FetchRoomMessages returns the history and participants of roomID.
func (c *Client) FetchRoomMessages(ctx context.Context, roomID string) (*protocol.RoomHistory, error) {
	var resp protocol.RoomHistory
	if err := c.do(ctx, http.MethodGet, roomPath("/chat/message/", roomID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage posts a message and returns the persisted copy.
func (c *Client) SendMessage(ctx context.Context, req protocol.SendMessageRequest) (*protocol.SendMessageResponse, error) {
	var resp protocol.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/chat/message", req, &resp); err != nil {
		return nil, err
	}
	if resp.Message == nil || resp.Sender == "" {
		return nil, errors.New("unexpected send message response")
	}
	return &resp, nil
}

// Send posts msg over REST and returns the persisted message.
func (c *Client) Send(ctx context.Context, msg chat.Message) (*chat.Message, error) {
	req := protocol.SendMessageRequest{
		RoomID:      msg.RoomID,
		MessageType: msg.Kind.Wire(),
		ClientID:    msg.ClientID,
		File:        chat.MediaPayload(msg.Media),
	}
	if msg.Kind == chat.KindText {
		req.Text = msg.Body
	}
	resp, err := c.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	persisted := chat.MessageFromPayload(*resp.Message, msg.SenderID)
	if persisted.RoomID == "" {
		persisted.RoomID = msg.RoomID
	}
	if persisted.SenderID == "" {
		persisted.SenderID = resp.Sender
		persisted.Own = resp.Sender == msg.SenderID
	}
	if resp.Message.DeliveredStatus == "" && !resp.Message.SeenStatus {
		persisted.Status = chat.StatusSent
	}
	return &persisted, nil
}

// CreateOrGetRoom resolves the server room shared with receiverID,
// creating it when needed.
func (c *Client) CreateOrGetRoom(ctx context.Context, receiverID string) (string, error) {
	var resp protocol.CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/chat/new", protocol.CreateRoomRequest{ReceiverID: receiverID}, &resp); err != nil {
		return "", err
	}
	if resp.RoomID != "" {
		return resp.RoomID, nil
	}
	if resp.Data != nil && resp.Data.ID != "" {
		return resp.Data.ID, nil
	}
	return "", ErrNoRoomID
}
