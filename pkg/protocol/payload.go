package protocol

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Payload is a typed event body that can be flattened into frame data.
type Payload interface {
	Fields() map[string]any
}

// Media references an uploaded file attached to a message.
type Media struct {
	URL      string `json:"url"`
	PublicID string `json:"publicId,omitempty"`
}

// Fields implements Payload.
func (m Media) Fields() map[string]any {
	return map[string]any{"url": m.URL, "publicId": m.PublicID}
}

// MessagePayload is a persisted chat message as pushed by the server
// (newMessage) and returned by the history endpoint.
type MessagePayload struct {
	ID              string    `json:"_id"`
	ClientID        string    `json:"clientId,omitempty"`
	RoomID          string    `json:"roomId"`
	Sender          string    `json:"sender"`
	Receiver        string    `json:"receiver,omitempty"`
	Message         string    `json:"message"`
	MessageType     string    `json:"messageType"`
	Image           *Media    `json:"image,omitempty"`
	SeenStatus      bool      `json:"seenStatus"`
	DeliveredStatus string    `json:"deliveredStatus,omitempty"`
	CreatedAt       Timestamp `json:"createdAt"`
}

// Fields implements Payload.
func (p MessagePayload) Fields() map[string]any {
	m := map[string]any{
		"_id":         p.ID,
		"roomId":      p.RoomID,
		"sender":      p.Sender,
		"message":     p.Message,
		"messageType": p.MessageType,
		"seenStatus":  p.SeenStatus,
		"createdAt":   p.CreatedAt.Wire(),
	}
	if p.ClientID != "" {
		m["clientId"] = p.ClientID
	}
	if p.Receiver != "" {
		m["receiver"] = p.Receiver
	}
	if p.DeliveredStatus != "" {
		m["deliveredStatus"] = p.DeliveredStatus
	}
	if p.Image != nil {
		m["image"] = p.Image.Fields()
	}
	return m
}

// SendMessagePayload is emitted by the client to post a message.
type SendMessagePayload struct {
	RoomID      string `json:"roomId"`
	SenderID    string `json:"senderId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	ClientID    string `json:"clientId"`
	Image       *Media `json:"image,omitempty"`
}

// Fields implements Payload.
func (p SendMessagePayload) Fields() map[string]any {
	m := map[string]any{
		"roomId":      p.RoomID,
		"senderId":    p.SenderID,
		"message":     p.Message,
		"messageType": p.MessageType,
		"clientId":    p.ClientID,
	}
	if p.Image != nil {
		m["image"] = p.Image.Fields()
	}
	return m
}

// RoomPayload carries a bare room id (joinChat, leaveChat).
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// Fields implements Payload.
func (p RoomPayload) Fields() map[string]any {
	return map[string]any{"roomId": p.RoomID}
}

// TypingPayload is used for typing, stopTyping, userTyping and
// userStoppedTyping.
type TypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Fields implements Payload.
func (p TypingPayload) Fields() map[string]any {
	return map[string]any{"roomId": p.RoomID, "userId": p.UserID}
}

// OnlineUsersPayload is a full snapshot of online user ids.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// Fields implements Payload.
func (p OnlineUsersPayload) Fields() map[string]any {
	return map[string]any{"users": p.Users}
}

// AckPayload confirms that the server persisted a client message.
type AckPayload struct {
	RoomID    string    `json:"roomId"`
	ClientID  string    `json:"clientId"`
	ID        string    `json:"_id"`
	CreatedAt Timestamp `json:"createdAt"`
}

// Fields implements Payload.
func (p AckPayload) Fields() map[string]any {
	return map[string]any{
		"roomId":    p.RoomID,
		"clientId":  p.ClientID,
		"_id":       p.ID,
		"createdAt": p.CreatedAt.Wire(),
	}
}

// ReceiptPayload lists messages that reached a new delivery state
// (messageDelivered, messagesSeen).
type ReceiptPayload struct {
	RoomID     string   `json:"roomId"`
	SeenBy     string   `json:"seenBy,omitempty"`
	MessageIDs []string `json:"messageIds"`
}

// Fields implements Payload.
func (p ReceiptPayload) Fields() map[string]any {
	m := map[string]any{"roomId": p.RoomID, "messageIds": p.MessageIDs}
	if p.SeenBy != "" {
		m["seenBy"] = p.SeenBy
	}
	return m
}

// ReasonPayload describes why a local connection event happened.
type ReasonPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Fields implements Payload.
func (p ReasonPayload) Fields() map[string]any {
	return map[string]any{"reason": p.Reason}
}

// Decode decodes the data of f into a T.
func Decode[T any](f Frame) (*T, error) {
	var out T
	if err := DecodeInto(f.Data, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", f.Event)
	}
	return &out, nil
}

// DecodeInto decodes loosely typed data, as produced by structpb or
// encoding/json, into out. Field names follow the json tags, and loose
// input (numbers as strings, ms timestamps, populated id objects) is
// accepted.
func DecodeInto(data any, out any) error {
	cfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timestampHook(),
			idObjectHook(),
		),
	}
	dec, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	return dec.Decode(data)
}

var timestampType = reflect.TypeOf(Timestamp{})

// timestampHook turns strings and epoch milliseconds into a Timestamp.
func timestampHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != timestampType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			t, err := ParseTime(v)
			if err != nil {
				return nil, err
			}
			return At(t), nil
		case float64:
			return At(fromMillis(v)), nil
		case int64:
			return At(fromMillis(float64(v))), nil
		case nil:
			return Timestamp{}, nil
		}
		return data, nil
	}
}

// idObjectHook collapses a populated reference such as {"_id": "u1", ...}
// into its id when the target field is a plain string.
func idObjectHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.String || from.Kind() != reflect.Map {
			return data, nil
		}
		obj, ok := data.(map[string]any)
		if !ok {
			return data, nil
		}
		for _, key := range []string{"_id", "id"} {
			if id, ok := obj[key].(string); ok {
				return id, nil
			}
		}
		return data, nil
	}
}
