// Package protocol defines the wire format spoken with the chat backend.
//
// Every realtime frame is a binary WebSocket message holding a protobuf
// encoded google.protobuf.Struct of the form {"event": name, "data": {...}}.
package protocol

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event names a realtime event.
type Event string

// Server to client events.
const (
	EventOnlineUsers       Event = "getOnlineUser"
	EventNewMessage        Event = "newMessage"
	EventMessageAck        Event = "messageAck"
	EventMessageDelivered  Event = "messageDelivered"
	EventMessagesSeen      Event = "messagesSeen"
	EventUserTyping        Event = "userTyping"
	EventUserStoppedTyping Event = "userStoppedTyping"
)

// Client to server events.
const (
	EventJoinChat    Event = "joinChat"
	EventLeaveChat   Event = "leaveChat"
	EventSendMessage Event = "sendMessage"
	EventTyping      Event = "typing"
	EventStopTyping  Event = "stopTyping"
)

// Local events raised by the connection itself, never sent on the wire.
const (
	EventConnect      Event = "connect"
	EventDisconnect   Event = "disconnect"
	EventConnectError Event = "connect_error"
)

const (
	fieldEvent = "event"
	fieldData  = "data"
)

// ErrMissingEvent is returned when a decoded frame carries no event name.
var ErrMissingEvent = errors.New("frame has no event name")

// Frame is a single realtime event with its loosely typed data.
type Frame struct {
	Event Event
	Data  map[string]any
}

// NewFrame builds a frame for event from a typed payload. A nil payload
// yields an empty data object.
func NewFrame(event Event, payload Payload) Frame {
	f := Frame{Event: event}
	if payload != nil {
		f.Data = payload.Fields()
	}
	return f
}

// Encode encodes the frame into bytes using protobuf
func (f *Frame) Encode() ([]byte, error) {
	st, err := f.toProto()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// Decode decodes bytes into a frame using protobuf
func (f *Frame) Decode(data []byte) error {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return errors.Wrap(err, "failed to decode frame")
	}
	return f.fromProto(st)
}

// toProto converts the frame to a protobuf Struct.
func (f *Frame) toProto() (*structpb.Struct, error) {
	data, err := structpb.NewStruct(normalizeMap(f.Data))
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldEvent: structpb.NewStringValue(string(f.Event)),
			fieldData:  structpb.NewStructValue(data),
		},
	}, nil
}

// fromProto populates the frame from a protobuf Struct. A missing data
// object decodes as an empty map rather than an error.
func (f *Frame) fromProto(st *structpb.Struct) error {
	name := st.GetFields()[fieldEvent].GetStringValue()
	if name == "" {
		return ErrMissingEvent
	}
	f.Event = Event(name)
	f.Data = st.GetFields()[fieldData].GetStructValue().AsMap()
	return nil
}

// normalizeMap rewrites values structpb cannot represent directly.
func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []string:
		list := make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = normalizeValue(item)
		}
		return list
	case map[string]any:
		return normalizeMap(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case Timestamp:
		return t.Wire()
	case Payload:
		return normalizeMap(t.Fields())
	default:
		return v
	}
}
