package protocol_test

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

func TestFrame_Encode(t *testing.T) {
	tests := []struct {
		name    string
		frame   protocol.Frame
		wantErr bool
	}{
		{
			name:  "encode join frame successfully",
			frame: protocol.NewFrame(protocol.EventJoinChat, protocol.RoomPayload{RoomID: "a-b"}),
		},
		{
			name: "encode send frame with media",
			frame: protocol.NewFrame(protocol.EventSendMessage, protocol.SendMessagePayload{
				RoomID:      "a-b",
				SenderID:    "a",
				MessageType: protocol.KindImage,
				ClientID:    "c1",
				Image:       &protocol.Media{URL: "https://cdn/x.png", PublicID: "x"},
			}),
		},
		{
			name:  "encode frame without payload",
			frame: protocol.NewFrame(protocol.EventConnect, nil),
		},
		{
			name:    "reject unsupported value",
			frame:   protocol.Frame{Event: protocol.EventTyping, Data: map[string]any{"ch": make(chan int)}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Encode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Frame.Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(data) == 0 {
				t.Error("Frame.Encode() returned empty data")
			}
		})
	}
}

func TestFrame_Decode(t *testing.T) {
	encode := func(f protocol.Frame) []byte {
		data, err := f.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		return data
	}
	noEvent, _ := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"data": structpb.NewStructValue(&structpb.Struct{}),
	}})

	tests := []struct {
		name      string
		data      []byte
		wantEvent protocol.Event
		wantRoom  string
		wantErr   error
	}{
		{
			name:      "decode typing frame",
			data:      encode(protocol.NewFrame(protocol.EventUserTyping, protocol.TypingPayload{RoomID: "a-b", UserID: "b"})),
			wantEvent: protocol.EventUserTyping,
			wantRoom:  "a-b",
		},
		{
			name:    "missing event name",
			data:    noEvent,
			wantErr: protocol.ErrMissingEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f protocol.Frame
			err := f.Decode(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Frame.Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Frame.Decode() unexpected error = %v", err)
			}
			if f.Event != tt.wantEvent {
				t.Errorf("Event = %v, want %v", f.Event, tt.wantEvent)
			}
			if got := f.Data["roomId"]; got != tt.wantRoom {
				t.Errorf("roomId = %v, want %v", got, tt.wantRoom)
			}
		})
	}
}

func TestFrame_DecodeInvalidData(t *testing.T) {
	var f protocol.Frame
	if err := f.Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("Frame.Decode() expected error for garbage input")
	}
}

func TestDecode_MessagePayload(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	in := protocol.NewFrame(protocol.EventNewMessage, protocol.MessagePayload{
		ID:          "m1",
		ClientID:    "c1",
		RoomID:      "a-b",
		Sender:      "a",
		Message:     "hi",
		MessageType: protocol.KindAudio,
		Image:       &protocol.Media{URL: "u", PublicID: "p"},
		SeenStatus:  true,
		CreatedAt:   protocol.At(created),
	})
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out protocol.Frame
	if err := out.Decode(data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	got, err := protocol.Decode[protocol.MessagePayload](out)
	if err != nil {
		t.Fatalf("Decode[MessagePayload]() error = %v", err)
	}
	if got.ID != "m1" || got.ClientID != "c1" || got.Sender != "a" || got.Message != "hi" {
		t.Errorf("unexpected payload %+v", got)
	}
	if !got.SeenStatus {
		t.Error("SeenStatus = false, want true")
	}
	if got.Image == nil || got.Image.URL != "u" {
		t.Errorf("Image = %+v, want url u", got.Image)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestDecode_LooseInput(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		wantSender string
		wantTime   time.Time
	}{
		{
			name:       "epoch milliseconds",
			data:       map[string]any{"sender": "a", "createdAt": float64(1700000000000)},
			wantSender: "a",
			wantTime:   time.UnixMilli(1700000000000).UTC(),
		},
		{
			name:       "numeric string timestamp",
			data:       map[string]any{"sender": "a", "createdAt": "1700000000000"},
			wantSender: "a",
			wantTime:   time.UnixMilli(1700000000000).UTC(),
		},
		{
			name:       "populated sender object",
			data:       map[string]any{"sender": map[string]any{"_id": "u9", "firstName": "Ann"}},
			wantSender: "u9",
		},
		{
			name:       "missing timestamp",
			data:       map[string]any{"sender": "a"},
			wantSender: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.Decode[protocol.MessagePayload](protocol.Frame{Event: protocol.EventNewMessage, Data: tt.data})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Sender != tt.wantSender {
				t.Errorf("Sender = %q, want %q", got.Sender, tt.wantSender)
			}
			if !got.CreatedAt.Equal(tt.wantTime) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt.Time, tt.wantTime)
			}
		})
	}
}

func TestDecode_OnlineUsers(t *testing.T) {
	f := protocol.NewFrame(protocol.EventOnlineUsers, protocol.OnlineUsersPayload{Users: []string{"a", "b"}})
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out protocol.Frame
	if err := out.Decode(data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, err := protocol.Decode[protocol.OnlineUsersPayload](out)
	if err != nil {
		t.Fatalf("Decode[OnlineUsersPayload]() error = %v", err)
	}
	if len(got.Users) != 2 || got.Users[0] != "a" || got.Users[1] != "b" {
		t.Errorf("Users = %v, want [a b]", got.Users)
	}
}

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"text", "text"},
		{"audio", "audio"},
		{"file", "file"},
		{"sticker", "text"},
		{"", "text"},
	}
	for _, tt := range tests {
		if got := protocol.NormalizeKind(tt.in); got != tt.want {
			t.Errorf("NormalizeKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
