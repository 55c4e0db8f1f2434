package chat

import "github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"

// MessageFromPayload converts a server message for the user me. A missing
// timestamp is left zero for the caller to fill in.
func MessageFromPayload(p protocol.MessagePayload, me string) Message {
	m := Message{
		ID:        p.ID,
		ClientID:  p.ClientID,
		RoomID:    p.RoomID,
		SenderID:  p.Sender,
		Body:      p.Message,
		Kind:      KindFromWire(p.MessageType),
		CreatedAt: p.CreatedAt.Time,
		Status:    statusFromPayload(p),
		Own:       me != "" && p.Sender == me,
	}
	if p.Image != nil && p.Image.URL != "" {
		m.Media = &Media{URL: p.Image.URL, PublicID: p.Image.PublicID}
	}
	return m
}

func statusFromPayload(p protocol.MessagePayload) Status {
	if p.SeenStatus {
		return StatusRead
	}
	switch p.DeliveredStatus {
	case "sent":
		return StatusSent
	default:
		return StatusDelivered
	}
}

// ParticipantFromUser converts a REST user. A nil user yields the zero
// participant.
func ParticipantFromUser(u *protocol.ChatUser) Participant {
	if u == nil {
		return Participant{}
	}
	return Participant{
		ID:        u.UserID(),
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Avatar:    u.Picture(),
	}
}

// MediaPayload converts m for the wire. A nil media yields nil.
func MediaPayload(m *Media) *protocol.Media {
	if m == nil {
		return nil
	}
	return &protocol.Media{URL: m.URL, PublicID: m.PublicID}
}
