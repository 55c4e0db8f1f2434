package reconcile

import (
	"sort"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
)

// stream is the message sequence of one room: a keyed map plus an index
// ordered by CreatedAt, ties in arrival order.
type stream struct {
	byID    map[string]*chat.Message
	aliases map[string]string
	pending map[string]struct{}
	order   []*chat.Message

	gen  uint64
	open bool
}

func newStream() *stream {
	return &stream{
		byID:    make(map[string]*chat.Message),
		aliases: make(map[string]string),
		pending: make(map[string]struct{}),
	}
}

// lookup resolves a server id or a provisional id.
func (s *stream) lookup(id string) *chat.Message {
	if id == "" {
		return nil
	}
	if m, ok := s.byID[id]; ok {
		return m
	}
	if current, ok := s.aliases[id]; ok {
		return s.byID[current]
	}
	return nil
}

func (s *stream) isPending(m *chat.Message) bool {
	if m.ClientID == "" {
		return false
	}
	_, ok := s.pending[m.ClientID]
	return ok
}

func (s *stream) insert(m *chat.Message) {
	s.byID[m.ID] = m
	s.place(m)
}

// place inserts m into the ordered index after every message with an
// equal or earlier timestamp.
func (s *stream) place(m *chat.Message) {
	i := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].CreatedAt.After(m.CreatedAt)
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m
}

func (s *stream) unplace(m *chat.Message) {
	for i, v := range s.order {
		if v == m {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// remove drops m from the stream entirely.
func (s *stream) remove(m *chat.Message) {
	s.unplace(m)
	if s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
}

// rekey moves m to serverID and records its provisional id as an alias.
func (s *stream) rekey(m *chat.Message, serverID string) {
	if m.ID == serverID {
		return
	}
	delete(s.byID, m.ID)
	m.ID = serverID
	s.byID[serverID] = m
	if m.ClientID != "" {
		s.aliases[m.ClientID] = serverID
	}
}

// oldestPending finds the oldest own unconfirmed message with the same
// kind and body as m. Failed messages never left the client and only
// match by client id.
func (s *stream) oldestPending(m chat.Message) *chat.Message {
	for _, v := range s.order {
		if v.Own && v.Status != chat.StatusFailed && s.isPending(v) && v.Kind == m.Kind && v.Body == m.Body {
			return v
		}
	}
	return nil
}

func (s *stream) snapshot() []chat.Message {
	out := make([]chat.Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
		if m.Media != nil {
			media := *m.Media
			out[i].Media = &media
		}
	}
	return out
}
