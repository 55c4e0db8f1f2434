// Package presence tracks which users are online.
package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/logger"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

// Source is the event feed the tracker subscribes to.
type Source interface {
	On(event protocol.Event, handler chat.Handler) *chat.Subscription
}

// Tracker holds the latest online snapshot. Each getOnlineUser event
// replaces the set wholesale and a disconnect clears it.
type Tracker struct {
	log       *zap.Logger
	listeners chat.Listeners[[]string]
	subs      []*chat.Subscription

	mu     sync.RWMutex
	online map[string]struct{}
}

// NewTracker subscribes a Tracker to src.
func NewTracker(src Source, log *zap.Logger) *Tracker {
	t := &Tracker{
		log:    logger.OrNop(log),
		online: make(map[string]struct{}),
	}
	t.subs = []*chat.Subscription{
		src.On(protocol.EventOnlineUsers, t.handleSnapshot),
		src.On(protocol.EventDisconnect, func(protocol.Frame) { t.Clear() }),
	}
	return t
}

func (t *Tracker) handleSnapshot(f protocol.Frame) {
	p, err := protocol.Decode[protocol.OnlineUsersPayload](f)
	if err != nil {
		t.log.Warn("ignoring online users snapshot", zap.Error(err))
		return
	}
	t.Replace(p.Users)
}

// Replace installs ids as the online set.
func (t *Tracker) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	t.mu.Lock()
	t.online = next
	t.mu.Unlock()

	t.log.Debug("online users", zap.Int("count", len(next)))
	t.listeners.Notify(t.Online())
}

// Clear empties the set.
func (t *Tracker) Clear() {
	t.mu.Lock()
	wasEmpty := len(t.online) == 0
	t.online = make(map[string]struct{})
	t.mu.Unlock()

	if !wasEmpty {
		t.listeners.Notify(nil)
	}
}

// IsOnline reports whether id is in the latest snapshot.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Online returns the online ids in ascending order.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OnOnlineUsers registers cb for every change of the set.
func (t *Tracker) OnOnlineUsers(cb func([]string)) *chat.Subscription {
	return t.listeners.Add(cb)
}

// Close detaches the tracker from its source.
func (t *Tracker) Close() {
	for _, s := range t.subs {
		s.Unsubscribe()
	}
}
