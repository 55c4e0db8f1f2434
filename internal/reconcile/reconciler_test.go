package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
	"github.com/Deepak-Melkani/soulara-realtime/internal/reconcile"
	"github.com/Deepak-Melkani/soulara-realtime/pkg/protocol"
)

const room = "u1-u2"

var errOffline = errors.New("not connected to server")

type fakeConn struct {
	hub *chat.Hub

	mu      sync.Mutex
	emitErr error
	sent    []protocol.Frame
}

func newFakeConn() *fakeConn { return &fakeConn{hub: chat.NewHub()} }

func (c *fakeConn) On(event protocol.Event, handler chat.Handler) *chat.Subscription {
	return c.hub.Register(event, handler)
}

func (c *fakeConn) Emit(_ context.Context, event protocol.Event, payload protocol.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.sent = append(c.sent, protocol.NewFrame(event, payload))
	return nil
}

func (c *fakeConn) UserID() string { return "u1" }

func (c *fakeConn) setOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offline {
		c.emitErr = errOffline
	} else {
		c.emitErr = nil
	}
}

func (c *fakeConn) lastSent() protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

// clock hands out strictly increasing times, all later than at().
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newReconciler(conn *fakeConn, opts ...reconcile.Option) *reconcile.Reconciler {
	return reconcile.New(conn, append([]reconcile.Option{reconcile.WithClock(newClock().now)}, opts...)...)
}

func at(sec int) time.Time {
	return time.Date(2025, 6, 1, 12, 0, sec, 0, time.UTC)
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// probeSender records the room state seen while the send is in flight.
type probeSender struct {
	r      *reconcile.Reconciler
	seen   []chat.Message
	err    error
	result *chat.Message
}

func (p *probeSender) Send(_ context.Context, msg chat.Message) (*chat.Message, error) {
	p.seen = p.r.Messages(msg.RoomID)
	return p.result, p.err
}

func TestSend_OptimisticInsert(t *testing.T) {
	conn := newFakeConn()
	probe := &probeSender{}
	r := newReconciler(conn, reconcile.WithSender(probe))
	probe.r = r

	msg, err := r.Send(context.Background(), room, "  hi  ", chat.KindText, nil)
	require.NoError(t, err)

	require.Len(t, probe.seen, 1)
	assert.Equal(t, chat.StatusSending, probe.seen[0].Status)
	assert.Equal(t, "hi", probe.seen[0].Body)
	assert.True(t, probe.seen[0].Own)
	assert.Equal(t, msg.ID, msg.ClientID)
	assert.False(t, msg.Confirmed())
}

func TestSend_SocketEmit(t *testing.T) {
	conn := newFakeConn()
	r := newReconciler(conn)

	msg, err := r.Send(context.Background(), room, "hello", chat.KindVoice, &chat.Media{URL: "https://cdn/v.ogg"})
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSending, msg.Status)

	f := conn.lastSent()
	assert.Equal(t, protocol.EventSendMessage, f.Event)
	assert.Equal(t, room, f.Data["roomId"])
	assert.Equal(t, "u1", f.Data["senderId"])
	assert.Equal(t, "audio", f.Data["messageType"])
	assert.Equal(t, msg.ClientID, f.Data["clientId"])
}

func TestSend_Validation(t *testing.T) {
	r := newReconciler(newFakeConn())
	ctx := context.Background()

	tests := []struct {
		name    string
		body    string
		kind    chat.Kind
		media   *chat.Media
		wantErr error
	}{
		{name: "empty text", body: "   ", kind: chat.KindText, wantErr: reconcile.ErrEmptyBody},
		{name: "image without media", body: "", kind: chat.KindImage, wantErr: reconcile.ErrEmptyBody},
		{name: "image with media", body: "", kind: chat.KindImage, media: &chat.Media{URL: "u"}},
		{name: "default kind", body: "yo", kind: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Send(ctx, room, tt.body, tt.kind, tt.media)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.Len(t, r.Messages(room), 2)
}

func TestSend_FailureKeepsMessage(t *testing.T) {
	conn := newFakeConn()
	conn.setOffline(true)
	r := newReconciler(conn)

	msg, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, chat.StatusFailed, msg.Status)

	msgs := r.Messages(room)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusFailed, msgs[0].Status)
}

func TestOfflineSendThenRetry(t *testing.T) {
	conn := newFakeConn()
	r := newReconciler(conn)
	ctx := context.Background()

	conn.setOffline(true)
	failed, err := r.Send(ctx, room, "hi", chat.KindText, nil)
	require.Error(t, err)
	require.Equal(t, chat.StatusFailed, failed.Status)

	conn.setOffline(false)
	resent, err := r.Retry(ctx, room, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSending, resent.Status)
	assert.NotEqual(t, failed.ID, resent.ID)

	require.NoError(t, r.Ack(room, resent.ClientID, "srv-1", time.Time{}))

	msgs := r.Messages(room)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StatusFailed, msgs[0].Status)
	assert.Equal(t, "srv-1", msgs[1].ID)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)
	assert.True(t, msgs[1].Confirmed())

	_, err = r.Retry(ctx, room, "srv-1")
	assert.ErrorIs(t, err, reconcile.ErrNotRetryable)
	_, err = r.Retry(ctx, room, "nope")
	assert.ErrorIs(t, err, reconcile.ErrUnknownMessage)
}

func TestOfflineSendThenRetry_EchoWithoutClientID(t *testing.T) {
	conn := newFakeConn()
	r := newReconciler(conn)
	ctx := context.Background()

	conn.setOffline(true)
	failed, err := r.Send(ctx, room, "hi", chat.KindText, nil)
	require.Error(t, err)

	conn.setOffline(false)
	resent, err := r.Retry(ctx, room, failed.ID)
	require.NoError(t, err)

	r.Ingest(chat.Message{
		ID: "srv-1", RoomID: room, SenderID: "u1",
		Body: "hi", Kind: chat.KindText, Status: chat.StatusSent, Own: true,
	})

	msgs := r.Messages(room)
	require.Len(t, msgs, 2)
	assert.Equal(t, failed.ID, msgs[0].ID)
	assert.Equal(t, chat.StatusFailed, msgs[0].Status)
	assert.Equal(t, "srv-1", msgs[1].ID)
	assert.Equal(t, resent.ClientID, msgs[1].ClientID)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)

	// an explicit client id still confirms the failed copy
	r.Ingest(chat.Message{
		ID: "srv-0", ClientID: failed.ClientID, RoomID: room, SenderID: "u1",
		Body: "hi", Kind: chat.KindText, Status: chat.StatusSent, Own: true,
	})
	got, ok := r.Message(room, failed.ClientID)
	require.True(t, ok)
	assert.Equal(t, "srv-0", got.ID)
	assert.Equal(t, chat.StatusSent, got.Status)
}

func TestIngest_ReplacesProvisionalByClientID(t *testing.T) {
	r := newReconciler(newFakeConn())
	sent, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)

	r.Ingest(chat.Message{
		ID: "srv-1", ClientID: sent.ClientID, RoomID: room, SenderID: "u1",
		Body: "hi", Kind: chat.KindText, CreatedAt: at(30), Status: chat.StatusDelivered, Own: true,
	})

	msgs := r.Messages(room)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, sent.ClientID, msgs[0].ClientID)
	assert.Equal(t, chat.StatusDelivered, msgs[0].Status)
	assert.Equal(t, at(30), msgs[0].CreatedAt)

	// still reachable by the provisional id
	m, ok := r.Message(room, sent.ClientID)
	require.True(t, ok)
	assert.Equal(t, "srv-1", m.ID)
}

func TestIngest_CorrelatesOwnEchoByBody(t *testing.T) {
	r := newReconciler(newFakeConn())
	ctx := context.Background()
	_, err := r.Send(ctx, room, "hi", chat.KindText, nil)
	require.NoError(t, err)
	_, err = r.Send(ctx, room, "hi", chat.KindText, nil)
	require.NoError(t, err)

	first := r.Messages(room)[0]
	r.Ingest(chat.Message{ID: "srv-1", RoomID: room, SenderID: "u1", Body: "hi", Kind: chat.KindText, Status: chat.StatusDelivered, Own: true})

	msgs := r.Messages(room)
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, first.ClientID, msgs[0].ClientID)
	assert.Equal(t, chat.StatusSending, msgs[1].Status)
}

func TestIngest_Idempotent(t *testing.T) {
	a := chat.Message{ID: "m1", RoomID: room, SenderID: "u2", Body: "a", CreatedAt: at(1), Status: chat.StatusDelivered}
	b := chat.Message{ID: "m2", RoomID: room, SenderID: "u2", Body: "b", CreatedAt: at(2), Status: chat.StatusDelivered}

	orders := [][]chat.Message{{a, b, a, b}, {b, a, b, a}, {a, a, b, b}}
	var results [][]chat.Message
	for _, seq := range orders {
		r := newReconciler(newFakeConn())
		for _, m := range seq {
			r.Ingest(m)
		}
		results = append(results, r.Messages(room))
	}
	for _, got := range results {
		assert.Equal(t, []string{"m1", "m2"}, ids(got))
		assert.Equal(t, results[0], got)
	}
}

func TestStatus_NeverRegresses(t *testing.T) {
	r := newReconciler(newFakeConn())
	r.Ingest(chat.Message{ID: "m1", RoomID: room, SenderID: "u1", Own: true, Body: "x", CreatedAt: at(1), Status: chat.StatusSent})

	assert.Equal(t, 1, r.MarkSeen(room, "u2", []string{"m1"}))
	assert.Equal(t, 0, r.MarkDelivered(room, []string{"m1"}))
	r.Ingest(chat.Message{ID: "m1", RoomID: room, SenderID: "u1", Own: true, Body: "x", CreatedAt: at(1), Status: chat.StatusDelivered})

	m, ok := r.Message(room, "m1")
	require.True(t, ok)
	assert.Equal(t, chat.StatusRead, m.Status)
}

func TestMarkSeen_WithoutIDs(t *testing.T) {
	r := newReconciler(newFakeConn())
	r.Ingest(chat.Message{ID: "m1", RoomID: room, SenderID: "u1", Own: true, Body: "x", CreatedAt: at(1), Status: chat.StatusDelivered})
	r.Ingest(chat.Message{ID: "m2", RoomID: room, SenderID: "u2", Body: "y", CreatedAt: at(2), Status: chat.StatusDelivered})

	assert.Equal(t, 1, r.MarkSeen(room, "u2", nil))
	msgs := r.Messages(room)
	assert.Equal(t, chat.StatusRead, msgs[0].Status)
	assert.Equal(t, chat.StatusDelivered, msgs[1].Status)
}

func TestOrdering(t *testing.T) {
	r := newReconciler(newFakeConn())
	for _, m := range []chat.Message{
		{ID: "c", RoomID: room, CreatedAt: at(3)},
		{ID: "a", RoomID: room, CreatedAt: at(1)},
		{ID: "b1", RoomID: room, CreatedAt: at(2)},
		{ID: "b2", RoomID: room, CreatedAt: at(2)},
		{ID: "d", RoomID: room, CreatedAt: at(4)},
	} {
		r.Ingest(m)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c", "d"}, ids(r.Messages(room)))
}

func TestIngest_RepositionsOnServerTime(t *testing.T) {
	r := newReconciler(newFakeConn())
	sent, err := r.Send(context.Background(), room, "late", chat.KindText, nil)
	require.NoError(t, err)
	r.Ingest(chat.Message{ID: "m0", RoomID: room, CreatedAt: sent.CreatedAt.Add(time.Minute)})

	require.NoError(t, r.Ack(room, sent.ClientID, "srv-late", sent.CreatedAt.Add(2*time.Minute)))
	assert.Equal(t, []string{"m0", "srv-late"}, ids(r.Messages(room)))
}

func TestAck(t *testing.T) {
	r := newReconciler(newFakeConn())
	assert.ErrorIs(t, r.Ack(room, "nope", "srv", time.Time{}), reconcile.ErrUnknownMessage)

	sent, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Ack(room, "nope", "srv", time.Time{}), reconcile.ErrUnknownMessage)

	require.NoError(t, r.Ack(room, sent.ClientID, "srv-1", time.Time{}))
	require.NoError(t, r.Ack(room, sent.ClientID, "srv-1", time.Time{}))
	msgs := r.Messages(room)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusSent, msgs[0].Status)
}

func TestAck_OverridesFailed(t *testing.T) {
	conn := newFakeConn()
	conn.setOffline(true)
	r := newReconciler(conn)

	failed, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.Error(t, err)

	require.NoError(t, r.Ack(room, failed.ClientID, "srv-1", time.Time{}))
	m, ok := r.Message(room, "srv-1")
	require.True(t, ok)
	assert.Equal(t, chat.StatusSent, m.Status)
}

func TestAck_AfterSeparateEcho(t *testing.T) {
	r := newReconciler(newFakeConn())
	sent, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)

	// echo from another device of the same user, different body
	r.Ingest(chat.Message{ID: "srv-1", RoomID: room, SenderID: "u1", Body: "hi!", Own: true, CreatedAt: at(59), Status: chat.StatusDelivered})
	require.Len(t, r.Messages(room), 2)

	require.NoError(t, r.Ack(room, sent.ClientID, "srv-1", time.Time{}))
	msgs := r.Messages(room)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, chat.StatusDelivered, msgs[0].Status)
}

type restSender struct{}

func (restSender) Send(_ context.Context, msg chat.Message) (*chat.Message, error) {
	return &chat.Message{ID: "db-1", RoomID: msg.RoomID, SenderID: msg.SenderID, Body: msg.Body, Kind: msg.Kind, CreatedAt: at(10), Status: chat.StatusSent, Own: true}, nil
}

func TestSend_RESTSenderConfirms(t *testing.T) {
	r := newReconciler(newFakeConn(), reconcile.WithSender(restSender{}))

	msg, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)
	assert.Equal(t, "db-1", msg.ID)
	assert.Equal(t, chat.StatusSent, msg.Status)
	assert.Len(t, r.Messages(room), 1)
}

// fakeHistory serves a fixed history, optionally blocking until release.
type fakeHistory struct {
	calls   atomic.Int32
	release chan struct{}
	history *protocol.RoomHistory
	err     error
}

func (h *fakeHistory) FetchRoomMessages(ctx context.Context, roomID string) (*protocol.RoomHistory, error) {
	h.calls.Add(1)
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.history, h.err
}

func historyOf(msgs ...protocol.MessagePayload) *protocol.RoomHistory {
	return &protocol.RoomHistory{Messages: msgs}
}

func TestLoadHistory_MergesUnderLiveState(t *testing.T) {
	hist := &fakeHistory{history: historyOf(
		protocol.MessagePayload{ID: "h1", Sender: "u2", Message: "old", CreatedAt: protocol.At(at(1)), SeenStatus: true},
		protocol.MessagePayload{ID: "h2", Sender: "u1", Message: "hi", CreatedAt: protocol.At(at(2))},
	)}
	r := newReconciler(newFakeConn(), reconcile.WithHistory(hist))
	r.Open(room)

	sent, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)
	r.Ingest(chat.Message{ID: "h1", RoomID: room, SenderID: "u2", Body: "old", CreatedAt: at(1), Status: chat.StatusDelivered})

	require.NoError(t, r.LoadHistory(context.Background(), room))

	msgs := r.Messages(room)
	assert.Equal(t, []string{"h1", "h2", sent.ID}, ids(msgs))
	assert.Equal(t, chat.StatusRead, msgs[0].Status)
	assert.Equal(t, chat.StatusSending, msgs[2].Status, "an old history message must not confirm a new send")
	assert.True(t, msgs[1].Own)
}

func TestLoadHistory_CollapsesConcurrentCalls(t *testing.T) {
	hist := &fakeHistory{release: make(chan struct{}), history: historyOf(
		protocol.MessagePayload{ID: "h1", Sender: "u2", Message: "x", CreatedAt: protocol.At(at(1))},
	)}
	r := newReconciler(newFakeConn(), reconcile.WithHistory(hist))
	r.Open(room)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.LoadHistory(context.Background(), room))
		}()
	}
	require.Eventually(t, func() bool { return hist.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(hist.release)
	wg.Wait()

	assert.Equal(t, int32(1), hist.calls.Load())
	assert.Len(t, r.Messages(room), 1)
}

func TestLoadHistory_DiscardedAfterClose(t *testing.T) {
	hist := &fakeHistory{release: make(chan struct{}), history: historyOf(
		protocol.MessagePayload{ID: "h1", Sender: "u2", Message: "x", CreatedAt: protocol.At(at(1))},
	)}
	r := newReconciler(newFakeConn(), reconcile.WithHistory(hist))
	r.Open(room)

	done := make(chan error, 1)
	go func() { done <- r.LoadHistory(context.Background(), room) }()
	require.Eventually(t, func() bool { return hist.calls.Load() == 1 }, time.Second, time.Millisecond)

	r.Close(room)
	close(hist.release)
	require.NoError(t, <-done)

	assert.Empty(t, r.Messages(room))
	assert.False(t, r.IsOpen(room))
}

func TestReset(t *testing.T) {
	hist := &fakeHistory{release: make(chan struct{}), history: &protocol.RoomHistory{
		Messages: []protocol.MessagePayload{{ID: "h1", Sender: "u2", Message: "x", CreatedAt: protocol.At(at(1))}},
		Room:     &protocol.RoomInfo{OtherUser: &protocol.ChatUser{ID: "u2", FirstName: "Ann"}},
	}}
	r := newReconciler(newFakeConn(), reconcile.WithHistory(hist))
	r.Ingest(chat.Message{ID: "m1", RoomID: room, CreatedAt: at(1)})
	r.Open(room)

	var changed []string
	r.OnChange(func(roomID string) { changed = append(changed, roomID) })

	done := make(chan error, 1)
	go func() { done <- r.LoadHistory(context.Background(), room) }()
	require.Eventually(t, func() bool { return hist.calls.Load() == 1 }, time.Second, time.Millisecond)

	r.Reset()
	assert.Equal(t, []string{room}, changed)
	r.Open(room)
	close(hist.release)
	require.NoError(t, <-done)

	assert.Empty(t, r.Messages(room))
	_, ok := r.Peer(room)
	assert.False(t, ok)
	assert.True(t, r.IsOpen(room))
}

func TestLoadHistory_Error(t *testing.T) {
	hist := &fakeHistory{err: errors.New("502 bad gateway")}
	r := newReconciler(newFakeConn(), reconcile.WithHistory(hist))
	r.Ingest(chat.Message{ID: "m1", RoomID: room, CreatedAt: at(1)})

	assert.Error(t, r.LoadHistory(context.Background(), room))
	assert.Len(t, r.Messages(room), 1)

	assert.Error(t, newReconciler(newFakeConn()).LoadHistory(context.Background(), room))
}

func TestLoadHistory_RecordsPeer(t *testing.T) {
	tests := []struct {
		name    string
		history *protocol.RoomHistory
		wantID  string
		wantPic string
	}{
		{
			name: "structured room info",
			history: &protocol.RoomHistory{
				Room: &protocol.RoomInfo{ID: room, OtherUser: &protocol.ChatUser{ID: "u2", FirstName: "Sam", ProfilePicture: "p.png"}},
				User: &protocol.ChatUser{LegacyID: "legacy"},
			},
			wantID:  "u2",
			wantPic: "p.png",
		},
		{
			name:    "legacy user",
			history: &protocol.RoomHistory{User: &protocol.ChatUser{LegacyID: "u2", FirstName: "Sam", Avatar: "a.png"}},
			wantID:  "u2",
			wantPic: "a.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReconciler(newFakeConn(), reconcile.WithHistory(&fakeHistory{history: tt.history}))
			require.NoError(t, r.LoadHistory(context.Background(), room))

			peer, ok := r.Peer(room)
			require.True(t, ok)
			assert.Equal(t, tt.wantID, peer.ID)
			assert.Equal(t, "Sam", peer.FirstName)
			assert.Equal(t, tt.wantPic, peer.Avatar)
		})
	}
}

func push(t *testing.T, c *fakeConn, event protocol.Event, p protocol.Payload) {
	t.Helper()
	f := protocol.NewFrame(event, p)
	data, err := f.Encode()
	require.NoError(t, err)
	var decoded protocol.Frame
	require.NoError(t, decoded.Decode(data))
	c.hub.Dispatch(decoded)
}

func TestServerEvents(t *testing.T) {
	conn := newFakeConn()
	r := newReconciler(conn)
	defer r.Detach()

	var changes atomic.Int32
	r.OnChange(func(string) { changes.Add(1) })

	sent, err := r.Send(context.Background(), room, "hi", chat.KindText, nil)
	require.NoError(t, err)

	push(t, conn, protocol.EventMessageAck, protocol.AckPayload{RoomID: room, ClientID: sent.ClientID, ID: "srv-1", CreatedAt: protocol.At(at(40))})
	push(t, conn, protocol.EventNewMessage, protocol.MessagePayload{ID: "srv-2", RoomID: room, Sender: "u2", Message: "yo", MessageType: "text", CreatedAt: protocol.At(at(50))})
	push(t, conn, protocol.EventMessageDelivered, protocol.ReceiptPayload{RoomID: room, MessageIDs: []string{"srv-1"}})

	m, _ := r.Message(room, "srv-1")
	assert.Equal(t, chat.StatusDelivered, m.Status)

	push(t, conn, protocol.EventMessagesSeen, protocol.ReceiptPayload{RoomID: room, SeenBy: "u2", MessageIDs: []string{sent.ClientID}})
	m, _ = r.Message(room, "srv-1")
	assert.Equal(t, chat.StatusRead, m.Status)

	msgs := r.Messages(room)
	assert.Equal(t, []string{"srv-1", "srv-2"}, ids(msgs))
	assert.False(t, msgs[1].Own)
	assert.Equal(t, int32(5), changes.Load())

	r.Detach()
	push(t, conn, protocol.EventNewMessage, protocol.MessagePayload{ID: "srv-3", RoomID: room, Sender: "u2", Message: "late"})
	assert.Len(t, r.Messages(room), 2)
}

func TestServerEvents_MissingTimestamp(t *testing.T) {
	conn := newFakeConn()
	r := newReconciler(conn)
	push(t, conn, protocol.EventNewMessage, protocol.MessagePayload{ID: "m1", RoomID: room, Sender: "u2", Message: "x"})

	msgs := r.Messages(room)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}
