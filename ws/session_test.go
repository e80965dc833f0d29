package ws

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ember-chat/ember-chat/config"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/presence"
	"github.com/ember-chat/ember-chat/ratelimit"
	"github.com/ember-chat/ember-chat/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, maxMessages int) *Hub {
	t.Helper()
	cfg := &config.Config{}
	persister, err := persistence.NewBuntPersister(cfg)
	require.NoError(t, err)
	limiter, err := ratelimit.New(maxMessages, time.Minute, 64)
	require.NoError(t, err)
	hub := NewHub(cfg, presence.NewRegistry(), persister, limiter)
	go hub.Run()
	t.Cleanup(func() {
		hub.Shutdown()
		persister.Close()
	})
	return hub
}

func newTestClient(hub *Hub, connectionID string, isModerator bool) *Client {
	return NewClient(hub, nil, connectionID, "10.0.0.1", isModerator)
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func recv(t *testing.T, c *Client) types.WebsocketMessage {
	t.Helper()
	select {
	case data := <-c.send:
		require.NotNil(t, data)
		message := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(data, &message))
		return message
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.WebsocketMessage{}
}

func recvEvent(t *testing.T, c *Client, event string) types.WebsocketMessage {
	t.Helper()
	message := recv(t, c)
	require.Equal(t, event, message.Event)
	return message
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func join(t *testing.T, hub *Hub, connectionID, displayName string, isModerator bool) *Client {
	t.Helper()
	c := newTestClient(hub, connectionID, isModerator)
	c.originAddress = "10.0.0." + connectionID
	c.handleJoin(raw(t, types.JoinRequest{DisplayName: displayName}))
	require.Equal(t, stateActive, c.state)
	recvEvent(t, c, types.EventPresenceSnapshot)
	recvEvent(t, c, types.EventParticipantInfo)
	recvEvent(t, c, types.EventBacklog)
	return c
}

func disconnect(t *testing.T, c *Client) {
	t.Helper()
	select {
	case c.hub.unregister <- c:
	case <-time.After(time.Second):
		t.Fatal("timed out unregistering")
	}
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	wire, err := json.Marshal(types.WebsocketMessage{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, wire))
}

func TestJoinSequence(t *testing.T) {
	hub := newTestHub(t, 10)
	c := newTestClient(hub, "1", false)
	c.handleJoin(raw(t, types.JoinRequest{DisplayName: "alice", AvatarRef: "a1"}))

	snapshot := recvEvent(t, c, types.EventPresenceSnapshot)
	entries := []types.PresenceEntry{}
	require.NoError(t, json.Unmarshal(snapshot.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].DisplayName)

	info := recvEvent(t, c, types.EventParticipantInfo)
	participant := types.Participant{}
	require.NoError(t, json.Unmarshal(info.Data, &participant))
	assert.NotEmpty(t, participant.IdentityID)
	assert.Equal(t, "a1", participant.AvatarRef)

	backlog := recvEvent(t, c, types.EventBacklog)
	messages := []*types.Message{}
	require.NoError(t, json.Unmarshal(backlog.Data, &messages))
	assert.Empty(t, messages)

	assert.Equal(t, stateActive, c.state)
	assert.Equal(t, 1, hub.Registry().Count())
}

func TestJoinNotifiesOthers(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	_ = bob

	joined := recvEvent(t, alice, types.EventParticipantJoined)
	entry := types.PresenceEntry{}
	require.NoError(t, json.Unmarshal(joined.Data, &entry))
	assert.Equal(t, "bob", entry.DisplayName)

	snapshot := recvEvent(t, alice, types.EventPresenceSnapshot)
	entries := []types.PresenceEntry{}
	require.NoError(t, json.Unmarshal(snapshot.Data, &entries))
	assert.Len(t, entries, 2)
}

func TestLeaveNotifiesOthers(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	disconnect(t, bob)
	left := recvEvent(t, alice, types.EventParticipantLeft)
	entry := types.PresenceEntry{}
	require.NoError(t, json.Unmarshal(left.Data, &entry))
	assert.Equal(t, "bob", entry.DisplayName)
	snapshot := recvEvent(t, alice, types.EventPresenceSnapshot)
	entries := []types.PresenceEntry{}
	require.NoError(t, json.Unmarshal(snapshot.Data, &entries))
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, hub.Registry().Count())
}

func TestJoinBlockedAddress(t *testing.T) {
	hub := newTestHub(t, 10)
	require.NoError(t, hub.Persister().StoreBlockedAddress(&types.BlockedAddress{Address: "10.0.0.1", BlockedAt: time.Now()}))

	c := newTestClient(hub, "1", false)
	c.handleJoin(raw(t, types.JoinRequest{DisplayName: "mallory"}))

	errEvent := recvEvent(t, c, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "blocked")
	assert.Equal(t, 0, hub.Registry().Count())
	assert.NotEqual(t, stateActive, c.state)
}

func TestBlockedJoinReceivesErrorBeforeClose(t *testing.T) {
	hub := newTestHub(t, 10)
	require.NoError(t, hub.Persister().StoreBlockedAddress(&types.BlockedAddress{Address: "127.0.0.1", BlockedAt: time.Now()}))
	server := httptest.NewServer(ServeWS(hub, nil))
	defer server.Close()

	conn := dialWS(t, server)
	writeEvent(t, conn, types.EventJoin, types.JoinRequest{DisplayName: "mallory"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "the error event must arrive before the close")
	message := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(data, &message))
	require.Equal(t, types.EventError, message.Event)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(message.Data, &payload))
	assert.Contains(t, payload.Message, "blocked")

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, hub.Registry().Count())
}

func TestBannedJoinReceivesErrorBeforeClose(t *testing.T) {
	hub := newTestHub(t, 10)
	require.NoError(t, hub.Persister().StoreParticipant(&types.Participant{
		IdentityID:    "banned-id",
		DisplayName:   "mallory",
		OriginAddress: "127.0.0.1",
		Banned:        true,
	}))
	server := httptest.NewServer(ServeWS(hub, nil))
	defer server.Close()

	conn := dialWS(t, server)
	writeEvent(t, conn, types.EventJoin, types.JoinRequest{DisplayName: "mallory"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "the error event must arrive before the close")
	message := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(data, &message))
	require.Equal(t, types.EventError, message.Event)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(message.Data, &payload))
	assert.Contains(t, payload.Message, "banned")

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestJoinGeneratesGuestName(t *testing.T) {
	hub := newTestHub(t, 10)
	c := newTestClient(hub, "1", false)
	c.handleJoin(raw(t, types.JoinRequest{}))

	recvEvent(t, c, types.EventPresenceSnapshot)
	info := recvEvent(t, c, types.EventParticipantInfo)
	participant := types.Participant{}
	require.NoError(t, json.Unmarshal(info.Data, &participant))
	assert.Contains(t, participant.DisplayName, "(guest)")
}

func TestRejoinReusesIdentity(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	identityID := alice.participant.IdentityID
	disconnect(t, alice)

	again := newTestClient(hub, "2", false)
	again.originAddress = "10.0.0.1"
	again.handleJoin(raw(t, types.JoinRequest{DisplayName: "alice"}))
	recvEvent(t, again, types.EventPresenceSnapshot)
	info := recvEvent(t, again, types.EventParticipantInfo)
	participant := types.Participant{}
	require.NoError(t, json.Unmarshal(info.Data, &participant))
	assert.Equal(t, identityID, participant.IdentityID)
}

func TestBannedIdentityCannotJoin(t *testing.T) {
	hub := newTestHub(t, 10)
	until := time.Now().Add(time.Hour)
	require.NoError(t, hub.Persister().StoreParticipant(&types.Participant{
		IdentityID:    "banned-id",
		DisplayName:   "mallory",
		OriginAddress: "10.0.0.1",
		Banned:        true,
		BannedUntil:   &until,
	}))

	c := newTestClient(hub, "1", false)
	c.handleJoin(raw(t, types.JoinRequest{DisplayName: "mallory"}))
	errEvent := recvEvent(t, c, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "banned")
	assert.Equal(t, 0, hub.Registry().Count())
}

func TestExpiredBanAllowsJoin(t *testing.T) {
	hub := newTestHub(t, 10)
	until := time.Now().Add(-time.Hour)
	require.NoError(t, hub.Persister().StoreParticipant(&types.Participant{
		IdentityID:    "was-banned",
		DisplayName:   "mallory",
		OriginAddress: "10.0.0.1",
		Banned:        true,
		BannedUntil:   &until,
	}))

	c := newTestClient(hub, "1", false)
	c.handleJoin(raw(t, types.JoinRequest{DisplayName: "mallory"}))
	recvEvent(t, c, types.EventPresenceSnapshot)
	assert.Equal(t, stateActive, c.state)
}

func TestSubmitBroadcastsAndPersists(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "hello"}))

	for _, c := range []*Client{alice, bob} {
		received := recvEvent(t, c, types.EventMessageReceived)
		message := types.Message{}
		require.NoError(t, json.Unmarshal(received.Data, &message))
		assert.Equal(t, "hello", message.Content)
		assert.Equal(t, "alice", message.AuthorName)
		assert.Equal(t, types.MessageKindText, message.Kind)
		assert.True(t, message.ExpiresAt.After(message.CreatedAt))
	}

	backlog, err := hub.Persister().RecentMessages(50)
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	updated, ok := hub.Registry().Value(alice.connectionID)
	require.True(t, ok)
	assert.Equal(t, int64(1), updated.MessageCount)
	stored, err := hub.Persister().GetParticipant(alice.participant.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.MessageCount)
}

func TestSubmitValidationOnlyInformsSender(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	alice.handleSubmit(raw(t, types.SubmitRequest{Content: ""}))
	recvEvent(t, alice, types.EventError)
	assertNoEvent(t, bob)

	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "x", Kind: "hologram"}))
	recvEvent(t, alice, types.EventError)
	assertNoEvent(t, bob)
}

func TestSubmitBeforeJoinRejected(t *testing.T) {
	hub := newTestHub(t, 10)
	c := newTestClient(hub, "1", false)
	c.handleSubmit(raw(t, types.SubmitRequest{Content: "hello"}))
	errEvent := recvEvent(t, c, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "join")
}

func TestSubmitRateLimited(t *testing.T) {
	hub := newTestHub(t, 2)
	alice := join(t, hub, "1", "alice", false)

	for i := 0; i < 2; i++ {
		alice.handleSubmit(raw(t, types.SubmitRequest{Content: fmt.Sprintf("message %d", i)}))
		recvEvent(t, alice, types.EventMessageReceived)
	}
	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "one too many"}))
	errEvent := recvEvent(t, alice, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "rate limit")

	// the rejected message was neither persisted nor counted
	backlog, err := hub.Persister().RecentMessages(50)
	require.NoError(t, err)
	assert.Len(t, backlog, 2)
	updated, _ := hub.Registry().Value(alice.connectionID)
	assert.Equal(t, int64(2), updated.MessageCount)
}

type flakyStore struct {
	persistence.Persister
	fail bool
}

func (s *flakyStore) StoreMessage(m *types.Message) error {
	if s.fail {
		return types.TransientError("store down", nil)
	}
	return s.Persister.StoreMessage(m)
}

func TestStoreFailureDoesNotConsumeQuota(t *testing.T) {
	cfg := &config.Config{}
	persister, err := persistence.NewBuntPersister(cfg)
	require.NoError(t, err)
	store := &flakyStore{Persister: persister}
	limiter, err := ratelimit.New(1, time.Minute, 64)
	require.NoError(t, err)
	hub := NewHub(cfg, presence.NewRegistry(), store, limiter)
	go hub.Run()
	t.Cleanup(func() {
		hub.Shutdown()
		persister.Close()
	})

	alice := join(t, hub, "1", "alice", false)
	store.fail = true
	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "lost"}))
	errEvent := recvEvent(t, alice, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "failed to send")

	// the failed attempt must not use up the single quota slot
	store.fail = false
	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "hello"}))
	recvEvent(t, alice, types.EventMessageReceived)
}

func TestReactionToggleRoundTrip(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	alice.handleSubmit(raw(t, types.SubmitRequest{Content: "react to this"}))
	received := recvEvent(t, alice, types.EventMessageReceived)
	message := types.Message{}
	require.NoError(t, json.Unmarshal(received.Data, &message))
	recvEvent(t, bob, types.EventMessageReceived)

	bob.handleReaction(raw(t, types.ReactionRequest{MessageID: message.ID, Emoji: "🔥"}))
	for _, c := range []*Client{alice, bob} {
		updated := recvEvent(t, c, types.EventReactionUpdated)
		payload := types.ReactionUpdatePayload{}
		require.NoError(t, json.Unmarshal(updated.Data, &payload))
		assert.Equal(t, message.ID, payload.MessageID)
		require.Len(t, payload.Reactions, 1)
		assert.Equal(t, "bob", payload.Reactions[0].ReactorName)
	}

	// toggling the same pair again removes it
	bob.handleReaction(raw(t, types.ReactionRequest{MessageID: message.ID, Emoji: "🔥"}))
	updated := recvEvent(t, bob, types.EventReactionUpdated)
	payload := types.ReactionUpdatePayload{}
	require.NoError(t, json.Unmarshal(updated.Data, &payload))
	assert.Empty(t, payload.Reactions)
}

func TestReactionUnknownMessage(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	alice.handleReaction(raw(t, types.ReactionRequest{MessageID: "nope", Emoji: "🔥"}))
	errEvent := recvEvent(t, alice, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "not found")
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	alice.handleTyping(true)
	typing := recvEvent(t, bob, types.EventUserTyping)
	payload := types.TypingPayload{}
	require.NoError(t, json.Unmarshal(typing.Data, &payload))
	assert.Equal(t, "alice", payload.DisplayName)
	assertNoEvent(t, alice)

	alice.handleTyping(false)
	recvEvent(t, bob, types.EventUserStopTyping)
}

func TestModeratorsAudience(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	mira := join(t, hub, "2", "mira", true)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	hub.Publish(Moderators(), types.EventModerationNotice, types.ModerationNotice{Action: "ban", Actor: "root"})
	notice := recvEvent(t, mira, types.EventModerationNotice)
	payload := types.ModerationNotice{}
	require.NoError(t, json.Unmarshal(notice.Data, &payload))
	assert.Equal(t, "ban", payload.Action)
	assertNoEvent(t, alice)
}

func TestAudienceTargetFilter(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	bob := join(t, hub, "2", "bob", false)
	recvEvent(t, alice, types.EventParticipantJoined)
	recvEvent(t, alice, types.EventPresenceSnapshot)

	hub.Publish(All().WithFilter(`Target.DisplayName == "alice"`), types.EventAdminAnnouncement, types.AnnouncementPayload{Content: "hi alice", Severity: "info"})
	recvEvent(t, alice, types.EventAdminAnnouncement)
	assertNoEvent(t, bob)
}

func TestPublishAndCloseDeliversThenCloses(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)

	hub.PublishAndClose(alice.connectionID, types.EventUserKicked, types.KickPayload{Reason: "spam"})
	kicked := recvEvent(t, alice, types.EventUserKicked)
	payload := types.KickPayload{}
	require.NoError(t, json.Unmarshal(kicked.Data, &payload))
	assert.Equal(t, "spam", payload.Reason)

	select {
	case data := <-alice.send:
		assert.Nil(t, data)
	case <-time.After(time.Second):
		t.Fatal("expected close marker")
	}
}

func TestUnknownEventRejected(t *testing.T) {
	hub := newTestHub(t, 10)
	alice := join(t, hub, "1", "alice", false)
	alice.dispatch(&types.WebsocketMessage{Event: "teleport"})
	errEvent := recvEvent(t, alice, types.EventError)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(errEvent.Data, &payload))
	assert.Contains(t, payload.Message, "unknown event")
}
