package ws

import (
	"encoding/json"
	"strings"

	"github.com/ember-chat/ember-chat/globals"
	"github.com/ember-chat/ember-chat/types"
	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// decodePayload decodes an event payload leniently, so clients sending
// numbers for string fields (or vice versa) are still understood.
func decodePayload(data json.RawMessage, out interface{}) error {
	payload := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
	}
	return mapstructure.WeakDecode(payload, out)
}

func (c *Client) dispatch(message *types.WebsocketMessage) {
	switch message.Event {
	case types.EventJoin:
		c.handleJoin(message.Data)
	case types.EventMessageSubmit:
		c.handleSubmit(message.Data)
	case types.EventReactionToggle:
		c.handleReaction(message.Data)
	case types.EventTypingStart:
		c.handleTyping(true)
	case types.EventTypingStop:
		c.handleTyping(false)
	default:
		c.sendError("unknown event: " + message.Event)
	}
}

// handleJoin runs the join sequence: blocked-address check, identity lookup
// or creation, ban check, registration, then backlog delivery. The joiner
// receives the presence snapshot before the backlog, everyone else learns
// about the join first.
func (c *Client) handleJoin(data json.RawMessage) {
	if c.state != stateConnecting {
		c.sendError("already joined")
		return
	}
	request := types.JoinRequest{}
	if err := decodePayload(data, &request); err != nil {
		globals.AppLogger.Debug("could not decode join request", "error", err)
		c.sendError("malformed join request")
		return
	}

	if _, err := c.hub.persister.GetBlockedAddress(c.originAddress); err == nil {
		c.sendError("your address is blocked")
		// the nil marker lets the write loop deliver the error before the
		// connection is torn down
		c.trySend(nil)
		return
	} else if types.KindOf(err) != types.KindNotFound {
		globals.AppLogger.Error("could not check blocked addresses", "error", err)
		c.sendError("failed to join chat")
		return
	}

	now := c.hub.Now()
	displayName := strings.TrimSpace(request.DisplayName)
	if displayName == "" {
		displayName = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}

	participant, err := c.hub.persister.FindIdentity(displayName, c.originAddress)
	switch {
	case err == nil:
		if participant.BanActive(now) {
			c.sendError("you are banned from this chat")
			c.trySend(nil)
			return
		}
		if request.AvatarRef != "" {
			participant.AvatarRef = request.AvatarRef
		}
		participant.LastActiveAt = now

	case types.KindOf(err) == types.KindNotFound:
		participant = &types.Participant{
			IdentityID:    uuid.NewString(),
			DisplayName:   displayName,
			AvatarRef:     request.AvatarRef,
			OriginAddress: c.originAddress,
			JoinedAt:      now,
			LastActiveAt:  now,
		}

	default:
		globals.AppLogger.Error("could not look up identity", "error", err)
		c.sendError("failed to join chat")
		return
	}

	if err := c.hub.persister.StoreParticipant(participant); err != nil {
		globals.AppLogger.Error("could not store participant", "error", err)
		c.sendError("failed to join chat")
		return
	}
	c.participant = participant

	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		return
	}
	<-c.registered

	if data, err := types.NewWireMessage(types.EventParticipantInfo, participant); err == nil {
		c.trySend(data)
	}
	backlog, err := c.hub.persister.RecentMessages(c.hub.backlogSize())
	if err != nil {
		globals.AppLogger.Error("could not load backlog", "error", err)
	} else if data, err := types.NewWireMessage(types.EventBacklog, backlog); err == nil {
		c.trySend(data)
	}
	c.state = stateActive
}

func (c *Client) handleSubmit(data json.RawMessage) {
	if c.state != stateActive {
		c.sendError("join before sending messages")
		return
	}
	request := types.SubmitRequest{}
	if err := decodePayload(data, &request); err != nil {
		globals.AppLogger.Debug("could not decode message", "error", err)
		c.sendError("malformed message")
		return
	}
	kind := request.Kind
	if kind == "" {
		kind = types.MessageKindText
	}
	now := c.hub.Now()
	message := types.NewMessage(c.participant, request.Content, kind, request.AttachmentURL, request.AttachmentName, now, c.hub.cfg.MessageTTL())
	if err := message.Validate(); err != nil {
		c.sendError(err.Error())
		return
	}
	if !c.hub.limiter.Allow(c.participant.IdentityID) {
		c.sendError("rate limit exceeded, slow down")
		return
	}
	if err := c.hub.persister.StoreMessage(message); err != nil {
		globals.AppLogger.Error("could not persist message", "error", err)
		c.hub.limiter.Revert(c.participant.IdentityID)
		c.sendError("failed to send message")
		return
	}
	if updated, ok := c.hub.registry.Touch(c.connectionID, now); ok {
		if err := c.hub.persister.StoreParticipant(&updated); err != nil {
			globals.AppLogger.Warn("could not update participant activity", "error", err)
		}
	}
	c.hub.Publish(All(), types.EventMessageReceived, message)
}

func (c *Client) handleReaction(data json.RawMessage) {
	if c.state != stateActive {
		c.sendError("join before reacting")
		return
	}
	request := types.ReactionRequest{}
	if err := decodePayload(data, &request); err != nil {
		c.sendError("malformed reaction")
		return
	}
	if request.MessageID == "" || request.Emoji == "" {
		c.sendError("reaction requires a message id and an emoji")
		return
	}
	reaction := types.Reaction{
		Emoji:       request.Emoji,
		ReactorID:   c.participant.IdentityID,
		ReactorName: c.participant.DisplayName,
	}
	reactions, err := c.hub.persister.ToggleReaction(request.MessageID, reaction)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			c.sendError("message not found")
		} else {
			globals.AppLogger.Error("could not toggle reaction", "error", err)
			c.sendError("failed to update reaction")
		}
		return
	}
	c.hub.Publish(All(), types.EventReactionUpdated, types.ReactionUpdatePayload{
		MessageID: request.MessageID,
		Reactions: reactions,
	})
}

// handleTyping relays typing indicators to everyone else. Best effort, a
// typing event from a client that has not joined is simply dropped.
func (c *Client) handleTyping(start bool) {
	if c.state != stateActive {
		return
	}
	payload := types.TypingPayload{DisplayName: c.participant.DisplayName}
	event := types.EventUserStopTyping
	if start {
		event = types.EventUserTyping
		payload.AvatarRef = c.participant.AvatarRef
	}
	c.hub.Publish(AllExcept(c.connectionID), event, payload)
}
