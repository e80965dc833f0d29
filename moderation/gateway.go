// Package moderation implements the privileged actions moderators and admins
// perform against the live chat: bans, kicks, message removal, pinning,
// address blocks and announcements. Every action is permission-checked and,
// on success, reported on the moderator notification channel.
package moderation

import (
	"net"
	"time"

	"github.com/ember-chat/ember-chat/auth"
	"github.com/ember-chat/ember-chat/persistence"
	"github.com/ember-chat/ember-chat/types"
	"github.com/ember-chat/ember-chat/ws"
)

// Actor identifies who performs a moderation action.
type Actor struct {
	Username string
	Role     string
}

type Gateway struct {
	hub       *ws.Hub
	persister persistence.Persister

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func NewGateway(hub *ws.Hub, persister persistence.Persister) *Gateway {
	return &Gateway{hub: hub, persister: persister, Now: time.Now}
}

func (g *Gateway) authorize(actor Actor, perm auth.Permission) error {
	if !auth.HasPermission(actor.Role, perm) {
		return types.ForbiddenError("not allowed")
	}
	return nil
}

func (g *Gateway) notify(action string, actor Actor, subject string) {
	g.hub.Publish(ws.Moderators(), types.EventModerationNotice, types.ModerationNotice{
		Action:    action,
		Actor:     actor.Username,
		Subject:   subject,
		Timestamp: g.Now(),
	})
}

// Ban marks an identity as banned, optionally until now+durationHours. A
// duration of zero bans indefinitely. The ban takes effect on the next join;
// an existing connection stays up unless it is also kicked.
func (g *Gateway) Ban(actor Actor, identityID, reason string, durationHours int) error {
	if err := g.authorize(actor, auth.PermBanUsers); err != nil {
		return err
	}
	participant, err := g.persister.GetParticipant(identityID)
	if err != nil {
		return err
	}
	participant.Banned = true
	if durationHours > 0 {
		until := g.Now().Add(time.Duration(durationHours) * time.Hour)
		participant.BannedUntil = &until
	} else {
		participant.BannedUntil = nil
	}
	if err := g.persister.StoreParticipant(participant); err != nil {
		return err
	}
	if connectionID, ok := g.hub.ConnectionOf(identityID); ok {
		g.hub.Publish(ws.Single(connectionID), types.EventUserBanned, types.BanPayload{Reason: reason, Duration: durationHours})
	}
	g.notify("ban", actor, participant.DisplayName)
	return nil
}

// Unban lifts a ban.
func (g *Gateway) Unban(actor Actor, identityID string) error {
	if err := g.authorize(actor, auth.PermBanUsers); err != nil {
		return err
	}
	participant, err := g.persister.GetParticipant(identityID)
	if err != nil {
		return err
	}
	participant.Banned = false
	participant.BannedUntil = nil
	if err := g.persister.StoreParticipant(participant); err != nil {
		return err
	}
	g.notify("unban", actor, participant.DisplayName)
	return nil
}

// Kick notifies a connected participant and closes the connection after the
// notification has been handed to its write loop.
func (g *Gateway) Kick(actor Actor, identityID, reason string) error {
	if err := g.authorize(actor, auth.PermKickUsers); err != nil {
		return err
	}
	participant, ok := g.hub.Registry().ByIdentity(identityID)
	if !ok {
		return types.NotFoundError("participant is not online")
	}
	g.hub.PublishAndClose(participant.ConnectionID, types.EventUserKicked, types.KickPayload{Reason: reason})
	g.notify("kick", actor, participant.DisplayName)
	return nil
}

// DeleteMessage removes a message and tells all clients to drop it.
func (g *Gateway) DeleteMessage(actor Actor, messageID string) error {
	if err := g.authorize(actor, auth.PermDeleteMessages); err != nil {
		return err
	}
	if err := g.persister.DeleteMessage(messageID); err != nil {
		return err
	}
	g.hub.Publish(ws.All(), types.EventMessageDeleted, types.MessageDeletedPayload{MessageID: messageID})
	g.notify("delete-message", actor, messageID)
	return nil
}

// TogglePin flips the pinned state of a message and reports the new state.
func (g *Gateway) TogglePin(actor Actor, messageID string) (bool, error) {
	if err := g.authorize(actor, auth.PermPinMessages); err != nil {
		return false, err
	}
	pinned, err := g.persister.TogglePin(messageID)
	if err != nil {
		return false, err
	}
	g.hub.Publish(ws.All(), types.EventMessagePinUpdated, types.PinUpdatePayload{MessageID: messageID, Pinned: pinned})
	action := "unpin-message"
	if pinned {
		action = "pin-message"
	}
	g.notify(action, actor, messageID)
	return pinned, nil
}

// BlockAddress blocks an origin address from joining. Existing connections
// from that address are not affected.
func (g *Gateway) BlockAddress(actor Actor, address, reason string) error {
	if err := g.authorize(actor, auth.PermBlockAddresses); err != nil {
		return err
	}
	if net.ParseIP(address) == nil {
		return types.ValidationError("invalid address: " + address)
	}
	blocked := &types.BlockedAddress{Address: address, BlockedAt: g.Now(), Reason: reason}
	if err := g.persister.StoreBlockedAddress(blocked); err != nil {
		return err
	}
	g.notify("block-address", actor, address)
	return nil
}

func (g *Gateway) UnblockAddress(actor Actor, address string) error {
	if err := g.authorize(actor, auth.PermBlockAddresses); err != nil {
		return err
	}
	if err := g.persister.DeleteBlockedAddress(address); err != nil {
		return err
	}
	g.notify("unblock-address", actor, address)
	return nil
}

var announcementSeverities = map[string]struct{}{
	"info":    {},
	"warning": {},
	"danger":  {},
}

// Announce broadcasts an announcement to all connected clients. Severity is
// one of info, warning or danger; an empty severity defaults to info.
func (g *Gateway) Announce(actor Actor, content, severity string) (*types.AnnouncementPayload, error) {
	if err := g.authorize(actor, auth.PermAnnounce); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, types.ValidationError("announcement requires content")
	}
	if severity == "" {
		severity = "info"
	}
	if _, ok := announcementSeverities[severity]; !ok {
		return nil, types.ValidationError("unknown severity: " + severity)
	}
	payload := &types.AnnouncementPayload{Content: content, Severity: severity, Timestamp: g.Now()}
	g.hub.Publish(ws.All(), types.EventAdminAnnouncement, payload)
	g.notify("announce", actor, "")
	return payload, nil
}
