package lockstep

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lockstepd/internal/chat"
	"lockstepd/internal/journal"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/session"
	loggingLifecycle "lockstepd/logging/lifecycle"
	loggingNetwork "lockstepd/logging/network"
)

func (h *Host) handlePacket(client *session.Client, packet *wire.Reader) error {
	msg, err := proto.Decode(packet, h.commands)
	if err != nil {
		return err
	}
	h.journal.Record(journal.Entry{
		At:        h.clock.Now(),
		Direction: journal.DirectionIn,
		Peer:      clientName(client),
		Command:   msg.Command().String(),
		Time:      messageTime(msg, h.committed),
	})

	if !client.Welcomed() {
		hello, ok := msg.(proto.Hello)
		if !ok {
			return disconnect(proto.ReasonHelloRequired)
		}
		return h.handleHello(client, hello)
	}

	switch m := msg.(type) {
	case proto.Ping:
		return h.send(client, proto.Pong{Nonce: m.Nonce})
	case proto.Pong:
		h.handlePong(client, m)
		return nil
	case proto.Time:
		if h.state == StateLobby {
			return disconnect(proto.ReasonTimeSentNotReady)
		}
		return h.receiveClientTime(client, m.Time)
	case proto.PlayerCommand:
		return h.handlePlayerCommand(client, m)
	case proto.SyncReport:
		return h.handleSyncReport(client, m)
	case proto.SetSpeed:
		client.DesiredSpeed = m.Speed
		h.negotiate()
		return nil
	case proto.Chat:
		return h.handleChat(client, m)
	case proto.ChangePosition:
		return h.handleChangePosition(client, m)
	case proto.SetReady:
		if h.state != StateLobby {
			return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
		}
		client.User.Ready = m.Ready
		h.broadcastUser(client.User)
		h.hooks.userChanged(client.User)
		return nil
	case proto.Disconnect:
		h.closeClient(client, false, m.Reason, m.Args...)
		return nil
	default:
		return disconnect(proto.ReasonUnexpectedCommand, msg.Command().String())
	}
}

func messageTime(msg proto.Message, fallback int32) int32 {
	switch m := msg.(type) {
	case proto.Time:
		return m.Time
	case proto.PlayerCommand:
		return m.Due
	case proto.SyncRequest:
		return m.Due
	case proto.SyncReport:
		return m.Due
	case proto.Launch:
		return m.Start
	default:
		return fallback
	}
}

func (h *Host) handleHello(client *session.Client, hello proto.Hello) error {
	if err := proto.CheckHello(hello); err != nil {
		return disconnect(proto.ReasonDifferentProtocol, fmt.Sprintf("%d != %d", hello.Version, proto.Version))
	}
	if h.state != StateLobby {
		return disconnect(proto.ReasonGameAlreadyStarted)
	}
	user := h.registry.Welcome(client, hello.Name, hello.Build)
	if position, ok := h.registry.FirstOpenSlot(); ok {
		if err := h.registry.AssignPlayer(user, position); err != nil {
			h.logger.Printf("could not seat %s in slot %d: %v", user.Name, position, err)
		}
	}

	if err := h.send(client, proto.Welcome{Version: proto.Version, User: uint32(user.Number), Name: user.Name}); err != nil {
		return err
	}
	for _, slot := range h.registry.Slots() {
		if err := h.send(client, settingSlot(slot)); err != nil {
			return err
		}
	}
	for _, other := range h.registry.Users() {
		if other != user && other.Connected() {
			if err := h.send(client, settingUser(other)); err != nil {
				return err
			}
		}
	}
	h.broadcastSlots()
	h.broadcastUser(user)

	h.logger.Printf("%s joined as user %d (build %q)", user.Name, user.Number, hello.Build)
	loggingLifecycle.ClientJoined(h.ctx, h.publisher, h.tick(), clientRef(client), loggingLifecycle.ClientJoinedPayload{
		Name:     user.Name,
		User:     user.Number,
		Build:    user.Build,
		Position: int(user.Position),
	})
	h.systemMessage(proto.MessageClientJoined, user.Name)
	h.hooks.userChanged(user)
	h.negotiate()
	return nil
}

func (h *Host) handleChangePosition(client *session.Client, m proto.ChangePosition) error {
	if h.state != StateLobby {
		return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
	}
	position := session.Position(m.Position)
	if position.IsPlayer() && position == h.cfg.HostSlot {
		return h.send(client, settingUser(client.User))
	}
	if err := h.registry.AssignPlayer(client.User, position); err != nil {
		if errors.Is(err, session.ErrUnknownSlot) || errors.Is(err, session.ErrSlotUnavailable) {
			h.logger.Printf("%s asked for position %d: %v", client.User.Name, position, err)
			return h.send(client, settingUser(client.User))
		}
		return err
	}
	client.User.Ready = false
	h.broadcastSlots()
	h.broadcastUser(client.User)
	h.hooks.userChanged(client.User)
	return nil
}

func (h *Host) handlePong(client *session.Client, m proto.Pong) {
	now := h.clock.Now()
	client.LastPong = now
	if m.Nonce == client.PingNonce && !client.PingSent.IsZero() {
		client.RTT = now.Sub(client.PingSent)
	}
}

func (h *Host) handleChat(client *session.Client, m proto.Chat) error {
	text := chat.Sanitize(m.Text)
	recipient := strings.TrimSpace(m.Recipient)
	if recipient == "" {
		recipient, text = chat.ParseRecipient(text)
	}
	if text == "" {
		return nil
	}
	if !h.chat.Allow(client.ID.String(), h.clock.Now()) {
		return h.send(client, proto.SystemMessage{Code: proto.MessageChatFlood, Args: []string{client.User.Name}})
	}

	out := proto.Chat{
		Slot:      int16(client.Position()),
		Sender:    client.User.Name,
		Text:      text,
		Recipient: recipient,
	}
	if recipient == "" {
		h.broadcastMessage(out)
		h.hooks.chat(out)
		return nil
	}

	if strings.EqualFold(recipient, h.cfg.HostName) && !h.cfg.Dedicated {
		h.hooks.chat(out)
		return h.send(client, out)
	}
	target := h.registry.ClientForUser(h.registry.UserByName(recipient))
	if target == nil {
		return h.send(client, proto.SystemMessage{Code: proto.MessageNoRecipient, Args: []string{recipient}})
	}
	if err := h.send(target, out); err != nil {
		h.disconnectClient(target, proto.ReasonConnectionLost, err.Error())
	}
	if target != client {
		return h.send(client, out)
	}
	return nil
}

// SendChat broadcasts a line from the host user. A leading "@name" makes it
// private.
func (h *Host) SendChat(line string) error {
	recipient, text := chat.ParseRecipient(chat.Sanitize(line))
	if text == "" {
		return nil
	}
	out := proto.Chat{Slot: int16(h.cfg.HostSlot), Sender: h.cfg.HostName, Text: text, Recipient: recipient}
	if recipient == "" {
		h.broadcastMessage(out)
		h.hooks.chat(out)
		return nil
	}
	target := h.registry.ClientForUser(h.registry.UserByName(recipient))
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUser, recipient)
	}
	h.hooks.chat(out)
	return h.send(target, out)
}

// Kick disconnects the named user.
func (h *Host) Kick(name, reason string) error {
	client := h.registry.ClientForUser(h.registry.UserByName(name))
	if client == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	h.disconnectClient(client, proto.ReasonKicked, reason)
	return nil
}

// SetSlotState opens, closes or hands a slot to the computer. Only
// possible in the lobby.
func (h *Host) SetSlotState(index int, state session.SlotState) error {
	if h.state != StateLobby {
		return ErrAlreadyLaunched
	}
	if h.cfg.HostSlot.IsPlayer() && index == int(h.cfg.HostSlot) {
		return fmt.Errorf("%w: slot %d belongs to the host", session.ErrSlotUnavailable, index)
	}
	moved, err := h.registry.SetSlotState(index, state)
	if err != nil {
		return err
	}
	h.broadcastSlots()
	for _, user := range moved {
		h.broadcastUser(user)
		h.hooks.userChanged(user)
	}
	return nil
}

func (h *Host) pingClients(now time.Time) {
	if h.state == StateLobby {
		for _, client := range h.registry.Clients() {
			if !client.Closed && now.Sub(client.LastPong) >= h.cfg.PingTimeout {
				h.disconnectClient(client, proto.ReasonClientTimeouted)
			}
		}
	}
	if !h.lastPing.IsZero() && now.Sub(h.lastPing) < h.cfg.PingInterval {
		return
	}
	h.lastPing = now
	h.pingNonce++
	frame, err := proto.Encode(proto.Ping{Nonce: h.pingNonce})
	if err != nil {
		return
	}
	for _, client := range h.registry.Clients() {
		if client.Closed {
			continue
		}
		client.PingNonce = h.pingNonce
		client.PingSent = now
		if err := client.Send(frame); err != nil {
			h.disconnectClient(client, proto.ReasonConnectionLost, err.Error())
		}
	}
}

// drop converts a handler error into a disconnect of client.
func (h *Host) drop(client *session.Client, err error) {
	code, args := disconnectReason(err)
	switch Kind(err) {
	case KindTruncatedPacket, KindProtocolViolation:
		loggingNetwork.ProtocolViolation(h.ctx, h.publisher, h.tick(), clientRef(client), loggingNetwork.ViolationPayload{
			Code:   code,
			Detail: err.Error(),
		})
	}
	h.disconnectClient(client, code, args...)
}

// disconnectClient tells the peer why, closes the connection and updates
// the session. It is a no-op for closed clients.
func (h *Host) disconnectClient(client *session.Client, code string, args ...string) {
	h.closeClient(client, code != proto.ReasonConnectionLost, code, args...)
}

func expectedDeparture(code string) bool {
	switch code {
	case proto.ReasonClientLeft, proto.ReasonServerShutdown, proto.ReasonServerLeft:
		return true
	}
	return false
}

func (h *Host) closeClient(client *session.Client, notify bool, code string, args ...string) {
	if client == nil || client.Closed {
		return
	}
	if len(args) > proto.MaxMessageArgs {
		args = args[:proto.MaxMessageArgs]
	}
	if notify {
		if frame, err := proto.Encode(proto.Disconnect{Reason: code, Args: args}); err == nil {
			client.Send(frame)
		}
	}
	name := clientName(client)
	user := h.registry.Disconnect(client)
	h.chat.Forget(client.ID.String())
	h.metrics.Add(metricDisconnects, 1)
	text := proto.FormatMessage(code, args...)
	h.logger.Printf("disconnected %s: %s", name, text)
	h.journal.Record(journal.Entry{
		At:        h.clock.Now(),
		Direction: journal.DirectionOut,
		Peer:      name,
		Command:   proto.CmdDisconnect.String(),
		Time:      h.committed,
		Detail:    code,
	})
	loggingLifecycle.ClientDisconnected(h.ctx, h.publisher, h.tick(), clientRef(client), loggingLifecycle.ClientDisconnectedPayload{
		Name:     name,
		Reason:   code,
		Args:     args,
		Expected: expectedDeparture(code),
	})
	if user == nil {
		return
	}
	h.broadcastSlots()
	h.broadcastUser(user)
	h.systemMessage(proto.MessageClientLeft, user.Name, text)
	h.hooks.userChanged(user)
	h.negotiate()
	if h.state == StateRunning || h.state == StateWaiting {
		h.checkSyncReports()
	}
}

func settingSlot(slot *session.Slot) proto.SettingSlot {
	return proto.SettingSlot{Slot: uint8(slot.Index), State: uint8(slot.State), Name: slot.Name}
}

func settingUser(user *session.User) proto.SettingUser {
	return proto.SettingUser{
		User:     uint32(user.Number),
		Name:     user.Name,
		Position: int16(user.Position),
		Ready:    user.Ready,
	}
}
