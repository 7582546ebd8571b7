package lockstep

import (
	"strconv"

	"lockstepd/internal/journal"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
)

// SubmitCommand sequences a command issued on the host and returns its due
// time.
func (h *Host) SubmitCommand(cmd sim.Command) (int32, error) {
	if h.state != StateRunning && h.state != StateWaiting {
		return 0, ErrNotRunning
	}
	return h.broadcastCommand(cmd)
}

func (h *Host) handlePlayerCommand(client *session.Client, m proto.PlayerCommand) error {
	if h.state != StateRunning && h.state != StateWaiting {
		return disconnect(proto.ReasonPlayerCmdWithoutGame)
	}
	// The client stamps its own game time; it doubles as an acknowledgement.
	if err := h.receiveClientTime(client, m.Due); err != nil {
		return err
	}
	position := client.Position()
	if !position.IsPlayer() || m.Body.Sender() != int(position) {
		return disconnect(proto.ReasonPlayerCmdForOther, strconv.Itoa(m.Body.Sender()))
	}
	_, err := h.broadcastCommand(m.Body)
	return err
}

// broadcastCommand stamps cmd with committed+1, enqueues it locally, sends
// it to every client including its sender and commits the due time, so the
// next command is stamped strictly later.
func (h *Host) broadcastCommand(cmd sim.Command) (int32, error) {
	due := h.committed + 1
	frame, err := proto.Encode(proto.PlayerCommand{Due: due, Body: cmd})
	if err != nil {
		return 0, err
	}
	h.sim.Enqueue(due, cmd)
	h.broadcastFrame(frame, proto.CmdPlayerCommand, due)
	h.adoptCommitted(due)
	h.metrics.Add(metricCommands, 1)
	return due, nil
}

func (h *Host) broadcastMessage(msg proto.Message) {
	frame, err := proto.Encode(msg)
	if err != nil {
		h.logger.Printf("failed to encode %s: %v", msg.Command(), err)
		return
	}
	h.broadcastFrame(frame, msg.Command(), messageTime(msg, h.committed))
}

func (h *Host) broadcastFrame(frame []byte, cmd proto.Command, at int32) {
	h.journal.Record(journal.Entry{
		At:        h.clock.Now(),
		Direction: journal.DirectionOut,
		Command:   cmd.String(),
		Time:      at,
	})
	var failed []*session.Client
	var errs []error
	for _, client := range h.registry.Participants() {
		if err := client.Send(frame); err != nil {
			failed = append(failed, client)
			errs = append(errs, err)
		}
	}
	for i, client := range failed {
		h.disconnectClient(client, proto.ReasonConnectionLost, errs[i].Error())
	}
}

func (h *Host) send(client *session.Client, msg proto.Message) error {
	frame, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return client.Send(frame)
}

func (h *Host) systemMessage(code string, args ...string) {
	msg := proto.SystemMessage{Code: code, Args: args}
	h.broadcastMessage(msg)
	h.hooks.systemMessage(msg)
}

func (h *Host) broadcastSlots() {
	for _, slot := range h.registry.Slots() {
		h.broadcastMessage(settingSlot(slot))
	}
}

func (h *Host) broadcastUser(user *session.User) {
	if user == nil {
		return
	}
	h.broadcastMessage(settingUser(user))
}
