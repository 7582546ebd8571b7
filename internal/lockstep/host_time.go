package lockstep

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"lockstepd/internal/journal"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
	loggingLifecycle "lockstepd/logging/lifecycle"
	loggingLockstep "lockstepd/logging/lockstep"
	loggingNetwork "lockstepd/logging/network"
)

// Launch leaves the lobby and starts committing network time from the
// simulation's current time.
func (h *Host) Launch() error {
	if h.state != StateLobby {
		return ErrAlreadyLaunched
	}
	now := h.clock.Now()
	start := h.sim.Time()
	h.registry.SetLaunched(true)
	h.committed = start
	h.pseudo = start
	h.pseudoRem = 0
	h.lastSyncDue = start
	h.tracker.Reset(start)
	h.lastFrame = now
	h.lastCommit = now
	h.launchedAt = now

	participants := h.registry.Participants()
	for _, client := range participants {
		client.Time = start
		client.HungSince = time.Time{}
		client.SyncArrived = false
		client.SyncOverdue = false
	}
	h.broadcastMessage(proto.Launch{Start: start})
	h.setState(StateRunning)
	h.negotiate()
	h.broadcastMessage(proto.SetSpeed{Speed: h.speed})

	h.logger.Printf("launched with %d clients at time %d, speed %d", len(participants), start, h.speed)
	loggingLifecycle.GameLaunched(h.ctx, h.publisher, h.tick(), loggingLifecycle.GameLaunchedPayload{
		Clients: len(participants),
		Start:   start,
	})
	return nil
}

// advance moves the pseudo network time at the negotiated speed, commits it
// every CommitInterval and runs the host simulation up to its tracker.
func (h *Host) advance(now time.Time) {
	elapsed := now.Sub(h.lastFrame).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	h.lastFrame = now

	if h.state == StateWaiting {
		h.pseudo = h.committed
		h.pseudoRem = 0
		h.tracker.FastForward()
	} else {
		scaled := elapsed*int64(h.speed) + h.pseudoRem
		h.pseudo += int32(scaled / 1000)
		h.pseudoRem = scaled % 1000
		if h.pseudo > h.committed && now.Sub(h.lastCommit) >= h.cfg.CommitInterval {
			h.commitTime(h.pseudo, now)
		}
		h.tracker.Think(h.speed)
	}

	if err := h.sim.AdvanceTo(h.tracker.Time()); err != nil {
		h.logger.Printf("simulation failed to advance to %d: %v", h.tracker.Time(), err)
	}
	if h.state == StateRunning && !h.syncPending && h.committed-h.lastSyncDue >= h.cfg.SyncInterval {
		h.requestSync()
	}
}

// commitTime broadcasts TIME for t and adopts it; the committed time never
// decreases.
func (h *Host) commitTime(t int32, now time.Time) {
	if t < h.committed {
		t = h.committed
	}
	h.adoptCommitted(t)
	h.lastCommit = now
	h.broadcastMessage(proto.Time{Time: t})
	h.metrics.Add(metricCommits, 1)
}

func (h *Host) adoptCommitted(t int32) {
	if t <= h.committed {
		return
	}
	h.committed = t
	if err := h.tracker.Receive(t); err != nil {
		h.logger.Printf("tracker rejected committed time %d: %v", t, err)
	}
}

// receiveClientTime validates a client's acknowledged simulation time.
func (h *Host) receiveClientTime(client *session.Client, t int32) error {
	previous := client.Time
	actor := clientRef(client)
	if t < previous {
		loggingNetwork.AckRegression(h.ctx, h.publisher, h.tick(), actor, loggingNetwork.AckPayload{Previous: previous, Ack: t})
		return disconnect(proto.ReasonBackwardsRunningTime)
	}
	if t > h.committed {
		return disconnect(proto.ReasonSimulatingBeyondTime)
	}
	if t != previous {
		client.Time = t
		loggingNetwork.AckAdvanced(h.ctx, h.publisher, h.tick(), actor, loggingNetwork.AckPayload{Previous: previous, Ack: t})
	}
	return nil
}

// requestSync asks every peer for its hash at committed+1 and schedules the
// host's own check at the same time.
func (h *Host) requestSync() {
	due := h.committed + 1
	h.syncPending = true
	h.syncDue = due
	h.lastSyncDue = due
	h.hostArrived = false
	for _, client := range h.registry.Participants() {
		client.SyncArrived = false
		client.SyncOverdue = false
	}
	h.broadcastMessage(proto.SyncRequest{Due: due})
	h.sim.EnqueueSyncCheck(due, func(hash sim.Hash) {
		if h.syncPending && h.syncDue == due {
			h.hostHash = hash
			h.hostArrived = true
		}
	})
	h.adoptCommitted(due)
	h.metrics.Add(metricSyncChecks, 1)
	loggingLockstep.SyncRequested(h.ctx, h.publisher, h.tick(), loggingLockstep.SyncPayload{Due: due})
}

func (h *Host) handleSyncReport(client *session.Client, m proto.SyncReport) error {
	if h.state == StateLobby {
		return disconnect(proto.ReasonSyncReportWithoutGame)
	}
	if !h.syncPending || m.Due != h.syncDue || client.SyncArrived {
		h.logger.Printf("ignoring stale sync report from %s for %d", clientName(client), m.Due)
		return nil
	}
	client.SyncHash = m.Hash
	client.SyncArrived = true
	client.SyncOverdue = false
	h.checkSyncReports()
	return nil
}

// checkSyncReports compares hashes once the host and every connected client
// have reported.
func (h *Host) checkSyncReports() {
	if !h.syncPending || !h.hostArrived {
		return
	}
	participants := h.registry.Participants()
	for _, client := range participants {
		if !client.SyncArrived {
			return
		}
	}
	h.syncPending = false

	var mismatched []*session.Client
	for _, client := range participants {
		if client.SyncHash != h.hostHash {
			mismatched = append(mismatched, client)
		}
	}
	if len(mismatched) > 0 {
		h.handleDesync(mismatched)
	}
}

func (h *Host) handleDesync(mismatched []*session.Client) {
	now := h.clock.Now()
	h.desynced = true
	h.metrics.Add(metricDesyncs, uint64(len(mismatched)))
	report := DesyncReport{Due: h.syncDue, HostHash: h.hostHash, Peers: make(map[string]sim.Hash, len(mismatched))}
	for _, client := range mismatched {
		report.Peers[clientName(client)] = client.SyncHash
	}

	if h.cfg.DataDir != "" {
		header := journal.DumpHeader{
			Reason:    "desync",
			Session:   h.sessionID,
			Peer:      clientName(mismatched[0]),
			Committed: h.committed,
			Written:   now,
			HostHash:  h.hostHash.String(),
			PeerHash:  mismatched[0].SyncHash.String(),
		}
		path, err := journal.WriteDumpFile(h.cfg.DataDir, header, h.journal.Entries(), h.sim)
		if err != nil {
			h.logger.Printf("failed to write desync dump: %v", err)
		} else {
			report.Dump = path
		}
	}

	for _, client := range mismatched {
		h.logger.Printf("desync at %d: host %s, %s %s", h.syncDue, h.hostHash, clientName(client), client.SyncHash)
		loggingLockstep.DesyncDetected(h.ctx, h.publisher, h.tick(), clientRef(client), loggingLockstep.DesyncPayload{
			Due:        h.syncDue,
			HostHash:   h.hostHash.String(),
			ClientHash: client.SyncHash.String(),
			Dump:       report.Dump,
		})
	}
	h.broadcastMessage(proto.InfoDesync{})
	h.systemMessage(proto.MessageDesync)
	for _, client := range mismatched {
		h.disconnectClient(client, proto.ReasonClientDesynced)
	}
	h.desyncPaused = true
	h.negotiate()
	h.hooks.desync(report)
}

// ClearDesyncPause lifts the pause imposed after a desync.
func (h *Host) ClearDesyncPause() {
	if !h.desyncPaused {
		return
	}
	h.desyncPaused = false
	h.negotiate()
}

// checkHungClients compares every client's acknowledged time with the
// committed time and moves the session in and out of Waiting.
func (h *Host) checkHungClients(now time.Time) {
	threshold := h.cfg.hangThreshold(h.speed)
	delayed, hung := 0, 0
	for _, client := range h.registry.Participants() {
		delta := h.committed - client.Time
		client.SyncOverdue = h.syncPending && !client.SyncArrived && h.committed-h.syncDue >= h.cfg.SyncInterval
		if delta == 0 && !client.SyncOverdue {
			client.HungSince = time.Time{}
			client.LastHangWarning = time.Time{}
			continue
		}
		delayed++
		// At speed 0 committed time only moves with commands, so lag is
		// expected and never a hang.
		lagging := h.speed > 0 && delta > threshold
		if !lagging && !client.SyncOverdue {
			continue
		}
		if client.HungSince.IsZero() {
			client.HungSince = now
			hung++
			h.logger.Printf("%s is %dms behind", clientName(client), delta)
			loggingLockstep.ClientHung(h.ctx, h.publisher, h.tick(), clientRef(client), loggingLockstep.HangPayload{Delta: delta})
			continue
		}
		hungFor := now.Sub(client.HungSince)
		payload := loggingLockstep.HangPayload{Delta: delta, Seconds: int64(hungFor / time.Second)}
		if hungFor >= h.cfg.HangKickAfter {
			delayed--
			h.kickHung(client, payload)
			continue
		}
		hung++
		if hungFor >= h.cfg.HangWarnAfter && (client.LastHangWarning.IsZero() || now.Sub(client.LastHangWarning) >= h.cfg.HangWarnEvery) {
			client.LastHangWarning = now
			h.systemMessage(proto.MessageClientHung, clientName(client), strconv.FormatInt(payload.Seconds, 10))
			loggingLockstep.HangWarning(h.ctx, h.publisher, h.tick(), clientRef(client), payload)
		}
	}
	h.metrics.Store(metricHungClients, uint64(hung))

	switch {
	case h.state == StateRunning && hung > 0:
		h.enterWaiting(hung, delayed)
	case h.state == StateWaiting && delayed == 0:
		h.leaveWaiting()
	}
}

func (h *Host) kickHung(client *session.Client, payload loggingLockstep.HangPayload) {
	h.logger.Printf("%s hung for %ds, disconnecting", clientName(client), payload.Seconds)
	loggingLockstep.HangKick(h.ctx, h.publisher, h.tick(), clientRef(client), payload)
	if h.cfg.Dedicated {
		if path, err := h.Autosave(); err != nil {
			h.logger.Printf("autosave before kick failed: %v", err)
		} else if path != "" {
			h.systemMessage(proto.MessageAutosaved, filepath.Base(path))
		}
	}
	h.disconnectClient(client, proto.ReasonClientTimeouted)
}

func (h *Host) enterWaiting(hung, delayed int) {
	h.setState(StateWaiting)
	h.logger.Printf("%d clients hung, waiting", hung)
	h.broadcastMessage(proto.SetSpeed{Speed: 0})
	h.broadcastMessage(proto.Wait{})
	loggingLockstep.WaitingEntered(h.ctx, h.publisher, h.tick(), loggingLockstep.WaitingPayload{Hung: hung, Delayed: delayed})
}

func (h *Host) leaveWaiting() {
	h.setState(StateRunning)
	h.logger.Printf("all clients caught up, resuming at speed %d", h.speed)
	h.broadcastMessage(proto.SetSpeed{Speed: h.speed})
	loggingLockstep.WaitingLeft(h.ctx, h.publisher, h.tick())
}

// negotiate recomputes the network speed from the host's and every
// connected client's desired speed, and announces a change unless the
// session is waiting.
func (h *Host) negotiate() {
	previous := h.speed
	forced := h.forcePaused || h.desyncPaused
	if forced {
		h.speed = 0
	} else {
		var speeds []uint16
		if !h.cfg.Dedicated {
			speeds = append(speeds, h.desiredSpeed)
		}
		for _, client := range h.registry.Participants() {
			speeds = append(speeds, client.DesiredSpeed)
		}
		if len(speeds) == 0 {
			speeds = append(speeds, h.desiredSpeed)
		}
		h.speed = NegotiateSpeed(speeds, h.cfg.SpeedClampBound)
	}
	if h.speed == previous {
		return
	}
	h.metrics.Store(metricSpeed, uint64(h.speed))
	loggingLockstep.SpeedChanged(h.ctx, h.publisher, h.tick(), loggingLockstep.SpeedPayload{Previous: previous, Speed: h.speed, Forced: forced})
	h.hooks.speedChanged(h.speed)
	if h.state == StateRunning {
		h.broadcastMessage(proto.SetSpeed{Speed: h.speed})
	}
}

// SetDesiredSpeed changes the host's own speed wish.
func (h *Host) SetDesiredSpeed(speed uint16) {
	h.desiredSpeed = speed
	h.negotiate()
}

// ForcePause overrides negotiation with speed 0 while paused is true.
func (h *Host) ForcePause(paused bool) {
	h.forcePaused = paused
	h.negotiate()
}

// Autosave writes a compressed save of the host simulation into DataDir and
// returns its path. It returns "" without error when DataDir is unset.
func (h *Host) Autosave() (string, error) {
	if h.cfg.DataDir == "" {
		return "", nil
	}
	name := fmt.Sprintf("autosave-%d.lsv.lz4", h.committed)
	return journal.WriteSaveFile(h.cfg.DataDir, name, h.sim)
}
