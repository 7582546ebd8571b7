package lockstep

import (
	"fmt"
	"strings"
	"time"

	"lockstepd/internal/results"
	"lockstepd/internal/session"
)

// HostSnapshot is the diagnostics view of a session.
type HostSnapshot struct {
	Session      string           `json:"session"`
	State        string           `json:"state"`
	Committed    int32            `json:"committed"`
	SimTime      int32            `json:"simTime"`
	Speed        uint16           `json:"speed"`
	DesiredSpeed uint16           `json:"desiredSpeed"`
	ForcePaused  bool             `json:"forcePaused,omitempty"`
	DesyncPaused bool             `json:"desyncPaused,omitempty"`
	SyncPending  bool             `json:"syncPending"`
	SyncDue      int32            `json:"syncDue,omitempty"`
	Journal      int              `json:"journalEntries"`
	Registry     session.Snapshot `json:"registry"`
}

// Snapshot copies the session state for diagnostics.
func (h *Host) Snapshot() HostSnapshot {
	return HostSnapshot{
		Session:      h.sessionID,
		State:        h.state.String(),
		Committed:    h.committed,
		SimTime:      h.sim.Time(),
		Speed:        h.speed,
		DesiredSpeed: h.desiredSpeed,
		ForcePaused:  h.forcePaused,
		DesyncPaused: h.desyncPaused,
		SyncPending:  h.syncPending,
		SyncDue:      h.syncDue,
		Journal:      h.journal.Len(),
		Registry:     h.registry.Snapshot(h.clock.Now()),
	}
}

// SetResult records an end-of-game result for the named user, connected
// or not.
func (h *Host) SetResult(name, result string) error {
	for _, user := range h.registry.Users() {
		if strings.EqualFold(user.Name, name) {
			h.registry.SetResult(user, result)
			h.hooks.userChanged(user)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownUser, name)
}

// GameRecord summarizes the session for the results store. Users who left
// mid-game are listed at the slot they last held. It reports false before
// launch.
func (h *Host) GameRecord(now time.Time) (results.GameRecord, bool) {
	if h.launchedAt.IsZero() {
		return results.GameRecord{}, false
	}
	record := results.GameRecord{
		Session:   h.sessionID,
		StartedAt: h.launchedAt,
		EndedAt:   now,
		FinalTime: h.committed,
		Desynced:  h.desynced,
	}
	if h.cfg.HostSlot.IsPlayer() {
		record.Players = append(record.Players, results.Player{
			User:      -1,
			Name:      h.cfg.HostName,
			Slot:      int(h.cfg.HostSlot),
			Connected: h.state != StateClosed,
		})
	}
	for _, user := range h.registry.Users() {
		slot := user.Position
		if !user.Connected() {
			slot = user.LastSlot
		}
		record.Players = append(record.Players, results.Player{
			User:      user.Number,
			Name:      user.Name,
			Slot:      int(slot),
			Connected: user.Connected(),
			Result:    user.Result,
		})
	}
	return record, true
}
