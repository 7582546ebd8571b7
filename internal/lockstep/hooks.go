package lockstep

import (
	"lockstepd/internal/net/proto"
	"lockstepd/internal/results"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
)

// DesyncReport describes a sync check that found mismatching hashes.
type DesyncReport struct {
	Due      int32
	HostHash sim.Hash
	Peers    map[string]sim.Hash
	Dump     string
}

// HostHooks lets the embedding application observe session changes. All
// hooks run on the host loop goroutine and must not block.
type HostHooks struct {
	OnStateChange   func(State)
	OnSpeedChange   func(speed uint16)
	OnUserChange    func(session.UserSnapshot)
	OnChat          func(proto.Chat)
	OnSystemMessage func(proto.SystemMessage)
	OnDesync        func(DesyncReport)
	// OnGameOver receives the final record of a launched game before the
	// host disconnects everyone.
	OnGameOver func(results.GameRecord)
}

func (h HostHooks) stateChanged(state State) {
	if h.OnStateChange != nil {
		h.OnStateChange(state)
	}
}

func (h HostHooks) speedChanged(speed uint16) {
	if h.OnSpeedChange != nil {
		h.OnSpeedChange(speed)
	}
}

func (h HostHooks) userChanged(user *session.User) {
	if h.OnUserChange != nil && user != nil {
		h.OnUserChange(session.SnapshotUser(user))
	}
}

func (h HostHooks) chat(msg proto.Chat) {
	if h.OnChat != nil {
		h.OnChat(msg)
	}
}

func (h HostHooks) systemMessage(msg proto.SystemMessage) {
	if h.OnSystemMessage != nil {
		h.OnSystemMessage(msg)
	}
}

func (h HostHooks) desync(report DesyncReport) {
	if h.OnDesync != nil {
		h.OnDesync(report)
	}
}

func (h HostHooks) gameOver(record results.GameRecord) {
	if h.OnGameOver != nil {
		h.OnGameOver(record)
	}
}

// ClientHooks lets a peer application observe the session.
type ClientHooks struct {
	OnWelcome       func(user uint32, name string)
	OnLaunch        func(start int32)
	OnSpeedChange   func(speed uint16, waiting bool)
	OnChat          func(proto.Chat)
	OnSystemMessage func(proto.SystemMessage)
	OnUserSetting   func(proto.SettingUser)
	OnSlotSetting   func(proto.SettingSlot)
	OnDesync        func()
	OnDisconnect    func(proto.Disconnect)
}
