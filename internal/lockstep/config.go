package lockstep

import (
	"time"

	"lockstepd/internal/session"
)

const (
	// DefaultCommitInterval is the wall-clock time between TIME commits.
	DefaultCommitInterval = 100 * time.Millisecond
	// DefaultClientAckInterval is the interval at which clients acknowledge
	// their simulated time, both in wall-clock and in game time.
	DefaultClientAckInterval = 250 * time.Millisecond
	// DefaultSyncInterval is the game time between sync checks.
	DefaultSyncInterval int32 = 5000
	// DefaultHangFactor scales the hang threshold.
	DefaultHangFactor = 5
	// DefaultSpeedClampBound limits the gap between two negotiating peers.
	DefaultSpeedClampBound uint16 = 1000
)

// HostConfig tunes the host coordinator.
type HostConfig struct {
	// Slots is the number of player slots in the session.
	Slots int
	// HostSlot is the host user's own position, or session.PositionSpectator
	// on a dedicated host.
	HostSlot session.Position
	HostName string
	// DesiredSpeed is the host's own speed wish in thousandths of real time.
	DesiredSpeed uint16
	Dedicated    bool

	CommitInterval    time.Duration
	ClientAckInterval time.Duration
	SyncInterval      int32
	// HangFactor multiplies ClientAckInterval (scaled by the network speed)
	// to yield the lag at which a client counts as hung.
	HangFactor      int
	HangWarnAfter   time.Duration
	HangWarnEvery   time.Duration
	HangKickAfter   time.Duration
	SpeedClampBound uint16

	PingInterval time.Duration
	// PingTimeout disconnects lobby clients that stop answering pings.
	PingTimeout time.Duration
	// TickInterval paces Run.
	TickInterval time.Duration

	ChatRate  float64
	ChatBurst int

	JournalSize int
	// DataDir receives desync dumps and autosaves. Empty disables them.
	DataDir string
}

// DefaultHostConfig returns the standard coordinator timings.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Slots:             2,
		HostSlot:          0,
		HostName:          "host",
		DesiredSpeed:      session.DefaultDesiredSpeed,
		CommitInterval:    DefaultCommitInterval,
		ClientAckInterval: DefaultClientAckInterval,
		SyncInterval:      DefaultSyncInterval,
		HangFactor:        DefaultHangFactor,
		HangWarnAfter:     60 * time.Second,
		HangWarnEvery:     30 * time.Second,
		HangKickAfter:     300 * time.Second,
		SpeedClampBound:   DefaultSpeedClampBound,
		PingInterval:      5 * time.Second,
		PingTimeout:       60 * time.Second,
		TickInterval:      20 * time.Millisecond,
		ChatRate:          2,
		ChatBurst:         5,
		JournalSize:       512,
	}
}

func (c HostConfig) normalized() HostConfig {
	def := DefaultHostConfig()
	if c.Slots < 0 {
		c.Slots = 0
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = def.CommitInterval
	}
	if c.ClientAckInterval <= 0 {
		c.ClientAckInterval = def.ClientAckInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.HangFactor <= 0 {
		c.HangFactor = def.HangFactor
	}
	if c.HangWarnAfter <= 0 {
		c.HangWarnAfter = def.HangWarnAfter
	}
	if c.HangWarnEvery <= 0 {
		c.HangWarnEvery = def.HangWarnEvery
	}
	if c.HangKickAfter <= 0 {
		c.HangKickAfter = def.HangKickAfter
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.JournalSize <= 0 {
		c.JournalSize = def.JournalSize
	}
	if c.Dedicated {
		c.HostSlot = session.PositionSpectator
	}
	return c
}

// hangThreshold is the acknowledgement lag, in game milliseconds, above
// which a client counts as hung at the given speed.
func (c HostConfig) hangThreshold(speed uint16) int32 {
	ack := c.ClientAckInterval.Milliseconds()
	return int32(int64(c.HangFactor) * ack * int64(speed) / 1000)
}

// ClientConfig tunes the peer side.
type ClientConfig struct {
	Name         string
	Build        string
	DesiredSpeed uint16
	AckInterval  time.Duration
	TickInterval time.Duration
	JournalSize  int
	// DataDir receives emergency saves. Empty disables them.
	DataDir string
}

// DefaultClientConfig returns the standard peer timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:         "Player",
		DesiredSpeed: session.DefaultDesiredSpeed,
		AckInterval:  DefaultClientAckInterval,
		TickInterval: 20 * time.Millisecond,
		JournalSize:  256,
	}
}

func (c ClientConfig) normalized() ClientConfig {
	def := DefaultClientConfig()
	if c.AckInterval <= 0 {
		c.AckInterval = def.AckInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.JournalSize <= 0 {
		c.JournalSize = def.JournalSize
	}
	return c
}
