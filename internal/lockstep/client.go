package lockstep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"lockstepd/internal/journal"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/nettime"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
	"lockstepd/internal/telemetry"
	"lockstepd/logging"
)

// ErrClientClosed reports use of a client after its connection ended.
var ErrClientClosed = errors.New("lockstep: client closed")

// ClientOption configures NewClient.
type ClientOption func(*Client)

// WithClientLogger routes the peer's operational log lines.
func WithClientLogger(logger telemetry.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientClock replaces the wall clock.
func WithClientClock(clock logging.Clock) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithClientHooks installs application callbacks.
func WithClientHooks(hooks ClientHooks) ClientOption {
	return func(c *Client) {
		c.hooks = hooks
	}
}

// WithClientCommandDecoder sets the decoder for player command bodies.
func WithClientCommandDecoder(decoder proto.CommandDecoder) ClientOption {
	return func(c *Client) {
		if decoder != nil {
			c.commands = decoder
		}
	}
}

// Client is the peer side of a session. Like Host, only Run and Do may be
// called concurrently with it.
type Client struct {
	cfg      ClientConfig
	conn     session.Conn
	stream   *wire.Deserializer
	sim      sim.Simulation
	tracker  *nettime.Tracker
	clock    logging.Clock
	logger   telemetry.Logger
	hooks    ClientHooks
	commands proto.CommandDecoder
	journal  *journal.Journal

	welcomed bool
	user     uint32
	name     string
	position int16
	launched bool
	speed    uint16
	waiting  bool
	desynced bool

	lastAckWall time.Time
	lastAckGame int32

	closed bool
	err    error

	actions chan clientAction
}

type clientAction struct {
	fn   func(*Client)
	done chan struct{}
}

// NewClient returns a peer speaking over conn and driving simulation.
func NewClient(conn session.Conn, simulation sim.Simulation, cfg ClientConfig, opts ...ClientOption) *Client {
	cfg = cfg.normalized()
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		stream:   wire.NewDeserializer(),
		sim:      simulation,
		clock:    logging.SystemClock{},
		logger:   telemetry.Or(nil),
		commands: sim.DefaultRegistry(),
		journal:  journal.New(cfg.JournalSize, 0),
		position: int16(session.PositionSpectator),
		actions:  make(chan clientAction),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = telemetry.Prefixed(c.logger, "[client] ")
	c.tracker = nettime.NewTracker(c.clock)
	return c
}

// Name reports the name the host assigned, once welcomed.
func (c *Client) Name() string { return c.name }

// User reports the user number assigned by the host.
func (c *Client) User() uint32 { return c.user }

// Position reports the client's slot as last announced by the host.
func (c *Client) Position() session.Position { return session.Position(c.position) }

// Launched reports whether the game started.
func (c *Client) Launched() bool { return c.launched }

// Speed reports the speed set by the host.
func (c *Client) Speed() uint16 { return c.speed }

// Waiting reports whether the host is waiting for a lagging peer.
func (c *Client) Waiting() bool { return c.waiting }

// Desynced reports whether the host announced a desync.
func (c *Client) Desynced() bool { return c.desynced }

// Tracker exposes the network time tracker.
func (c *Client) Tracker() *nettime.Tracker { return c.tracker }

// Err returns the error that closed the client, if any.
func (c *Client) Err() error { return c.err }

// Hello opens the handshake and announces the desired speed.
func (c *Client) Hello() error {
	if err := c.send(proto.Hello{Version: proto.Version, Name: c.cfg.Name, Build: c.cfg.Build}); err != nil {
		return c.fail(err)
	}
	if c.cfg.DesiredSpeed != session.DefaultDesiredSpeed {
		return c.SetDesiredSpeed(c.cfg.DesiredSpeed)
	}
	return nil
}

// SubmitCommand sends cmd to the host, stamped with the local game time.
// It is applied once it comes back with its due time.
func (c *Client) SubmitCommand(cmd sim.Command) error {
	if !c.launched {
		return ErrNotRunning
	}
	return c.sendOrFail(proto.PlayerCommand{Due: c.sim.Time(), Body: cmd})
}

// SetDesiredSpeed announces the client's speed wish.
func (c *Client) SetDesiredSpeed(speed uint16) error {
	c.cfg.DesiredSpeed = speed
	return c.sendOrFail(proto.SetSpeed{Speed: speed})
}

// Chat sends a line; "@name text" is private.
func (c *Client) Chat(line string) error {
	return c.sendOrFail(proto.Chat{Slot: c.position, Sender: c.name, Text: line})
}

// ChangePosition asks for a player slot or session.PositionSpectator.
func (c *Client) ChangePosition(position session.Position) error {
	return c.sendOrFail(proto.ChangePosition{Position: int16(position)})
}

// SetReady toggles the lobby ready flag.
func (c *Client) SetReady(ready bool) error {
	return c.sendOrFail(proto.SetReady{Ready: ready})
}

// Leave tells the host the client is leaving and closes the connection.
func (c *Client) Leave() {
	if c.closed {
		return
	}
	c.send(proto.Disconnect{Reason: proto.ReasonClientLeft})
	c.closed = true
	c.conn.Close()
}

// Receive handles bytes read from the host connection.
func (c *Client) Receive(chunk []byte) error {
	if c.closed {
		return ErrClientClosed
	}
	if err := c.stream.Feed(chunk); err != nil {
		return c.fail(err)
	}
	for !c.closed {
		packet, ok, err := c.stream.Next()
		if err != nil {
			return c.fail(err)
		}
		if !ok {
			return nil
		}
		if err := c.handlePacket(packet); err != nil {
			return c.fail(err)
		}
	}
	return c.err
}

// Think advances the simulation and acknowledges game time. now must come
// from the client clock.
func (c *Client) Think(now time.Time) error {
	if c.closed {
		return c.closedErr()
	}
	if !c.launched {
		return nil
	}
	if c.speed == 0 || c.waiting {
		c.tracker.FastForward()
	} else {
		c.tracker.Think(c.speed)
	}
	if err := c.sim.AdvanceTo(c.tracker.Time()); err != nil {
		return c.fail(err)
	}
	if c.closed {
		return c.closedErr()
	}

	gameTime := c.sim.Time()
	caughtUp := gameTime == c.tracker.NetworkTime() && gameTime != c.lastAckGame
	ackMillis := int32(c.cfg.AckInterval.Milliseconds())
	switch {
	case caughtUp && (c.waiting || c.speed == 0):
		return c.ack(now, gameTime)
	case gameTime-c.lastAckGame >= ackMillis && now.Sub(c.lastAckWall) >= c.cfg.AckInterval:
		return c.ack(now, gameTime)
	}
	return nil
}

func (c *Client) ack(now time.Time, gameTime int32) error {
	c.lastAckGame = gameTime
	c.lastAckWall = now
	return c.sendOrFail(proto.Time{Time: gameTime})
}

func (c *Client) handlePacket(packet *wire.Reader) error {
	msg, err := proto.Decode(packet, c.commands)
	if err != nil {
		return err
	}
	c.journal.Record(journal.Entry{
		At:        c.clock.Now(),
		Direction: journal.DirectionIn,
		Command:   msg.Command().String(),
		Time:      messageTime(msg, c.tracker.NetworkTime()),
	})

	switch m := msg.(type) {
	case proto.Welcome:
		c.welcomed = true
		c.user = m.User
		c.name = m.Name
		c.logger.Printf("welcomed as %s (user %d)", m.Name, m.User)
		if c.hooks.OnWelcome != nil {
			c.hooks.OnWelcome(m.User, m.Name)
		}
	case proto.Disconnect:
		c.logger.Printf("host disconnected us: %s", m.Text())
		if c.hooks.OnDisconnect != nil {
			c.hooks.OnDisconnect(m)
		}
		c.emergencySave()
		c.closed = true
		c.err = &DisconnectError{Code: m.Reason, Args: m.Args}
		c.conn.Close()
		return nil
	case proto.Ping:
		return c.send(proto.Pong{Nonce: m.Nonce})
	case proto.Pong:
	case proto.Launch:
		return c.handleLaunch(m)
	case proto.Time:
		if !c.launched {
			return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
		}
		return c.tracker.Receive(m.Time)
	case proto.PlayerCommand:
		if !c.launched {
			return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
		}
		if err := c.tracker.Receive(m.Due); err != nil {
			return err
		}
		c.sim.Enqueue(m.Due, m.Body)
	case proto.SyncRequest:
		if !c.launched {
			return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
		}
		if err := c.tracker.Receive(m.Due); err != nil {
			return err
		}
		due := m.Due
		c.sim.EnqueueSyncCheck(due, func(hash sim.Hash) {
			if err := c.send(proto.SyncReport{Due: due, Hash: hash}); err != nil {
				c.logger.Printf("failed to send sync report for %d: %v", due, err)
			}
		})
	case proto.SetSpeed:
		c.speed = m.Speed
		c.waiting = false
		if c.hooks.OnSpeedChange != nil {
			c.hooks.OnSpeedChange(c.speed, c.waiting)
		}
	case proto.Wait:
		c.waiting = true
		if c.hooks.OnSpeedChange != nil {
			c.hooks.OnSpeedChange(c.speed, c.waiting)
		}
	case proto.Chat:
		if c.hooks.OnChat != nil {
			c.hooks.OnChat(m)
		}
	case proto.SystemMessage:
		c.logger.Printf("%s", m.Text())
		if c.hooks.OnSystemMessage != nil {
			c.hooks.OnSystemMessage(m)
		}
	case proto.SettingUser:
		if c.welcomed && m.User == c.user {
			c.position = m.Position
		}
		if c.hooks.OnUserSetting != nil {
			c.hooks.OnUserSetting(m)
		}
	case proto.SettingSlot:
		if c.hooks.OnSlotSetting != nil {
			c.hooks.OnSlotSetting(m)
		}
	case proto.InfoDesync:
		c.handleDesync()
	default:
		return disconnect(proto.ReasonUnexpectedCommand, msg.Command().String())
	}
	return nil
}

func (c *Client) handleLaunch(m proto.Launch) error {
	if c.launched {
		return disconnect(proto.ReasonUnexpectedCommand, m.Command().String())
	}
	if c.sim.Time() < m.Start {
		if err := c.sim.AdvanceTo(m.Start); err != nil {
			return err
		}
	}
	c.tracker.Reset(m.Start)
	c.launched = true
	c.lastAckGame = m.Start
	c.lastAckWall = c.clock.Now()
	c.logger.Printf("game launched at %d", m.Start)
	if c.hooks.OnLaunch != nil {
		c.hooks.OnLaunch(m.Start)
	}
	return nil
}

func (c *Client) handleDesync() {
	c.desynced = true
	c.logger.Printf("host reported a desync at %d", c.tracker.NetworkTime())
	if c.cfg.DataDir != "" {
		header := journal.DumpHeader{
			Reason:    "desync",
			Peer:      c.name,
			Committed: c.tracker.NetworkTime(),
			Written:   c.clock.Now(),
		}
		if path, err := journal.WriteDumpFile(c.cfg.DataDir, header, c.journal.Entries(), c.sim); err != nil {
			c.logger.Printf("failed to write desync dump: %v", err)
		} else {
			c.logger.Printf("wrote desync dump %s", path)
		}
	}
	if c.hooks.OnDesync != nil {
		c.hooks.OnDesync()
	}
}

func (c *Client) send(msg proto.Message) error {
	if c.closed {
		return ErrClientClosed
	}
	frame, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.journal.Record(journal.Entry{
		At:        c.clock.Now(),
		Direction: journal.DirectionOut,
		Command:   msg.Command().String(),
		Time:      messageTime(msg, c.sim.Time()),
	})
	return c.conn.Send(frame)
}

func (c *Client) sendOrFail(msg proto.Message) error {
	if err := c.send(msg); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return c.closedErr()
		}
		return c.fail(err)
	}
	return nil
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrClientClosed
}

// fail ends the session after a fatal error: the game is saved, the host is
// told why and the connection is closed.
func (c *Client) fail(err error) error {
	if c.closed {
		return c.closedErr()
	}
	c.err = err
	c.logger.Printf("fatal: %v", err)
	c.emergencySave()
	if !errors.Is(err, wire.ErrConnectionClosed) {
		code, args := disconnectReason(err)
		c.send(proto.Disconnect{Reason: code, Args: args})
	}
	c.closed = true
	c.conn.Close()
	return err
}

func (c *Client) emergencySave() {
	if !c.launched || c.cfg.DataDir == "" {
		return
	}
	name := fmt.Sprintf("emergency-%d.lsv.lz4", c.sim.Time())
	if path, err := journal.WriteSaveFile(c.cfg.DataDir, name, c.sim); err != nil {
		c.logger.Printf("emergency save failed: %v", err)
	} else {
		c.logger.Printf("emergency save written to %s", path)
	}
}

// Do runs fn on the client loop and waits for it.
func (c *Client) Do(ctx context.Context, fn func(*Client)) error {
	action := clientAction{fn: fn, done: make(chan struct{})}
	select {
	case c.actions <- action:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-action.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads from src and thinks every TickInterval until the connection
// ends or ctx is cancelled, in which case the client leaves cleanly.
func (c *Client) Run(ctx context.Context, src io.Reader) error {
	chunks := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Leave()
			return nil
		case action := <-c.actions:
			action.fn(c)
			close(action.done)
		case chunk := <-chunks:
			if err := c.Receive(chunk); err != nil {
				return err
			}
		case err := <-readErr:
			for drained := false; !drained; {
				select {
				case chunk := <-chunks:
					if rerr := c.Receive(chunk); rerr != nil {
						return rerr
					}
				default:
					drained = true
				}
			}
			if c.closed {
				return c.closedErr()
			}
			if errors.Is(err, io.EOF) {
				err = wire.ErrConnectionClosed
			}
			return c.fail(err)
		case <-ticker.C:
			if err := c.Think(c.clock.Now()); err != nil {
				return err
			}
		}
	}
}
