// Package lockstep implements the host-authoritative lockstep session: time
// commits, command sequencing, sync-hash verification, hang detection and
// speed negotiation, plus the matching peer.
package lockstep

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lockstepd/internal/chat"
	"lockstepd/internal/journal"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/nettime"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
	"lockstepd/internal/telemetry"
	"lockstepd/logging"
)

const (
	metricCommits      = "lockstep_commits_total"
	metricCommands     = "lockstep_commands_total"
	metricSyncChecks   = "lockstep_sync_checks_total"
	metricDesyncs      = "lockstep_desyncs_total"
	metricHungClients  = "lockstep_hung_clients"
	metricSpeed        = "lockstep_speed"
	metricBytesIn      = "net_bytes_in_total"
	metricPacketsIn    = "net_packets_in_total"
	metricDisconnects  = "net_disconnects_total"
	metricRefusedConns = "net_refused_total"
)

var (
	// ErrNotRunning reports a game operation outside a running game.
	ErrNotRunning = errors.New("lockstep: game is not running")
	// ErrAlreadyLaunched reports a lobby operation after launch.
	ErrAlreadyLaunched = errors.New("lockstep: game already launched")
	// ErrUnknownUser reports an operator action naming no known user.
	ErrUnknownUser = errors.New("lockstep: unknown user")
	// ErrHostStopped reports a request posted after Run returned.
	ErrHostStopped = errors.New("lockstep: host loop stopped")
	// ErrRefused reports a connection turned away at accept time.
	ErrRefused = errors.New("lockstep: connection refused")
)

// State is the session phase.
type State uint8

const (
	StateLobby State = iota
	StateRunning
	// StateWaiting pauses time commits until lagging clients catch up.
	StateWaiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLobby:
		return "lobby"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HostOption configures NewHost.
type HostOption func(*Host)

// WithLogger routes operational log lines.
func WithLogger(logger telemetry.Logger) HostOption {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics attaches counters and gauges.
func WithMetrics(metrics telemetry.Metrics) HostOption {
	return func(h *Host) {
		if metrics != nil {
			h.metrics = metrics
		}
	}
}

// WithPublisher attaches the structured event pipeline.
func WithPublisher(pub logging.Publisher) HostOption {
	return func(h *Host) {
		if pub != nil {
			h.publisher = pub
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clock logging.Clock) HostOption {
	return func(h *Host) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHooks installs application callbacks.
func WithHooks(hooks HostHooks) HostOption {
	return func(h *Host) {
		h.hooks = hooks
	}
}

// WithCommandDecoder sets the decoder for player command bodies.
func WithCommandDecoder(decoder proto.CommandDecoder) HostOption {
	return func(h *Host) {
		if decoder != nil {
			h.commands = decoder
		}
	}
}

// Host coordinates one session. Apart from Run, Serve and Do, its methods
// must be called from a single goroutine: the Run loop, or the test driving
// it.
type Host struct {
	cfg       HostConfig
	sim       sim.Simulation
	registry  *session.Registry
	tracker   *nettime.Tracker
	clock     logging.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	hooks     HostHooks
	commands  proto.CommandDecoder
	journal   *journal.Journal
	chat      *chat.Limiter
	sessionID string
	ctx       context.Context

	state      State
	committed  int32
	pseudo     int32
	pseudoRem  int64
	lastFrame  time.Time
	lastCommit time.Time
	launchedAt time.Time

	desiredSpeed uint16
	// speed is the negotiated network speed; clients see 0 while waiting.
	speed        uint16
	forcePaused  bool
	desyncPaused bool
	desynced     bool

	syncPending bool
	syncDue     int32
	lastSyncDue int32
	hostHash    sim.Hash
	hostArrived bool

	pingNonce uint32
	lastPing  time.Time

	inbox   chan hostEvent
	stopped chan struct{}
}

// NewHost returns a host in the lobby driving simulation.
func NewHost(simulation sim.Simulation, cfg HostConfig, opts ...HostOption) *Host {
	cfg = cfg.normalized()
	h := &Host{
		cfg:          cfg,
		sim:          simulation,
		registry:     session.NewRegistry(cfg.Slots),
		clock:        logging.SystemClock{},
		logger:       telemetry.Or(nil),
		metrics:      telemetry.NopMetrics(),
		publisher:    logging.NopPublisher(),
		commands:     sim.DefaultRegistry(),
		journal:      journal.New(cfg.JournalSize, 0),
		chat:         chat.NewLimiter(cfg.ChatRate, cfg.ChatBurst),
		sessionID:    uuid.NewString(),
		ctx:          context.Background(),
		desiredSpeed: cfg.DesiredSpeed,
		inbox:        make(chan hostEvent, 256),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = telemetry.Prefixed(h.logger, "[host] ")
	h.journal.AttachTelemetry(h.metrics)
	next := h.publisher
	h.publisher = logging.PublisherFunc(func(ctx context.Context, event logging.Event) {
		event.SessionID = h.sessionID
		next.Publish(ctx, event)
	})
	h.tracker = nettime.NewTracker(h.clock)
	if cfg.HostSlot.IsPlayer() {
		if _, err := h.registry.SetSlotState(int(cfg.HostSlot), session.SlotHuman); err == nil {
			slot, _ := h.registry.Slot(int(cfg.HostSlot))
			slot.Name = cfg.HostName
		}
	}
	h.negotiate()
	return h
}

// SessionID identifies this session in logs and results.
func (h *Host) SessionID() string {
	return h.sessionID
}

// State reports the session phase.
func (h *Host) State() State {
	return h.state
}

// Committed reports the committed network time.
func (h *Host) Committed() int32 {
	return h.committed
}

// Speed reports the negotiated network speed.
func (h *Host) Speed() uint16 {
	return h.speed
}

// Registry exposes the client records.
func (h *Host) Registry() *session.Registry {
	return h.registry
}

// Journal exposes the protocol journal.
func (h *Host) Journal() *journal.Journal {
	return h.journal
}

// Accept registers a new connection. Connections arriving after launch are
// refused with GAME_ALREADY_STARTED and nil is returned.
func (h *Host) Accept(conn session.Conn) *session.Client {
	now := h.clock.Now()
	if h.state != StateLobby {
		if frame, err := proto.Encode(proto.Disconnect{Reason: proto.ReasonGameAlreadyStarted}); err == nil {
			conn.Send(frame)
		}
		conn.Close()
		h.metrics.Add(metricRefusedConns, 1)
		h.logger.Printf("refused connection from %s: game already started", conn.RemoteAddr())
		return nil
	}
	client := h.registry.Accept(conn, now)
	h.logger.Printf("accepted connection %s from %s", client.ID, conn.RemoteAddr())
	return client
}

// Receive feeds bytes read from client's connection and handles every
// complete packet. An error ends that connection only and is returned.
func (h *Host) Receive(client *session.Client, chunk []byte) error {
	if client == nil || client.Closed {
		return nil
	}
	if err := client.Stream.Feed(chunk); err != nil {
		h.drop(client, err)
		return err
	}
	h.metrics.Add(metricBytesIn, uint64(len(chunk)))
	for !client.Closed {
		packet, ok, err := client.Stream.Next()
		if err != nil {
			h.drop(client, err)
			return err
		}
		if !ok {
			return nil
		}
		h.metrics.Add(metricPacketsIn, 1)
		if err := h.handlePacket(client, packet); err != nil {
			h.drop(client, err)
			return err
		}
	}
	return nil
}

// ConnectionLost handles a transport failure on client's connection.
func (h *Host) ConnectionLost(client *session.Client, err error) {
	if client == nil || client.Closed {
		return
	}
	detail := "closed by peer"
	if err != nil {
		detail = err.Error()
	}
	h.disconnectClient(client, proto.ReasonConnectionLost, detail)
}

// Think advances the session to now, which must come from the host clock.
func (h *Host) Think(now time.Time) {
	h.pingClients(now)
	if h.state == StateRunning || h.state == StateWaiting {
		h.advance(now)
		h.checkSyncReports()
		h.checkHungClients(now)
	}
	h.registry.Reap()
}

// Shutdown disconnects every client with reason and closes the session.
func (h *Host) Shutdown(reason string) {
	if h.state == StateClosed {
		return
	}
	if record, ok := h.GameRecord(h.clock.Now()); ok {
		h.hooks.gameOver(record)
	}
	for _, client := range h.registry.Clients() {
		h.disconnectClient(client, reason)
	}
	h.registry.Reap()
	h.setState(StateClosed)
}

func (h *Host) setState(state State) {
	if h.state == state {
		return
	}
	h.state = state
	h.hooks.stateChanged(state)
}

func (h *Host) tick() uint64 {
	if h.committed < 0 {
		return 0
	}
	return uint64(h.committed)
}

func clientName(client *session.Client) string {
	if client.User != nil {
		return client.User.Name
	}
	return client.ID.String()
}

func clientRef(client *session.Client) logging.EntityRef {
	return logging.ClientRef(client.ID.String())
}
