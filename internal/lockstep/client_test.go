package lockstep

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/nettime"
	"lockstepd/internal/sim"
)

type clientFixture struct {
	t      *testing.T
	client *Client
	conn   *fakeConn
	clock  *fakeClock
	sim    *sim.Engine
}

func newClientFixture(t *testing.T, cfg ClientConfig, opts ...ClientOption) *clientFixture {
	t.Helper()
	clock := newFakeClock()
	conn := &fakeConn{}
	engine := sim.NewEngine()
	opts = append([]ClientOption{WithClientClock(clock)}, opts...)
	return &clientFixture{t: t, client: NewClient(conn, engine, cfg, opts...), conn: conn, clock: clock, sim: engine}
}

func (f *clientFixture) deliver(messages ...proto.Message) error {
	f.t.Helper()
	for _, msg := range messages {
		if err := f.client.Receive(encodeFrame(f.t, msg)); err != nil {
			return err
		}
	}
	return nil
}

func (f *clientFixture) mustDeliver(messages ...proto.Message) {
	f.t.Helper()
	if err := f.deliver(messages...); err != nil {
		f.t.Fatalf("Receive: %v", err)
	}
}

func (f *clientFixture) step(d time.Duration) {
	f.t.Helper()
	f.clock.Advance(d)
	if err := f.client.Think(f.clock.Now()); err != nil {
		f.t.Fatalf("Think: %v", err)
	}
}

func TestClientHelloAnnouncesDesiredSpeed(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Name = "ann"
	f := newClientFixture(t, cfg)
	if err := f.client.Hello(); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	messages := f.conn.drain(t)
	if len(messages) != 1 {
		t.Fatalf("expected only HELLO at the default speed, got %d messages", len(messages))
	}
	if hello := messages[0].(proto.Hello); hello.Name != "ann" || hello.Version != proto.Version {
		t.Fatalf("unexpected hello %+v", hello)
	}

	cfg.DesiredSpeed = 2000
	f = newClientFixture(t, cfg)
	f.client.Hello()
	speeds := find[proto.SetSpeed](f.conn.drain(t))
	if len(speeds) != 1 || speeds[0].Speed != 2000 {
		t.Fatalf("expected the desired speed to follow HELLO, got %+v", speeds)
	}
}

func TestClientTracksWelcomeAndPosition(t *testing.T) {
	var welcomed string
	f := newClientFixture(t, DefaultClientConfig(), WithClientHooks(ClientHooks{
		OnWelcome: func(_ uint32, name string) { welcomed = name },
	}))
	f.mustDeliver(
		proto.SettingUser{User: 3, Name: "other", Position: 2},
		proto.Welcome{Version: proto.Version, User: 3, Name: "ann2"},
		proto.SettingUser{User: 3, Name: "ann2", Position: 1},
		proto.SettingUser{User: 4, Name: "bob", Position: 2},
	)
	if welcomed != "ann2" || f.client.Name() != "ann2" || f.client.User() != 3 {
		t.Fatalf("expected to be welcomed as ann2, got %q/%q", welcomed, f.client.Name())
	}
	if f.client.Position() != 1 {
		t.Fatalf("expected own position 1, got %d", f.client.Position())
	}
}

func TestClientAcknowledgesAtInterval(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.mustDeliver(proto.Launch{Start: 0}, proto.SetSpeed{Speed: 1000}, proto.Time{Time: 1000})
	if !f.client.Launched() || f.client.Speed() != 1000 {
		t.Fatalf("expected a launched game at speed 1000")
	}

	f.step(100 * time.Millisecond)
	if f.sim.Time() != 100 {
		t.Fatalf("expected the simulation at 100, got %d", f.sim.Time())
	}
	if acks := find[proto.Time](f.conn.drain(t)); len(acks) != 0 {
		t.Fatalf("acknowledged too early: %+v", acks)
	}

	f.step(150 * time.Millisecond)
	acks := find[proto.Time](f.conn.drain(t))
	if len(acks) != 1 || acks[0].Time != 250 {
		t.Fatalf("expected an ack of 250, got %+v", acks)
	}

	// Never past the network time.
	f.step(2 * time.Second)
	if f.sim.Time() != 1000 {
		t.Fatalf("expected the simulation to stop at 1000, got %d", f.sim.Time())
	}
}

func TestClientFastForwardsWhileWaiting(t *testing.T) {
	var waits []bool
	f := newClientFixture(t, DefaultClientConfig(), WithClientHooks(ClientHooks{
		OnSpeedChange: func(_ uint16, waiting bool) { waits = append(waits, waiting) },
	}))
	f.mustDeliver(proto.Launch{Start: 0}, proto.SetSpeed{Speed: 1000}, proto.Time{Time: 600}, proto.SetSpeed{Speed: 0}, proto.Wait{})
	if !f.client.Waiting() {
		t.Fatalf("expected WAIT to set the waiting flag")
	}

	f.step(0)
	if f.sim.Time() != 600 {
		t.Fatalf("expected a fast-forward to 600, got %d", f.sim.Time())
	}
	acks := find[proto.Time](f.conn.drain(t))
	if len(acks) != 1 || acks[0].Time != 600 {
		t.Fatalf("expected an immediate ack of 600, got %+v", acks)
	}
	f.step(0)
	if acks := find[proto.Time](f.conn.drain(t)); len(acks) != 0 {
		t.Fatalf("expected no repeated ack, got %+v", acks)
	}

	f.mustDeliver(proto.SetSpeed{Speed: 1000})
	if f.client.Waiting() {
		t.Fatalf("expected SETSPEED to clear the waiting flag")
	}
	if len(waits) != 4 || !waits[2] || waits[3] {
		t.Fatalf("unexpected speed change notifications %v", waits)
	}
}

func TestClientAppliesCommandsAtDueTime(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.mustDeliver(
		proto.Launch{Start: 0},
		proto.SetSpeed{Speed: 1000},
		proto.PlayerCommand{Due: 101, Body: sim.SpawnUnit{Player: 1, X: 4, Y: 4}},
		proto.Time{Time: 300},
	)
	f.step(100 * time.Millisecond)
	if got := len(f.sim.World().Units); got != 0 {
		t.Fatalf("command ran before its due time")
	}
	f.step(100 * time.Millisecond)
	units := f.sim.World().Units
	if len(units) != 1 || units[0].Owner != 1 {
		t.Fatalf("expected the spawned unit, got %+v", units)
	}
}

func TestClientAnswersSyncRequest(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.mustDeliver(proto.Launch{Start: 0}, proto.SetSpeed{Speed: 1000}, proto.SyncRequest{Due: 201}, proto.Time{Time: 400})
	f.step(300 * time.Millisecond)

	reports := find[proto.SyncReport](f.conn.drain(t))
	if len(reports) != 1 || reports[0].Due != 201 {
		t.Fatalf("expected one sync report for 201, got %+v", reports)
	}
	if want := peerHash(t, 201, nil); reports[0].Hash != want {
		t.Fatalf("expected hash %s, got %s", want, reports[0].Hash)
	}
}

func TestClientRejectsBackwardsTime(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.mustDeliver(proto.Launch{Start: 0}, proto.Time{Time: 500})
	f.conn.drain(t)

	err := f.deliver(proto.Time{Time: 400})
	if !errors.Is(err, nettime.ErrTimeRunningBackwards) {
		t.Fatalf("expected ErrTimeRunningBackwards, got %v", err)
	}
	if code := disconnectCode(t, f.conn.drain(t)); code != proto.ReasonBackwardsRunningTime {
		t.Fatalf("expected %s, got %s", proto.ReasonBackwardsRunningTime, code)
	}
	if !f.conn.isClosed() || !errors.Is(f.client.Err(), nettime.ErrTimeRunningBackwards) {
		t.Fatalf("expected the client to be closed with the error")
	}
	if err := f.client.Receive([]byte{0, 3, 0}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed afterwards, got %v", err)
	}
}

func TestClientRejectsGameMessagesBeforeLaunch(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	err := f.deliver(proto.Time{Time: 10})
	var de *DisconnectError
	if !errors.As(err, &de) || de.Code != proto.ReasonUnexpectedCommand {
		t.Fatalf("expected UNEXPECTED_COMMAND, got %v", err)
	}
	if err := f.client.SetReady(true); !errors.As(err, &de) {
		t.Fatalf("expected the closing error again, got %v", err)
	}

	f = newClientFixture(t, DefaultClientConfig())
	if err := f.client.SubmitCommand(sim.SpawnUnit{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before launch, got %v", err)
	}
}

func TestClientHandlesHostDisconnect(t *testing.T) {
	var got proto.Disconnect
	f := newClientFixture(t, DefaultClientConfig(), WithClientHooks(ClientHooks{
		OnDisconnect: func(m proto.Disconnect) { got = m },
	}))
	err := f.deliver(proto.Disconnect{Reason: proto.ReasonKicked, Args: []string{"spam"}})
	var de *DisconnectError
	if !errors.As(err, &de) || de.Code != proto.ReasonKicked {
		t.Fatalf("expected the host's reason, got %v", err)
	}
	if got.Reason != proto.ReasonKicked || got.Text() != proto.FormatMessage(proto.ReasonKicked, "spam") {
		t.Fatalf("unexpected hook payload %+v", got)
	}
	if !f.conn.isClosed() || len(f.conn.take()) != 0 {
		t.Fatalf("expected the connection closed without a reply")
	}
}

func TestClientEmergencySaveOnFatalError(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.DataDir = t.TempDir()
	f := newClientFixture(t, cfg)
	f.mustDeliver(proto.Launch{Start: 0}, proto.SetSpeed{Speed: 1000}, proto.Time{Time: 200})
	f.step(200 * time.Millisecond)
	f.conn.drain(t)

	err := f.client.Receive([]byte{0x00, 0x03, 0xEE})
	if !errors.Is(err, proto.ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if code := disconnectCode(t, f.conn.drain(t)); code != proto.ReasonMalformedCommands {
		t.Fatalf("expected %s, got %s", proto.ReasonMalformedCommands, code)
	}
	saves, _ := filepath.Glob(filepath.Join(cfg.DataDir, "emergency-200.lsv.lz4"))
	if len(saves) != 1 {
		t.Fatalf("expected an emergency save, found %v", saves)
	}
}

func TestClientWritesDesyncDump(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.DataDir = t.TempDir()
	desynced := false
	f := newClientFixture(t, cfg, WithClientHooks(ClientHooks{OnDesync: func() { desynced = true }}))
	f.mustDeliver(proto.Launch{Start: 0}, proto.InfoDesync{})

	if !desynced || !f.client.Desynced() {
		t.Fatalf("expected the desync to be reported")
	}
	dumps, _ := filepath.Glob(filepath.Join(cfg.DataDir, "desync-*.lz4"))
	if len(dumps) != 1 {
		t.Fatalf("expected one dump, found %v", dumps)
	}
	if f.conn.isClosed() {
		t.Fatalf("a desync notice must not end the client")
	}
}

func TestClientLeave(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	f.client.Leave()
	if code := disconnectCode(t, f.conn.drain(t)); code != proto.ReasonClientLeft {
		t.Fatalf("expected %s, got %s", proto.ReasonClientLeft, code)
	}
	if !f.conn.isClosed() {
		t.Fatalf("expected the connection closed")
	}
	f.client.Leave()
	if len(f.conn.take()) != 0 {
		t.Fatalf("a second Leave must not send anything")
	}
	if err := f.client.Chat("hi"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientRunLeavesOnCancel(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.client.Run(ctx, pr) }()

	if _, err := pw.Write(encodeFrame(t, proto.Welcome{Version: proto.Version, User: 1, Name: "ann"})); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var name string
		if err := f.client.Do(ctx, func(c *Client) { name = c.Name() }); err != nil {
			t.Fatalf("Do: %v", err)
		}
		if name == "ann" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("welcome never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if code := disconnectCode(t, f.conn.drain(t)); code != proto.ReasonClientLeft {
		t.Fatalf("expected %s, got %s", proto.ReasonClientLeft, code)
	}
}

func TestClientRunEndsOnEOF(t *testing.T) {
	f := newClientFixture(t, DefaultClientConfig())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- f.client.Run(context.Background(), pr) }()
	pw.Close()

	select {
	case err := <-done:
		if !errors.Is(err, wire.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after EOF")
	}
	if len(f.conn.take()) != 0 {
		t.Fatalf("nothing should be sent to a closed connection")
	}
}
