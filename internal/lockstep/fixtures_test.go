package lockstep

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/wire"
	"lockstepd/internal/session"
	"lockstepd/internal/sim"
)

var epoch = time.Unix(1700000000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errFakeSend = errors.New("fake send failure")

// fakeConn records every frame sent through it.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend bool
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errFakeSend
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// take returns and forgets the raw frames sent so far.
func (c *fakeConn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames
	c.frames = nil
	return frames
}

// drain decodes and forgets the frames sent so far.
func (c *fakeConn) drain(t *testing.T) []proto.Message {
	t.Helper()
	var out []proto.Message
	for _, frame := range c.take() {
		out = append(out, decodeFrame(t, frame))
	}
	return out
}

func decodeFrame(t *testing.T, frame []byte) proto.Message {
	t.Helper()
	d := wire.NewDeserializer()
	if err := d.Feed(frame); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	r, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	msg, err := proto.Decode(r, sim.DefaultRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func encodeFrame(t *testing.T, msg proto.Message) []byte {
	t.Helper()
	frame, err := proto.Encode(msg)
	if err != nil {
		t.Fatalf("Encode(%s): %v", msg.Command(), err)
	}
	return frame
}

// find returns the messages of type T.
func find[T proto.Message](messages []proto.Message) []T {
	var out []T
	for _, msg := range messages {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func disconnectCode(t *testing.T, messages []proto.Message) string {
	t.Helper()
	found := find[proto.Disconnect](messages)
	if len(found) == 0 {
		t.Fatalf("expected a DISCONNECT among %d messages", len(messages))
	}
	return found[len(found)-1].Reason
}

type hostFixture struct {
	t     *testing.T
	host  *Host
	clock *fakeClock
	sim   *sim.Engine
}

func testHostConfig() HostConfig {
	cfg := DefaultHostConfig()
	cfg.Slots = 4
	cfg.HostSlot = 0
	cfg.HostName = "host"
	return cfg
}

func newHostFixture(t *testing.T, cfg HostConfig, opts ...HostOption) *hostFixture {
	t.Helper()
	clock := newFakeClock()
	engine := sim.NewEngine()
	opts = append([]HostOption{WithClock(clock)}, opts...)
	return &hostFixture{t: t, host: NewHost(engine, cfg, opts...), clock: clock, sim: engine}
}

// join connects a client and completes its handshake.
func (f *hostFixture) join(name string) (*session.Client, *fakeConn) {
	f.t.Helper()
	conn := &fakeConn{}
	client := f.host.Accept(conn)
	if client == nil {
		f.t.Fatalf("host refused %s", name)
	}
	if err := f.host.Receive(client, encodeFrame(f.t, proto.Hello{Version: proto.Version, Name: name, Build: "test"})); err != nil {
		f.t.Fatalf("hello from %s: %v", name, err)
	}
	return client, conn
}

func (f *hostFixture) feed(client *session.Client, msg proto.Message) error {
	f.t.Helper()
	return f.host.Receive(client, encodeFrame(f.t, msg))
}

func (f *hostFixture) launch() {
	f.t.Helper()
	if err := f.host.Launch(); err != nil {
		f.t.Fatalf("Launch: %v", err)
	}
}
