package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"lockstepd/internal/net/wire"
)

// DefaultStepInterval is the game time between world steps.
const DefaultStepInterval int32 = 100

const saveMagic = "LSV1"

// EngineOption configures NewEngine behaviour. Options are applied in order;
// later options override earlier ones.
type EngineOption interface {
	apply(*engineConfig)
}

type engineOptionFunc func(*engineConfig)

func (f engineOptionFunc) apply(cfg *engineConfig) {
	if f != nil {
		f(cfg)
	}
}

type engineConfig struct {
	stepInterval int32
	registry     *Registry
	metrics      telemetryMetrics
}

// WithStepInterval overrides the game time between world steps.
func WithStepInterval(interval int32) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		if interval > 0 {
			cfg.stepInterval = interval
		}
	})
}

// WithRegistry sets the decoder registry used when loading saves.
func WithRegistry(registry *Registry) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		if registry != nil {
			cfg.registry = registry
		}
	})
}

// WithMetrics attaches schedule metrics.
func WithMetrics(metrics telemetryMetrics) EngineOption {
	return engineOptionFunc(func(cfg *engineConfig) {
		cfg.metrics = metrics
	})
}

// Engine is the reference deterministic simulation. It is not safe for
// concurrent use; the lockstep loop owns it.
type Engine struct {
	cfg      engineConfig
	world    *World
	schedule *Schedule
	hasher   *SyncHasher
	time     int32
	nextStep int32
}

var _ Simulation = (*Engine)(nil)

// NewEngine returns an engine at game time zero.
func NewEngine(opts ...EngineOption) *Engine {
	cfg := engineConfig{stepInterval: DefaultStepInterval, registry: DefaultRegistry()}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(&cfg)
		}
	}
	return &Engine{
		cfg:      cfg,
		world:    NewWorld(),
		schedule: NewSchedule(cfg.metrics),
		hasher:   NewSyncHasher(),
		nextStep: cfg.stepInterval,
	}
}

func (e *Engine) Time() int32 {
	return e.time
}

// World exposes the simulation state for inspection.
func (e *Engine) World() *World {
	return e.world
}

// Hash returns the current syncstream digest.
func (e *Engine) Hash() Hash {
	return e.hasher.Sum()
}

// Pending reports the number of scheduled entries not yet executed.
func (e *Engine) Pending() int {
	return e.schedule.Len()
}

func (e *Engine) Enqueue(due int32, cmd Command) {
	if cmd == nil {
		return
	}
	e.schedule.Push(Entry{Due: due, Command: cmd})
}

func (e *Engine) EnqueueSyncCheck(due int32, report func(Hash)) {
	if report == nil {
		return
	}
	e.schedule.Push(Entry{Due: due, Report: report})
}

// AdvanceTo executes scheduled entries and world steps up to t. Entries due
// at a step boundary run before the step.
func (e *Engine) AdvanceTo(t int32) error {
	if t < e.time {
		return fmt.Errorf("%w: at %d, asked for %d", ErrTimeBackwards, e.time, t)
	}
	for {
		limit := t
		if e.nextStep < limit {
			limit = e.nextStep
		}
		if entry, ok := e.schedule.PopDue(limit); ok {
			e.run(entry)
			continue
		}
		if e.nextStep > t {
			break
		}
		e.world.Time = e.nextStep
		e.world.Step()
		e.world.hashInto(e.hasher)
		e.nextStep += e.cfg.stepInterval
	}
	e.time = t
	e.world.Time = t
	return nil
}

func (e *Engine) run(entry Entry) {
	if entry.Due > e.world.Time {
		e.world.Time = entry.Due
	}
	if entry.Report != nil {
		entry.Report(e.hasher.Sum())
		return
	}
	w := wire.NewWriter()
	entry.Command.MarshalWire(w)
	e.hasher.Int32(entry.Due)
	e.hasher.Write(w.Payload())
	entry.Command.Apply(entry.Due, e.world)
}

// Save writes the world and pending commands. Pending sync checks are not
// saved.
func (e *Engine) Save(out io.Writer) error {
	w := wire.NewWriter()
	w.Bytes([]byte(saveMagic))
	w.I32(e.time).I32(e.nextStep).I32(e.cfg.stepInterval)
	w.U32(e.world.NextUnitID).U32(e.world.Rejected)
	w.U32(uint32(len(e.world.Units)))
	for _, unit := range e.world.Units {
		w.U32(unit.ID).I16(int16(unit.Owner)).I32(unit.X).I32(unit.Y).I32(unit.TargetX).I32(unit.TargetY)
	}
	w.U32(uint32(len(e.world.Roads)))
	for _, road := range e.world.Roads {
		w.I16(int16(road.Owner)).I32(road.FromX).I32(road.FromY).I32(road.ToX).I32(road.ToY)
	}
	var commands []Entry
	for _, entry := range e.schedule.Pending() {
		if entry.Command != nil {
			commands = append(commands, entry)
		}
	}
	w.U32(uint32(len(commands)))
	for _, entry := range commands {
		w.I32(entry.Due)
		entry.Command.MarshalWire(w)
	}
	if err := w.Err(); err != nil {
		return err
	}
	_, err := out.Write(w.Payload())
	return err
}

// Load replaces the engine state with a snapshot written by Save. The
// syncstream restarts from the snapshot bytes, so peers must all load the
// same snapshot to stay in sync.
func (e *Engine) Load(in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte(saveMagic)) {
		return fmt.Errorf("%w: bad magic", ErrCorruptSave)
	}
	r := wire.NewReader(data[len(saveMagic):])
	loaded, err := e.decodeSave(r)
	if err != nil {
		if errors.Is(err, wire.ErrTruncatedPacket) || errors.Is(err, ErrUnknownKind) {
			return fmt.Errorf("%w: %v", ErrCorruptSave, err)
		}
		return err
	}
	*e = *loaded
	e.hasher.Write(data)
	return nil
}

func (e *Engine) decodeSave(r *wire.Reader) (*Engine, error) {
	out := &Engine{
		cfg:      e.cfg,
		world:    NewWorld(),
		schedule: NewSchedule(e.cfg.metrics),
		hasher:   NewSyncHasher(),
	}
	var err error
	if out.time, err = r.I32(); err != nil {
		return nil, err
	}
	if out.nextStep, err = r.I32(); err != nil {
		return nil, err
	}
	if out.cfg.stepInterval, err = r.I32(); err != nil {
		return nil, err
	}
	if out.cfg.stepInterval <= 0 {
		return nil, fmt.Errorf("%w: step interval %d", ErrCorruptSave, out.cfg.stepInterval)
	}
	if out.world.NextUnitID, err = r.U32(); err != nil {
		return nil, err
	}
	if out.world.Rejected, err = r.U32(); err != nil {
		return nil, err
	}
	out.world.Time = out.time

	units, err := r.U32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < units; i++ {
		unit := &Unit{}
		if unit.ID, err = r.U32(); err != nil {
			return nil, err
		}
		owner, err := r.I16()
		if err != nil {
			return nil, err
		}
		unit.Owner = int(owner)
		for _, dst := range []*int32{&unit.X, &unit.Y, &unit.TargetX, &unit.TargetY} {
			if *dst, err = r.I32(); err != nil {
				return nil, err
			}
		}
		out.world.Units = append(out.world.Units, unit)
	}

	roads, err := r.U32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < roads; i++ {
		var road Road
		owner, err := r.I16()
		if err != nil {
			return nil, err
		}
		road.Owner = int(owner)
		for _, dst := range []*int32{&road.FromX, &road.FromY, &road.ToX, &road.ToY} {
			if *dst, err = r.I32(); err != nil {
				return nil, err
			}
		}
		out.world.Roads = append(out.world.Roads, road)
	}

	commands, err := r.U32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < commands; i++ {
		due, err := r.I32()
		if err != nil {
			return nil, err
		}
		cmd, err := e.cfg.registry.Decode(r)
		if err != nil {
			return nil, err
		}
		out.schedule.Push(Entry{Due: due, Command: cmd})
	}
	return out, nil
}

// WriteDiagnostics dumps the world in a line-oriented text form.
func (e *Engine) WriteDiagnostics(out io.Writer) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "time %d\n", e.time)
	fmt.Fprintf(&buf, "hash %s\n", e.hasher.Sum())
	fmt.Fprintf(&buf, "rejected %d\n", e.world.Rejected)
	for _, unit := range e.world.Units {
		fmt.Fprintf(&buf, "unit %d owner=%d pos=%d,%d target=%d,%d\n", unit.ID, unit.Owner, unit.X, unit.Y, unit.TargetX, unit.TargetY)
	}
	for i, road := range e.world.Roads {
		fmt.Fprintf(&buf, "road %d owner=%d %d,%d->%d,%d\n", i, road.Owner, road.FromX, road.FromY, road.ToX, road.ToY)
	}
	for _, entry := range e.schedule.Pending() {
		if entry.Command != nil {
			fmt.Fprintf(&buf, "pending due=%d kind=%d sender=%d\n", entry.Due, entry.Command.Kind(), entry.Command.Sender())
		} else {
			fmt.Fprintf(&buf, "pending due=%d sync-check\n", entry.Due)
		}
	}
	_, err := out.Write(buf.Bytes())
	return err
}
