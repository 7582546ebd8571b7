package sim

import (
	"fmt"

	"lockstepd/internal/net/wire"
)

const (
	KindSpawnUnit Kind = 1
	KindMoveUnit  Kind = 2
	KindBuildRoad Kind = 3
)

// SpawnUnit places a new unit owned by the sender.
type SpawnUnit struct {
	Player int
	X, Y   int32
}

func (c SpawnUnit) Kind() Kind  { return KindSpawnUnit }
func (c SpawnUnit) Sender() int { return c.Player }

func (c SpawnUnit) MarshalWire(w *wire.Writer) {
	w.U8(uint8(KindSpawnUnit)).I16(int16(c.Player)).I32(c.X).I32(c.Y)
}

func (c SpawnUnit) Apply(_ int32, world *World) {
	world.Spawn(c.Player, c.X, c.Y)
}

// MoveUnit sets a unit's target cell. Units owned by other players are left
// untouched.
type MoveUnit struct {
	Player int
	Unit   uint32
	X, Y   int32
}

func (c MoveUnit) Kind() Kind  { return KindMoveUnit }
func (c MoveUnit) Sender() int { return c.Player }

func (c MoveUnit) MarshalWire(w *wire.Writer) {
	w.U8(uint8(KindMoveUnit)).I16(int16(c.Player)).U32(c.Unit).I32(c.X).I32(c.Y)
}

func (c MoveUnit) Apply(_ int32, world *World) {
	unit := world.Unit(c.Unit)
	if unit == nil || unit.Owner != c.Player {
		world.Rejected++
		return
	}
	unit.TargetX = c.X
	unit.TargetY = c.Y
}

// BuildRoad records a road between two cells.
type BuildRoad struct {
	Player       int
	FromX, FromY int32
	ToX, ToY     int32
}

func (c BuildRoad) Kind() Kind  { return KindBuildRoad }
func (c BuildRoad) Sender() int { return c.Player }

func (c BuildRoad) MarshalWire(w *wire.Writer) {
	w.U8(uint8(KindBuildRoad)).I16(int16(c.Player)).I32(c.FromX).I32(c.FromY).I32(c.ToX).I32(c.ToY)
}

func (c BuildRoad) Apply(_ int32, world *World) {
	if c.FromX == c.ToX && c.FromY == c.ToY {
		world.Rejected++
		return
	}
	world.Roads = append(world.Roads, Road{Owner: c.Player, FromX: c.FromX, FromY: c.FromY, ToX: c.ToX, ToY: c.ToY})
}

// DecodeFunc reads a command body after its kind byte.
type DecodeFunc func(r *wire.Reader) (Command, error)

// Registry maps command kinds to decoders.
type Registry struct {
	decoders map[Kind]DecodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Kind]DecodeFunc)}
}

// DefaultRegistry knows every command defined in this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindSpawnUnit, decodeSpawnUnit)
	r.Register(KindMoveUnit, decodeMoveUnit)
	r.Register(KindBuildRoad, decodeBuildRoad)
	return r
}

// Register adds or replaces the decoder for kind.
func (r *Registry) Register(kind Kind, decode DecodeFunc) {
	r.decoders[kind] = decode
}

// Decode reads a kind byte and dispatches to the registered decoder.
func (r *Registry) Decode(rd *wire.Reader) (Command, error) {
	raw, err := rd.U8()
	if err != nil {
		return nil, err
	}
	decode, ok := r.decoders[Kind(raw)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, raw)
	}
	return decode(rd)
}

func readPlayer(r *wire.Reader) (int, error) {
	v, err := r.I16()
	return int(v), err
}

func decodeSpawnUnit(r *wire.Reader) (Command, error) {
	var c SpawnUnit
	var err error
	if c.Player, err = readPlayer(r); err != nil {
		return nil, err
	}
	if c.X, err = r.I32(); err != nil {
		return nil, err
	}
	if c.Y, err = r.I32(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeMoveUnit(r *wire.Reader) (Command, error) {
	var c MoveUnit
	var err error
	if c.Player, err = readPlayer(r); err != nil {
		return nil, err
	}
	if c.Unit, err = r.U32(); err != nil {
		return nil, err
	}
	if c.X, err = r.I32(); err != nil {
		return nil, err
	}
	if c.Y, err = r.I32(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeBuildRoad(r *wire.Reader) (Command, error) {
	var c BuildRoad
	var err error
	if c.Player, err = readPlayer(r); err != nil {
		return nil, err
	}
	for _, dst := range []*int32{&c.FromX, &c.FromY, &c.ToX, &c.ToY} {
		if *dst, err = r.I32(); err != nil {
			return nil, err
		}
	}
	return c, nil
}
