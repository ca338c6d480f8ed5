// Package pcode holds the address-centric data model shared by the decoder
// engines and their callers: address spaces, addresses, varnodes and the
// micro-operation opcode catalog.
package pcode

import (
	"fmt"
)

// SpaceKind classifies an address space. The numeric values are a wire
// contract with the decoder engines and must not be renumbered.
type SpaceKind uint32

const (
	SpaceConstant  SpaceKind = 0 // immediate values, offset is the value
	SpaceProcessor SpaceKind = 1 // ram, registers
	SpaceSpaceBase SpaceKind = 2 // stack or frame relative
	SpaceInternal  SpaceKind = 3 // engine temporaries
	SpaceFspec     SpaceKind = 4 // call-site metadata
	SpaceIop       SpaceKind = 5 // indirect-op placeholders
	SpaceJoin      SpaceKind = 6 // values split across several locations
)

var spaceKindNames = [...]string{
	SpaceConstant:  "constant",
	SpaceProcessor: "processor",
	SpaceSpaceBase: "spacebase",
	SpaceInternal:  "internal",
	SpaceFspec:     "fspec",
	SpaceIop:       "iop",
	SpaceJoin:      "join",
}

// SpaceKindFromUint32 decodes a raw kind value.
func SpaceKindFromUint32(v uint32) (SpaceKind, bool) {
	if v > uint32(SpaceJoin) {
		return 0, false
	}
	return SpaceKind(v), true
}

// ParseSpaceKind looks a kind up by its lowercase name.
func ParseSpaceKind(s string) (SpaceKind, bool) {
	for i, n := range spaceKindNames {
		if n == s {
			return SpaceKind(i), true
		}
	}
	return 0, false
}

func (k SpaceKind) String() string {
	if int(k) < len(spaceKindNames) {
		return spaceKindNames[k]
	}
	return fmt.Sprintf("SpaceKind(%d)", uint32(k))
}

// SpaceFlags are the boolean properties of an address space.
type SpaceFlags uint32

const (
	BigEndian SpaceFlags = 1 << iota
	Heritaged
	DoesDeadcode
	ProgramSpecific
	ReverseJustification
	Overlay
	OverlayBase
	Truncated
	HasPhysical
	IsOtherSpace
	HasNearPointers
)

// SpaceConfig describes a space before it is registered with a SpaceManager.
type SpaceConfig struct {
	Name          string
	Kind          SpaceKind
	AddrSize      uint32 // bytes
	WordSize      uint32 // bytes per addressable unit
	Delay         int
	DeadcodeDelay int
	Flags         SpaceFlags
	MinPtrSize    int

	// Spacebase registers for SpaceSpaceBase spaces (typically the stack pointer).
	Spacebase          []VarnodeData
	StackGrowsPositive bool
	// Contain names the space a spacebase or overlay space lives in.
	Contain string
}

// AddrSpace is an engine-owned, registered address space. Values are
// immutable once the owning SpaceManager is frozen and are only ever handed
// out as shared read-only pointers.
type AddrSpace struct {
	name          string
	kind          SpaceKind
	manager       *SpaceManager
	index         int
	wordSize      uint32
	addrSize      uint32
	highest       uint64
	pointerLower  uint64
	pointerUpper  uint64
	minPtrSize    int
	shortcut      byte
	delay         int
	deadcodeDelay int
	flags         SpaceFlags

	spacebase     []VarnodeData
	stackNegative bool
	contain       *AddrSpace
}

func newAddrSpace(m *SpaceManager, cfg SpaceConfig) (*AddrSpace, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("space has no name")
	}
	if cfg.AddrSize == 0 || cfg.AddrSize > 8 {
		return nil, fmt.Errorf("space %s: address size %d out of range", cfg.Name, cfg.AddrSize)
	}
	if cfg.WordSize == 0 {
		cfg.WordSize = 1
	}
	spc := &AddrSpace{
		name:          cfg.Name,
		kind:          cfg.Kind,
		manager:       m,
		wordSize:      cfg.WordSize,
		addrSize:      cfg.AddrSize,
		minPtrSize:    cfg.MinPtrSize,
		delay:         cfg.Delay,
		deadcodeDelay: cfg.DeadcodeDelay,
		flags:         cfg.Flags,
		stackNegative: !cfg.StackGrowsPositive,
	}
	if cfg.Kind == SpaceProcessor || cfg.Kind == SpaceSpaceBase {
		spc.flags |= HasPhysical
	}
	if len(cfg.Spacebase) > 0 {
		spc.spacebase = append([]VarnodeData(nil), cfg.Spacebase...)
	}
	spc.calcScaleMask()
	return spc, nil
}

// calcScaleMask derives highest and the pointer bounds from the sizes.
func (s *AddrSpace) calcScaleMask() {
	mask := calcMask(s.addrSize)
	s.highest = mask*uint64(s.wordSize) + uint64(s.wordSize) - 1
	if s.addrSize < 3 {
		s.pointerLower = 0x100
	} else {
		s.pointerLower = 0x1000
	}
	s.pointerUpper = s.highest
}

func calcMask(size uint32) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

func (s *AddrSpace) Name() string           { return s.name }
func (s *AddrSpace) Kind() SpaceKind        { return s.kind }
func (s *AddrSpace) Manager() *SpaceManager { return s.manager }
func (s *AddrSpace) Index() int             { return s.index }
func (s *AddrSpace) WordSize() uint32       { return s.wordSize }
func (s *AddrSpace) AddrSize() uint32       { return s.addrSize }
func (s *AddrSpace) Highest() uint64        { return s.highest }
func (s *AddrSpace) Delay() int             { return s.delay }
func (s *AddrSpace) DeadcodeDelay() int     { return s.deadcodeDelay }
func (s *AddrSpace) Shortcut() byte         { return s.shortcut }
func (s *AddrSpace) MinimumPtrSize() int    { return s.minPtrSize }
func (s *AddrSpace) Flags() SpaceFlags      { return s.flags }

// PointerLowerBound is the smallest offset considered a plausible pointer.
func (s *AddrSpace) PointerLowerBound() uint64 { return s.pointerLower }

// PointerUpperBound is the largest offset considered a plausible pointer.
func (s *AddrSpace) PointerUpperBound() uint64 { return s.pointerUpper }

func (s *AddrSpace) IsHeritaged() bool        { return s.flags&Heritaged != 0 }
func (s *AddrSpace) DoesDeadcode() bool       { return s.flags&DoesDeadcode != 0 }
func (s *AddrSpace) HasPhysical() bool        { return s.flags&HasPhysical != 0 }
func (s *AddrSpace) IsBigEndian() bool        { return s.flags&BigEndian != 0 }
func (s *AddrSpace) IsReverseJustified() bool { return s.flags&ReverseJustification != 0 }
func (s *AddrSpace) IsOverlay() bool          { return s.flags&Overlay != 0 }
func (s *AddrSpace) IsOverlayBase() bool      { return s.flags&OverlayBase != 0 }
func (s *AddrSpace) IsOtherSpace() bool       { return s.flags&IsOtherSpace != 0 }
func (s *AddrSpace) IsTruncated() bool        { return s.flags&Truncated != 0 }
func (s *AddrSpace) HasNearPointers() bool    { return s.flags&HasNearPointers != 0 }

// NumSpacebase returns the number of base registers for this space.
func (s *AddrSpace) NumSpacebase() int { return len(s.spacebase) }

// Spacebase returns the i-th base register, truncated to the space's address size.
func (s *AddrSpace) Spacebase(i int) VarnodeData {
	vn := s.SpacebaseFull(i)
	if vn.Size > s.addrSize {
		if vn.Space != nil && vn.Space.IsBigEndian() {
			vn.Offset += uint64(vn.Size - s.addrSize)
		}
		vn.Size = s.addrSize
	}
	return vn
}

// SpacebaseFull returns the i-th base register at its full size.
func (s *AddrSpace) SpacebaseFull(i int) VarnodeData {
	if i < 0 || i >= len(s.spacebase) {
		panic(fmt.Sprintf("pcode: spacebase index %d out of range for space %s", i, s.name))
	}
	return s.spacebase[i]
}

// StackGrowsNegative reports the stack growth direction of a spacebase space.
func (s *AddrSpace) StackGrowsNegative() bool { return s.stackNegative }

// Contain returns the space this one lives inside, or nil.
func (s *AddrSpace) Contain() *AddrSpace { return s.contain }

// WrapOffset folds off into the valid offset range of the space.
func (s *AddrSpace) WrapOffset(off uint64) uint64 {
	if off <= s.highest {
		return off
	}
	return off % (s.highest + 1)
}

func (s *AddrSpace) String() string { return s.name }
