package pcode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Names of the spaces every SpaceManager creates on its own.
const (
	ConstantSpaceName = "const"
	UniqueSpaceName   = "unique"
	JoinSpaceName     = "join"
	FspecSpaceName    = "fspec"
	IopSpaceName      = "iop"
)

// ErrFrozen is returned when a space is added after the registry was frozen.
var ErrFrozen = errors.New("space manager is frozen")

// JoinRecord describes one logical value stored across several pieces.
// Pieces are ordered most significant first.
type JoinRecord struct {
	Pieces  []VarnodeData
	Unified VarnodeData // the value's location in the join space
}

// Size is the total size of all pieces.
func (r *JoinRecord) Size() uint32 {
	var n uint32
	for _, p := range r.Pieces {
		n += p.Size
	}
	return n
}

// SpaceManager is the registry of all address spaces known to an engine.
type SpaceManager struct {
	spaces    []*AddrSpace
	byName    map[string]*AddrSpace
	frozen    bool
	defCode   *AddrSpace
	defData   *AddrSpace
	stack     *AddrSpace
	constant  *AddrSpace
	unique    *AddrSpace
	join      *AddrSpace
	fspec     *AddrSpace
	iop       *AddrSpace
	joins     []*JoinRecord
	joinAlloc uint64
}

// NewSpaceManager returns a registry holding the implicit constant, unique,
// join, fspec and iop spaces. uniqueSize is the address size of the unique
// space (4 if zero).
func NewSpaceManager(uniqueSize uint32) *SpaceManager {
	if uniqueSize == 0 {
		uniqueSize = 4
	}
	m := &SpaceManager{byName: make(map[string]*AddrSpace)}
	m.constant = m.mustAdd(SpaceConfig{Name: ConstantSpaceName, Kind: SpaceConstant, AddrSize: 8})
	m.unique = m.mustAdd(SpaceConfig{Name: UniqueSpaceName, Kind: SpaceInternal, AddrSize: uniqueSize, Flags: Heritaged | DoesDeadcode})
	m.join = m.mustAdd(SpaceConfig{Name: JoinSpaceName, Kind: SpaceJoin, AddrSize: 8, Flags: Heritaged | DoesDeadcode})
	m.fspec = m.mustAdd(SpaceConfig{Name: FspecSpaceName, Kind: SpaceFspec, AddrSize: 8})
	m.iop = m.mustAdd(SpaceConfig{Name: IopSpaceName, Kind: SpaceIop, AddrSize: 8})
	return m
}

func (m *SpaceManager) mustAdd(cfg SpaceConfig) *AddrSpace {
	spc, err := m.Add(cfg)
	if err != nil {
		panic(err)
	}
	return spc
}

// Add registers a new space, assigning its index and shortcut character.
func (m *SpaceManager) Add(cfg SpaceConfig) (*AddrSpace, error) {
	if m.frozen {
		return nil, fmt.Errorf("add space %s: %w", cfg.Name, ErrFrozen)
	}
	if _, dup := m.byName[cfg.Name]; dup {
		return nil, fmt.Errorf("duplicate space name %q", cfg.Name)
	}
	spc, err := newAddrSpace(m, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Contain != "" {
		parent, ok := m.byName[cfg.Contain]
		if !ok {
			return nil, fmt.Errorf("space %s: containing space %q is not registered", cfg.Name, cfg.Contain)
		}
		spc.contain = parent
	}
	spc.index = len(m.spaces)
	spc.shortcut = m.assignShortcut(spc)
	m.spaces = append(m.spaces, spc)
	m.byName[spc.name] = spc
	if spc.kind == SpaceSpaceBase && m.stack == nil {
		m.stack = spc
	}
	return spc, nil
}

func (m *SpaceManager) assignShortcut(spc *AddrSpace) byte {
	var want byte
	switch spc.kind {
	case SpaceConstant:
		want = '#'
	case SpaceProcessor:
		if spc.name == "register" {
			want = '%'
		} else {
			want = strings.ToLower(spc.name)[0]
		}
	case SpaceSpaceBase:
		want = 's'
	case SpaceInternal:
		want = 'u'
	case SpaceFspec:
		want = 'f'
	case SpaceJoin:
		want = 'j'
	case SpaceIop:
		want = 'i'
	}
	if m.shortcutFree(want) {
		return want
	}
	for c := byte('A'); c <= 'z'; c++ {
		if m.shortcutFree(c) {
			return c
		}
	}
	return 0
}

func (m *SpaceManager) shortcutFree(c byte) bool {
	if c == 0 {
		return false
	}
	for _, s := range m.spaces {
		if s.shortcut == c {
			return false
		}
	}
	return true
}

// SetDefaultCodeSpace marks the space instructions are fetched from.
func (m *SpaceManager) SetDefaultCodeSpace(name string) error {
	spc, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("unknown space %q", name)
	}
	m.defCode = spc
	if m.defData == nil {
		m.defData = spc
	}
	return nil
}

// SetDefaultDataSpace marks the space data pointers refer to by default.
func (m *SpaceManager) SetDefaultDataSpace(name string) error {
	spc, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("unknown space %q", name)
	}
	m.defData = spc
	return nil
}

// Freeze forbids further registrations.
func (m *SpaceManager) Freeze() { m.frozen = true }

// NumSpaces returns the number of registered spaces.
func (m *SpaceManager) NumSpaces() int { return len(m.spaces) }

// Spaces returns the registered spaces in index order.
func (m *SpaceManager) Spaces() []*AddrSpace {
	return append([]*AddrSpace(nil), m.spaces...)
}

// SpaceByIndex returns the space with the given index or nil.
func (m *SpaceManager) SpaceByIndex(i int) *AddrSpace {
	if i < 0 || i >= len(m.spaces) {
		return nil
	}
	return m.spaces[i]
}

// SpaceByName returns the named space or nil.
func (m *SpaceManager) SpaceByName(name string) *AddrSpace { return m.byName[name] }

// SpaceByShortcut returns the space with the given shortcut character or nil.
func (m *SpaceManager) SpaceByShortcut(c byte) *AddrSpace {
	for _, s := range m.spaces {
		if s.shortcut == c {
			return s
		}
	}
	return nil
}

func (m *SpaceManager) DefaultCodeSpace() *AddrSpace { return m.defCode }
func (m *SpaceManager) DefaultDataSpace() *AddrSpace { return m.defData }
func (m *SpaceManager) StackSpace() *AddrSpace       { return m.stack }
func (m *SpaceManager) ConstantSpace() *AddrSpace    { return m.constant }
func (m *SpaceManager) UniqueSpace() *AddrSpace      { return m.unique }
func (m *SpaceManager) JoinSpace() *AddrSpace        { return m.join }
func (m *SpaceManager) FspecSpace() *AddrSpace       { return m.fspec }
func (m *SpaceManager) IopSpace() *AddrSpace         { return m.iop }

// ConstantAddress returns the constant-space address encoding val.
func (m *SpaceManager) ConstantAddress(val uint64) Address {
	return NewAddress(m.constant, val)
}

// AssignJoin returns the join-space address standing for the concatenation
// of pieces (most significant first). Identical piece lists share a record.
func (m *SpaceManager) AssignJoin(pieces []VarnodeData) (Address, error) {
	if len(pieces) == 0 {
		return Address{}, fmt.Errorf("join with no pieces")
	}
	if len(pieces) == 1 {
		return pieces[0].Addr(), nil
	}
	for _, p := range pieces {
		if p.Space == nil || p.Size == 0 {
			return Address{}, fmt.Errorf("join piece %v is not storage", p)
		}
	}
	for _, rec := range m.joins {
		if samePieces(rec.Pieces, pieces) {
			return rec.Unified.Addr(), nil
		}
	}
	rec := &JoinRecord{Pieces: append([]VarnodeData(nil), pieces...)}
	size := rec.Size()
	rec.Unified = VarnodeData{Space: m.join, Offset: m.joinAlloc, Size: size}
	m.joinAlloc += (uint64(size) + 15) &^ 15
	m.joins = append(m.joins, rec)
	return rec.Unified.Addr(), nil
}

// FindJoin returns the record whose unified range covers offset, or nil.
func (m *SpaceManager) FindJoin(offset uint64) *JoinRecord {
	i := sort.Search(len(m.joins), func(i int) bool {
		u := m.joins[i].Unified
		return u.Offset+uint64(u.Size) > offset
	})
	if i < len(m.joins) && m.joins[i].Unified.Offset <= offset {
		return m.joins[i]
	}
	return nil
}

// renormalizeJoin rewrites a join address so it describes size bytes.
// Bytes are counted from the start of the logical value, which for pieces
// listed most significant first means from the first piece.
func (m *SpaceManager) renormalizeJoin(addr *Address, size int) {
	rec := m.FindJoin(addr.offset)
	if rec == nil {
		panic(fmt.Sprintf("pcode: join address %s not covered by a join record", addr))
	}
	if int(rec.Size()) == size && addr.offset == rec.Unified.Offset {
		return
	}
	skip := addr.offset - rec.Unified.Offset
	end := skip + uint64(size)
	var out []VarnodeData
	var pos uint64
	for _, p := range rec.Pieces {
		lo, hi := pos, pos+uint64(p.Size)
		pos = hi
		if hi <= skip || lo >= end {
			continue
		}
		piece := p
		cutLeft := uint64(0)
		if skip > lo {
			cutLeft = skip - lo
		}
		cutRight := uint64(0)
		if hi > end {
			cutRight = hi - end
		}
		piece.Size -= uint32(cutLeft + cutRight)
		if p.Space.IsBigEndian() {
			piece.Offset += cutLeft
		} else {
			piece.Offset += cutRight
		}
		out = append(out, piece)
	}
	if len(out) == 0 {
		panic(fmt.Sprintf("pcode: cannot renormalize %s to size %d", addr, size))
	}
	na, err := m.AssignJoin(out)
	if err != nil {
		panic(err)
	}
	*addr = na
}

func samePieces(a, b []VarnodeData) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
