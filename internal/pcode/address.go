package pcode

import "fmt"

// Address is a location in one address space. The zero value is the
// invalid address; it carries no location and every query on it returns a
// zero result.
type Address struct {
	space  *AddrSpace
	offset uint64
}

// NewAddress returns the address of off within spc.
func NewAddress(spc *AddrSpace, off uint64) Address {
	return Address{space: spc, offset: off}
}

func (a Address) IsInvalid() bool { return a.space == nil }

// Space returns the owning space, nil for the invalid address.
func (a Address) Space() *AddrSpace { return a.space }

func (a Address) Offset() uint64 { return a.offset }

// AddrSize returns the size in bytes of an address in the owning space.
func (a Address) AddrSize() int {
	if a.space == nil {
		return 0
	}
	return int(a.space.addrSize)
}

func (a Address) IsBigEndian() bool {
	return a.space != nil && a.space.IsBigEndian()
}

// Shortcut returns the one-character name of the owning space.
func (a Address) Shortcut() byte {
	if a.space == nil {
		return 0
	}
	return a.space.shortcut
}

func (a Address) IsConstant() bool {
	return a.space != nil && a.space.kind == SpaceConstant
}

func (a Address) IsJoin() bool {
	return a.space != nil && a.space.kind == SpaceJoin
}

// Add returns the address delta bytes further on, wrapped within the space.
func (a Address) Add(delta int64) Address {
	if a.space == nil {
		return a
	}
	return Address{space: a.space, offset: a.space.WrapOffset(a.offset + uint64(delta))}
}

// ContainedBy reports whether [a, a+sz) lies within [other, other+osz).
func (a Address) ContainedBy(sz int, other Address, osz int) bool {
	if a.space == nil || a.space != other.space {
		return false
	}
	if other.offset > a.offset {
		return false
	}
	end1 := a.offset + uint64(sz-1)
	end2 := other.offset + uint64(osz-1)
	return end2 >= end1
}

// JustifiedContain returns the offset of other within the sz bytes at a,
// counted from the least significant end, or -1 if other is not contained.
// In big-endian spaces the least significant end is the high address unless
// forceLeft is set.
func (a Address) JustifiedContain(sz int, other Address, osz int, forceLeft bool) int {
	if a.space == nil || a.space != other.space {
		return -1
	}
	if other.offset < a.offset {
		return -1
	}
	end1 := a.offset + uint64(sz-1)
	end2 := other.offset + uint64(osz-1)
	if end2 > end1 {
		return -1
	}
	if a.space.IsBigEndian() && !forceLeft {
		return int(end1 - end2)
	}
	return int(other.offset - a.offset)
}

// Overlap returns the position of a+skip within the size bytes starting at
// other, or -1 if it falls outside them.
func (a Address) Overlap(skip int, other Address, size int) int {
	if a.space == nil || a.space != other.space {
		return -1
	}
	if a.space.kind == SpaceConstant {
		return -1
	}
	dist := a.space.WrapOffset(a.offset + uint64(skip) - other.offset)
	if dist >= uint64(size) {
		return -1
	}
	return int(dist)
}

// IsContiguous reports whether a (sz bytes, most significant) and lo
// (losz bytes, least significant) together form one contiguous value.
func (a Address) IsContiguous(sz int, lo Address, losz int) bool {
	if a.space == nil || a.space != lo.space {
		return false
	}
	if a.space.IsBigEndian() {
		return a.space.WrapOffset(a.offset+uint64(sz)) == lo.offset
	}
	return a.space.WrapOffset(lo.offset+uint64(losz)) == a.offset
}

// ToPhysical rewrites a spacebase address into the space containing it.
func (a *Address) ToPhysical() {
	if a.space == nil {
		panic("pcode: ToPhysical on invalid address")
	}
	if a.space.kind == SpaceSpaceBase && a.space.contain != nil {
		a.space = a.space.contain
	}
}

// Renormalize rewrites a join address so that it describes exactly size
// bytes. Addresses outside the join space are left untouched.
func (a *Address) Renormalize(size int) {
	if a.space == nil {
		panic("pcode: Renormalize on invalid address")
	}
	if a.space.kind == SpaceJoin {
		a.space.manager.renormalizeJoin(a, size)
	}
}

// Compare orders addresses by space index, then offset. The invalid
// address sorts first.
func (a Address) Compare(b Address) int {
	ai, bi := -1, -1
	if a.space != nil {
		ai = a.space.index
	}
	if b.space != nil {
		bi = b.space.index
	}
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	case a.offset < b.offset:
		return -1
	case a.offset > b.offset:
		return 1
	}
	return 0
}

func (a Address) String() string {
	if a.space == nil {
		return "invalid_addr"
	}
	return fmt.Sprintf("%s:0x%x", a.space.name, a.offset)
}
