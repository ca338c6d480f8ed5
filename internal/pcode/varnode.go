package pcode

import "fmt"

// VarnodeData is one storage operand of a micro-operation: Size bytes at
// Offset in Space. For constant-space varnodes the offset is the value.
type VarnodeData struct {
	Space  *AddrSpace
	Offset uint64
	Size   uint32
}

// Addr returns the starting address of the varnode.
func (v VarnodeData) Addr() Address { return Address{space: v.Space, offset: v.Offset} }

func (v VarnodeData) IsConstant() bool {
	return v.Space != nil && v.Space.kind == SpaceConstant
}

// Contains reports whether other lies entirely inside v.
func (v VarnodeData) Contains(other VarnodeData) bool {
	if v.Space == nil || v.Space != other.Space {
		return false
	}
	if other.Offset < v.Offset {
		return false
	}
	return other.Offset+uint64(other.Size) <= v.Offset+uint64(v.Size)
}

// Less orders varnodes by space index, offset, then size descending, so a
// containing register sorts before its pieces.
func (v VarnodeData) Less(other VarnodeData) bool {
	if c := v.Addr().Compare(other.Addr()); c != 0 {
		return c < 0
	}
	return v.Size > other.Size
}

func (v VarnodeData) String() string {
	if v.Space == nil {
		return "(invalid)"
	}
	if v.IsConstant() {
		return fmt.Sprintf("(const,0x%x,%d)", v.Offset&calcMask(v.Size), v.Size)
	}
	return fmt.Sprintf("(%s,0x%x,%d)", v.Space.name, v.Offset, v.Size)
}
