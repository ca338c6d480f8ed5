// Package loadimage defines the pull interface decoders use to fetch code
// bytes, along with in-memory implementations.
package loadimage

import (
	"errors"
	"fmt"
	"sort"

	"pcodelift/internal/pcode"
)

// ErrUnmapped is wrapped by every error reporting bytes that an image cannot
// supply.
var ErrUnmapped = errors.New("address not mapped")

// LoadImage supplies code bytes on demand. LoadFill must either fill every
// byte of buf with the contents starting at addr and return nil, or return
// an error. buf is only valid for the duration of the call.
type LoadImage interface {
	LoadFill(buf []byte, addr pcode.Address) error
	// AdjustVMA rebases subsequent address interpretation by adjust bytes.
	AdjustVMA(adjust int64)
}

// NopAdjust can be embedded to get a no-op AdjustVMA.
type NopAdjust struct{}

func (NopAdjust) AdjustVMA(int64) {}

// RangeError reports a fill request outside the mapped bytes.
type RangeError struct {
	Addr pcode.Address
	Size int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("load %d bytes at %s: %v", e.Size, e.Addr, ErrUnmapped)
}

func (e *RangeError) Unwrap() error { return ErrUnmapped }

// Func adapts a plain function to LoadImage.
type Func func(buf []byte, addr pcode.Address) error

func (f Func) LoadFill(buf []byte, addr pcode.Address) error { return f(buf, addr) }
func (f Func) AdjustVMA(int64)                               {}

// Segment is a run of bytes mapped at Base. When Size exceeds len(Data)
// the remainder reads as zeros.
type Segment struct {
	Base uint64
	Data []byte
	Size uint64
}

func (s Segment) size() uint64 { return max(s.Size, uint64(len(s.Data))) }

func (s Segment) end() uint64 { return s.Base + s.size() }

// Segments is an image made of non-overlapping segments. Requests must be
// served entirely from a single segment. Any space is accepted; only the
// offset is consulted.
type Segments struct {
	segs   []Segment
	adjust int64
}

// NewSegments returns an image over segs. Overlapping segments are an error.
func NewSegments(segs ...Segment) (*Segments, error) {
	s := &Segments{segs: append([]Segment(nil), segs...)}
	sort.Slice(s.segs, func(i, j int) bool { return s.segs[i].Base < s.segs[j].Base })
	for i, seg := range s.segs {
		if seg.end() < seg.Base {
			return nil, fmt.Errorf("segment at 0x%x wraps the address space", seg.Base)
		}
		if i == 0 {
			continue
		}
		if s.segs[i].Base < s.segs[i-1].end() {
			return nil, fmt.Errorf("segment at 0x%x overlaps segment at 0x%x", s.segs[i].Base, s.segs[i-1].Base)
		}
	}
	return s, nil
}

// NewBytes returns an image holding data at base.
func NewBytes(base uint64, data []byte) *Segments {
	return &Segments{segs: []Segment{{Base: base, Data: data}}}
}

// LoadFill implements LoadImage.
func (s *Segments) LoadFill(buf []byte, addr pcode.Address) error {
	if addr.IsInvalid() || !s.ReadOffset(buf, addr.Offset()) {
		return &RangeError{Addr: addr, Size: len(buf)}
	}
	return nil
}

// ReadOffset fills buf from offset off in whatever space the caller has in
// mind. It reports false, leaving buf untouched, when a single segment
// cannot supply every byte.
func (s *Segments) ReadOffset(buf []byte, off uint64) bool {
	off -= uint64(s.adjust)
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].end() > off })
	if i == len(s.segs) || s.segs[i].Base > off {
		return false
	}
	seg := s.segs[i]
	start := off - seg.Base
	if uint64(len(buf)) > seg.size()-start {
		return false
	}
	n := 0
	if start < uint64(len(seg.Data)) {
		n = copy(buf, seg.Data[start:])
	}
	clear(buf[n:])
	return true
}

// AdjustVMA implements LoadImage. A positive adjustment moves the image up
// in the address space.
func (s *Segments) AdjustVMA(adjust int64) { s.adjust += adjust }

// Bounds returns the lowest mapped offset and one past the highest.
func (s *Segments) Bounds() (lo, hi uint64) {
	if len(s.segs) == 0 {
		return 0, 0
	}
	return s.segs[0].Base + uint64(s.adjust), s.segs[len(s.segs)-1].end() + uint64(s.adjust)
}
