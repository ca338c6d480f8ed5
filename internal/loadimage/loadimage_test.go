package loadimage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcodelift/internal/pcode"
)

func ramSpace(t *testing.T) *pcode.AddrSpace {
	t.Helper()
	m := pcode.NewSpaceManager(4)
	ram, err := m.Add(pcode.SpaceConfig{Name: "ram", Kind: pcode.SpaceProcessor, AddrSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	return ram
}

func TestSegmentsLoadFill(t *testing.T) {
	ram := ramSpace(t)
	img, err := NewSegments(
		Segment{Base: 0x2000, Data: []byte{0xe9, 0x00, 0x00, 0x00, 0x00}},
		Segment{Base: 0x1000, Data: []byte{0x90, 0xc3}},
		Segment{Base: 0x3000, Data: []byte{0x01, 0x02}, Size: 0x10},
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		off     uint64
		size    int
		want    []byte
		wantErr bool
	}{
		{"single byte", 0x1000, 1, []byte{0x90}, false},
		{"whole segment", 0x1000, 2, []byte{0x90, 0xc3}, false},
		{"second segment", 0x2001, 4, []byte{0, 0, 0, 0}, false},
		{"past segment end", 0x1001, 2, nil, true},
		{"gap", 0x1800, 1, nil, true},
		{"below image", 0x10, 1, nil, true},
		{"into zero tail", 0x3001, 3, []byte{0x02, 0, 0}, false},
		{"inside zero tail", 0x3008, 2, []byte{0, 0}, false},
		{"past zero tail", 0x300f, 2, nil, true},
		{"above image", 0x4000, 1, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Repeat([]byte{0xff}, tt.size)
			err := img.LoadFill(buf, pcode.NewAddress(ram, tt.off))
			if tt.wantErr {
				var rerr *RangeError
				if !errors.As(err, &rerr) || !errors.Is(err, ErrUnmapped) {
					t.Fatalf("LoadFill error = %v, want RangeError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, buf); diff != "" {
				t.Errorf("bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOverlappingSegments(t *testing.T) {
	_, err := NewSegments(Segment{Base: 0, Data: make([]byte, 8)}, Segment{Base: 4, Data: make([]byte, 8)})
	if err == nil {
		t.Error("overlap accepted")
	}
}

func TestWrappingSegment(t *testing.T) {
	if _, err := NewSegments(Segment{Base: 0xffff_ffff_ffff_f000, Size: 0x2000}); err == nil {
		t.Error("NewSegments accepted a segment wrapping the address space")
	}
}

func TestAdjustVMA(t *testing.T) {
	ram := ramSpace(t)
	img := NewBytes(0x1000, []byte{0x90})
	img.AdjustVMA(0x400000)

	buf := make([]byte, 1)
	if err := img.LoadFill(buf, pcode.NewAddress(ram, 0x401000)); err != nil {
		t.Fatalf("rebased fill: %v", err)
	}
	if err := img.LoadFill(buf, pcode.NewAddress(ram, 0x1000)); !errors.Is(err, ErrUnmapped) {
		t.Errorf("old address still mapped: %v", err)
	}
	lo, hi := img.Bounds()
	if lo != 0x401000 || hi != 0x401001 {
		t.Errorf("Bounds = %x..%x", lo, hi)
	}
}

func TestInvalidAddress(t *testing.T) {
	img := NewBytes(0, []byte{1, 2, 3})
	if err := img.LoadFill(make([]byte, 1), pcode.Address{}); !errors.Is(err, ErrUnmapped) {
		t.Errorf("invalid address = %v", err)
	}
}
