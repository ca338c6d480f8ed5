package pcode

import (
	"testing"
)

func newTestManager(t *testing.T) (*SpaceManager, *AddrSpace, *AddrSpace, *AddrSpace) {
	t.Helper()
	m := NewSpaceManager(4)
	ram, err := m.Add(SpaceConfig{Name: "ram", Kind: SpaceProcessor, AddrSize: 8, Delay: 1, Flags: Heritaged | DoesDeadcode})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := m.Add(SpaceConfig{Name: "register", Kind: SpaceProcessor, AddrSize: 4, Flags: Heritaged | DoesDeadcode})
	if err != nil {
		t.Fatal(err)
	}
	be, err := m.Add(SpaceConfig{Name: "bram", Kind: SpaceProcessor, AddrSize: 4, Flags: BigEndian})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetDefaultCodeSpace("ram"); err != nil {
		t.Fatal(err)
	}
	return m, ram, reg, be
}

func TestAddressQueriesFollowSpace(t *testing.T) {
	_, ram, reg, be := newTestManager(t)

	tests := []struct {
		name      string
		addr      Address
		size      int
		bigEndian bool
	}{
		{"ram", NewAddress(ram, 0x1000), 8, false},
		{"register", NewAddress(reg, 0x20), 4, false},
		{"big endian", NewAddress(be, 0x4), 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.addr.IsInvalid() {
				t.Fatal("valid address reported invalid")
			}
			if got := tt.addr.AddrSize(); got != tt.size {
				t.Errorf("AddrSize = %d, want %d", got, tt.size)
			}
			if got := tt.addr.IsBigEndian(); got != tt.bigEndian {
				t.Errorf("IsBigEndian = %v, want %v", got, tt.bigEndian)
			}
		})
	}
}

func TestInvalidAddressReturnsSentinels(t *testing.T) {
	_, ram, _, _ := newTestManager(t)
	var a Address
	other := NewAddress(ram, 0)

	if !a.IsInvalid() {
		t.Fatal("zero address should be invalid")
	}
	if a.AddrSize() != 0 || a.IsBigEndian() || a.Shortcut() != 0 || a.IsConstant() || a.IsJoin() {
		t.Error("invalid address queries should return zero values")
	}
	if a.ContainedBy(1, other, 8) {
		t.Error("ContainedBy on invalid address")
	}
	if a.Overlap(0, other, 8) != -1 || a.JustifiedContain(8, other, 1, false) != -1 {
		t.Error("invalid address should never overlap")
	}
	if a.String() != "invalid_addr" {
		t.Errorf("String = %q", a.String())
	}
}

func TestMutatingInvalidAddressPanics(t *testing.T) {
	for name, fn := range map[string]func(a *Address){
		"ToPhysical":  func(a *Address) { a.ToPhysical() },
		"Renormalize": func(a *Address) { a.Renormalize(4) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			var a Address
			fn(&a)
		})
	}
}

func TestContainedBy(t *testing.T) {
	_, ram, reg, _ := newTestManager(t)

	tests := []struct {
		name  string
		a     Address
		sz    int
		other Address
		osz   int
		want  bool
	}{
		{"exact", NewAddress(ram, 0x10), 4, NewAddress(ram, 0x10), 4, true},
		{"inner", NewAddress(ram, 0x12), 2, NewAddress(ram, 0x10), 8, true},
		{"starts before", NewAddress(ram, 0x0f), 2, NewAddress(ram, 0x10), 8, false},
		{"ends after", NewAddress(ram, 0x16), 4, NewAddress(ram, 0x10), 8, false},
		{"other space", NewAddress(reg, 0x10), 4, NewAddress(ram, 0x10), 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.ContainedBy(tt.sz, tt.other, tt.osz); got != tt.want {
				t.Errorf("ContainedBy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJustifiedContain(t *testing.T) {
	_, _, reg, be := newTestManager(t)

	tests := []struct {
		name      string
		a         Address
		other     Address
		osz       int
		forceLeft bool
		want      int
	}{
		{"little endian low byte", NewAddress(reg, 0), NewAddress(reg, 0), 1, false, 0},
		{"little endian high byte", NewAddress(reg, 0), NewAddress(reg, 3), 1, false, 3},
		{"big endian low byte", NewAddress(be, 0), NewAddress(be, 3), 1, false, 0},
		{"big endian high byte", NewAddress(be, 0), NewAddress(be, 0), 1, false, 3},
		{"big endian forced left", NewAddress(be, 0), NewAddress(be, 0), 1, true, 0},
		{"not contained", NewAddress(reg, 4), NewAddress(reg, 0), 1, false, -1},
		{"spills over", NewAddress(reg, 0), NewAddress(reg, 2), 4, false, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.JustifiedContain(4, tt.other, tt.osz, tt.forceLeft); got != tt.want {
				t.Errorf("JustifiedContain = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOverlap(t *testing.T) {
	m, ram, reg, _ := newTestManager(t)

	tests := []struct {
		name  string
		a     Address
		skip  int
		other Address
		size  int
		want  int
	}{
		{"at start", NewAddress(ram, 0x100), 0, NewAddress(ram, 0x100), 4, 0},
		{"inside", NewAddress(ram, 0x100), 2, NewAddress(ram, 0x100), 4, 2},
		{"past end", NewAddress(ram, 0x100), 4, NewAddress(ram, 0x100), 4, -1},
		{"before", NewAddress(ram, 0xff), 0, NewAddress(ram, 0x100), 4, -1},
		{"other space", NewAddress(reg, 0x100), 0, NewAddress(ram, 0x100), 4, -1},
		{"constant", m.ConstantAddress(1), 0, m.ConstantAddress(1), 4, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlap(tt.skip, tt.other, tt.size); got != tt.want {
				t.Errorf("Overlap = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsContiguous(t *testing.T) {
	_, _, reg, be := newTestManager(t)

	// little endian: high piece follows the low piece in memory
	if !NewAddress(reg, 4).IsContiguous(4, NewAddress(reg, 0), 4) {
		t.Error("little endian pieces should be contiguous")
	}
	if NewAddress(reg, 0).IsContiguous(4, NewAddress(reg, 4), 4) {
		t.Error("reversed little endian pieces should not be contiguous")
	}
	// big endian: high piece comes first in memory
	if !NewAddress(be, 0).IsContiguous(4, NewAddress(be, 4), 4) {
		t.Error("big endian pieces should be contiguous")
	}
}

func TestToPhysical(t *testing.T) {
	m, ram, _, _ := newTestManager(t)
	stack, err := m.Add(SpaceConfig{
		Name:      "stack",
		Kind:      SpaceSpaceBase,
		AddrSize:  8,
		Contain:   "ram",
		Spacebase: []VarnodeData{{Space: m.SpaceByName("register"), Offset: 0x20, Size: 8}},
	})
	if err != nil {
		t.Fatal(err)
	}
	a := NewAddress(stack, 0x10)
	a.ToPhysical()
	if a.Space() != ram || a.Offset() != 0x10 {
		t.Errorf("ToPhysical = %v", a)
	}

	b := NewAddress(ram, 0x10)
	b.ToPhysical()
	if b.Space() != ram {
		t.Errorf("ToPhysical moved a physical address to %v", b)
	}
}

func TestAddWraps(t *testing.T) {
	_, _, reg, _ := newTestManager(t)
	a := NewAddress(reg, 0xfffffffe).Add(4)
	if a.Offset() != 2 {
		t.Errorf("Add wrapped to 0x%x, want 0x2", a.Offset())
	}
}
