package a64lift

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcodelift/internal/archspec"
	"pcodelift/internal/emit"
	"pcodelift/internal/engine"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/pcode"
)

func words(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func newSession(t *testing.T, img loadimage.LoadImage) *engine.Session {
	t.Helper()
	doc, err := archspec.Builtin("aarch64")
	if err != nil {
		t.Fatal(err)
	}
	s, err := engine.NewSession(img, doc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func translate(t *testing.T, s *engine.Session, off uint64) []string {
	t.Helper()
	var ops emit.PcodeListing
	n, err := s.Translate(&ops, off)
	if err != nil {
		t.Fatalf("Translate(0x%x): %v", off, err)
	}
	if n != 4 {
		t.Errorf("Translate(0x%x) length = %d, want 4", off, n)
	}
	name := func(v pcode.VarnodeData) string { return s.RegisterName(v.Space, v.Offset, int(v.Size)) }
	var out []string
	for _, op := range ops.Ops {
		out = append(out, op.Format(name))
	}
	return out
}

func TestDisassemble(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		word uint32
		want string
	}{
		{"nop", 0x1000, 0xd503201f, "NOP"},
		{"ret", 0x1000, 0xd65f03c0, "RET"},
		{"b", 0x1000, 0x14000002, "B 0x1008"},
		{"b backwards", 0x1000, 0x17ffffff, "B 0xffc"},
		{"bl", 0x1000, 0x94000004, "BL 0x1010"},
		{"b.eq", 0x1000, 0x54000040, "B.EQ 0x1008"},
		{"adrp", 0x401234, 0xb0000000, "ADRP x0, 0x402000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(tt.addr, words(tt.word)))
			var asm emit.AssemblyListing
			n, err := s.Disassemble(&asm, tt.addr)
			if err != nil {
				t.Fatal(err)
			}
			if n != 4 {
				t.Errorf("length = %d, want 4", n)
			}
			if got := asm.Lines[0].String(); got != tt.want {
				t.Errorf("disassembly = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		word uint32
		want []string
	}{
		{"nop", 0x1000, 0xd503201f, nil},
		{"ret", 0x1000, 0xd65f03c0, []string{"RETURN x30"}},
		{"br", 0x1000, 0xd61f0200, []string{"BRANCHIND x16"}},
		{"b", 0x1000, 0x14000002, []string{"BRANCH (ram,0x1008,8)"}},
		{"bl", 0x1000, 0x94000004, []string{
			"x30 = COPY (const,0x1004,8)",
			"CALL (ram,0x1010,8)",
		}},
		{"blr", 0x1000, 0xd63f0100, []string{
			"(unique,0x100,8) = COPY x8",
			"x30 = COPY (const,0x1004,8)",
			"CALLIND (unique,0x100,8)",
		}},
		{"movz x", 0x1000, 0xd2800020, []string{"x0 = COPY (const,0x1,8)"}},
		{"movz w", 0x1000, 0x52800541, []string{"x1 = INT_ZEXT (const,0x2a,4)"}},
		{"movn", 0x1000, 0x92800000, []string{"x0 = COPY (const,0xffffffffffffffff,8)"}},
		{"movk", 0x1000, 0xf2a24680, []string{
			"(unique,0x100,8) = INT_AND x0, (const,0xffffffff0000ffff,8)",
			"(unique,0x110,8) = INT_OR (unique,0x100,8), (const,0x12340000,8)",
			"x0 = COPY (unique,0x110,8)",
		}},
		{"sub sp", 0x1000, 0xd10043ff, []string{
			"(unique,0x100,8) = INT_SUB sp, (const,0x10,8)",
			"sp = COPY (unique,0x100,8)",
		}},
		{"add shifted", 0x1000, 0x91400421, []string{
			"(unique,0x100,8) = INT_ADD x1, (const,0x1000,8)",
			"x1 = COPY (unique,0x100,8)",
		}},
		{"cmp", 0x1000, 0xf100141f, []string{
			"(unique,0x100,8) = INT_SUB x0, (const,0x5,8)",
			"NG = INT_SLESS (unique,0x100,8), (const,0x0,8)",
			"ZR = INT_EQUAL (unique,0x100,8), (const,0x0,8)",
			"CY = INT_LESSEQUAL (const,0x5,8), x0",
			"OV = INT_SBORROW x0, (const,0x5,8)",
		}},
		{"b.eq", 0x1000, 0x54000040, []string{"CBRANCH (ram,0x1008,8), ZR"}},
		{"b.ne", 0x1000, 0x54000041, []string{
			"(unique,0x100,1) = BOOL_NEGATE ZR",
			"CBRANCH (ram,0x1008,8), (unique,0x100,1)",
		}},
		{"b.ge", 0x1000, 0x5400004a, []string{
			"(unique,0x100,1) = INT_EQUAL NG, OV",
			"CBRANCH (ram,0x1008,8), (unique,0x100,1)",
		}},
		{"b.al", 0x1000, 0x5400004e, []string{"BRANCH (ram,0x1008,8)"}},
		{"cbz", 0x1000, 0xb4000040, []string{
			"(unique,0x100,1) = INT_EQUAL x0, (const,0x0,8)",
			"CBRANCH (ram,0x1008,8), (unique,0x100,1)",
		}},
		{"cbnz w", 0x1000, 0x35000043, []string{
			"(unique,0x100,1) = INT_NOTEQUAL w3, (const,0x0,4)",
			"CBRANCH (ram,0x1008,8), (unique,0x100,1)",
		}},
		{"tbnz bit 33", 0x1000, 0xb7080042, []string{
			"(unique,0x100,8) = INT_AND x2, (const,0x200000000,8)",
			"(unique,0x110,1) = INT_NOTEQUAL (unique,0x100,8), (const,0x0,8)",
			"CBRANCH (ram,0x1008,8), (unique,0x110,1)",
		}},
		{"adr", 0x1000, 0x10000080, []string{"x0 = COPY (const,0x1010,8)"}},
		{"adrp", 0x401234, 0xb0000000, []string{"x0 = COPY (const,0x402000,8)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(tt.addr, words(tt.word)))
			if diff := cmp.Diff(tt.want, translate(t, s, tt.addr)); diff != "" {
				t.Errorf("ops mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		wantErr error
		wantLen int
	}{
		{"ldr", words(0xf9400020), engine.ErrUnimplemented, 4},
		{"undefined", words(0), engine.ErrBadData, 0},
		{"truncated", []byte{0x1f, 0x20}, loadimage.ErrUnmapped, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(0x1000, tt.code))
			var ops emit.PcodeListing
			n, err := s.Translate(&ops, 0x1000)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantLen {
				t.Errorf("length = %d, want %d", n, tt.wantLen)
			}
			if len(ops.Ops) != 0 {
				t.Errorf("failed translation emitted %v", ops.Ops)
			}
		})
	}
}

func TestRegisterNames(t *testing.T) {
	s := newSession(t, loadimage.NewBytes(0, nil))
	tests := []struct {
		name string
		off  uint64
		size uint32
	}{
		{"x0", 0x4000, 8},
		{"w0", 0x4000, 4},
		{"x30", 0x40f0, 8},
		{"w17", 0x4088, 4},
		{"sp", 0x8, 8},
		{"ZR", 0x101, 1},
	}
	for _, tt := range tests {
		vn, err := s.Register(tt.name)
		if err != nil {
			t.Errorf("Register(%q): %v", tt.name, err)
			continue
		}
		if vn.Offset != tt.off || vn.Size != tt.size {
			t.Errorf("Register(%q) = %v, want offset 0x%x size %d", tt.name, vn, tt.off, tt.size)
		}
		if got := s.RegisterName(vn.Space, vn.Offset, int(vn.Size)); got != tt.name {
			t.Errorf("RegisterName(%v) = %q, want %q", vn, got, tt.name)
		}
	}
	if _, err := s.Register("X5"); err != nil {
		t.Errorf("lookup is case sensitive: %v", err)
	}
}

func TestWrongDocument(t *testing.T) {
	doc, err := archspec.Builtin("x86-64")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(doc, nil, nil); err == nil {
		t.Error("New accepted an x86 document")
	}
}
