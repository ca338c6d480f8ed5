package x86lift

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pcodelift/internal/archspec"
	"pcodelift/internal/emit"
	"pcodelift/internal/engine"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/pcode"
)

func newSession(t *testing.T, img loadimage.LoadImage) *engine.Session {
	t.Helper()
	doc, err := archspec.Builtin("x86-64")
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
	if _, err := s.Translate(&ops, off); err != nil {
		t.Fatalf("Translate(0x%x): %v", off, err)
	}
	name := func(v pcode.VarnodeData) string { return s.RegisterName(v.Space, v.Offset, int(v.Size)) }
	var out []string
	for _, op := range ops.Ops {
		out = append(out, op.Format(name))
	}
	return out
}

func TestNop(t *testing.T) {
	s := newSession(t, loadimage.NewBytes(0x1000, []byte{0x90}))

	var asm emit.AssemblyListing
	n, err := s.Disassemble(&asm, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("length = %d, want 1", n)
	}
	want := []emit.AssemblyLine{{Addr: s.Address(0x1000), Mnemonic: "NOP"}}
	if diff := cmp.Diff(want, asm.Lines, cmp.Comparer(func(a, b pcode.Address) bool { return a.Compare(b) == 0 })); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	if ops := translate(t, s, 0x1000); len(ops) != 0 {
		t.Errorf("NOP lowered to %v", ops)
	}
}

func TestUnconditionalJump(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"rel32", []byte{0xe9, 0x00, 0x00, 0x00, 0x00}},
		{"rel8", []byte{0xeb, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(0x2000, tt.code))

			var ops emit.PcodeListing
			n, err := s.Translate(&ops, 0x2000)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(tt.code) {
				t.Errorf("length = %d, want %d", n, len(tt.code))
			}
			var branch *emit.PcodeOp
			for i := range ops.Ops {
				if ops.Ops[i].Opcode == pcode.OpBranch {
					branch = &ops.Ops[i]
				}
			}
			if branch == nil {
				t.Fatalf("no BRANCH in %v", ops.Ops)
			}
			if branch.Output != nil {
				t.Errorf("BRANCH has output %v", branch.Output)
			}
			if got := branch.Inputs[0].Addr(); got.Compare(s.Address(0x2005)) != 0 {
				t.Errorf("branch target = %s, want ram:0x2005", got)
			}

			var asm emit.AssemblyListing
			if _, err := s.Disassemble(&asm, 0x2000); err != nil {
				t.Fatal(err)
			}
			if got := asm.Lines[0].String(); got != "JMP 0x2005" {
				t.Errorf("disassembly = %q", got)
			}
		})
	}
}

func TestLengthsAgree(t *testing.T) {
	code := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xe5,       // mov rbp, rsp
		0x48, 0x83, 0xec, 0x10, // sub rsp, 0x10
		0x89, 0x7d, 0xfc,       // mov dword ptr [rbp-0x4], edi
		0x8b, 0x45, 0xfc,       // mov eax, dword ptr [rbp-0x4]
		0x01, 0xc0,             // add eax, eax
		0x0f, 0x0b,             // ud2
		0xc9,                   // leave
		0xc3,                   // ret
	}
	wantLens := []int{1, 3, 4, 3, 3, 2, 2, 1, 1}
	s := newSession(t, loadimage.NewBytes(0x400000, code))

	var got []int
	for off := uint64(0x400000); off < 0x400000+uint64(len(code)); {
		n, err := s.Disassemble(&emit.AssemblyListing{}, off)
		if err != nil {
			t.Fatalf("Disassemble(0x%x): %v", off, err)
		}
		m, err := s.Translate(&emit.PcodeListing{}, off)
		if err != nil && !errors.Is(err, engine.ErrUnimplemented) {
			t.Fatalf("Translate(0x%x): %v", off, err)
		}
		if m != n {
			t.Errorf("at 0x%x translate length %d != disassemble length %d", off, m, n)
		}
		got = append(got, n)
		off += uint64(n)
	}
	if diff := cmp.Diff(wantLens, got); diff != "" {
		t.Errorf("lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestVEX(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		wantLen  int
		wantMnem string
	}{
		{"vmovdqu two byte vex", []byte{0xc5, 0xfe, 0x6f, 0x06}, 4, "VMOVDQU"},
		{"vzeroupper", []byte{0xc5, 0xf8, 0x77}, 3, "VZEROUPPER"},
		{"vmovdqa three byte vex", []byte{0xc4, 0xe1, 0x7d, 0x6f, 0x06}, 5, "VMOVDQA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Trailing code checks the fetch stops at the instruction end.
			code := append(append([]byte(nil), tt.code...), 0xc3)
			s := newSession(t, loadimage.NewBytes(0x1000, code))

			n, err := s.InstructionLength(0x1000)
			if err != nil || n != tt.wantLen {
				t.Fatalf("InstructionLength = %d, %v; want %d", n, err, tt.wantLen)
			}
			var asm emit.AssemblyListing
			n, err = s.Disassemble(&asm, 0x1000)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.wantLen || len(asm.Lines) != 1 || asm.Lines[0].Mnemonic != tt.wantMnem {
				t.Errorf("Disassemble = %d, %+v; want %d %s", n, asm.Lines, tt.wantLen, tt.wantMnem)
			}
			if n, err := s.Disassemble(&emit.AssemblyListing{}, 0x1000+uint64(tt.wantLen)); err != nil || n != 1 {
				t.Errorf("instruction after %s: %d, %v", tt.name, n, err)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []string
	}{
		{
			name: "mov r32 zero extends",
			code: []byte{0xb8, 0x01, 0x00, 0x00, 0x00},
			want: []string{"RAX = INT_ZEXT (const,0x1,4)"},
		},
		{
			name: "push",
			code: []byte{0x55},
			want: []string{
				"RSP = INT_SUB RSP, (const,0x8,8)",
				"STORE (const,0x5,8), RSP, RBP",
			},
		},
		{
			name: "push rsp stores the old value",
			code: []byte{0x54},
			want: []string{
				"(unique,0x100,8) = COPY RSP",
				"RSP = INT_SUB RSP, (const,0x8,8)",
				"STORE (const,0x5,8), RSP, (unique,0x100,8)",
			},
		},
		{
			name: "ret",
			code: []byte{0xc3},
			want: []string{
				"(unique,0x100,8) = LOAD (const,0x5,8), RSP",
				"RSP = INT_ADD RSP, (const,0x8,8)",
				"RETURN (unique,0x100,8)",
			},
		},
		{
			name: "je",
			code: []byte{0x74, 0x02},
			want: []string{"CBRANCH (ram,0x1004,8), ZF"},
		},
		{
			name: "jne",
			code: []byte{0x75, 0x02},
			want: []string{
				"(unique,0x100,1) = BOOL_NEGATE ZF",
				"CBRANCH (ram,0x1004,8), (unique,0x100,1)",
			},
		},
		{
			name: "call",
			code: []byte{0xe8, 0x00, 0x00, 0x00, 0x00},
			want: []string{
				"RSP = INT_SUB RSP, (const,0x8,8)",
				"STORE (const,0x5,8), RSP, (const,0x1005,8)",
				"CALL (ram,0x1005,8)",
			},
		},
		{
			name: "rip relative load",
			code: []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00},
			want: []string{
				"(unique,0x100,8) = LOAD (const,0x5,8), (const,0x1017,8)",
				"RAX = COPY (unique,0x100,8)",
			},
		},
		{
			name: "xor clears flags",
			code: []byte{0x31, 0xc0},
			want: []string{
				"CF = COPY (const,0x0,1)",
				"OF = COPY (const,0x0,1)",
				"(unique,0x100,4) = INT_XOR EAX, EAX",
				"RAX = INT_ZEXT (unique,0x100,4)",
				"SF = INT_SLESS (unique,0x100,4), (const,0x0,4)",
				"ZF = INT_EQUAL (unique,0x100,4), (const,0x0,4)",
				"(unique,0x110,1) = SUBPIECE (unique,0x100,4), (const,0x0,4)",
				"(unique,0x120,1) = POPCOUNT (unique,0x110,1)",
				"(unique,0x130,1) = INT_AND (unique,0x120,1), (const,0x1,1)",
				"PF = INT_EQUAL (unique,0x130,1), (const,0x0,1)",
			},
		},
		{
			name: "syscall",
			code: []byte{0x0f, 0x05},
			want: []string{"CALLOTHER (const,0x0,4)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(0x1000, tt.code))
			if diff := cmp.Diff(tt.want, translate(t, s, 0x1000)); diff != "" {
				t.Errorf("ops mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		wantLen int
		wantErr error
	}{
		{"unimplemented keeps length", []byte{0x0f, 0x0b}, 2, engine.ErrUnimplemented},
		{"invalid in long mode", []byte{0x06}, 0, engine.ErrBadData},
		{"invalid followed by code", []byte{0x06, 0xc3, 0x90}, 0, engine.ErrBadData},
		{"vex without lowering keeps length", []byte{0xc5, 0xfe, 0x6f, 0x06}, 4, engine.ErrUnimplemented},
		{"truncated at image end", []byte{0xe9, 0x00}, 0, loadimage.ErrUnmapped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, loadimage.NewBytes(0x1000, tt.code))
			calls := 0
			n, err := s.Translate(emit.PcodeFunc(func(pcode.Address, pcode.OpCode, *pcode.VarnodeData, []pcode.VarnodeData) { calls++ }), 0x1000)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantLen {
				t.Errorf("length = %d, want %d", n, tt.wantLen)
			}
			if calls != 0 {
				t.Errorf("%d ops delivered on failure", calls)
			}
		})
	}
}

func TestFailingAdapter(t *testing.T) {
	img := loadimage.Func(func(buf []byte, addr pcode.Address) error {
		return &loadimage.RangeError{Addr: addr, Size: len(buf)}
	})
	s := newSession(t, img)

	lines := 0
	if _, err := s.Disassemble(emit.AssemblyFunc(func(pcode.Address, string, string) { lines++ }), 0x1000); !errors.Is(err, loadimage.ErrUnmapped) {
		t.Errorf("Disassemble error = %v", err)
	}
	ops := 0
	if _, err := s.Translate(emit.PcodeFunc(func(pcode.Address, pcode.OpCode, *pcode.VarnodeData, []pcode.VarnodeData) { ops++ }), 0x1000); !errors.Is(err, loadimage.ErrUnmapped) {
		t.Errorf("Translate error = %v", err)
	}
	if lines != 0 || ops != 0 {
		t.Errorf("emissions after failure: %d lines, %d ops", lines, ops)
	}
}

func TestModeFromContext(t *testing.T) {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00}
	img, err := loadimage.NewSegments(
		loadimage.Segment{Base: 0x1000, Data: code},
		loadimage.Segment{Base: 0x3000, Data: code},
	)
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(t, img)
	if err := s.Context().SetVariable(ContextAddrSize, s.Address(0x3000), 0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		off     uint64
		wantLen int
		want    string
	}{
		{0x1000, 5, "MOV eax, 0x1"},
		{0x3000, 3, "MOV ax, 0x1"},
	}
	for _, tt := range tests {
		var asm emit.AssemblyListing
		n, err := s.Disassemble(&asm, tt.off)
		if err != nil {
			t.Fatalf("Disassemble(0x%x): %v", tt.off, err)
		}
		if n != tt.wantLen || asm.Lines[0].String() != tt.want {
			t.Errorf("at 0x%x got %d %q, want %d %q", tt.off, n, asm.Lines[0], tt.wantLen, tt.want)
		}
	}
}

func TestRegisterNames(t *testing.T) {
	s := newSession(t, loadimage.NewBytes(0, []byte{0x90}))
	tests := []struct {
		name string
		off  uint64
		size uint32
	}{
		{"RAX", 0, 8},
		{"EAX", 0, 4},
		{"AX", 0, 2},
		{"AL", 0, 1},
		{"AH", 1, 1},
		{"R8D", 0x80, 4},
		{"SIL", 0x30, 1},
		{"RIP", 0x288, 8},
	}
	for _, tt := range tests {
		vn, err := s.Register(tt.name)
		if err != nil {
			t.Errorf("Register(%s): %v", tt.name, err)
			continue
		}
		if vn.Offset != tt.off || vn.Size != tt.size || vn.Space.Name() != "register" {
			t.Errorf("Register(%s) = %v", tt.name, vn)
		}
		if got := s.RegisterName(vn.Space, vn.Offset, int(vn.Size)); got != tt.name {
			t.Errorf("RegisterName(%v) = %q, want %q", vn, got, tt.name)
		}
	}
}

func TestSplitIntel(t *testing.T) {
	tests := []struct {
		in, mnem, body string
	}{
		{"nop", "NOP", ""},
		{"mov eax, 0x1", "MOV", "eax, 0x1"},
		{"lock add dword ptr [rax], 0x1", "LOCK ADD", "dword ptr [rax], 0x1"},
		{"rep stosq", "REP STOSQ", ""},
	}
	for _, tt := range tests {
		mnem, body := splitIntel(tt.in)
		if mnem != tt.mnem || body != tt.body {
			t.Errorf("splitIntel(%q) = %q, %q", tt.in, mnem, body)
		}
	}
}
