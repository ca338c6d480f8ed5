package archspec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"pcodelift/internal/pcode"
)

func TestBuiltinsBuild(t *testing.T) {
	want := []string{"aarch64", "x86", "x86-16", "x86-64"}
	if diff := cmp.Diff(want, Builtins()); diff != "" {
		t.Fatalf("Builtins mismatch (-want +got):\n%s", diff)
	}
	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			doc, err := Builtin(name)
			if err != nil {
				t.Fatal(err)
			}
			m, regs, err := doc.Build()
			if err != nil {
				t.Fatal(err)
			}
			if m.DefaultCodeSpace() == nil || m.DefaultCodeSpace().Name() != "ram" {
				t.Errorf("default code space = %v", m.DefaultCodeSpace())
			}
			stack := m.StackSpace()
			if stack == nil || stack.NumSpacebase() != 1 {
				t.Fatalf("stack space = %v", stack)
			}
			base := stack.Spacebase(0)
			if regs.Name(base.Space, base.Offset, base.Size) == "" {
				t.Errorf("stack base %v has no register name", base)
			}
			if _, err := m.Add(pcode.SpaceConfig{Name: "late", Kind: pcode.SpaceProcessor, AddrSize: 4}); !errors.Is(err, pcode.ErrFrozen) {
				t.Errorf("built manager not frozen: %v", err)
			}
		})
	}
}

func TestRegisters(t *testing.T) {
	doc, err := Builtin("x86-64")
	if err != nil {
		t.Fatal(err)
	}
	m, regs, err := doc.Build()
	if err != nil {
		t.Fatal(err)
	}
	reg := m.SpaceByName("register")

	tests := []struct {
		name string
		off  uint64
		size uint32
	}{
		{"RAX", 0, 8},
		{"RSP", 0x20, 8},
		{"R8", 0x80, 8},
		{"ZF", 0x206, 1},
		{"RIP", 0x288, 8},
	}
	for _, tt := range tests {
		vn, ok := regs.Lookup(tt.name)
		if !ok {
			t.Errorf("Lookup(%s) missing", tt.name)
			continue
		}
		if diff := cmp.Diff(pcode.VarnodeData{Space: reg, Offset: tt.off, Size: tt.size}, vn, cmp.Comparer(func(a, b *pcode.AddrSpace) bool { return a == b })); diff != "" {
			t.Errorf("Lookup(%s) (-want +got):\n%s", tt.name, diff)
		}
		if got := regs.Name(reg, tt.off, tt.size); got != tt.name {
			t.Errorf("Name(0x%x,%d) = %q, want %q", tt.off, tt.size, got, tt.name)
		}
	}
	if got := regs.Name(reg, 0, 4); got != "" {
		t.Errorf("partial register named %q", got)
	}
	if names := regs.Names(); names[0] != "RAX" {
		t.Errorf("Names not in storage order: %v", names[:4])
	}
}

func TestValidate(t *testing.T) {
	base := `processor: toy
endian: little
default_code_space: ram
spaces:
  - {name: ram, kind: processor, size: 4}
`
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"ok", base, ""},
		{"no processor", strings.Replace(base, "processor: toy", "processor: \"\"", 1), "no processor"},
		{"bad endian", strings.Replace(base, "little", "middle", 1), "endian"},
		{"bad default", strings.Replace(base, "default_code_space: ram", "default_code_space: rom", 1), "default code space"},
		{"bad kind", strings.Replace(base, "kind: processor", "kind: join", 1), "unsupported kind"},
		{"bad size", strings.Replace(base, "size: 4", "size: 9", 1), "out of range"},
		{"unknown field", base + "bogus: 1\n", "bogus"},
		{"register in unknown space", base + "registers:\n  - {name: r0, offset: 0, size: 4}\n", "not declared"},
		{"spacebase without base", base + "  - {name: stack, kind: spacebase, size: 4}\n", "base register"},
		{"duplicate context", base + "context:\n  - {name: a, default: 0}\n  - {name: a, default: 1}\n", "duplicated"},
		{"empty", "", "empty document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `processor: toy
endian: big
default_code_space: code
spaces:
  - {name: code, kind: processor, size: 2, word_size: 2}
  - {name: register, kind: processor, size: 1}
registers:
  - {name: sp, offset: 0, size: 2}
  - {name: acc, offset: 2, size: 2}
context:
  - {name: bank, default: 3}
`
	if err := afero.WriteFile(fs, "/specs/toy.yaml", []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(fs, "/specs/toy.yaml")
	if err != nil {
		t.Fatal(err)
	}
	m, _, err := d.Build()
	if err != nil {
		t.Fatal(err)
	}
	code := m.SpaceByName("code")
	if !code.IsBigEndian() || code.WordSize() != 2 {
		t.Errorf("code space flags=%v wordsize=%d", code.Flags(), code.WordSize())
	}
	if diff := cmp.Diff([]ContextVar{{Name: "bank", Default: 3}}, d.Context); diff != "" {
		t.Errorf("context (-want +got):\n%s", diff)
	}

	if _, err := Load(fs, "/specs/missing.yaml"); err == nil {
		t.Error("missing file loaded")
	}
}

func TestUnknownBuiltin(t *testing.T) {
	if _, err := Builtin("z80"); !errors.Is(err, ErrUnknownBuiltin) {
		t.Errorf("Builtin(z80) = %v", err)
	}
}

func TestSchema(t *testing.T) {
	bts, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := json.Unmarshal(bts, &v); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(bts), "default_code_space") {
		t.Error("schema does not describe default_code_space")
	}
}
