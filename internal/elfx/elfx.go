// Package elfx opens ELF binaries as load images: PT_LOAD segments are
// mapped at their virtual addresses, and symbols and PLT stubs become
// listing labels.
package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/afero"

	"pcodelift/internal/loadimage"
)

// Image is an ELF file mapped by its loadable segments. It implements
// loadimage.LoadImage.
type Image struct {
	*loadimage.Segments

	Path    string
	Machine elf.Machine
	Order   binary.ByteOrder
	Entry   uint64
	Loads   []Seg
	Text    Section
	PLT     Section
	Syms    []Symbol // sorted by address
	PLTRels []PLTRel

	file *elf.File
	seen map[symKey]bool
}

type symKey struct {
	raw  string
	addr uint64
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Symbol is a named address. Name is demangled; Raw keeps the symbol table
// spelling.
type Symbol struct {
	Name string
	Raw  string
	Addr uint64
	Size uint64
	Func bool
}

type PLTRel struct {
	GOTAddr uint64
	SymName string
}

// Open reads the ELF file at path from fs.
func Open(fs afero.Fs, path string) (*Image, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read elf: %w", err)
	}
	im, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	im.Path = path
	return im, nil
}

// IsELF reports whether data starts with the ELF magic number.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, []byte(elf.ELFMAG))
}

// Parse maps an in-memory ELF file.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	im := &Image{
		Machine: f.Machine,
		Order:   f.ByteOrder,
		Entry:   f.Entry,
		file:    f,
		seen:    make(map[symKey]bool),
	}

	var segs []loadimage.Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Off > uint64(len(data)) || p.Filesz > uint64(len(data))-p.Off {
			return nil, fmt.Errorf("segment at 0x%x extends past end of file", p.Vaddr)
		}
		if p.Memsz > math.MaxUint64-p.Vaddr {
			return nil, fmt.Errorf("segment at 0x%x wraps the address space", p.Vaddr)
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
		// Bytes past Filesz read as zero, as they do once loaded.
		segs = append(segs, loadimage.Segment{
			Base: p.Vaddr,
			Data: data[p.Off : p.Off+p.Filesz],
			Size: p.Memsz,
		})
	}
	if im.Segments, err = loadimage.NewSegments(segs...); err != nil {
		return nil, err
	}

	for _, s := range f.Sections {
		switch s.Name {
		case ".text":
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".plt", ".plt.sec":
			if im.PLT.Size == 0 || s.Name == ".plt.sec" {
				im.PLT = Section{s.Name, s.Addr, s.Offset, s.Size}
			}
		}
	}
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}

	im.loadSymbols()
	im.parsePLTRelocations()
	im.labelPLTStubs()
	sort.SliceStable(im.Syms, func(i, j int) bool { return im.Syms[i].Addr < im.Syms[j].Addr })
	return im, nil
}

// Arch returns the name of the builtin architecture document for the
// file's machine, or "" when there is none.
func (im *Image) Arch() string {
	switch im.Machine {
	case elf.EM_X86_64:
		return "x86-64"
	case elf.EM_386:
		return "x86"
	case elf.EM_AARCH64:
		return "aarch64"
	}
	return ""
}

// VA2Off translates a virtual address into a file offset using PT_LOAD
// segments. It returns false if va is not backed by file bytes.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SymbolAt returns the symbol defined exactly at addr. Function symbols win
// over data symbols at the same address.
func (im *Image) SymbolAt(addr uint64) (Symbol, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool { return im.Syms[i].Addr >= addr })
	var found Symbol
	ok := false
	for ; i < len(im.Syms) && im.Syms[i].Addr == addr; i++ {
		if !ok || im.Syms[i].Func && !found.Func {
			found, ok = im.Syms[i], true
		}
	}
	return found, ok
}

// Lookup finds a symbol by raw or demangled name.
func (im *Image) Lookup(name string) (uint64, bool) {
	for _, s := range im.Syms {
		if s.Raw == name || s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}

func (im *Image) addSymbol(raw string, addr, size uint64, fn bool) {
	k := symKey{raw, addr}
	if im.seen[k] {
		return
	}
	im.seen[k] = true
	im.Syms = append(im.Syms, Symbol{
		Name: demangle.Filter(raw),
		Raw:  raw,
		Addr: addr,
		Size: size,
		Func: fn,
	})
}

// loadSymbols reads .symtab and .dynsym. Either may be missing.
func (im *Image) loadSymbols() {
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" || sym.Section == elf.SHN_UNDEF {
				continue
			}
			switch elf.ST_TYPE(sym.Info) {
			case elf.STT_FUNC, elf.STT_GNU_IFUNC:
				im.addSymbol(sym.Name, sym.Value, sym.Size, true)
			case elf.STT_OBJECT, elf.STT_NOTYPE:
				im.addSymbol(sym.Name, sym.Value, sym.Size, false)
			}
		}
	}
	if syms, err := im.file.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.file.DynamicSymbols(); err == nil {
		add(syms)
	}
}

// parsePLTRelocations maps GOT slots to the imported symbol they resolve.
func (im *Image) parsePLTRelocations() {
	sec := im.file.Section(".rela.plt")
	entSize := 24
	if sec == nil {
		if sec = im.file.Section(".rel.plt"); sec == nil {
			return
		}
		entSize = 16
	}
	if im.file.Class == elf.ELFCLASS32 {
		entSize /= 2
	}
	data, err := sec.Data()
	if err != nil {
		return
	}
	dynsyms, err := im.file.DynamicSymbols()
	if err != nil {
		return
	}
	for off := 0; off+entSize <= len(data); off += entSize {
		var got uint64
		var symIndex uint32
		if im.file.Class == elf.ELFCLASS32 {
			got = uint64(im.Order.Uint32(data[off:]))
			symIndex = elf.R_SYM32(im.Order.Uint32(data[off+4:]))
		} else {
			got = im.Order.Uint64(data[off:])
			symIndex = elf.R_SYM64(im.Order.Uint64(data[off+8:]))
		}
		// Relocations index symbols from 1; DynamicSymbols drops entry 0.
		if symIndex == 0 || int(symIndex) > len(dynsyms) {
			continue
		}
		im.PLTRels = append(im.PLTRels, PLTRel{GOTAddr: got, SymName: dynsyms[symIndex-1].Name})
	}
}

// labelPLTStubs names each PLT stub after the import it jumps through.
func (im *Image) labelPLTStubs() {
	if im.PLT.Size == 0 || len(im.PLTRels) == 0 {
		return
	}
	bySlot := make(map[uint64]string, len(im.PLTRels))
	for _, r := range im.PLTRels {
		bySlot[r.GOTAddr] = r.SymName
	}
	const stubSize = 16
	for va := im.PLT.VA; va+stubSize <= im.PLT.VA+im.PLT.Size; va += stubSize {
		got, ok := im.stubSlot(va)
		if !ok {
			continue
		}
		if name, ok := bySlot[got]; ok {
			im.addSymbol(name+"@plt", va, stubSize, true)
		}
	}
}

// stubSlot decodes the GOT slot a PLT stub loads its target from.
//
// AArch64 stubs start
//
//	adrp x16, <page>
//	ldr  x17, [x16, #offset]
//
// and x86-64 stubs start with an indirect jmp through a RIP-relative slot,
// possibly behind an endbr64.
func (im *Image) stubSlot(va uint64) (uint64, bool) {
	var stub [16]byte
	if err := im.readVA(stub[:], va); err != nil {
		return 0, false
	}
	switch im.Machine {
	case elf.EM_AARCH64:
		adrp := binary.LittleEndian.Uint32(stub[0:])
		if adrp&0x9f00001f != 0x90000010 {
			return 0, false
		}
		page := int64(adrp>>5&0x7ffff<<2|adrp>>29&3) << 43 >> 43 << 12
		ldr := binary.LittleEndian.Uint32(stub[4:])
		if ldr&0xffc003ff != 0xf9400211 {
			return 0, false
		}
		return uint64(int64(va&^0xfff)+page) + uint64(ldr>>10&0xfff)<<3, true
	case elf.EM_X86_64:
		i := 0
		if bytes.HasPrefix(stub[:], []byte{0xf3, 0x0f, 0x1e, 0xfa}) {
			i = 4
		}
		if stub[i] == 0xf2 {
			i++ // bnd
		}
		if stub[i] != 0xff || stub[i+1] != 0x25 {
			return 0, false
		}
		disp := int32(binary.LittleEndian.Uint32(stub[i+2:]))
		return va + uint64(i+6) + uint64(int64(disp)), true
	}
	return 0, false
}

// readVA copies file-backed or zero-filled bytes at a virtual address.
func (im *Image) readVA(buf []byte, va uint64) error {
	if !im.Segments.ReadOffset(buf, va) {
		return fmt.Errorf("read %d bytes at 0x%x: %w", len(buf), va, loadimage.ErrUnmapped)
	}
	return nil
}
