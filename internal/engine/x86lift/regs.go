package x86lift

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"pcodelift/internal/archspec"
	"pcodelift/internal/pcode"
)

// General purpose register families in encoding order.
var (
	gpNames64 = []string{"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
		"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15"}
	gpNames32 = []string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI",
		"R8D", "R9D", "R10D", "R11D", "R12D", "R13D", "R14D", "R15D"}
	gpNames16 = []string{"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI",
		"R8W", "R9W", "R10W", "R11W", "R12W", "R13W", "R14W", "R15W"}
	gpNames8 = []string{"AL", "CL", "DL", "BL", "SPL", "BPL", "SIL", "DIL",
		"R8B", "R9B", "R10B", "R11B", "R12B", "R13B", "R14B", "R15B"}
	gpNames8High = []string{"AH", "CH", "DH", "BH"}
)

var flagNames = []string{"CF", "PF", "AF", "ZF", "SF", "DF", "OF"}

// regFile resolves decoder registers to storage declared by the document.
// Sub-registers are derived from whichever full-width register the
// document declares.
type regFile struct {
	byReg  map[x86asm.Reg]pcode.VarnodeData
	byName map[string]pcode.VarnodeData
	names  map[pcode.VarnodeData]string
}

func newRegFile(regs *archspec.Registers) *regFile {
	rf := &regFile{
		byReg:  make(map[x86asm.Reg]pcode.VarnodeData),
		byName: make(map[string]pcode.VarnodeData),
		names:  make(map[pcode.VarnodeData]string),
	}
	for _, name := range regs.Names() {
		vn, _ := regs.Lookup(name)
		rf.add(name, vn)
	}

	parent := func(i int) (pcode.VarnodeData, bool) {
		if vn, ok := regs.Lookup(gpNames64[i]); ok {
			return vn, true
		}
		return regs.Lookup(gpNames32[i])
	}
	sub := func(r x86asm.Reg, name string, i int, off uint64, size uint32) {
		base, ok := parent(i)
		if !ok || off+uint64(size) > uint64(base.Size) {
			return
		}
		vn := pcode.VarnodeData{Space: base.Space, Offset: base.Offset + off, Size: size}
		rf.byReg[r] = vn
		if _, named := rf.byName[name]; !named {
			rf.add(name, vn)
		}
	}
	for i := range gpNames64 {
		sub(x86asm.RAX+x86asm.Reg(i), gpNames64[i], i, 0, 8)
		sub(x86asm.EAX+x86asm.Reg(i), gpNames32[i], i, 0, 4)
		sub(x86asm.AX+x86asm.Reg(i), gpNames16[i], i, 0, 2)
		if i < 4 {
			sub(x86asm.AL+x86asm.Reg(i), gpNames8[i], i, 0, 1)
			sub(x86asm.AH+x86asm.Reg(i), gpNames8High[i], i, 1, 1)
		} else {
			sub(x86asm.SPB+x86asm.Reg(i-4), gpNames8[i], i, 0, 1)
		}
	}

	pc := func(r x86asm.Reg, size uint32) {
		for _, name := range []string{"RIP", "EIP"} {
			if base, ok := regs.Lookup(name); ok && size <= base.Size {
				rf.byReg[r] = pcode.VarnodeData{Space: base.Space, Offset: base.Offset, Size: size}
				return
			}
		}
	}
	pc(x86asm.RIP, 8)
	pc(x86asm.EIP, 4)
	pc(x86asm.IP, 2)

	for _, r := range []x86asm.Reg{x86asm.ES, x86asm.CS, x86asm.SS, x86asm.DS, x86asm.FS, x86asm.GS} {
		if vn, ok := regs.Lookup(r.String()); ok {
			rf.byReg[r] = vn
		}
	}
	return rf
}

func (rf *regFile) add(name string, vn pcode.VarnodeData) {
	rf.byName[name] = vn
	if _, ok := rf.names[vn]; !ok {
		rf.names[vn] = name
	}
}

func (rf *regFile) reg(r x86asm.Reg) (pcode.VarnodeData, bool) {
	vn, ok := rf.byReg[r]
	return vn, ok
}

func (rf *regFile) lookup(name string) (pcode.VarnodeData, error) {
	if vn, ok := rf.byName[strings.ToUpper(name)]; ok {
		return vn, nil
	}
	return pcode.VarnodeData{}, fmt.Errorf("unknown register %q", name)
}

func (rf *regFile) name(spc *pcode.AddrSpace, off uint64, size int) string {
	return rf.names[pcode.VarnodeData{Space: spc, Offset: off, Size: uint32(size)}]
}

// check reports the registers lifting cannot do without.
func (rf *regFile) check() error {
	for _, name := range flagNames {
		if _, ok := rf.byName[name]; !ok {
			return fmt.Errorf("document lacks flag register %s", name)
		}
	}
	if _, ok := rf.byReg[x86asm.ESP]; !ok {
		return fmt.Errorf("document lacks a stack pointer")
	}
	return nil
}

// is32 reports whether r is a 32-bit general purpose register.
func is32(r x86asm.Reg) bool { return r >= x86asm.EAX && r <= x86asm.R15L }

// widen returns the 64-bit register containing the 32-bit register r.
func widen(r x86asm.Reg) x86asm.Reg { return r - x86asm.EAX + x86asm.RAX }
