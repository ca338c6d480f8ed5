// Package a64lift is a decoder engine for 64-bit ARM built on
// golang.org/x/arch/arm64/arm64asm. Importing it registers the engine for
// the "AARCH64" processor.
//
// Disassembly covers everything arm64asm decodes. Translation covers the
// control-flow, move-wide, add/subtract-immediate and PC-relative address
// groups; other instructions report engine.ErrUnimplemented with their
// length.
package a64lift

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"pcodelift/internal/archspec"
	"pcodelift/internal/ctxdb"
	"pcodelift/internal/engine"
	"pcodelift/internal/pcode"
)

// Processor is the document processor name this engine serves.
const Processor = "AARCH64"

const (
	instLen  = 4
	pageMask = 0xfff
)

func init() {
	engine.Register(Processor, New)
}

// Decoder decodes and lifts AArch64 instructions.
type Decoder struct {
	spaces *pcode.SpaceManager
	ram    *pcode.AddrSpace
	regs   *regFile
	ld     engine.Loader
	buf    [instLen]byte
}

// New configures a Decoder for doc. It implements engine.Factory.
func New(doc *archspec.Document, ld engine.Loader, _ *ctxdb.Database) (engine.Decoder, error) {
	if doc.Processor != Processor {
		return nil, fmt.Errorf("aarch64 engine cannot serve processor %q", doc.Processor)
	}
	if doc.IsBigEndian() {
		return nil, fmt.Errorf("aarch64 engine requires a little-endian document")
	}
	spaces, regs, err := doc.Build()
	if err != nil {
		return nil, err
	}
	rf, err := newRegFile(regs)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		spaces: spaces,
		ram:    spaces.DefaultCodeSpace(),
		regs:   rf,
		ld:     ld,
	}, nil
}

func (d *Decoder) Spaces() *pcode.SpaceManager { return d.spaces }

func (d *Decoder) RegisterName(spc *pcode.AddrSpace, off uint64, size int) string {
	return d.regs.name(spc, off, size)
}

func (d *Decoder) Register(name string) (pcode.VarnodeData, error) {
	return d.regs.lookup(name)
}

func (d *Decoder) fetch(addr pcode.Address) (arm64asm.Inst, error) {
	if err := d.ld.LoadFill(d.buf[:], addr); err != nil {
		return arm64asm.Inst{}, err
	}
	inst, err := arm64asm.Decode(d.buf[:])
	if err != nil {
		return arm64asm.Inst{}, fmt.Errorf("%w: %08x: %v", engine.ErrBadData, binary.LittleEndian.Uint32(d.buf[:]), err)
	}
	return inst, nil
}

func (d *Decoder) InstructionLength(addr pcode.Address) (int, error) {
	if _, err := d.fetch(addr); err != nil {
		return 0, err
	}
	return instLen, nil
}

func (d *Decoder) Disassemble(emit engine.RawAssemblyEmit, addr pcode.Address) (int, error) {
	inst, err := d.fetch(addr)
	if err != nil {
		return 0, err
	}
	mnem, body, _ := strings.Cut(arm64asm.GNUSyntax(inst), " ")
	body = strings.TrimSpace(body)
	base := addr.Offset()
	if inst.Op == arm64asm.ADRP {
		base &^= pageMask
	}
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			body = strings.Replace(body, rel.String(), fmt.Sprintf("0x%x", d.ram.WrapOffset(base+uint64(rel))), 1)
		}
	}
	emit.Dump(addr, strings.ToUpper(mnem), body)
	return instLen, nil
}

func (d *Decoder) OneInstruction(emit engine.RawPcodeEmit, addr pcode.Address) (int, error) {
	inst, err := d.fetch(addr)
	if err != nil {
		return 0, err
	}
	if err := newBuilder(d, emit, addr, inst).lift(); err != nil {
		return instLen, err
	}
	return instLen, nil
}
