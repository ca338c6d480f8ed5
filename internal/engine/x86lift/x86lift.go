// Package x86lift is a decoder engine for 16, 32 and 64-bit x86 built on
// golang.org/x/arch/x86/x86asm. Importing it registers the engine for the
// "x86" processor.
package x86lift

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"pcodelift/internal/archspec"
	"pcodelift/internal/ctxdb"
	"pcodelift/internal/engine"
	"pcodelift/internal/pcode"
)

// Processor is the document processor name this engine serves.
const Processor = "x86"

// ContextAddrSize selects the decode mode: 0 for 16-bit, 1 for 32-bit and 2
// for 64-bit code.
const ContextAddrSize = "addrsize"

const maxInstLen = 15

func init() {
	engine.Register(Processor, New)
}

// Decoder decodes and lifts x86 instructions.
type Decoder struct {
	spaces *pcode.SpaceManager
	ram    *pcode.AddrSpace
	regs   *regFile
	ld     engine.Loader
	ctx    *ctxdb.Database
	buf    [maxInstLen]byte
}

// New configures a Decoder for doc. It implements engine.Factory.
func New(doc *archspec.Document, ld engine.Loader, ctx *ctxdb.Database) (engine.Decoder, error) {
	if doc.Processor != Processor {
		return nil, fmt.Errorf("x86 engine cannot serve processor %q", doc.Processor)
	}
	if doc.IsBigEndian() {
		return nil, fmt.Errorf("x86 engine requires a little-endian document")
	}
	spaces, regs, err := doc.Build()
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		spaces: spaces,
		ram:    spaces.DefaultCodeSpace(),
		regs:   newRegFile(regs),
		ld:     ld,
		ctx:    ctx,
	}
	if err := d.regs.check(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) Spaces() *pcode.SpaceManager { return d.spaces }

func (d *Decoder) RegisterName(spc *pcode.AddrSpace, off uint64, size int) string {
	return d.regs.name(spc, off, size)
}

func (d *Decoder) Register(name string) (pcode.VarnodeData, error) {
	return d.regs.lookup(name)
}

// mode returns the decode width in bits in effect at addr.
func (d *Decoder) mode(addr pcode.Address) int {
	v, err := d.ctx.GetVariable(ContextAddrSize, addr)
	if err != nil {
		if d.ram.AddrSize() >= 8 {
			return 64
		}
		return 32
	}
	switch v {
	case 0:
		return 16
	case 1:
		return 32
	default:
		return 64
	}
}

// fetch pulls bytes one at a time until they form a whole instruction, so
// an instruction ending at the edge of the image never over-reads. x86asm
// reports some incomplete prefixes (a lone VEX byte) as unrecognized rather
// than truncated, so an unrecognized prefix keeps fetching up to the
// architectural limit.
func (d *Decoder) fetch(addr pcode.Address) (x86asm.Inst, error) {
	mode := d.mode(addr)
	unrecognized := false
	for n := 1; n <= maxInstLen; n++ {
		if err := d.ld.LoadFill(d.buf[n-1:n], addr.Add(int64(n-1))); err != nil {
			if unrecognized {
				return x86asm.Inst{}, fmt.Errorf("%w: % x", engine.ErrBadData, d.buf[:n-1])
			}
			return x86asm.Inst{}, err
		}
		inst, err := x86asm.Decode(d.buf[:n], mode)
		switch {
		case err == nil && inst.Op != 0:
			return inst, nil
		case errors.Is(err, x86asm.ErrUnrecognized):
			unrecognized = true
		case err != nil && !errors.Is(err, x86asm.ErrTruncated):
			return x86asm.Inst{}, fmt.Errorf("%w: %v", engine.ErrBadData, err)
		}
	}
	return x86asm.Inst{}, fmt.Errorf("%w: % x", engine.ErrBadData, d.buf[:maxInstLen])
}

func (d *Decoder) InstructionLength(addr pcode.Address) (int, error) {
	inst, err := d.fetch(addr)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

func (d *Decoder) Disassemble(emit engine.RawAssemblyEmit, addr pcode.Address) (int, error) {
	inst, err := d.fetch(addr)
	if err != nil {
		return 0, err
	}
	mnem, body := splitIntel(x86asm.IntelSyntax(inst, addr.Offset(), nil))
	if target, ok := d.relTarget(inst, addr); ok && inst.Args[1] == nil {
		body = fmt.Sprintf("0x%x", target)
	}
	emit.Dump(addr, mnem, body)
	return inst.Len, nil
}

func (d *Decoder) OneInstruction(emit engine.RawPcodeEmit, addr pcode.Address) (int, error) {
	inst, err := d.fetch(addr)
	if err != nil {
		return 0, err
	}
	b := newBuilder(d, emit, addr, inst)
	if err := b.lift(); err != nil {
		return inst.Len, err
	}
	return inst.Len, nil
}

// relTarget returns the absolute destination of a relative branch.
func (d *Decoder) relTarget(inst x86asm.Inst, addr pcode.Address) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	target := addr.Offset() + uint64(inst.Len) + uint64(int64(rel))
	if inst.Mode < 64 {
		target &= 1<<uint(inst.Mode) - 1
	}
	return d.ram.WrapOffset(target), true
}

var prefixWords = map[string]bool{
	"lock": true, "rep": true, "repne": true, "bnd": true,
	"xacquire": true, "xrelease": true, "hint-taken": true, "hint-not-taken": true,
	"addr16": true, "addr32": true, "data16": true, "data32": true,
	"cs": true, "ds": true, "es": true, "fs": true, "gs": true, "ss": true,
}

// splitIntel separates mnemonic (with any prefixes) from operand text and
// upper-cases the mnemonic.
func splitIntel(text string) (mnem, body string) {
	var words []string
	rest := text
	for {
		word, tail, _ := strings.Cut(rest, " ")
		words = append(words, word)
		rest = tail
		if !prefixWords[word] || rest == "" {
			break
		}
	}
	return strings.ToUpper(strings.Join(words, " ")), rest
}
