// Package disasm builds listings by sweeping an engine session linearly
// through an image.
package disasm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"pcodelift/internal/emit"
	"pcodelift/internal/engine"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/pcode"
)

// Inst is one decoded instruction of a listing.
type Inst struct {
	VA    uint64 // virtual address of instruction
	Len   int
	Op    string // mnemonic as the engine prints it
	Text  string // mnemonic and operands
	Raw   []byte // encoding, when the image was available
	Label string // symbol defined at VA

	Ops []emit.PcodeOp
	// Err is the translation failure, if any. The instruction still
	// disassembled.
	Err error
	Bad bool // undecodable bytes, Len is the skip distance
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Sweeper walks a session from a start address, decoding one instruction
// after another.
type Sweeper struct {
	Session *engine.Session
	// Image, when set, supplies the raw bytes of each instruction.
	Image loadimage.LoadImage
	// Labels names addresses, typically from a symbol table.
	Labels func(addr uint64) (string, bool)
	// Pcode also translates each instruction.
	Pcode bool
	// BadStep is how far to skip over undecodable bytes. Zero stops the
	// sweep instead.
	BadStep int
	Logger  *log.Logger
}

// Run decodes up to count instructions starting at start. It stops early,
// without error, at the first address the image cannot supply.
func (sw *Sweeper) Run(ctx context.Context, start uint64, count int) (Stream, error) {
	logger := sw.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	var out Stream
	off := start
	for len(out) < count {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		inst, err := sw.decode(off)
		switch {
		case errors.Is(err, loadimage.ErrUnmapped):
			logger.Debug("sweep reached unmapped bytes", "addr", fmt.Sprintf("0x%x", off), "count", len(out))
			return out, nil
		case errors.Is(err, engine.ErrBadData) && sw.BadStep > 0:
			inst = Inst{VA: off, Len: sw.BadStep, Op: "(bad)", Text: "(bad)", Bad: true}
			inst.Raw = sw.raw(off, sw.BadStep)
		case err != nil:
			return out, err
		}
		if sw.Labels != nil {
			inst.Label, _ = sw.Labels(off)
		}
		out = append(out, inst)
		next := sw.Session.Address(off + uint64(inst.Len)).Offset()
		if next <= off {
			logger.Debug("sweep wrapped around the address space", "addr", fmt.Sprintf("0x%x", off))
			return out, nil
		}
		off = next
	}
	return out, nil
}

func (sw *Sweeper) decode(off uint64) (Inst, error) {
	var asm emit.AssemblyListing
	n, err := sw.Session.Disassemble(&asm, off)
	if err != nil {
		return Inst{}, err
	}
	line := asm.Lines[0]
	inst := Inst{
		VA:   off,
		Len:  n,
		Op:   line.Mnemonic,
		Text: line.String(),
		Raw:  sw.raw(off, n),
	}
	if sw.Pcode {
		var ops emit.PcodeListing
		if _, err := sw.Session.Translate(&ops, off); err != nil {
			inst.Err = err
		} else {
			inst.Ops = ops.Ops
		}
	}
	return inst, nil
}

func (sw *Sweeper) raw(off uint64, n int) []byte {
	if sw.Image == nil {
		return nil
	}
	buf := make([]byte, n)
	if err := sw.Image.LoadFill(buf, sw.Session.Address(off)); err != nil {
		return nil
	}
	return buf
}

// FormatOp prints op with register names resolved through s.
func FormatOp(s *engine.Session, op emit.PcodeOp) string {
	return op.Format(func(v pcode.VarnodeData) string {
		return s.RegisterName(v.Space, v.Offset, int(v.Size))
	})
}
