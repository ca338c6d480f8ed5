package a64lift

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"pcodelift/internal/engine"
	"pcodelift/internal/pcode"
)

// Condition codes in encoding order; odd codes below 14 negate the
// preceding one.
const (
	condEQ = iota
	condNE
	condCS
	condCC
	condMI
	condPL
	condVS
	condVC
	condHI
	condLS
	condGE
	condLT
	condGT
	condLE
	condAL
	condNV
)

const (
	flagN = iota
	flagZ
	flagC
	flagV
)

const uniqueBase = 0x100

// Encoding groups recognised by lift, as mask/value pairs over the
// instruction word.
const (
	encNop         = 0xd503201f
	maskBranchImm  = 0x7c000000
	encBranchImm   = 0x14000000
	maskBranchReg  = 0xff9ffc1f
	encBranchReg   = 0xd61f0000
	maskCompBranch = 0x7e000000
	encCompBranch  = 0x34000000
	encTestBranch  = 0x36000000
	maskCondBranch = 0xff000010
	encCondBranch  = 0x54000000
	maskMoveWide   = 0x1f800000
	encMoveWide    = 0x12800000
	maskAddSubImm  = 0x1f800000
	encAddSubImm   = 0x11000000
	maskPCRel      = 0x1f000000
	encPCRel       = 0x10000000
)

type liftError struct{ err error }

// builder lowers one decoded instruction.
type builder struct {
	d    *Decoder
	emit engine.RawPcodeEmit
	addr pcode.Address
	inst arm64asm.Inst
	enc  uint32
	next uint64
	uniq uint64

	out pcode.VarnodeData
	in  []pcode.VarnodeData
}

func newBuilder(d *Decoder, emit engine.RawPcodeEmit, addr pcode.Address, inst arm64asm.Inst) *builder {
	return &builder{
		d:    d,
		emit: emit,
		addr: addr,
		inst: inst,
		enc:  inst.Enc,
		next: d.ram.WrapOffset(addr.Offset() + instLen),
		uniq: uniqueBase,
		in:   make([]pcode.VarnodeData, 0, 3),
	}
}

func (b *builder) fail(format string, args ...any) {
	panic(liftError{fmt.Errorf("%w: %s: "+format, append([]any{engine.ErrUnimplemented, b.inst.Op}, args...)...)})
}

func (b *builder) op(opc pcode.OpCode, out *pcode.VarnodeData, in ...pcode.VarnodeData) {
	b.in = append(b.in[:0], in...)
	var outp *pcode.VarnodeData
	if out != nil {
		b.out = *out
		outp = &b.out
	}
	b.emit.Dump(b.addr, opc.Uint32(), outp, b.in)
}

func (b *builder) tmp(size uint32) pcode.VarnodeData {
	vn := pcode.VarnodeData{Space: b.d.spaces.UniqueSpace(), Offset: b.uniq, Size: size}
	b.uniq += 0x10
	return vn
}

func (b *builder) constant(v uint64, size uint32) pcode.VarnodeData {
	if size < 8 {
		v &= 1<<(8*size) - 1
	}
	return pcode.VarnodeData{Space: b.d.spaces.ConstantSpace(), Offset: v, Size: size}
}

func (b *builder) unary(opc pcode.OpCode, size uint32, x pcode.VarnodeData) pcode.VarnodeData {
	t := b.tmp(size)
	b.op(opc, &t, x)
	return t
}

func (b *builder) binary(opc pcode.OpCode, size uint32, x, y pcode.VarnodeData) pcode.VarnodeData {
	t := b.tmp(size)
	b.op(opc, &t, x, y)
	return t
}

func (b *builder) codeRef(off uint64) pcode.VarnodeData {
	return pcode.VarnodeData{Space: b.d.ram, Offset: b.d.ram.WrapOffset(off), Size: b.d.ram.AddrSize()}
}

func (b *builder) flag(i int) pcode.VarnodeData { return b.d.regs.flags[i] }

func width(wide bool) uint32 {
	if wide {
		return 8
	}
	return 4
}

// read returns register n. Register 31 is SP when sp is set and the zero
// register otherwise.
func (b *builder) read(n uint32, wide, sp bool) pcode.VarnodeData {
	if n == zeroReg {
		if sp {
			return b.d.regs.stack(wide)
		}
		return b.constant(0, width(wide))
	}
	return b.d.regs.gp(n, wide)
}

// write stores v to register n. A 32-bit write clears the upper half of
// the X register; writes to the zero register vanish.
func (b *builder) write(n uint32, wide, sp bool, v pcode.VarnodeData) {
	var dst pcode.VarnodeData
	switch {
	case n == zeroReg && !sp:
		return
	case n == zeroReg:
		dst = b.d.regs.stack(true)
	default:
		dst = b.d.regs.gp(n, true)
	}
	if wide {
		b.op(pcode.OpCopy, &dst, v)
		return
	}
	b.op(pcode.OpIntZExt, &dst, v)
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

func (b *builder) lift() (err error) {
	defer func() {
		if r := recover(); r != nil {
			le, ok := r.(liftError)
			if !ok {
				panic(r)
			}
			err = le.err
		}
	}()

	enc := b.enc
	switch {
	case enc == encNop:
	case enc&maskBranchImm == encBranchImm:
		b.branchImm()
	case enc&maskBranchReg == encBranchReg:
		b.branchReg()
	case enc&maskCompBranch == encCompBranch:
		b.compareBranch()
	case enc&maskCompBranch == encTestBranch:
		b.testBranch()
	case enc&maskCondBranch == encCondBranch:
		b.condBranch()
	case enc&maskMoveWide == encMoveWide:
		b.moveWide()
	case enc&maskAddSubImm == encAddSubImm:
		b.addSubImm()
	case enc&maskPCRel == encPCRel:
		b.pcRel()
	default:
		b.fail("no lowering")
	}
	return nil
}

// branchImm lowers B and BL.
func (b *builder) branchImm() {
	target := b.codeRef(b.addr.Offset() + uint64(signExtend(b.enc&(1<<26-1), 26)*4))
	if b.enc>>31 == 0 {
		b.op(pcode.OpBranch, nil, target)
		return
	}
	lr := b.d.regs.x[30]
	b.op(pcode.OpCopy, &lr, b.constant(b.next, 8))
	b.op(pcode.OpCall, nil, target)
}

// branchReg lowers BR, BLR and RET.
func (b *builder) branchReg() {
	rn := b.read(b.enc>>5&31, true, false)
	switch b.enc >> 21 & 3 {
	case 0:
		b.op(pcode.OpBranchInd, nil, rn)
	case 1:
		dest := b.unary(pcode.OpCopy, 8, rn)
		lr := b.d.regs.x[30]
		b.op(pcode.OpCopy, &lr, b.constant(b.next, 8))
		b.op(pcode.OpCallInd, nil, dest)
	case 2:
		b.op(pcode.OpReturn, nil, rn)
	default:
		b.fail("branch register opc %d", b.enc>>21&3)
	}
}

// compareBranch lowers CBZ and CBNZ.
func (b *builder) compareBranch() {
	wide := b.enc>>31 == 1
	rt := b.read(b.enc&31, wide, false)
	target := b.codeRef(b.addr.Offset() + uint64(signExtend(b.enc>>5&(1<<19-1), 19)*4))
	opc := pcode.OpIntEqual
	if b.enc>>24&1 == 1 {
		opc = pcode.OpIntNotEqual
	}
	cond := b.binary(opc, 1, rt, b.constant(0, rt.Size))
	b.op(pcode.OpCBranch, nil, target, cond)
}

// testBranch lowers TBZ and TBNZ.
func (b *builder) testBranch() {
	bit := b.enc>>31<<5 | b.enc>>19&31
	rt := b.read(b.enc&31, bit >= 32, false)
	target := b.codeRef(b.addr.Offset() + uint64(signExtend(b.enc>>5&(1<<14-1), 14)*4))
	masked := b.binary(pcode.OpIntAnd, rt.Size, rt, b.constant(1<<bit, rt.Size))
	opc := pcode.OpIntEqual
	if b.enc>>24&1 == 1 {
		opc = pcode.OpIntNotEqual
	}
	cond := b.binary(opc, 1, masked, b.constant(0, rt.Size))
	b.op(pcode.OpCBranch, nil, target, cond)
}

// condBranch lowers B.cond.
func (b *builder) condBranch() {
	target := b.codeRef(b.addr.Offset() + uint64(signExtend(b.enc>>5&(1<<19-1), 19)*4))
	cc := b.enc & 0xf
	if cc >= condAL {
		b.op(pcode.OpBranch, nil, target)
		return
	}
	b.op(pcode.OpCBranch, nil, target, b.condition(cc))
}

// condition evaluates condition code cc over the NZCV flags.
func (b *builder) condition(cc uint32) pcode.VarnodeData {
	var c pcode.VarnodeData
	switch cc &^ 1 {
	case condEQ:
		c = b.flag(flagZ)
	case condCS:
		c = b.flag(flagC)
	case condMI:
		c = b.flag(flagN)
	case condVS:
		c = b.flag(flagV)
	case condHI:
		c = b.binary(pcode.OpBoolAnd, 1, b.flag(flagC), b.unary(pcode.OpBoolNegate, 1, b.flag(flagZ)))
	case condGE:
		c = b.binary(pcode.OpIntEqual, 1, b.flag(flagN), b.flag(flagV))
	case condGT:
		ge := b.binary(pcode.OpIntEqual, 1, b.flag(flagN), b.flag(flagV))
		c = b.binary(pcode.OpBoolAnd, 1, b.unary(pcode.OpBoolNegate, 1, b.flag(flagZ)), ge)
	}
	if cc&1 == 1 {
		c = b.unary(pcode.OpBoolNegate, 1, c)
	}
	return c
}

// moveWide lowers MOVN, MOVZ and MOVK.
func (b *builder) moveWide() {
	wide := b.enc>>31 == 1
	hw := b.enc >> 21 & 3
	if !wide && hw > 1 {
		b.fail("shift %d on a 32-bit register", 16*hw)
	}
	size := width(wide)
	rd := b.enc & 31
	shift := 16 * hw
	imm := uint64(b.enc>>5&0xffff) << shift
	switch b.enc >> 29 & 3 {
	case 0:
		b.write(rd, wide, false, b.constant(^imm, size))
	case 2:
		b.write(rd, wide, false, b.constant(imm, size))
	case 3:
		cur := b.read(rd, wide, false)
		kept := b.binary(pcode.OpIntAnd, size, cur, b.constant(^(uint64(0xffff) << shift), size))
		b.write(rd, wide, false, b.binary(pcode.OpIntOr, size, kept, b.constant(imm, size)))
	default:
		b.fail("move wide opc 1")
	}
}

// addSubImm lowers ADD, ADDS, SUB and SUBS with an immediate, which covers
// the MOV to or from SP, CMP and CMN aliases.
func (b *builder) addSubImm() {
	wide := b.enc>>31 == 1
	sub := b.enc>>30&1 == 1
	setFlags := b.enc>>29&1 == 1
	size := width(wide)

	imm := uint64(b.enc >> 10 & 0xfff)
	if b.enc>>22&1 == 1 {
		imm <<= 12
	}
	rn := b.read(b.enc>>5&31, wide, true)
	k := b.constant(imm, size)

	opc := pcode.OpIntAdd
	if sub {
		opc = pcode.OpIntSub
	}
	res := b.binary(opc, size, rn, k)
	if setFlags {
		zero := b.constant(0, size)
		b.setFlag(flagN, pcode.OpIntSLess, res, zero)
		b.setFlag(flagZ, pcode.OpIntEqual, res, zero)
		if sub {
			b.setFlag(flagC, pcode.OpIntLessEqual, k, rn)
			b.setFlag(flagV, pcode.OpIntSBorrow, rn, k)
		} else {
			b.setFlag(flagC, pcode.OpIntCarry, rn, k)
			b.setFlag(flagV, pcode.OpIntSCarry, rn, k)
		}
	}
	b.write(b.enc&31, wide, !setFlags, res)
}

func (b *builder) setFlag(i int, opc pcode.OpCode, in ...pcode.VarnodeData) {
	f := b.flag(i)
	b.op(opc, &f, in...)
}

// pcRel lowers ADR and ADRP.
func (b *builder) pcRel() {
	imm := signExtend(b.enc>>5&(1<<19-1)<<2|b.enc>>29&3, 21)
	base := b.addr.Offset()
	if b.enc>>31 == 1 {
		base &^= pageMask
		imm <<= 12
	}
	b.write(b.enc&31, true, false, b.constant(b.d.ram.WrapOffset(base+uint64(imm)), 8))
}
