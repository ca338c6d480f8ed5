package x86lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"pcodelift/internal/engine"
	"pcodelift/internal/pcode"
)

// Indexes of the user-defined operations raised through CALLOTHER.
const (
	UserOpSyscall = iota
	UserOpHalt
	UserOpSoftwareInterrupt
	UserOpCPUID
)

// UserOps names the CALLOTHER indexes.
var UserOps = []string{"syscall", "hlt", "swi", "cpuid"}

// Condition codes in encoding order; odd codes negate the preceding one.
const (
	ccO = iota
	ccNO
	ccB
	ccAE
	ccE
	ccNE
	ccBE
	ccA
	ccS
	ccNS
	ccP
	ccNP
	ccL
	ccGE
	ccLE
	ccG
)

var (
	jccOps = [16]x86asm.Op{x86asm.JO, x86asm.JNO, x86asm.JB, x86asm.JAE, x86asm.JE, x86asm.JNE, x86asm.JBE, x86asm.JA,
		x86asm.JS, x86asm.JNS, x86asm.JP, x86asm.JNP, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG}
	setccOps = [16]x86asm.Op{x86asm.SETO, x86asm.SETNO, x86asm.SETB, x86asm.SETAE, x86asm.SETE, x86asm.SETNE, x86asm.SETBE, x86asm.SETA,
		x86asm.SETS, x86asm.SETNS, x86asm.SETP, x86asm.SETNP, x86asm.SETL, x86asm.SETGE, x86asm.SETLE, x86asm.SETG}

	jccCode   = make(map[x86asm.Op]int)
	setccCode = make(map[x86asm.Op]int)
)

func init() {
	for cc := range jccOps {
		jccCode[jccOps[cc]] = cc
		setccCode[setccOps[cc]] = cc
	}
}

const uniqueBase = 0x100

// liftError carries a lifting failure out of deeply nested helpers.
type liftError struct{ err error }

// builder lowers one decoded instruction. Output and input buffers are
// reused between emitted operations.
type builder struct {
	d    *Decoder
	emit engine.RawPcodeEmit
	addr pcode.Address
	inst x86asm.Inst
	mode int
	next uint64
	uniq uint64

	out pcode.VarnodeData
	in  []pcode.VarnodeData
}

func newBuilder(d *Decoder, emit engine.RawPcodeEmit, addr pcode.Address, inst x86asm.Inst) *builder {
	next := addr.Offset() + uint64(inst.Len)
	if inst.Mode < 64 {
		next &= 1<<uint(inst.Mode) - 1
	}
	return &builder{
		d:    d,
		emit: emit,
		addr: addr,
		inst: inst,
		mode: inst.Mode,
		next: next,
		uniq: uniqueBase,
		in:   make([]pcode.VarnodeData, 0, 4),
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

// resize zero-extends or truncates v to size bytes.
func (b *builder) resize(v pcode.VarnodeData, size uint32) pcode.VarnodeData {
	switch {
	case v.Size == size:
		return v
	case v.IsConstant():
		return b.constant(v.Offset, size)
	case v.Size < size:
		return b.unary(pcode.OpIntZExt, size, v)
	default:
		return b.binary(pcode.OpSubPiece, size, v, b.constant(0, 4))
	}
}

func (b *builder) reg(r x86asm.Reg) pcode.VarnodeData {
	vn, ok := b.d.regs.reg(r)
	if !ok {
		b.fail("register %s", r)
	}
	return vn
}

func (b *builder) flag(name string) pcode.VarnodeData {
	return b.d.regs.byName[name]
}

func (b *builder) setFlag(name string, opc pcode.OpCode, in ...pcode.VarnodeData) {
	f := b.flag(name)
	b.op(opc, &f, in...)
}

// sp returns the stack pointer at the current mode's width.
func (b *builder) sp() pcode.VarnodeData {
	switch b.mode {
	case 16:
		return b.reg(x86asm.SP)
	case 32:
		return b.reg(x86asm.ESP)
	}
	return b.reg(x86asm.RSP)
}

func (b *builder) bp() pcode.VarnodeData {
	switch b.mode {
	case 16:
		return b.reg(x86asm.BP)
	case 32:
		return b.reg(x86asm.EBP)
	}
	return b.reg(x86asm.RBP)
}

func (b *builder) stackWidth() uint32 {
	if b.mode == 64 {
		return 8
	}
	return uint32(b.inst.DataSize / 8)
}

func (b *builder) spaceID() pcode.VarnodeData {
	return b.constant(uint64(b.d.ram.Index()), b.d.ram.AddrSize())
}

func (b *builder) pointer(v pcode.VarnodeData) pcode.VarnodeData {
	return b.resize(v, b.d.ram.AddrSize())
}

func (b *builder) codeRef(off uint64) pcode.VarnodeData {
	return pcode.VarnodeData{Space: b.d.ram, Offset: off, Size: b.d.ram.AddrSize()}
}

// operand is an instruction argument with its effective address resolved
// once, so a read-modify-write does not recompute it.
type operand struct {
	arg  x86asm.Arg
	size uint32
	mem  bool
	ea   pcode.VarnodeData
}

// operand resolves argument i. size 0 selects the argument's natural size.
func (b *builder) operand(i int, size uint32) operand {
	o := operand{arg: b.inst.Args[i], size: size}
	switch a := o.arg.(type) {
	case x86asm.Reg:
		if o.size == 0 {
			o.size = b.reg(a).Size
		}
	case x86asm.Mem:
		o.mem = true
		o.ea = b.effectiveAddress(a, true)
		if o.size == 0 {
			o.size = uint32(b.inst.MemBytes)
		}
		if o.size == 0 {
			o.size = uint32(b.inst.DataSize / 8)
		}
	case x86asm.Imm:
		if o.size == 0 {
			o.size = uint32(b.inst.DataSize / 8)
		}
	case nil:
		b.fail("missing operand %d", i)
	default:
		b.fail("operand %s", a)
	}
	return o
}

func (b *builder) load(o operand) pcode.VarnodeData {
	switch a := o.arg.(type) {
	case x86asm.Reg:
		return b.resize(b.reg(a), o.size)
	case x86asm.Imm:
		return b.constant(uint64(a), o.size)
	}
	t := b.tmp(o.size)
	b.op(pcode.OpLoad, &t, b.spaceID(), o.ea)
	return t
}

func (b *builder) store(o operand, v pcode.VarnodeData) {
	v = b.resize(v, o.size)
	switch a := o.arg.(type) {
	case x86asm.Reg:
		if b.mode == 64 && is32(a) {
			full := b.reg(widen(a))
			b.op(pcode.OpIntZExt, &full, v)
			return
		}
		dst := b.reg(a)
		b.op(pcode.OpCopy, &dst, v)
	case x86asm.Mem:
		b.op(pcode.OpStore, nil, b.spaceID(), o.ea, v)
	default:
		b.fail("store to %s", a)
	}
}

func (b *builder) effectiveAddress(m x86asm.Mem, segment bool) pcode.VarnodeData {
	asize := uint32(b.inst.AddrSize / 8)
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP || m.Base == x86asm.IP {
		return b.constant(b.next+uint64(m.Disp), b.d.ram.AddrSize())
	}
	var v *pcode.VarnodeData
	add := func(x pcode.VarnodeData) {
		if v == nil {
			v = &x
			return
		}
		sum := b.binary(pcode.OpIntAdd, asize, *v, x)
		v = &sum
	}
	if m.Base != 0 {
		add(b.reg(m.Base))
	}
	if m.Index != 0 && m.Scale != 0 {
		idx := b.reg(m.Index)
		if m.Scale > 1 {
			idx = b.binary(pcode.OpIntMult, asize, idx, b.constant(uint64(m.Scale), asize))
		}
		add(idx)
	}
	if m.Disp != 0 || v == nil {
		add(b.constant(uint64(m.Disp), asize))
	}
	if segment && b.mode == 64 && (m.Segment == x86asm.FS || m.Segment == x86asm.GS) {
		name := "FS_OFFSET"
		if m.Segment == x86asm.GS {
			name = "GS_OFFSET"
		}
		if base, ok := b.d.regs.byName[name]; ok {
			add(b.resize(base, asize))
		}
	}
	return b.pointer(*v)
}

// resultFlags sets SF, ZF and PF from res.
func (b *builder) resultFlags(res pcode.VarnodeData) {
	zero := b.constant(0, res.Size)
	b.setFlag("SF", pcode.OpIntSLess, res, zero)
	b.setFlag("ZF", pcode.OpIntEqual, res, zero)
	low := b.resize(res, 1)
	bits := b.unary(pcode.OpPopCount, 1, low)
	odd := b.binary(pcode.OpIntAnd, 1, bits, b.constant(1, 1))
	b.setFlag("PF", pcode.OpIntEqual, odd, b.constant(0, 1))
}

func (b *builder) clearCarryOverflow() {
	b.setFlag("CF", pcode.OpCopy, b.constant(0, 1))
	b.setFlag("OF", pcode.OpCopy, b.constant(0, 1))
}

func (b *builder) condition(cc int) pcode.VarnodeData {
	var v pcode.VarnodeData
	switch cc &^ 1 {
	case ccO:
		v = b.flag("OF")
	case ccB:
		v = b.flag("CF")
	case ccE:
		v = b.flag("ZF")
	case ccBE:
		v = b.binary(pcode.OpBoolOr, 1, b.flag("CF"), b.flag("ZF"))
	case ccS:
		v = b.flag("SF")
	case ccP:
		v = b.flag("PF")
	case ccL:
		v = b.binary(pcode.OpIntNotEqual, 1, b.flag("SF"), b.flag("OF"))
	case ccLE:
		lt := b.binary(pcode.OpIntNotEqual, 1, b.flag("SF"), b.flag("OF"))
		v = b.binary(pcode.OpBoolOr, 1, b.flag("ZF"), lt)
	}
	if cc&1 != 0 {
		v = b.unary(pcode.OpBoolNegate, 1, v)
	}
	return v
}

func (b *builder) push(v pcode.VarnodeData) {
	sp := b.sp()
	// PUSH RSP stores the value from before the decrement.
	if v.Space == sp.Space && v.Offset < sp.Offset+uint64(sp.Size) && sp.Offset < v.Offset+uint64(v.Size) {
		old := b.tmp(v.Size)
		b.op(pcode.OpCopy, &old, v)
		v = old
	}
	b.op(pcode.OpIntSub, &sp, sp, b.constant(uint64(v.Size), sp.Size))
	b.op(pcode.OpStore, nil, b.spaceID(), b.pointer(sp), v)
}

func (b *builder) pop(size uint32) pcode.VarnodeData {
	sp := b.sp()
	t := b.tmp(size)
	b.op(pcode.OpLoad, &t, b.spaceID(), b.pointer(sp))
	b.op(pcode.OpIntAdd, &sp, sp, b.constant(uint64(size), sp.Size))
	return t
}

func (b *builder) callOther(index int, in ...pcode.VarnodeData) {
	b.op(pcode.OpCallOther, nil, append([]pcode.VarnodeData{b.constant(uint64(index), 4)}, in...)...)
}

// lift emits the micro-operations of b.inst.
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

	if cc, ok := jccCode[b.inst.Op]; ok {
		target, _ := b.d.relTarget(b.inst, b.addr)
		b.op(pcode.OpCBranch, nil, b.codeRef(target), b.condition(cc))
		return nil
	}
	if cc, ok := setccCode[b.inst.Op]; ok {
		dst := b.operand(0, 1)
		b.store(dst, b.condition(cc))
		return nil
	}

	switch b.inst.Op {
	case x86asm.NOP, x86asm.PAUSE:
	case x86asm.MOV:
		dst := b.operand(0, 0)
		src := b.operand(1, dst.size)
		b.store(dst, b.load(src))
	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		dst := b.operand(0, 0)
		v := b.load(b.operand(1, 0))
		if v.Size < dst.size {
			opc := pcode.OpIntSExt
			if b.inst.Op == x86asm.MOVZX {
				opc = pcode.OpIntZExt
			}
			v = b.unary(opc, dst.size, v)
		}
		b.store(dst, v)
	case x86asm.LEA:
		dst := b.operand(0, 0)
		m, ok := b.inst.Args[1].(x86asm.Mem)
		if !ok {
			b.fail("operand %s", b.inst.Args[1])
		}
		b.store(dst, b.resize(b.effectiveAddress(m, false), dst.size))
	case x86asm.XCHG:
		x := b.operand(0, 0)
		y := b.operand(1, x.size)
		vx := b.unary(pcode.OpCopy, x.size, b.load(x))
		b.store(x, b.load(y))
		b.store(y, vx)
	case x86asm.PUSH:
		size := uint32(0)
		if _, ok := b.inst.Args[0].(x86asm.Imm); ok {
			size = b.stackWidth()
		}
		v := b.load(b.operand(0, size))
		b.push(v)
	case x86asm.POP:
		dst := b.operand(0, 0)
		b.store(dst, b.pop(dst.size))
	case x86asm.ADD, x86asm.SUB, x86asm.CMP:
		dst := b.operand(0, 0)
		x := b.load(dst)
		y := b.load(b.operand(1, dst.size))
		opc := pcode.OpIntSub
		if b.inst.Op == x86asm.ADD {
			b.setFlag("CF", pcode.OpIntCarry, x, y)
			b.setFlag("OF", pcode.OpIntSCarry, x, y)
			opc = pcode.OpIntAdd
		} else {
			b.setFlag("CF", pcode.OpIntLess, x, y)
			b.setFlag("OF", pcode.OpIntSBorrow, x, y)
		}
		res := b.binary(opc, dst.size, x, y)
		if b.inst.Op != x86asm.CMP {
			b.store(dst, res)
		}
		b.resultFlags(res)
	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		dst := b.operand(0, 0)
		x := b.load(dst)
		y := b.load(b.operand(1, dst.size))
		opc := map[x86asm.Op]pcode.OpCode{
			x86asm.AND: pcode.OpIntAnd, x86asm.TEST: pcode.OpIntAnd,
			x86asm.OR: pcode.OpIntOr, x86asm.XOR: pcode.OpIntXor,
		}[b.inst.Op]
		b.clearCarryOverflow()
		res := b.binary(opc, dst.size, x, y)
		if b.inst.Op != x86asm.TEST {
			b.store(dst, res)
		}
		b.resultFlags(res)
	case x86asm.INC, x86asm.DEC:
		dst := b.operand(0, 0)
		x := b.load(dst)
		one := b.constant(1, dst.size)
		opc := pcode.OpIntAdd
		if b.inst.Op == x86asm.INC {
			b.setFlag("OF", pcode.OpIntSCarry, x, one)
		} else {
			b.setFlag("OF", pcode.OpIntSBorrow, x, one)
			opc = pcode.OpIntSub
		}
		res := b.binary(opc, dst.size, x, one)
		b.store(dst, res)
		b.resultFlags(res)
	case x86asm.NEG:
		dst := b.operand(0, 0)
		x := b.load(dst)
		zero := b.constant(0, dst.size)
		b.setFlag("CF", pcode.OpIntNotEqual, x, zero)
		b.setFlag("OF", pcode.OpIntSBorrow, zero, x)
		res := b.unary(pcode.OpInt2Comp, dst.size, x)
		b.store(dst, res)
		b.resultFlags(res)
	case x86asm.NOT:
		dst := b.operand(0, 0)
		b.store(dst, b.unary(pcode.OpIntNegate, dst.size, b.load(dst)))
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		b.shift()
	case x86asm.IMUL:
		b.imul()
	case x86asm.CLC:
		b.setFlag("CF", pcode.OpCopy, b.constant(0, 1))
	case x86asm.STC:
		b.setFlag("CF", pcode.OpCopy, b.constant(1, 1))
	case x86asm.CMC:
		b.setFlag("CF", pcode.OpBoolNegate, b.flag("CF"))
	case x86asm.CBW, x86asm.CWDE, x86asm.CDQE:
		b.extendAccumulator()
	case x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		b.splitAccumulator()
	case x86asm.JMP:
		if target, ok := b.d.relTarget(b.inst, b.addr); ok {
			b.op(pcode.OpBranch, nil, b.codeRef(target))
			break
		}
		dest := b.load(b.operand(0, 0))
		b.op(pcode.OpBranchInd, nil, b.pointer(dest))
	case x86asm.CALL:
		width := b.stackWidth()
		if target, ok := b.d.relTarget(b.inst, b.addr); ok {
			b.push(b.constant(b.next, width))
			b.op(pcode.OpCall, nil, b.codeRef(target))
			break
		}
		dest := b.load(b.operand(0, 0))
		b.push(b.constant(b.next, width))
		b.op(pcode.OpCallInd, nil, b.pointer(dest))
	case x86asm.RET:
		ret := b.pop(b.stackWidth())
		if imm, ok := b.inst.Args[0].(x86asm.Imm); ok {
			sp := b.sp()
			b.op(pcode.OpIntAdd, &sp, sp, b.constant(uint64(imm), sp.Size))
		}
		b.op(pcode.OpReturn, nil, b.pointer(ret))
	case x86asm.LEAVE:
		sp, bp := b.sp(), b.bp()
		b.op(pcode.OpCopy, &sp, bp)
		v := b.pop(bp.Size)
		b.op(pcode.OpCopy, &bp, v)
	case x86asm.SYSCALL:
		b.callOther(UserOpSyscall)
	case x86asm.HLT:
		b.callOther(UserOpHalt)
	case x86asm.CPUID:
		b.callOther(UserOpCPUID, b.reg(x86asm.EAX))
	case x86asm.INT:
		n := uint64(3)
		if imm, ok := b.inst.Args[0].(x86asm.Imm); ok {
			n = uint64(imm)
		}
		b.callOther(UserOpSoftwareInterrupt, b.constant(n, 1))
	default:
		b.fail("no semantics")
	}
	return nil
}

func (b *builder) shift() {
	dst := b.operand(0, 0)
	bits := uint64(dst.size) * 8
	mask := uint64(0x1f)
	if dst.size == 8 {
		mask = 0x3f
	}
	opc := map[x86asm.Op]pcode.OpCode{
		x86asm.SHL: pcode.OpIntLeft, x86asm.SHR: pcode.OpIntRight, x86asm.SAR: pcode.OpIntSRight,
	}[b.inst.Op]

	switch count := b.inst.Args[1].(type) {
	case x86asm.Imm:
		n := uint64(count) & mask
		if n == 0 {
			return
		}
		x := b.load(dst)
		if n <= bits {
			// last bit shifted out
			pos := n - 1
			if b.inst.Op == x86asm.SHL {
				pos = bits - n
			}
			out := b.binary(pcode.OpIntRight, dst.size, x, b.constant(pos, 1))
			bit := b.binary(pcode.OpIntAnd, dst.size, out, b.constant(1, dst.size))
			b.setFlag("CF", pcode.OpIntNotEqual, bit, b.constant(0, dst.size))
		}
		res := b.binary(opc, dst.size, x, b.constant(n, 1))
		if n == 1 {
			switch b.inst.Op {
			case x86asm.SHL:
				msb := b.binary(pcode.OpIntSLess, 1, res, b.constant(0, dst.size))
				b.setFlag("OF", pcode.OpBoolXor, msb, b.flag("CF"))
			case x86asm.SHR:
				b.setFlag("OF", pcode.OpIntSLess, x, b.constant(0, dst.size))
			default:
				b.setFlag("OF", pcode.OpCopy, b.constant(0, 1))
			}
		}
		b.store(dst, res)
		b.resultFlags(res)
	case x86asm.Reg:
		x := b.load(dst)
		n := b.binary(pcode.OpIntAnd, 1, b.reg(count), b.constant(mask, 1))
		res := b.binary(opc, dst.size, x, n)
		b.store(dst, res)
		b.resultFlags(res)
	default:
		b.fail("shift count %v", count)
	}
}

func (b *builder) imul() {
	var dst operand
	var x, y pcode.VarnodeData
	switch {
	case b.inst.Args[2] != nil:
		dst = b.operand(0, 0)
		x = b.load(b.operand(1, dst.size))
		y = b.load(b.operand(2, dst.size))
	case b.inst.Args[1] != nil:
		dst = b.operand(0, 0)
		x = b.load(dst)
		y = b.load(b.operand(1, dst.size))
	default:
		b.fail("one-operand form")
	}
	wide := dst.size * 2
	full := b.binary(pcode.OpIntMult, wide, b.unary(pcode.OpIntSExt, wide, x), b.unary(pcode.OpIntSExt, wide, y))
	res := b.resize(full, dst.size)
	back := b.unary(pcode.OpIntSExt, wide, res)
	b.setFlag("OF", pcode.OpIntNotEqual, back, full)
	b.setFlag("CF", pcode.OpCopy, b.flag("OF"))
	b.store(dst, res)
}

// extendAccumulator implements CBW, CWDE and CDQE.
func (b *builder) extendAccumulator() {
	regs := map[x86asm.Op][2]x86asm.Reg{
		x86asm.CBW:  {x86asm.AL, x86asm.AX},
		x86asm.CWDE: {x86asm.AX, x86asm.EAX},
		x86asm.CDQE: {x86asm.EAX, x86asm.RAX},
	}[b.inst.Op]
	dst := operand{arg: regs[1], size: b.reg(regs[1]).Size}
	b.store(dst, b.unary(pcode.OpIntSExt, dst.size, b.reg(regs[0])))
}

// splitAccumulator implements CWD, CDQ and CQO.
func (b *builder) splitAccumulator() {
	regs := map[x86asm.Op][2]x86asm.Reg{
		x86asm.CWD: {x86asm.AX, x86asm.DX},
		x86asm.CDQ: {x86asm.EAX, x86asm.EDX},
		x86asm.CQO: {x86asm.RAX, x86asm.RDX},
	}[b.inst.Op]
	src := b.reg(regs[0])
	sign := b.binary(pcode.OpIntSRight, src.Size, src, b.constant(uint64(src.Size)*8-1, 1))
	b.store(operand{arg: regs[1], size: src.Size}, sign)
}
