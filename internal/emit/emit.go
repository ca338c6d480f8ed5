// Package emit defines the push channels through which a session reports
// decoded instructions: one line per disassembled instruction, and a
// sequence of micro-operations per translated instruction.
package emit

import (
	"fmt"
	"io"
	"strings"

	"pcodelift/internal/pcode"
)

// AssemblyEmit receives exactly one call per disassembled instruction.
type AssemblyEmit interface {
	Dump(addr pcode.Address, mnem, body string)
}

// PcodeEmit receives zero or more calls per translated instruction, in
// program order. out is nil when the operation produces no value. The
// varnodes are owned by the caller once Dump is entered.
type PcodeEmit interface {
	Dump(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData)
}

// AssemblyFunc adapts a function to AssemblyEmit.
type AssemblyFunc func(addr pcode.Address, mnem, body string)

func (f AssemblyFunc) Dump(addr pcode.Address, mnem, body string) { f(addr, mnem, body) }

// PcodeFunc adapts a function to PcodeEmit.
type PcodeFunc func(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData)

func (f PcodeFunc) Dump(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	f(addr, opc, out, in)
}

// AssemblyLine is one recorded disassembly line.
type AssemblyLine struct {
	Addr     pcode.Address
	Mnemonic string
	Body     string
}

func (l AssemblyLine) String() string {
	if l.Body == "" {
		return l.Mnemonic
	}
	return l.Mnemonic + " " + l.Body
}

// AssemblyListing records every line it receives.
type AssemblyListing struct {
	Lines []AssemblyLine
}

func (l *AssemblyListing) Dump(addr pcode.Address, mnem, body string) {
	l.Lines = append(l.Lines, AssemblyLine{Addr: addr, Mnemonic: mnem, Body: body})
}

// PcodeOp is one recorded micro-operation.
type PcodeOp struct {
	Addr   pcode.Address
	Opcode pcode.OpCode
	Output *pcode.VarnodeData
	Inputs []pcode.VarnodeData
}

// NewPcodeOp copies out and in into a standalone record.
func NewPcodeOp(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) PcodeOp {
	op := PcodeOp{Addr: addr, Opcode: opc}
	if out != nil {
		o := *out
		op.Output = &o
	}
	if len(in) > 0 {
		op.Inputs = append([]pcode.VarnodeData(nil), in...)
	}
	return op
}

// String renders the op as "out = OPCODE in0, in1".
func (op PcodeOp) String() string {
	return op.Format(nil)
}

// Format renders the op, naming varnodes through name when it returns a
// non-empty string.
func (op PcodeOp) Format(name func(pcode.VarnodeData) string) string {
	vn := func(v pcode.VarnodeData) string {
		if name != nil {
			if s := name(v); s != "" {
				return s
			}
		}
		return v.String()
	}
	var b strings.Builder
	if op.Output != nil {
		b.WriteString(vn(*op.Output))
		b.WriteString(" = ")
	}
	b.WriteString(op.Opcode.String())
	for i, in := range op.Inputs {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		b.WriteString(vn(in))
	}
	return b.String()
}

// PcodeListing records every micro-operation it receives.
type PcodeListing struct {
	Ops []PcodeOp
}

func (l *PcodeListing) Dump(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	l.Ops = append(l.Ops, NewPcodeOp(addr, opc, out, in))
}

// Count returns how many recorded ops have the given opcode.
func (l *PcodeListing) Count(opc pcode.OpCode) int {
	n := 0
	for _, op := range l.Ops {
		if op.Opcode == opc {
			n++
		}
	}
	return n
}

// MultiAssembly fans one line out to several channels.
type MultiAssembly []AssemblyEmit

func (m MultiAssembly) Dump(addr pcode.Address, mnem, body string) {
	for _, e := range m {
		e.Dump(addr, mnem, body)
	}
}

// MultiPcode fans one op out to several channels.
type MultiPcode []PcodeEmit

func (m MultiPcode) Dump(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	for _, e := range m {
		e.Dump(addr, opc, out, in)
	}
}

// Writer prints each op as an indented line.
type Writer struct {
	W    io.Writer
	Name func(pcode.VarnodeData) string
}

func (w Writer) Dump(addr pcode.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	fmt.Fprintf(w.W, "  %s\n", NewPcodeOp(addr, opc, out, in).Format(w.Name))
}
