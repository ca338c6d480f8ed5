package engine

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"pcodelift/internal/archspec"
	"pcodelift/internal/ctxdb"
	"pcodelift/internal/emit"
	"pcodelift/internal/loadimage"
	"pcodelift/internal/pcode"
)

const (
	stateConfigured int32 = iota
	stateActive
	stateClosed
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for per-call debug tracing.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithContextDefaults overrides context variable defaults after the
// document's own defaults are installed.
func WithContextDefaults(vals map[string]uint32) Option {
	return func(s *Session) {
		for name, v := range vals {
			s.ctx.SetVariableDefault(name, v)
		}
	}
}

// WithFactory builds the decoder with f instead of the engine registered
// for the document's processor.
func WithFactory(f Factory) Option {
	return func(s *Session) { s.factory = f }
}

// Session owns one configured decoder bound to a load image. It is not safe
// for concurrent use; distinct sessions are independent.
type Session struct {
	img     loadimage.LoadImage
	doc     *archspec.Document
	ctx     *ctxdb.Database
	dec     Decoder
	factory Factory
	logger  *log.Logger

	state   atomic.Int32
	scratch []byte
	loadErr error
	fetches int

	asm []emit.AssemblyLine
	ops []emit.PcodeOp
}

// NewSession configures a decoder for doc reading code from img.
func NewSession(img loadimage.LoadImage, doc *archspec.Document, opts ...Option) (*Session, error) {
	if img == nil {
		return nil, errors.New("new session: nil load image")
	}
	if doc == nil {
		return nil, errors.New("new session: nil architecture document")
	}
	s := &Session{
		img:    img,
		doc:    doc,
		ctx:    ctxdb.New(),
		logger: log.New(io.Discard),
	}
	for _, v := range doc.Context {
		s.ctx.RegisterVariable(v.Name, v.Default)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		f, err := Lookup(doc.Processor)
		if err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
		s.factory = f
	}
	dec, err := s.factory(doc, (*sessionLoader)(s), s.ctx)
	if err != nil {
		return nil, fmt.Errorf("configure %s engine: %w", doc.Processor, err)
	}
	s.dec = dec
	s.logger.Debug("session configured", "processor", doc.Processor, "variant", doc.Variant)
	return s, nil
}

// Context returns the session's processor context store. It must not be
// mutated while a call is in flight.
func (s *Session) Context() *ctxdb.Database { return s.ctx }

// Document returns the architecture document the session was built from.
func (s *Session) Document() *archspec.Document { return s.doc }

// Spaces returns the decoder's address space registry.
func (s *Session) Spaces() *pcode.SpaceManager { return s.dec.Spaces() }

// DefaultCodeSpace returns the space instructions are fetched from.
func (s *Session) DefaultCodeSpace() *pcode.AddrSpace { return s.dec.Spaces().DefaultCodeSpace() }

// Address returns off in the default code space.
func (s *Session) Address(off uint64) pcode.Address {
	spc := s.DefaultCodeSpace()
	return pcode.NewAddress(spc, spc.WrapOffset(off))
}

// RegisterName names the register stored exactly at the location, or "".
func (s *Session) RegisterName(spc *pcode.AddrSpace, off uint64, size int) string {
	return s.dec.RegisterName(spc, off, size)
}

// Register returns the storage of a named register.
func (s *Session) Register(name string) (pcode.VarnodeData, error) {
	return s.dec.Register(name)
}

// Disassemble decodes the instruction at off and delivers exactly one line
// to out. Nothing is delivered when the call fails.
func (s *Session) Disassemble(out emit.AssemblyEmit, off uint64) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	addr := s.Address(off)
	n, err := s.dec.Disassemble((*assemblyRecorder)(s), addr)
	n, err = s.finish("disassemble", addr, n, err)
	if err != nil {
		return n, err
	}
	if len(s.asm) != 1 {
		protocolf(addr, "disassembly produced %d lines", len(s.asm))
	}
	s.logger.Debug("disassemble", "addr", addr, "len", n, "fetches", s.fetches)
	for _, l := range s.asm {
		out.Dump(l.Addr, l.Mnemonic, l.Body)
	}
	return n, nil
}

// Translate lowers the instruction at off and delivers its micro-operations
// to out in program order. Nothing is delivered when the call fails.
func (s *Session) Translate(out emit.PcodeEmit, off uint64) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	addr := s.Address(off)
	n, err := s.dec.OneInstruction((*pcodeRecorder)(s), addr)
	n, err = s.finish("translate", addr, n, err)
	if err != nil {
		return n, err
	}
	s.logger.Debug("translate", "addr", addr, "len", n, "ops", len(s.ops), "fetches", s.fetches)
	for _, op := range s.ops {
		out.Dump(op.Addr, op.Opcode, op.Output, op.Inputs)
	}
	return n, nil
}

// InstructionLength returns the length of the instruction at off without
// emitting anything.
func (s *Session) InstructionLength(off uint64) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()

	addr := s.Address(off)
	n, err := s.dec.InstructionLength(addr)
	return s.finish("length", addr, n, err)
}

// Close releases the decoder. Later calls return ErrClosed.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(stateConfigured, stateClosed) {
		if s.state.Load() == stateActive {
			panic(ErrSessionActive)
		}
		return nil
	}
	s.scratch = nil
	if c, ok := s.dec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) enter() error {
	if s.state.CompareAndSwap(stateConfigured, stateActive) {
		s.loadErr = nil
		s.fetches = 0
		s.asm = s.asm[:0]
		s.ops = s.ops[:0]
		return nil
	}
	if s.state.Load() == stateClosed {
		return ErrClosed
	}
	panic(ErrSessionActive)
}

func (s *Session) leave() {
	s.asm = s.asm[:0]
	s.ops = s.ops[:0]
	s.state.CompareAndSwap(stateActive, stateConfigured)
}

// finish applies the failure rules shared by every top-level call: a load
// failure wins over whatever the decoder reported.
func (s *Session) finish(op string, addr pcode.Address, n int, err error) (int, error) {
	if s.loadErr != nil {
		s.logger.Debug(op+" failed", "addr", addr, "err", s.loadErr)
		return 0, &DecodeError{Op: op, Addr: addr, Err: s.loadErr}
	}
	if err != nil {
		s.logger.Debug(op+" failed", "addr", addr, "err", err)
		if !errors.Is(err, ErrUnimplemented) {
			n = 0
		}
		return n, &DecodeError{Op: op, Addr: addr, Err: err}
	}
	if n <= 0 {
		protocolf(addr, "%s reported length %d", op, n)
	}
	return n, nil
}

// sessionLoader is the Loader handed to the decoder.
type sessionLoader Session

func (l *sessionLoader) LoadFill(buf []byte, addr pcode.Address) (err error) {
	s := (*Session)(l)
	if s.state.Load() != stateActive {
		protocolf(addr, "load outside of a call")
	}
	s.fetches++
	if cap(s.scratch) < len(buf) {
		s.scratch = make([]byte, len(buf))
	}
	scratch := s.scratch[:len(buf)]
	defer func() {
		if err != nil && s.loadErr == nil {
			s.loadErr = err
		}
	}()
	if err := s.fill(scratch, addr); err != nil {
		return err
	}
	copy(buf, scratch)
	return nil
}

func (s *Session) fill(buf []byte, addr pcode.Address) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == ErrSessionActive {
				panic(r)
			}
			if _, ok := r.(*ProtocolError); ok {
				panic(r)
			}
			err = &AdapterPanicError{Value: r}
		}
	}()
	return s.img.LoadFill(buf, addr)
}

func (l *sessionLoader) AdjustVMA(adjust int64) {
	(*Session)(l).img.AdjustVMA(adjust)
}

type assemblyRecorder Session

func (r *assemblyRecorder) Dump(addr pcode.Address, mnem, body string) {
	if addr.IsInvalid() {
		protocolf(addr, "assembly emitted at invalid address")
	}
	r.asm = append(r.asm, emit.AssemblyLine{Addr: addr, Mnemonic: mnem, Body: body})
}

type pcodeRecorder Session

func (r *pcodeRecorder) Dump(addr pcode.Address, opc uint32, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	op, ok := pcode.OpCodeFromUint32(opc)
	if !ok {
		protocolf(addr, "unrecognized opcode %d", opc)
	}
	if addr.IsInvalid() {
		protocolf(addr, "%s emitted at invalid address", op)
	}
	switch op.Output() {
	case pcode.OutputNever:
		if out != nil {
			protocolf(addr, "%s has an output", op)
		}
	case pcode.OutputAlways:
		if out == nil {
			protocolf(addr, "%s has no output", op)
		}
	}
	if out != nil {
		checkVarnode(addr, op, *out)
	}
	for _, v := range in {
		checkVarnode(addr, op, v)
	}
	r.ops = append(r.ops, emit.NewPcodeOp(addr, op, out, in))
}

func checkVarnode(addr pcode.Address, op pcode.OpCode, v pcode.VarnodeData) {
	if v.Space == nil {
		protocolf(addr, "%s operand has no space", op)
	}
	if v.Size == 0 && !v.IsConstant() {
		protocolf(addr, "%s operand %s has zero size", op, v)
	}
}
