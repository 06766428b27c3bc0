// Package interp implements the instruction decoder and dispatcher: it
// walks a bytefile's bytecode stream one instruction at a time, mutates
// a vmstack.Stack and a heap.Heap accordingly, and reports Continue,
// Stop, or a Fault after every step.
package interp

import (
	"fmt"
	"io"

	"lamavm.dev/interp/bytefile"
	"lamavm.dev/interp/heap"
	"lamavm.dev/interp/opcode"
	"lamavm.dev/interp/value"
	"lamavm.dev/interp/vmstack"
)

// Interpreter ties one bytefile, one value stack, and one heap together
// and drives execution instruction by instruction.
type Interpreter struct {
	bf    *bytefile.Bytefile
	stack *vmstack.Stack
	heap  *heap.Heap

	isClosure bool

	// refs backs the LDA_*/STA "push a reference, store through it"
	// pattern: since Go has no safe way to smuggle a *value.Word through
	// a uint64 the way the reference interpreter smuggles a raw pointer,
	// LDA hands out a handle into this table instead. Handles are tagged
	// with the top bit so STA can tell a reference handle from an
	// ordinary heap handle or boxed integer without ambiguity.
	refs []*value.Word

	trace     io.Writer
	stepLimit int
	steps     int
}

const refTagBit = uint64(1) << 63

// New builds an Interpreter over an already-parsed bytefile, backed by
// h for every heap-allocating or console-I/O opcode.
func New(bf *bytefile.Bytefile, h *heap.Heap) *Interpreter {
	in := &Interpreter{bf: bf, heap: h}
	in.stack = vmstack.New(bf.GlobalsSize, h)
	return in
}

// SetTrace, when w is non-nil, makes every Step log the instruction
// pointer it decoded at. Mirrors the LAMAVM_TRACE debug hook.
func (in *Interpreter) SetTrace(w io.Writer) { in.trace = w }

// SetStepLimit caps the number of instructions Run will execute before
// giving up with a Fault, guarding against runaway or adversarial
// bytecode. 0 (the default) means unlimited. Mirrors the
// LAMAVM_STEP_LIMIT debug hook.
func (in *Interpreter) SetStepLimit(n int) { in.stepLimit = n }

// Stack and Heap expose the interpreter's components for tests and for
// a CLI wanting to inspect post-run state.
func (in *Interpreter) Stack() *vmstack.Stack { return in.stack }
func (in *Interpreter) Heap() *heap.Heap      { return in.heap }

// Run drives Step until it returns Stop or a Fault.
func (in *Interpreter) Run() (Status, error) {
	for {
		status, err := in.Step()
		if err != nil {
			return status, err
		}
		if status == Stop {
			return Stop, nil
		}
	}
}

func (in *Interpreter) pushRef(ptr *value.Word) value.Word {
	in.refs = append(in.refs, ptr)
	return value.Word(refTagBit | uint64(len(in.refs)-1))
}

func (in *Interpreter) resolveRef(w value.Word) (*value.Word, bool) {
	if uint64(w)&refTagBit == 0 {
		return nil, false
	}
	idx := uint64(w) &^ refTagBit
	if idx >= uint64(len(in.refs)) {
		return nil, false
	}
	return in.refs[idx], true
}

func (in *Interpreter) fault(kind Kind, format string, args ...any) *Fault {
	f := &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	if in.bf.Line != 0 {
		f.HasLine = true
		f.Line = in.bf.Line
	}
	if in.bf.HasPrevIP() {
		f.HasAddr = true
		f.Addr = in.bf.PrevIP()
		f.Mnemonic = opcode.Opcode(in.bf.Bytecode[in.bf.PrevIP()]).String()
	}
	return f
}

func (in *Interpreter) decoderFault(format string, args ...any) (Status, error) {
	return Continue, in.fault(KindDecoder, format, args...)
}
func (in *Interpreter) controlFault(format string, args ...any) (Status, error) {
	return Continue, in.fault(KindControl, format, args...)
}
func (in *Interpreter) overflowFault() (Status, error) {
	return Continue, in.fault(KindStackOverflow, "cannot allocate enough memory on stack: overflow")
}
func (in *Interpreter) underflowFault() (Status, error) {
	return Continue, in.fault(KindStackUnderflow, "cannot allocate enough memory on stack: underflow")
}
func (in *Interpreter) refFault(format string, args ...any) (Status, error) {
	return Continue, in.fault(KindRef, format, args...)
}
func (in *Interpreter) runtimeFault(format string, args ...any) (Status, error) {
	return Continue, in.fault(KindRuntimeFailure, format, args...)
}

// Step decodes and executes exactly one instruction.
func (in *Interpreter) Step() (Status, error) {
	if in.stepLimit > 0 && in.steps >= in.stepLimit {
		return in.controlFault("exceeded step limit of %d instructions", in.stepLimit)
	}
	in.steps++

	if in.trace != nil {
		fmt.Fprintf(in.trace, "ip=0x%x\n", in.bf.IP())
	}

	if !in.bf.EnoughBytes(1) {
		return in.decoderFault("bytecode could not read next 1 byte(s)")
	}
	code := in.bf.GetNextCode()
	op := opcode.Opcode(code)
	low := op.Low()

	switch op {
	case opcode.BinopAdd, opcode.BinopSub, opcode.BinopMul, opcode.BinopDiv, opcode.BinopRem,
		opcode.BinopLt, opcode.BinopLe, opcode.BinopGt, opcode.BinopGe, opcode.BinopEq,
		opcode.BinopNe, opcode.BinopAnd, opcode.BinopOr:
		return in.execBinop(opcode.BinOp(low))

	case opcode.Const:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("CONST: truncated i32 operand")
		}
		v := in.bf.GetNextI32()
		if !in.stack.EnoughToPush(1) {
			return in.overflowFault()
		}
		in.stack.Push(value.Box(v))
		return Continue, nil

	case opcode.String:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("STRING: truncated pool-index operand")
		}
		s, ok := in.bf.GetNextString()
		if !ok {
			return in.decoderFault("STRING: pool index out of range")
		}
		if !in.stack.EnoughToPush(1) {
			return in.overflowFault()
		}
		in.stack.Push(in.heap.AllocString(s))
		return Continue, nil

	case opcode.Sexp:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("SEXP: truncated tag operand")
		}
		tag, ok := in.bf.GetNextString()
		if !ok {
			return in.decoderFault("SEXP: pool index out of range")
		}
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("SEXP: truncated field-count operand")
		}
		n := in.bf.GetNextU32()
		return in.execSexp(tag, n)

	case opcode.Sti:
		return in.decoderFault("STI is reserved and never produced by a valid compiler")

	case opcode.Sta:
		return in.execSta()

	case opcode.Jmp:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("JMP: truncated address operand")
		}
		target := in.bf.GetNextU32()
		if !in.bf.TrySetAddress(target) {
			return in.controlFault("cannot jump to address 0x%x -- outside bytecode", target)
		}
		return Continue, nil

	case opcode.End, opcode.Ret:
		return in.execEndOrRet()

	case opcode.Drop:
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		in.stack.Pop()
		return Continue, nil

	case opcode.Dup:
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		if !in.stack.EnoughToPush(1) {
			return in.overflowFault()
		}
		in.stack.Push(in.stack.Top())
		return Continue, nil

	case opcode.Swap:
		if !in.stack.EnoughToPop(2) {
			return in.underflowFault()
		}
		first := in.stack.Pop()
		second := in.stack.Pop()
		in.stack.Push(first)
		in.stack.Push(second)
		return Continue, nil

	case opcode.Elem:
		if !in.stack.EnoughToPop(2) {
			return in.underflowFault()
		}
		idx := in.stack.Pop()
		c := in.stack.Pop()
		v, err := in.heap.Elem(c, idx)
		if err != nil {
			return in.refFault("%v", err)
		}
		in.stack.Push(v)
		return Continue, nil

	case opcode.LdG, opcode.LdL, opcode.LdA, opcode.LdC:
		return in.execLoad(opcode.VariableType(low))

	case opcode.LdaG, opcode.LdaL, opcode.LdaA, opcode.LdaC:
		return in.execLoadAddr(opcode.VariableType(low))

	case opcode.StG, opcode.StL, opcode.StA, opcode.StC:
		return in.execStore(opcode.VariableType(low))

	case opcode.CJmpz, opcode.CJmpnz:
		return in.execCondJump(low == 1)

	case opcode.Begin, opcode.CBegin:
		return in.execBegin(op == opcode.CBegin)

	case opcode.Closure:
		return in.execClosure()

	case opcode.Callc:
		return in.execCallClosure()

	case opcode.Call:
		return in.execCall()

	case opcode.Tag:
		return in.execTag()

	case opcode.Array:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("ARRAY: truncated size operand")
		}
		size := in.bf.GetNextU32()
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		v := in.stack.Pop()
		in.stack.Push(in.heap.CheckArrayShape(v, value.Box(int32(size))))
		return Continue, nil

	case opcode.Fail:
		return in.execFail()

	case opcode.Line:
		if !in.bf.EnoughBytes(4) {
			return in.decoderFault("LINE: truncated line operand")
		}
		in.bf.Line = in.bf.GetNextU32()
		return Continue, nil

	case opcode.PattStr, opcode.PattString, opcode.PattArray, opcode.PattSexp,
		opcode.PattRef, opcode.PattVal, opcode.PattFun:
		return in.execPattern(opcode.PatternType(low))

	case opcode.CallLread:
		v, err := in.heap.ReadInt()
		if err != nil {
			return in.runtimeFault("%v", err)
		}
		if !in.stack.EnoughToPush(1) {
			return in.overflowFault()
		}
		in.stack.Push(v)
		return Continue, nil

	case opcode.CallLwrite:
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		v := in.stack.Pop()
		in.heap.WriteInt(value.Unbox(v))
		in.stack.Push(value.Box(0))
		return Continue, nil

	case opcode.CallLlength:
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		v := in.stack.Pop()
		result, err := in.heap.Length(v)
		if err != nil {
			return in.refFault("%v", err)
		}
		in.stack.Push(result)
		return Continue, nil

	case opcode.CallLstring:
		if !in.stack.EnoughToPop(1) {
			return in.underflowFault()
		}
		v := in.stack.Pop()
		result, err := in.heap.ToString(v)
		if err != nil {
			return in.refFault("%v", err)
		}
		in.stack.Push(result)
		return Continue, nil

	case opcode.CallBarray:
		return in.execBuildArray()

	default:
		return in.decoderFault("unknown opcode 0x%x", code)
	}
}

func (in *Interpreter) execBinop(op opcode.BinOp) (Status, error) {
	if !in.stack.EnoughToPop(2) {
		return in.underflowFault()
	}
	rhs := value.Unbox(in.stack.Pop())
	lhs := value.Unbox(in.stack.Pop())

	var result int32
	switch op {
	case opcode.OpAdd:
		result = lhs + rhs
	case opcode.OpSub:
		result = lhs - rhs
	case opcode.OpMul:
		result = lhs * rhs
	case opcode.OpDiv:
		if rhs == 0 {
			return in.runtimeFault("division by zero")
		}
		result = lhs / rhs
	case opcode.OpRem:
		if rhs == 0 {
			return in.runtimeFault("division by zero")
		}
		result = lhs % rhs
	case opcode.OpLt:
		result = boolToInt32(lhs < rhs)
	case opcode.OpLe:
		result = boolToInt32(lhs <= rhs)
	case opcode.OpGt:
		result = boolToInt32(lhs > rhs)
	case opcode.OpGe:
		result = boolToInt32(lhs >= rhs)
	case opcode.OpEq:
		result = boolToInt32(lhs == rhs)
	case opcode.OpNe:
		result = boolToInt32(lhs != rhs)
	case opcode.OpAnd:
		result = boolToInt32(lhs != 0 && rhs != 0)
	case opcode.OpOr:
		result = boolToInt32(lhs != 0 || rhs != 0)
	default:
		return in.decoderFault("unknown binary operator 0x%x", byte(op))
	}
	in.stack.Push(value.Box(result))
	return Continue, nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (in *Interpreter) execSexp(tag string, n uint32) (Status, error) {
	if !in.stack.EnoughToPop(int(n)) {
		return in.underflowFault()
	}
	fields := make([]value.Word, n)
	for i := n; i > 0; i-- {
		fields[i-1] = in.stack.Pop()
	}
	hash := in.heap.TagHash(tag)
	in.stack.Push(in.heap.AllocSexp(hash, fields))
	return Continue, nil
}

func (in *Interpreter) execSta() (Status, error) {
	if !in.stack.EnoughToPop(3) {
		return in.underflowFault()
	}
	v := in.stack.Pop()
	i := in.stack.Pop()
	x := in.stack.Pop()

	if ref, ok := in.resolveRef(i); ok {
		*ref = v
		in.stack.Push(v)
		return Continue, nil
	}

	result, err := in.heap.StoreAt(x, i, v)
	if err != nil {
		return in.refFault("%v", err)
	}
	in.stack.Push(result)
	return Continue, nil
}

func (in *Interpreter) execEndOrRet() (Status, error) {
	addr, ok := in.stack.Epilogue(in.isClosure)
	in.isClosure = false
	if !ok {
		return in.underflowFault()
	}
	realAddr, isReal := vmstack.UnpackReturnAddr(addr)
	if !isReal {
		return Stop, nil
	}
	if !in.bf.TrySetAddress(realAddr) {
		return in.controlFault("cannot return to address 0x%x -- outside bytecode", realAddr)
	}
	return Continue, nil
}

func (in *Interpreter) execLoad(kind opcode.VariableType) (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("LD: truncated index operand")
	}
	idx := in.bf.GetNextU32()
	ref, ok := in.stack.GetReference(idx, kind)
	if !ok {
		return in.refFault("cannot get reference for index %d, kind %d", idx, kind)
	}
	if !in.stack.EnoughToPush(1) {
		return in.overflowFault()
	}
	in.stack.Push(*ref)
	return Continue, nil
}

func (in *Interpreter) execLoadAddr(kind opcode.VariableType) (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("LDA: truncated index operand")
	}
	idx := in.bf.GetNextU32()
	ref, ok := in.stack.GetReference(idx, kind)
	if !ok {
		return in.refFault("cannot get reference for index %d, kind %d", idx, kind)
	}
	if !in.stack.EnoughToPush(2) {
		return in.overflowFault()
	}
	handle := in.pushRef(ref)
	in.stack.Push(handle)
	in.stack.Push(handle)
	return Continue, nil
}

func (in *Interpreter) execStore(kind opcode.VariableType) (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("ST: truncated index operand")
	}
	idx := in.bf.GetNextU32()
	if !in.stack.EnoughToPop(1) {
		return in.underflowFault()
	}
	top := in.stack.Top()
	ref, ok := in.stack.GetReference(idx, kind)
	if !ok {
		return in.refFault("cannot get reference for index %d, kind %d", idx, kind)
	}
	*ref = top
	return Continue, nil
}

func (in *Interpreter) execCondJump(isNotEq bool) (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("CJMP: truncated address operand")
	}
	target := in.bf.GetNextU32()
	fallthroughAddr := uint32(in.bf.IP())

	if !in.stack.EnoughToPop(1) {
		return in.underflowFault()
	}
	cond := value.Unbox(in.stack.Pop())

	dest := fallthroughAddr
	if (cond == 0 && !isNotEq) || (cond != 0 && isNotEq) {
		dest = target
	}
	if !in.bf.TrySetAddress(dest) {
		return in.controlFault("cannot jump to address 0x%x -- outside bytecode", dest)
	}
	return Continue, nil
}

func (in *Interpreter) execBegin(isClosureEntry bool) (Status, error) {
	if !in.bf.EnoughBytes(8) {
		return in.decoderFault("BEGIN: truncated nArgs/nLocals operands")
	}
	nArgs := in.bf.GetNextU32()
	nLocals := in.bf.GetNextU32()
	if !in.stack.Prologue(isClosureEntry, nArgs, nLocals) {
		return in.overflowFault()
	}
	return Continue, nil
}

func (in *Interpreter) execClosure() (Status, error) {
	if !in.bf.EnoughBytes(8) {
		return in.decoderFault("CLOSURE: truncated address/count operands")
	}
	addr := in.bf.GetNextU32()
	n := in.bf.GetNextU32()
	if !in.bf.EnoughBytes(5 * int(n)) {
		return in.decoderFault("CLOSURE: truncated capture descriptors")
	}
	args := in.bf.ClosureArray(n)
	if !in.stack.EnoughToPush(1) {
		return in.overflowFault()
	}
	captures := make([]value.Word, len(args))
	for i, a := range args {
		ref, ok := in.stack.GetReference(a.Index, opcode.VariableType(a.Kind))
		if !ok {
			return in.refFault("cannot create reference in closure for index %d, kind %d", a.Index, a.Kind)
		}
		captures[i] = *ref
	}
	in.stack.Push(in.heap.AllocClosure(addr, captures))
	return Continue, nil
}

func (in *Interpreter) execCallClosure() (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("CALLC: truncated nArgs operand")
	}
	nArgs := in.bf.GetNextU32()
	if !in.stack.EnoughToPush(1) {
		return in.overflowFault()
	}
	addr, ok := in.stack.ClosureRelativeAddr(nArgs)
	if !ok {
		return in.refFault("cannot resolve closure pointer %d args below top", nArgs)
	}
	in.stack.Push(vmstack.PackReturnAddr(uint32(in.bf.IP())))
	in.isClosure = true

	if !in.bf.TrySetAddress(addr) {
		return in.controlFault("cannot call closure at address 0x%x -- outside bytecode", addr)
	}
	return in.expectBeginNext(addr)
}

func (in *Interpreter) execCall() (Status, error) {
	if !in.bf.EnoughBytes(8) {
		return in.decoderFault("CALL: truncated location/nArgs operands")
	}
	location := in.bf.GetNextU32()
	_ = in.bf.GetNextU32() // nArgs: consumed, unused by a direct (non-closure) call
	if !in.stack.EnoughToPush(1) {
		return in.overflowFault()
	}
	in.stack.Push(vmstack.PackReturnAddr(uint32(in.bf.IP())))

	if !in.bf.TrySetAddress(location) {
		return in.controlFault("cannot call to address 0x%x -- outside bytecode", location)
	}
	if !in.bf.EnoughBytes(1) {
		return in.decoderFault("CALL: target has no opcode to read")
	}
	next := opcode.Opcode(in.bf.PeekNextCode())
	if next != opcode.Begin {
		return in.controlFault("cannot call to address 0x%x -- next opcode is %s, not BEGIN", location, next)
	}
	return Continue, nil
}

func (in *Interpreter) expectBeginNext(addr uint32) (Status, error) {
	if !in.bf.EnoughBytes(1) {
		return in.decoderFault("CALLC: target has no opcode to read")
	}
	next := opcode.Opcode(in.bf.PeekNextCode())
	if next != opcode.Begin && next != opcode.CBegin {
		return in.controlFault("cannot call closure to address 0x%x -- next opcode is %s, not (C)BEGIN", addr, next)
	}
	return Continue, nil
}

func (in *Interpreter) execTag() (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("TAG: truncated name operand")
	}
	name, ok := in.bf.GetNextString()
	if !ok {
		return in.decoderFault("TAG: pool index out of range")
	}
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("TAG: truncated arity operand")
	}
	n := in.bf.GetNextU32()
	if !in.stack.EnoughToPop(1) {
		return in.underflowFault()
	}
	v := in.stack.Pop()
	hash := in.heap.TagHash(name)
	in.stack.Push(in.heap.CheckTag(v, hash, value.Box(int32(n))))
	return Continue, nil
}

func (in *Interpreter) execPattern(pat opcode.PatternType) (Status, error) {
	if pat == opcode.PatStr {
		if !in.stack.EnoughToPop(2) {
			return in.underflowFault()
		}
		lhs := in.stack.Pop()
		rhs := in.stack.Pop()
		in.stack.Push(in.heap.CheckStringEq(lhs, rhs))
		return Continue, nil
	}

	if !in.stack.EnoughToPop(1) {
		return in.underflowFault()
	}
	v := in.stack.Pop()
	var result value.Word
	switch pat {
	case opcode.PatString:
		result = in.heap.CheckString(v)
	case opcode.PatArray:
		result = in.heap.CheckArrayTag(v)
	case opcode.PatSexp:
		result = in.heap.CheckSexpTag(v)
	case opcode.PatBoxed:
		result = in.heap.CheckBoxed(v)
	case opcode.PatUnboxed:
		result = in.heap.CheckUnboxed(v)
	case opcode.PatClosure:
		result = in.heap.CheckClosureTag(v)
	default:
		return in.decoderFault("unknown pattern kind 0x%x", byte(pat))
	}
	in.stack.Push(result)
	return Continue, nil
}

func (in *Interpreter) execFail() (Status, error) {
	if !in.stack.EnoughToPop(2) {
		return in.runtimeFault("not enough values for a fail message")
	}
	first := in.stack.Pop()
	second := in.stack.Pop()
	return in.runtimeFault("match failure at line %d, column %d", value.Unbox(first), value.Unbox(second))
}

func (in *Interpreter) execBuildArray() (Status, error) {
	if !in.bf.EnoughBytes(4) {
		return in.decoderFault("CALL_Barray: truncated count operand")
	}
	n := in.bf.GetNextU32()
	if !in.stack.EnoughToPop(int(n)) {
		return in.underflowFault()
	}
	vals := make([]value.Word, n)
	for i := n; i > 0; i-- {
		vals[i-1] = in.stack.Pop()
	}
	in.stack.Push(in.heap.AllocArrayFrom(vals))
	return Continue, nil
}
