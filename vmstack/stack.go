// Package vmstack implements the interpreter's single value stack: a
// fixed-size, descending-top array that holds globals, operands, and
// every active call frame's locals/saved state as plain Words, so that
// an external garbage collector can scan the whole live region as one
// contiguous root range.
package vmstack

import (
	"lamavm.dev/interp/opcode"
	"lamavm.dev/interp/value"
)

// MaxStackSize is the fixed capacity of the whole stack array, which
// holds the globals area as well as the operand/frame region. The Lama
// byterun reference reserves
// 100,000 words; we keep the same floor.
const MaxStackSize = 100_000

// ClosureResolver resolves a heap Word that is expected to be a closure
// pointer into that closure's backing cell slice (cell 0 is the code
// address, the rest are captured values). It is satisfied by the heap
// package without vmstack importing it directly, avoiding a cycle.
type ClosureResolver interface {
	ResolveClosure(w value.Word) ([]value.Word, bool)
}

// Stack is one interpreter's entire value stack: globals area plus the
// descending operand/frame region.
type Stack struct {
	data [MaxStackSize]value.Word

	begin int // first slot above the globals; fixed for the stack's life
	top   int // index of the next free slot a push will write into
	bp    int // base pointer of the active frame

	nArgs       uint32
	nLocals     uint32
	globalsSize uint32

	resolver ClosureResolver
}

// New constructs a stack with globalsSize words of global storage and
// pushes the two sentinel words every Lama program's implicit outermost
// frame expects: a zeroed result slot, then a null return address that
// signals "no caller" when an END/RET epilogue eventually pops it.
func New(globalsSize uint32, resolver ClosureResolver) *Stack {
	s := &Stack{globalsSize: globalsSize, resolver: resolver}
	bottom := MaxStackSize - 1
	s.top = bottom - 1 - int(globalsSize) // globals sit just below bottom
	s.begin = s.top
	s.bp = s.begin
	s.nArgs = 2 // the _start convention: two phantom caller args

	s.Push(value.Box(0)) // the ultimate return value
	s.Push(0)            // stop sentinel: a return address that means "halt"
	return s
}

// EnoughToPush reports whether n more pushes fit without underflowing
// past index 0 (the start of the physical array).
func (s *Stack) EnoughToPush(n int) bool {
	if n <= 0 {
		return true
	}
	return s.top >= n-1
}

// EnoughToPop reports whether n more pops are available, i.e. the
// operand/frame region currently holds at least n live words below
// begin.
func (s *Stack) EnoughToPop(n int) bool {
	if n <= 0 {
		return true
	}
	return s.begin-s.top >= n
}

// Push writes v at the current top-of-stack slot and advances it
// downward. Callers must have checked EnoughToPush first.
func (s *Stack) Push(v value.Word) {
	s.data[s.top] = v
	s.top--
}

// Pop removes and returns the current top-of-stack value. Callers must
// have checked EnoughToPop(1) first.
func (s *Stack) Pop() value.Word {
	s.top++
	return s.data[s.top]
}

// Top returns the current top-of-stack value without removing it.
func (s *Stack) Top() value.Word {
	return s.data[s.top+1]
}

// StackTop and StackBottom mirror the two globals a conforming GC
// cooperation contract consumes as the live-root window: every slot in
// (StackTop, StackBottom] must be a valid Word (boxed integer or heap
// pointer) at every point between opcodes. Our heap backend is Go's own
// GC and never actually walks this range, but the bookkeeping below
// keeps the invariant true and testable independent of which heap
// backs the interpreter.
func (s *Stack) StackTop() int    { return s.top }
func (s *Stack) StackBottom() int { return MaxStackSize - 1 }

// GetReference resolves the address of one addressable slot: a global,
// a local of the active frame, an argument of the active frame, or a
// captured cell of the active frame's closure. It returns a pointer
// directly into the owning backing array (this Stack's array for the
// first three kinds, a heap closure's cell slice for the fourth), so
// that a subsequent load or store through it observes/mutates the slot
// in place.
func (s *Stack) GetReference(index uint32, kind opcode.VariableType) (*value.Word, bool) {
	switch kind {
	case opcode.Global:
		// index == globalsSize is intentionally allowed here (spec:
		// index ≤ globals_size, matching the reference reader's own
		// off-by-one bound). It addresses data[begin+1+globalsSize],
		// one slot past the declared globals region: the array's last
		// slot (StackBottom), which New leaves outside the globals
		// area, so the edge index stays inside the array.
		if index > s.globalsSize {
			return nil, false
		}
		return &s.data[s.begin+1+int(index)], true
	case opcode.Local:
		if index >= s.nLocals {
			return nil, false
		}
		return &s.data[s.bp-1-int(index)], true
	case opcode.Argument:
		if index >= s.nArgs {
			return nil, false
		}
		return &s.data[s.bp+3+int(s.nArgs)-int(index)], true
	case opcode.Captured:
		closureWord := s.data[s.bp+3+int(s.nArgs)+1]
		cells, ok := s.resolver.ResolveClosure(closureWord)
		if !ok {
			return nil, false
		}
		return &cells[1+index], true
	default:
		return nil, false
	}
}

// Prologue performs the callee-entry bookkeeping: saves the caller's
// nArgs/nLocals (boxed, so a GC scanning the stack never mistakes them
// for pointers) and bp, installs the new frame's nArgs/nLocals, and
// reserves newNLocals+1 words (locals plus one return-value scratch
// slot), zero-filling them so every GC-visible slot holds a valid Word
// even before the callee's first store. The closure-call flag is
// accepted but unused here; the interpreter tracks closure-call-ness
// itself (see interp.Interpreter.isClosure).
func (s *Stack) Prologue(_ bool, newNArgs, newNLocals uint32) bool {
	if !s.EnoughToPush(int(value.SatAdd(4, newNLocals))) {
		return false
	}
	s.Push(value.Box(int32(s.nArgs)))
	s.Push(value.Box(int32(s.nLocals)))
	s.Push(value.Word(s.bp))

	s.nArgs = newNArgs
	s.nLocals = newNLocals
	s.bp = s.top + 1
	s.top -= int(newNLocals) + 1

	for i := s.top + 1; i <= s.top+int(newNLocals)+1; i++ {
		s.data[i] = value.Box(0)
	}
	return true
}

// Epilogue performs the callee-exit bookkeeping and returns the packed
// return address (see retaddr.go for the +1 encoding that disambiguates
// a real IP 0 from the "halt" sentinel). isClosure must match how the
// active frame was entered (CALL vs CALLC), since a closure call leaves
// one extra saved word (the closure pointer) to discard.
//
// Returns (0, true) without touching top/nArgs/nLocals/bp when there is
// no active frame to unwind (Prologue never ran). When the unwound
// frame's saved return address is the halt sentinel, it returns (0,
// true) after popping the return value and the saved bp/nLocals/nArgs
// and return address, but discards no argument words and pushes no
// return value: there is no caller frame above begin to consume
// argument words from or push a return value into.
func (s *Stack) Epilogue(isClosure bool) (value.Word, bool) {
	if s.bp == s.begin {
		// No frame is active: Prologue never ran (or a previous
		// Epilogue already unwound all the way back here). There is
		// nothing to pop and no caller waiting for a return value.
		return 0, true
	}

	extra := 0
	if isClosure {
		extra = 1
	}
	if !s.EnoughToPop(int(value.SatAdd(uint32(5+extra), s.nArgs))) {
		return 0, false
	}

	retval := s.Pop()
	nArgsOld := s.nArgs
	s.top = s.bp - 1

	s.bp = int(s.Pop())
	s.nLocals = uint32(value.Unbox(s.Pop()))
	s.nArgs = uint32(value.Unbox(s.Pop()))

	retAddr := s.Pop()

	if retAddr == 0 {
		// Unwinding back to the implicit outermost frame: the "caller"
		// is the halt sentinel itself, not a real frame with argument
		// words to discard and a return-value slot to write into.
		// begin has no slack reserved above it for that write, so
		// this path must not touch top or push retval.
		return retAddr, true
	}

	s.top += int(nArgsOld)

	if isClosure {
		s.Pop()
	}
	s.Push(retval)
	return retAddr, true
}

// ClosureRelativeAddr reads the closure pointer sitting nArgs words
// below the current top (i.e. pushed before the arguments) and resolves
// it to the code address stored in that closure's first cell. Used by
// CALLC before the callee's BEGIN runs.
func (s *Stack) ClosureRelativeAddr(nArgs uint32) (uint32, bool) {
	closureWord := s.data[s.top+1+int(nArgs)]
	cells, ok := s.resolver.ResolveClosure(closureWord)
	if !ok || len(cells) == 0 {
		return 0, false
	}
	return uint32(cells[0]), true
}

// NArgs and NLocals expose the active frame's sizes, used by diagnostics
// and by tests that want to assert on frame shape.
func (s *Stack) NArgs() uint32   { return s.nArgs }
func (s *Stack) NLocals() uint32 { return s.nLocals }

// BP exposes the active frame's base pointer; CALL/RET nesting
// correctness can be asserted by comparing BP before and after a
// balanced run (see spec §8).
func (s *Stack) BP() int { return s.bp }

// Begin exposes the stack's fixed begin marker.
func (s *Stack) Begin() int { return s.begin }
