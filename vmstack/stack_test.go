package vmstack

import (
	"testing"

	"lamavm.dev/interp/opcode"
	"lamavm.dev/interp/value"
)

// fakeResolver is a minimal ClosureResolver for tests: it hands back the
// same backing cells slice for any handle it was told about.
type fakeResolver struct {
	byHandle map[value.Word][]value.Word
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byHandle: map[value.Word][]value.Word{}}
}

func (r *fakeResolver) register(handle value.Word, cells []value.Word) {
	r.byHandle[handle] = cells
}

func (r *fakeResolver) ResolveClosure(w value.Word) ([]value.Word, bool) {
	cells, ok := r.byHandle[w]
	return cells, ok
}

func TestPushPopTopRoundTrip(t *testing.T) {
	s := New(0, newFakeResolver())
	s.Push(value.Box(42))
	if got := s.Top(); got != value.Box(42) {
		t.Fatalf("Top() = %v, want Box(42)", got)
	}
	if got := s.Pop(); got != value.Box(42) {
		t.Fatalf("Pop() = %v, want Box(42)", got)
	}
}

func TestEnoughToPushAndPop(t *testing.T) {
	s := New(0, newFakeResolver())
	if !s.EnoughToPush(1) {
		t.Fatal("fresh stack should have room for 1 push")
	}
	if !s.EnoughToPop(2) {
		t.Fatal("fresh stack should have the 2 sentinel words to pop")
	}
	if s.EnoughToPop(3) {
		t.Fatal("fresh stack should not have a 3rd word to pop")
	}
}

func TestGlobalReference(t *testing.T) {
	s := New(4, newFakeResolver())
	ref, ok := s.GetReference(2, opcode.Global)
	if !ok {
		t.Fatal("global index 2 of 4 should resolve")
	}
	*ref = value.Box(99)
	ref2, _ := s.GetReference(2, opcode.Global)
	if *ref2 != value.Box(99) {
		t.Fatalf("global slot did not retain the write: got %v", *ref2)
	}

	if _, ok := s.GetReference(5, opcode.Global); ok {
		t.Fatal("global index 5 of 4 should not resolve (out of range)")
	}
}

func TestPrologueEpilogueRoundTrip(t *testing.T) {
	s := New(0, newFakeResolver())
	bpBefore := s.BP()

	// Simulate a CALL with 2 arguments already pushed.
	s.Push(value.Box(10))
	s.Push(value.Box(20))
	retAddr := PackReturnAddr(7)
	s.Push(retAddr)

	if !s.Prologue(false, 2, 1) {
		t.Fatal("prologue should succeed with ample stack headroom")
	}
	if s.NArgs() != 2 || s.NLocals() != 1 {
		t.Fatalf("NArgs/NLocals = %d/%d, want 2/1", s.NArgs(), s.NLocals())
	}

	argRef, ok := s.GetReference(0, opcode.Argument)
	if !ok || *argRef != value.Box(10) {
		t.Fatalf("argument 0 = %v, %v, want Box(10), true", argRef, ok)
	}
	argRef1, _ := s.GetReference(1, opcode.Argument)
	if *argRef1 != value.Box(20) {
		t.Fatalf("argument 1 = %v, want Box(20)", *argRef1)
	}

	localRef, ok := s.GetReference(0, opcode.Local)
	if !ok || *localRef != value.Box(0) {
		t.Fatalf("local 0 should start zeroed, got %v, %v", localRef, ok)
	}
	*localRef = value.Box(55)

	s.Push(value.Box(123)) // the callee's return value

	gotAddr, ok := s.Epilogue(false)
	if !ok {
		t.Fatal("epilogue should succeed")
	}
	if gotAddr != retAddr {
		t.Fatalf("epilogue returned %v, want %v", gotAddr, retAddr)
	}
	if s.BP() != bpBefore {
		t.Fatalf("bp after epilogue = %d, want restored %d", s.BP(), bpBefore)
	}
	if got := s.Top(); got != value.Box(123) {
		t.Fatalf("top after epilogue = %v, want the callee's Box(123) result", got)
	}
}

func TestEpilogueHaltSentinel(t *testing.T) {
	s := New(0, newFakeResolver())
	addr, ok := s.Epilogue(false)
	if !ok {
		t.Fatal("outermost epilogue should still succeed structurally")
	}
	if addr != 0 {
		t.Fatalf("outermost epilogue return address = %v, want 0 (halt sentinel)", addr)
	}
}

func TestCapturedReferenceThroughClosure(t *testing.T) {
	resolver := newFakeResolver()
	cells := []value.Word{value.Word(0), value.Box(7), value.Box(8)}
	handle := value.Word(2)
	resolver.register(handle, cells)

	s := New(0, resolver)
	s.Push(handle) // closure pointer, 0 args
	if !s.Prologue(true, 0, 0) {
		t.Fatal("prologue should succeed")
	}

	ref, ok := s.GetReference(1, opcode.Captured)
	if !ok {
		t.Fatal("captured index 1 should resolve via the closure")
	}
	if *ref != value.Box(8) {
		t.Fatalf("captured[1] = %v, want Box(8)", *ref)
	}

	*ref = value.Box(100)
	if cells[2] != value.Box(100) {
		t.Fatal("writing through the captured reference should mutate the closure's own cell")
	}
}

func TestClosureRelativeAddr(t *testing.T) {
	resolver := newFakeResolver()
	cells := []value.Word{value.Word(42)}
	handle := value.Word(2)
	resolver.register(handle, cells)

	s := New(0, resolver)
	s.Push(handle)      // closure pointer
	s.Push(value.Box(1)) // one argument, pushed after the closure pointer

	addr, ok := s.ClosureRelativeAddr(1)
	if !ok {
		t.Fatal("ClosureRelativeAddr should resolve")
	}
	if addr != 42 {
		t.Fatalf("ClosureRelativeAddr = %d, want 42", addr)
	}
}
