package interp_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lamavm.dev/interp/bytefile"
	"lamavm.dev/interp/heap"
	"lamavm.dev/interp/interp"
	"lamavm.dev/interp/opcode"
)

// asm is a minimal test-only assembler. Scenarios that jump or call
// record the target offsets with addr() while emitting, write a
// placeholder operand, and patch it afterwards with patchU32.
type asm struct {
	buf bytes.Buffer
}

func (a *asm) addr() uint32 { return uint32(a.buf.Len()) }

func (a *asm) op(o opcode.Opcode) *asm {
	a.buf.WriteByte(byte(o))
	return a
}

func (a *asm) u32(v uint32) *asm {
	a.buf.WriteByte(byte(v))
	a.buf.WriteByte(byte(v >> 8))
	a.buf.WriteByte(byte(v >> 16))
	a.buf.WriteByte(byte(v >> 24))
	return a
}

func (a *asm) i32(v int32) *asm { return a.u32(uint32(v)) }

func (a *asm) byte(b byte) *asm {
	a.buf.WriteByte(b)
	return a
}

func putU32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func loadProgram(t *testing.T, globalsSize uint32, bytecode []byte) *bytefile.Bytefile {
	t.Helper()
	var buf bytes.Buffer
	putU32(&buf, 0) // string pool size: none of these scenarios need the pool
	putU32(&buf, globalsSize)
	putU32(&buf, 0) // public symbols count
	buf.Write(bytecode)

	path := filepath.Join(t.TempDir(), "prog.bc")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing test bytefile: %v", err)
	}
	bf, errs := bytefile.Read(path)
	if errs != nil {
		t.Fatalf("unexpected load errors: %v", errs)
	}
	return bf
}

func run(t *testing.T, bf *bytefile.Bytefile, stdin string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	h := heap.New(strings.NewReader(stdin), &out)
	in := interp.New(bf, h)
	in.SetStepLimit(10_000)
	_, err := in.Run()
	return out.String(), err
}

func TestArithmeticScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Const).i32(3)
	a.op(opcode.Const).i32(4)
	a.op(opcode.BinopAdd)
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "7\n" {
		t.Fatalf("stdout = %q, want %q", out, "7\n")
	}
}

func TestConditionalScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Const).i32(0)
	cjmpzAt := a.addr()
	a.op(opcode.CJmpz).u32(0) // patched below
	a.op(opcode.Const).i32(1)
	jmpAt := a.addr()
	a.op(opcode.Jmp).u32(0) // patched below
	tAddr := a.addr()
	a.op(opcode.Const).i32(2)
	eAddr := a.addr()
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	code := a.buf.Bytes()
	patchU32(code, int(cjmpzAt)+1, tAddr)
	patchU32(code, int(jmpAt)+1, eAddr)

	bf := loadProgram(t, 0, code)
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "2\n" {
		t.Fatalf("stdout = %q, want %q", out, "2\n")
	}
}

func patchU32(code []byte, off int, v uint32) {
	code[off] = byte(v)
	code[off+1] = byte(v >> 8)
	code[off+2] = byte(v >> 16)
	code[off+3] = byte(v >> 24)
}

func TestArrayBuildAndIndexScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Const).i32(10)
	a.op(opcode.Const).i32(20)
	a.op(opcode.Const).i32(30)
	a.op(opcode.CallBarray).u32(3)
	a.op(opcode.Const).i32(1)
	a.op(opcode.Elem)
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "20\n" {
		t.Fatalf("stdout = %q, want %q", out, "20\n")
	}
}

func TestFunctionCallScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Const).i32(5)
	a.op(opcode.Const).i32(7)
	callAt := a.addr()
	a.op(opcode.Call).u32(0).u32(2) // target patched below
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	fAddr := a.addr()
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.LdA).u32(0)
	a.op(opcode.LdA).u32(1)
	a.op(opcode.BinopAdd)
	a.op(opcode.End)

	code := a.buf.Bytes()
	patchU32(code, int(callAt)+1, fAddr)

	bf := loadProgram(t, 0, code)
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "12\n" {
		t.Fatalf("stdout = %q, want %q", out, "12\n")
	}
}

func TestClosureScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(1)
	a.op(opcode.Const).i32(9)
	a.op(opcode.StL).u32(0)
	a.op(opcode.Drop)
	closureAt := a.addr()
	a.op(opcode.Closure).u32(0).u32(1) // target patched below
	a.byte(byte(opcode.Local))
	a.u32(0)
	a.op(opcode.Const).i32(2)
	a.op(opcode.Callc).u32(1)
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	bodyAddr := a.addr()
	a.op(opcode.CBegin).u32(1).u32(0)
	a.op(opcode.LdC).u32(0)
	a.op(opcode.LdA).u32(0)
	a.op(opcode.BinopAdd)
	a.op(opcode.End)

	code := a.buf.Bytes()
	patchU32(code, int(closureAt)+1, bodyAddr)

	bf := loadProgram(t, 0, code)
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "11\n" {
		t.Fatalf("stdout = %q, want %q", out, "11\n")
	}
}

func TestFailScenario(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Const).i32(1)
	a.op(opcode.Const).i32(2)
	a.op(opcode.Fail)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	out, err := run(t, bf, "")
	if err == nil {
		t.Fatalf("Run succeeded, want a runtime failure")
	}
	fault, ok := err.(*interp.Fault)
	if !ok {
		t.Fatalf("error is %T, want *interp.Fault", err)
	}
	if fault.Kind != interp.KindRuntimeFailure {
		t.Fatalf("fault.Kind = %v, want KindRuntimeFailure", fault.Kind)
	}
	if out != "" {
		t.Fatalf("stdout = %q, want empty (nothing should print before FAIL)", out)
	}
}

func TestStiIsUnreachable(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.Sti)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	_, err := run(t, bf, "")
	if err == nil {
		t.Fatalf("Run succeeded, want STI to fault")
	}
	fault, ok := err.(*interp.Fault)
	if !ok {
		t.Fatalf("error is %T, want *interp.Fault", err)
	}
	if fault.Kind != interp.KindDecoder {
		t.Fatalf("fault.Kind = %v, want KindDecoder", fault.Kind)
	}
}

func TestLdaPushesReferenceTwiceForSta(t *testing.T) {
	// LDA_L 0; CONST 42; STA -- pops v=42, i=addr, x=addr (the second
	// LDA copy); since addr resolves as a ref handle, STA must write
	// through it directly and push the stored value back.
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(1)
	a.op(opcode.Const).i32(0)
	a.op(opcode.StL).u32(0)
	a.op(opcode.Drop)
	a.op(opcode.LdaL).u32(0)
	a.op(opcode.Const).i32(42)
	a.op(opcode.Sta)
	a.op(opcode.CallLwrite)
	a.op(opcode.LdL).u32(0)
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	out, err := run(t, bf, "")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "42\n42\n" {
		t.Fatalf("stdout = %q, want %q", out, "42\n42\n")
	}
}

func TestReadAndWriteRoundTrip(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.op(opcode.CallLread)
	a.op(opcode.CallLwrite)
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	out, err := run(t, bf, "99\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out != "99\n" {
		t.Fatalf("stdout = %q, want %q", out, "99\n")
	}
}

func TestStepLimitStopsRunaway(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	loopAt := a.addr()
	a.op(opcode.Jmp).u32(loopAt)

	bf := loadProgram(t, 0, a.buf.Bytes())
	var out bytes.Buffer
	h := heap.New(strings.NewReader(""), &out)
	in := interp.New(bf, h)
	in.SetStepLimit(50)
	_, err := in.Run()
	if err == nil {
		t.Fatalf("Run succeeded, want a step-limit control fault")
	}
	fault, ok := err.(*interp.Fault)
	if !ok {
		t.Fatalf("error is %T, want *interp.Fault", err)
	}
	if fault.Kind != interp.KindControl {
		t.Fatalf("fault.Kind = %v, want KindControl", fault.Kind)
	}
}

func TestUnknownOpcodeIsDecoderFault(t *testing.T) {
	a := new(asm)
	a.op(opcode.Begin).u32(2).u32(0)
	a.byte(0xFF) // not a registered opcode
	a.op(opcode.End)

	bf := loadProgram(t, 0, a.buf.Bytes())
	_, err := run(t, bf, "")
	if err == nil {
		t.Fatalf("Run succeeded, want a decoder fault for opcode 0xFF")
	}
	fault, ok := err.(*interp.Fault)
	if !ok {
		t.Fatalf("error is %T, want *interp.Fault", err)
	}
	if fault.Kind != interp.KindDecoder {
		t.Fatalf("fault.Kind = %v, want KindDecoder", fault.Kind)
	}
}
