package opcode

import "testing"

func TestLowNibble(t *testing.T) {
	if got := CJmpz.Low(); got != 0 {
		t.Fatalf("CJmpz.Low() = %d, want 0", got)
	}
	if got := CJmpnz.Low(); got != 1 {
		t.Fatalf("CJmpnz.Low() = %d, want 1", got)
	}
	if got := LdC.Low(); got != byte(Captured) {
		t.Fatalf("LdC.Low() = %d, want %d", got, Captured)
	}
}

func TestStringKnownAndUnknown(t *testing.T) {
	if got := Const.String(); got != "CONST" {
		t.Fatalf("Const.String() = %q, want CONST", got)
	}
	unknown := Opcode(0xFF)
	if got := unknown.String(); got != "UNKNOWN_OPCODE" {
		t.Fatalf("unknown opcode String() = %q, want UNKNOWN_OPCODE", got)
	}
}

func TestEveryMnemonicRegistered(t *testing.T) {
	ops := []Opcode{
		BinopAdd, BinopSub, BinopMul, BinopDiv, BinopRem, BinopLt, BinopLe,
		BinopGt, BinopGe, BinopEq, BinopNe, BinopAnd, BinopOr,
		Const, String, Sexp, Sti, Sta, Jmp, End, Ret, Drop, Dup, Swap, Elem,
		LdG, LdL, LdA, LdC, LdaG, LdaL, LdaA, LdaC, StG, StL, StA, StC,
		CJmpz, CJmpnz, Begin, CBegin, Closure, Callc, Call, Tag, Array,
		Fail, Line, PattStr, PattString, PattArray, PattSexp, PattRef,
		PattVal, PattFun, CallLread, CallLwrite, CallLlength, CallLstring,
		CallBarray,
	}
	for _, op := range ops {
		if op.String() == "UNKNOWN_OPCODE" {
			t.Errorf("opcode %#x has no registered mnemonic", byte(op))
		}
	}
}
