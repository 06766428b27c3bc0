// Package opcode defines the Lama bytecode instruction set: the
// single-byte opcode space and the sub-enums packed into low nibbles
// (binary operator, variable kind, pattern kind).
package opcode

// Opcode is the single byte that begins every instruction. Values match
// the producing Lama compiler's byterun format exactly; they are not an
// internal design choice and must not be renumbered.
type Opcode byte

const (
	BinopAdd Opcode = 0x01
	BinopSub Opcode = 0x02
	BinopMul Opcode = 0x03
	BinopDiv Opcode = 0x04
	BinopRem Opcode = 0x05
	BinopLt  Opcode = 0x06
	BinopLe  Opcode = 0x07
	BinopGt  Opcode = 0x08
	BinopGe  Opcode = 0x09
	BinopEq  Opcode = 0x0A
	BinopNe  Opcode = 0x0B
	BinopAnd Opcode = 0x0C
	BinopOr  Opcode = 0x0D

	Const  Opcode = 0x10
	String Opcode = 0x11
	Sexp   Opcode = 0x12
	Sti    Opcode = 0x13
	Sta    Opcode = 0x14
	Jmp    Opcode = 0x15
	End    Opcode = 0x16
	Ret    Opcode = 0x17
	Drop   Opcode = 0x18
	Dup    Opcode = 0x19
	Swap   Opcode = 0x1A
	Elem   Opcode = 0x1B

	LdG Opcode = 0x20
	LdL Opcode = 0x21
	LdA Opcode = 0x22
	LdC Opcode = 0x23

	LdaG Opcode = 0x30
	LdaL Opcode = 0x31
	LdaA Opcode = 0x32
	LdaC Opcode = 0x33

	StG Opcode = 0x40
	StL Opcode = 0x41
	StA Opcode = 0x42
	StC Opcode = 0x43

	CJmpz   Opcode = 0x50
	CJmpnz  Opcode = 0x51
	Begin   Opcode = 0x52
	CBegin  Opcode = 0x53
	Closure Opcode = 0x54
	Callc   Opcode = 0x55
	Call    Opcode = 0x56
	Tag     Opcode = 0x57
	Array   Opcode = 0x58
	Fail    Opcode = 0x59
	Line    Opcode = 0x5A

	PattStr    Opcode = 0x60
	PattString Opcode = 0x61
	PattArray  Opcode = 0x62
	PattSexp   Opcode = 0x63
	PattRef    Opcode = 0x64
	PattVal    Opcode = 0x65
	PattFun    Opcode = 0x66

	CallLread   Opcode = 0x70
	CallLwrite  Opcode = 0x71
	CallLlength Opcode = 0x72
	CallLstring Opcode = 0x73
	CallBarray  Opcode = 0x74
)

// Low returns the low nibble of the opcode byte, used by opcode
// families whose sub-kind (binop, variable kind, jump polarity, pattern
// kind, begin variant) is packed there instead of taking an operand.
func (op Opcode) Low() byte {
	return byte(op) & 0x0F
}

// String renders the opcode's mnemonic for diagnostics. Unknown bytes
// render as UNKNOWN_OPCODE rather than panicking, since a malformed
// bytefile can produce any byte value here.
func (op Opcode) String() string {
	if s, ok := mnemonics[op]; ok {
		return s
	}
	return "UNKNOWN_OPCODE"
}

var mnemonics = map[Opcode]string{
	BinopAdd: "BINOP_add", BinopSub: "BINOP_sub", BinopMul: "BINOP_mul",
	BinopDiv: "BINOP_div", BinopRem: "BINOP_rem", BinopLt: "BINOP_lt",
	BinopLe: "BINOP_le", BinopGt: "BINOP_gt", BinopGe: "BINOP_ge",
	BinopEq: "BINOP_eq", BinopNe: "BINOP_ne", BinopAnd: "BINOP_and",
	BinopOr: "BINOP_or",
	Const:   "CONST", String: "STRING", Sexp: "SEXP", Sti: "STI",
	Sta: "STA", Jmp: "JMP", End: "END", Ret: "RET", Drop: "DROP",
	Dup: "DUP", Swap: "SWAP", Elem: "ELEM",
	LdG: "LD_G", LdL: "LD_L", LdA: "LD_A", LdC: "LD_C",
	LdaG: "LDA_G", LdaL: "LDA_L", LdaA: "LDA_A", LdaC: "LDA_C",
	StG: "ST_G", StL: "ST_L", StA: "ST_A", StC: "ST_C",
	CJmpz: "CJMPz", CJmpnz: "CJMPnz", Begin: "BEGIN", CBegin: "CBEGIN",
	Closure: "CLOSURE", Callc: "CALLC", Call: "CALL", Tag: "TAG",
	Array: "ARRAY", Fail: "FAIL", Line: "LINE",
	PattStr: "PATT_str", PattString: "PATT_string", PattArray: "PATT_array",
	PattSexp: "PATT_sexp", PattRef: "PATT_ref", PattVal: "PATT_val",
	PattFun: "PATT_fun",
	CallLread: "CALL_Lread", CallLwrite: "CALL_Lwrite",
	CallLlength: "CALL_Llength", CallLstring: "CALL_Lstring",
	CallBarray: "CALL_Barray",
}

// BinOp identifies which arithmetic/relational/logical operator a
// BINOP_* opcode's low nibble selects.
type BinOp byte

const (
	OpAdd BinOp = 0x01
	OpSub BinOp = 0x02
	OpMul BinOp = 0x03
	OpDiv BinOp = 0x04
	OpRem BinOp = 0x05
	OpLt  BinOp = 0x06
	OpLe  BinOp = 0x07
	OpGt  BinOp = 0x08
	OpGe  BinOp = 0x09
	OpEq  BinOp = 0x0A
	OpNe  BinOp = 0x0B
	OpAnd BinOp = 0x0C
	OpOr  BinOp = 0x0D
)

// VariableType identifies which of the four addressable slot kinds an
// LD/LDA/ST opcode's low nibble (or an operand in CLOSURE) refers to.
type VariableType byte

const (
	Global   VariableType = 0x0
	Local    VariableType = 0x1
	Argument VariableType = 0x2
	Captured VariableType = 0x3
)

// PatternType identifies which structural test a PATT_* opcode performs.
type PatternType byte

const (
	PatStr     PatternType = 0x0
	PatString  PatternType = 0x1
	PatArray   PatternType = 0x2
	PatSexp    PatternType = 0x3
	PatBoxed   PatternType = 0x4
	PatUnboxed PatternType = 0x5
	PatClosure PatternType = 0x6
)
