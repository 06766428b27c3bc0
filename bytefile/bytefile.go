// Package bytefile reads and decodes the Lama byterun bytefile format: a
// small header, a public-symbols table, a NUL-terminated string pool,
// and a trailing bytecode stream that the rest of the interpreter walks
// with a forward cursor.
package bytefile

import (
	"fmt"
	"os"
)

const headerSize = 3 * 4 // string_pool_size, globals_size, public_symbols_count, each u32

// PublicSymbol is one entry of the public-symbols table: two words whose
// meaning is not consumed by the core interpreter, only carried along
// for completeness of the on-disk format.
type PublicSymbol struct {
	Name   uint32
	Offset uint32
}

// Bytefile is an immutable, already-validated view over a loaded
// bytefile's buffer. The pool bytes and Bytecode views are sub-slices of
// the same backing array; PublicSymbols is decoded from it into a
// separate slice.
type Bytefile struct {
	raw           []byte
	pool          []byte
	PublicSymbols []PublicSymbol
	Bytecode      []byte
	GlobalsSize   uint32

	ip        int // byte offset into Bytecode
	prevIP    int
	prevIPSet bool // false until the first opcode byte is ever consumed
	// Line is the most recently decoded LINE operand, purely a
	// diagnostics side-channel; it has no effect on execution (§4.4).
	// Zero means "no LINE has been seen yet", matching the reference
	// reader's own use of a falsy fileLine to mean the same thing.
	Line uint32
}

// Read loads path into a single buffer and parses the header. On any
// structural problem it returns every diagnostic it found rather than
// stopping at the first one, matching the Lama byterun reader's
// batched-diagnostics contract.
func Read(path string) (*Bytefile, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("opening %s: %v", path, err)}
	}
	return parse(raw)
}

func parse(raw []byte) (*Bytefile, []string) {
	var errs []string
	fileSize := len(raw)

	if fileSize < headerSize {
		return nil, []string{fmt.Sprintf("file is %d bytes, too small for a %d-byte header", fileSize, headerSize)}
	}

	strPoolSize := getU32(raw, 0)
	globalsSize := getU32(raw, 4)
	publicSymbolsCount := getU32(raw, 8)

	bf := &Bytefile{raw: raw, GlobalsSize: globalsSize}

	publicSymbolsBytes := uint64(publicSymbolsCount) * 2 * 4
	if publicSymbolsBytes+uint64(headerSize) >= uint64(fileSize) {
		errs = append(errs, fmt.Sprintf(
			"public symbols size is %d bytes, while file size is %d bytes",
			publicSymbolsBytes, fileSize))
	} else {
		off := headerSize
		syms := make([]PublicSymbol, publicSymbolsCount)
		for i := range syms {
			syms[i] = PublicSymbol{
				Name:   getU32(raw, off+i*8),
				Offset: getU32(raw, off+i*8+4),
			}
		}
		bf.PublicSymbols = syms
	}

	poolStart := headerSize + int(publicSymbolsBytes)
	if uint64(strPoolSize)+publicSymbolsBytes+uint64(headerSize) >= uint64(fileSize) {
		errs = append(errs, fmt.Sprintf(
			"string pool size is %d bytes, while remaining file size is %d bytes",
			strPoolSize, uint64(fileSize)-publicSymbolsBytes-uint64(headerSize)))
	} else {
		bf.pool = raw[poolStart : poolStart+int(strPoolSize)]
	}

	consumed := uint64(headerSize) + publicSymbolsBytes + uint64(strPoolSize)
	bytecodeSize := uint64(fileSize) - consumed
	if bytecodeSize == 0 || consumed > uint64(fileSize) {
		errs = append(errs, fmt.Sprintf(
			"bytecode size is %d bytes, while the whole file size is %d bytes", bytecodeSize, fileSize))
	} else {
		bf.Bytecode = raw[consumed:]
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return bf, nil
}

// getU32 hand-decodes a little-endian u32, following the teacher's own
// hand-rolled codec style (std/compiler/backend.go's putU32/getU32)
// rather than reaching for encoding/binary.
func getU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func getI32(b []byte, off int) int32 {
	return int32(getU32(b, off))
}

// GetString returns the NUL-terminated string starting at offset within
// the string pool.
func (bf *Bytefile) GetString(offset uint32) (string, bool) {
	if uint64(offset) >= uint64(len(bf.pool)) {
		return "", false
	}
	end := offset
	for end < uint32(len(bf.pool)) && bf.pool[end] != 0 {
		end++
	}
	return string(bf.pool[offset:end]), true
}

// EnoughBytes reports whether n more bytes remain in Bytecode from IP.
func (bf *Bytefile) EnoughBytes(n int) bool {
	return len(bf.Bytecode)-bf.ip >= n
}

// IP returns the current byte offset into Bytecode.
func (bf *Bytefile) IP() int { return bf.ip }

// PrevIP returns the byte offset of the most recently decoded opcode,
// for diagnostics only. Only meaningful once HasPrevIP is true.
func (bf *Bytefile) PrevIP() int { return bf.prevIP }

// HasPrevIP reports whether any opcode has ever been decoded yet. A
// fault raised before the first GetNextCode call (which cannot happen
// once execution starts, but is possible to ask about) has no prior
// opcode to blame.
func (bf *Bytefile) HasPrevIP() bool { return bf.prevIPSet }

// GetNextCode reads one opcode byte at IP, records it as PrevIP, and
// advances IP by one. Caller must have checked EnoughBytes(1).
func (bf *Bytefile) GetNextCode() byte {
	bf.prevIP = bf.ip
	bf.prevIPSet = true
	b := bf.Bytecode[bf.ip]
	bf.ip++
	return b
}

// PeekNextCode reads the byte at IP without advancing.
func (bf *Bytefile) PeekNextCode() byte {
	return bf.Bytecode[bf.ip]
}

// GetNextU32 reads a little-endian u32 at IP and advances by 4. Caller
// must have checked EnoughBytes(4).
func (bf *Bytefile) GetNextU32() uint32 {
	v := getU32(bf.Bytecode, bf.ip)
	bf.ip += 4
	return v
}

// GetNextI32 is GetNextU32 reinterpreted as signed.
func (bf *Bytefile) GetNextI32() int32 {
	v := getI32(bf.Bytecode, bf.ip)
	bf.ip += 4
	return v
}

// GetNextString reads a u32 pool index at IP and returns the string at
// that offset. Caller must have checked EnoughBytes(4).
func (bf *Bytefile) GetNextString() (string, bool) {
	idx := bf.GetNextU32()
	return bf.GetString(idx)
}

// TrySetAddress sets IP to abs if it falls strictly within Bytecode.
func (bf *Bytefile) TrySetAddress(abs uint32) bool {
	if uint64(abs) >= uint64(len(bf.Bytecode)) {
		return false
	}
	bf.ip = int(abs)
	return true
}

// ClosureArg is one packed capture descriptor read by ClosureArray:
// a variable kind byte followed by a u32 index, 5 bytes total.
type ClosureArg struct {
	Kind  byte
	Index uint32
}

// ClosureArray reads n packed (u8, u32) capture descriptors starting at
// IP and advances IP by 5*n. Caller must have checked EnoughBytes(5*n).
func (bf *Bytefile) ClosureArray(n uint32) []ClosureArg {
	args := make([]ClosureArg, n)
	for i := range args {
		args[i] = ClosureArg{
			Kind:  bf.Bytecode[bf.ip],
			Index: getU32(bf.Bytecode, bf.ip+1),
		}
		bf.ip += 5
	}
	return args
}
