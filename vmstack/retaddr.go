package vmstack

import "lamavm.dev/interp/value"

// PackReturnAddr and UnpackReturnAddr translate between a bytecode byte
// offset and the Word CALL/CALLC push as a return address. The reference
// interpreter pushes a raw pointer and treats the null pointer as "no
// caller"; we push byte offsets instead, and a real offset of 0 (the
// very first instruction) would be indistinguishable from that halt
// sentinel, so every packed address is offset+1 and 0 is reserved for
// "halt".
func PackReturnAddr(ip uint32) value.Word {
	return value.Word(uint64(ip) + 1)
}

// UnpackReturnAddr reports the bytecode offset a packed return address
// names, and false if it is the halt sentinel.
func UnpackReturnAddr(w value.Word) (uint32, bool) {
	if w == 0 {
		return 0, false
	}
	return uint32(w - 1), true
}
