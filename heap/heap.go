// Package heap implements the runtime bridge the interpreter calls
// across for every operation that needs heap-allocated data: strings,
// arrays, S-expressions, and closures. The bytecode contract treats
// this as an opaque external GC heap; here it is backed by Go's own
// garbage collector through a handle table, so that a stack slot only
// ever needs to carry a small integer handle rather than an unsafe raw
// pointer.
package heap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"lamavm.dev/interp/value"
)

type kind int

const (
	kindString kind = iota
	kindArray
	kindSexp
	kindClosure
)

// object is the union of everything a handle can name. Only the field
// matching kind is meaningful.
type object struct {
	kind kind

	str string

	// arr backs arrays, sexp fields, and closure cells (cell 0 is the
	// closure's code address).
	arr []value.Word

	tag int32 // sexp tag hash; unused for other kinds
}

// Heap is a Go-backed implementation of the bytecode runtime bridge. A
// zero-value Heap is not usable; construct with New.
type Heap struct {
	objects []*object

	in  *bufio.Reader
	out io.Writer
}

// New builds a Heap that reads CALL_Lread input from in and writes
// CALL_Lwrite output to out.
func New(in io.Reader, out io.Writer) *Heap {
	return &Heap{in: bufio.NewReader(in), out: out}
}

func (h *Heap) alloc(o *object) value.Word {
	h.objects = append(h.objects, o)
	idx := len(h.objects) - 1
	// Handles are even and non-zero so they never collide with a boxed
	// integer (odd low bit) or with the zero Word used elsewhere as a
	// "no value" sentinel.
	return value.Word(uint64(idx+1) * 2)
}

func (h *Heap) resolve(w value.Word) (*object, bool) {
	if w == 0 || w%2 != 0 {
		return nil, false
	}
	idx := uint64(w)/2 - 1
	if idx >= uint64(len(h.objects)) {
		return nil, false
	}
	return h.objects[idx], true
}

// AllocString copies s into a new heap string object and returns its
// handle.
func (h *Heap) AllocString(s string) value.Word {
	return h.alloc(&object{kind: kindString, str: s})
}

// AllocArray allocates an n-cell array, zero-filled with boxed zeros so
// every cell is a valid Word before the caller stores into it.
func (h *Heap) AllocArray(n int) value.Word {
	cells := make([]value.Word, n)
	for i := range cells {
		cells[i] = value.Box(0)
	}
	return h.alloc(&object{kind: kindArray, arr: cells})
}

// AllocArrayFrom allocates an array pre-populated with vals, in order.
// Used by the array-construction primitive, which already has every
// element value in hand from the stack and has no use for AllocArray's
// zero-fill step.
func (h *Heap) AllocArrayFrom(vals []value.Word) value.Word {
	cp := make([]value.Word, len(vals))
	copy(cp, vals)
	return h.alloc(&object{kind: kindArray, arr: cp})
}

// AllocSexp allocates a tagged S-expression with len(fields) fields.
func (h *Heap) AllocSexp(tagHash int32, fields []value.Word) value.Word {
	cp := make([]value.Word, len(fields))
	copy(cp, fields)
	return h.alloc(&object{kind: kindSexp, arr: cp, tag: tagHash})
}

// AllocClosure allocates a closure: cell 0 holds the code address, the
// rest hold a snapshot of the captured values at construction time.
func (h *Heap) AllocClosure(codeAddr uint32, captures []value.Word) value.Word {
	cells := make([]value.Word, 1+len(captures))
	cells[0] = value.Word(codeAddr)
	copy(cells[1:], captures)
	return h.alloc(&object{kind: kindClosure, arr: cells})
}

// ResolveClosure satisfies vmstack.ClosureResolver.
func (h *Heap) ResolveClosure(w value.Word) ([]value.Word, bool) {
	o, ok := h.resolve(w)
	if !ok || o.kind != kindClosure {
		return nil, false
	}
	return o.arr, true
}

// Elem implements the polymorphic ELEM read: indexing into
// an array, an S-expression's fields, or a string's bytes.
func (h *Heap) Elem(c, i value.Word) (value.Word, error) {
	idx := int(value.Unbox(i))
	o, ok := h.resolve(c)
	if !ok {
		return 0, fmt.Errorf("elem: %v is not a heap reference", c)
	}
	switch o.kind {
	case kindArray, kindSexp:
		if idx < 0 || idx >= len(o.arr) {
			return 0, fmt.Errorf("elem: index %d out of bounds (len %d)", idx, len(o.arr))
		}
		return o.arr[idx], nil
	case kindString:
		if idx < 0 || idx >= len(o.str) {
			return 0, fmt.Errorf("elem: index %d out of bounds (len %d)", idx, len(o.str))
		}
		return value.Box(int32(o.str[idx])), nil
	default:
		return 0, fmt.Errorf("elem: handle %v has no elements", c)
	}
}

// StoreAt implements STA's polymorphic indexed write and returns the
// value that was written.
func (h *Heap) StoreAt(x, i, v value.Word) (value.Word, error) {
	idx := int(value.Unbox(i))
	o, ok := h.resolve(x)
	if !ok {
		return 0, fmt.Errorf("sta: %v is not a heap reference", x)
	}
	switch o.kind {
	case kindArray, kindSexp:
		if idx < 0 || idx >= len(o.arr) {
			return 0, fmt.Errorf("sta: index %d out of bounds (len %d)", idx, len(o.arr))
		}
		o.arr[idx] = v
	case kindString:
		if idx < 0 || idx >= len(o.str) {
			return 0, fmt.Errorf("sta: index %d out of bounds (len %d)", idx, len(o.str))
		}
		b := []byte(o.str)
		b[idx] = byte(value.Unbox(v))
		o.str = string(b)
	default:
		return 0, fmt.Errorf("sta: handle %v is not indexable", x)
	}
	return v, nil
}

// Length returns an object's element/byte count, already in the boxed
// integer form the caller pushes directly (no further Box call needed),
// matching how the reference runtime's length helper behaves.
func (h *Heap) Length(p value.Word) (value.Word, error) {
	o, ok := h.resolve(p)
	if !ok {
		return 0, fmt.Errorf("length: %v is not a heap reference", p)
	}
	switch o.kind {
	case kindArray, kindSexp:
		return value.Box(int32(len(o.arr))), nil
	case kindString:
		return value.Box(int32(len(o.str))), nil
	default:
		return 0, fmt.Errorf("length: handle %v has no length", p)
	}
}

// ToString renders v as a Lama display string and returns the handle of
// the new heap string.
func (h *Heap) ToString(v value.Word) (value.Word, error) {
	if !value.IsBoxed(v) {
		return h.AllocString(strconv.Itoa(int(value.Unbox(v)))), nil
	}
	o, ok := h.resolve(v)
	if !ok {
		return 0, fmt.Errorf("string: %v is not a heap reference", v)
	}
	switch o.kind {
	case kindString:
		return h.AllocString(o.str), nil
	case kindArray:
		parts := make([]string, len(o.arr))
		for i, w := range o.arr {
			s, err := h.ToString(w)
			if err != nil {
				return 0, err
			}
			ro, _ := h.resolve(s)
			parts[i] = ro.str
		}
		return h.AllocString("[" + strings.Join(parts, ", ") + "]"), nil
	case kindSexp:
		parts := make([]string, len(o.arr))
		for i, w := range o.arr {
			s, err := h.ToString(w)
			if err != nil {
				return 0, err
			}
			ro, _ := h.resolve(s)
			parts[i] = ro.str
		}
		return h.AllocString(fmt.Sprintf("sexp<%d>(%s)", o.tag, strings.Join(parts, ", "))), nil
	case kindClosure:
		return h.AllocString("<closure>"), nil
	default:
		return 0, fmt.Errorf("string: unrecognized heap object")
	}
}

// TagHash maps a tag name to a stable integer (32-bit FNV-1a). The real
// Lama runtime's tag-hash algorithm lives in a runtime support library
// this pack does not carry source for (original_source includes only
// the interpreter core, not Lama's runtime_common), so this is a
// from-scratch deterministic string hash rather than a transliteration.
// Equal names always get equal hashes; distinct names can collide, and
// CheckTag then cannot tell them apart.
func (h *Heap) TagHash(name string) int32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		hash ^= uint32(name[i])
		hash *= 16777619
	}
	return int32(hash)
}

// CheckTag reports, as an already-boxed 0/1, whether v is an S-expression
// tagged with hash and exactly int(value.Unbox(arity)) fields.
func (h *Heap) CheckTag(v value.Word, hash int32, arity value.Word) value.Word {
	o, ok := h.resolve(v)
	if !ok || o.kind != kindSexp {
		return value.Box(0)
	}
	if o.tag != hash || len(o.arr) != int(value.Unbox(arity)) {
		return value.Box(0)
	}
	return value.Box(1)
}

// CheckStringEq implements the PATT_str structural-equality predicate:
// two unboxed integers compare by value, two strings compare by
// content, anything else compares unequal.
func (h *Heap) CheckStringEq(x, y value.Word) value.Word {
	if !value.IsBoxed(x) && !value.IsBoxed(y) {
		if value.Unbox(x) == value.Unbox(y) {
			return value.Box(1)
		}
		return value.Box(0)
	}
	ox, okx := h.resolve(x)
	oy, oky := h.resolve(y)
	if okx && oky && ox.kind == kindString && oy.kind == kindString && ox.str == oy.str {
		return value.Box(1)
	}
	return value.Box(0)
}

func (h *Heap) boolWord(b bool) value.Word {
	if b {
		return value.Box(1)
	}
	return value.Box(0)
}

// CheckString reports whether v is a string handle.
func (h *Heap) CheckString(v value.Word) value.Word {
	o, ok := h.resolve(v)
	return h.boolWord(ok && o.kind == kindString)
}

// CheckArrayTag reports whether v is an array handle.
func (h *Heap) CheckArrayTag(v value.Word) value.Word {
	o, ok := h.resolve(v)
	return h.boolWord(ok && o.kind == kindArray)
}

// CheckSexpTag reports whether v is an S-expression handle.
func (h *Heap) CheckSexpTag(v value.Word) value.Word {
	o, ok := h.resolve(v)
	return h.boolWord(ok && o.kind == kindSexp)
}

// CheckBoxed reports whether v carries the pointer tag bit.
func (h *Heap) CheckBoxed(v value.Word) value.Word {
	return h.boolWord(value.IsBoxed(v))
}

// CheckUnboxed reports whether v carries the integer tag bit.
func (h *Heap) CheckUnboxed(v value.Word) value.Word {
	return h.boolWord(!value.IsBoxed(v))
}

// CheckClosureTag reports whether v is a closure handle.
func (h *Heap) CheckClosureTag(v value.Word) value.Word {
	o, ok := h.resolve(v)
	return h.boolWord(ok && o.kind == kindClosure)
}

// CheckArrayShape reports whether v is an array handle with exactly n
// elements.
func (h *Heap) CheckArrayShape(v value.Word, n value.Word) value.Word {
	o, ok := h.resolve(v)
	return h.boolWord(ok && o.kind == kindArray && len(o.arr) == int(value.Unbox(n)))
}

// ReadInt reads one whitespace-delimited decimal integer from the
// configured input, returning it already boxed (the reference runtime's
// read primitive hands back a value the interpreter pushes as-is).
func (h *Heap) ReadInt() (value.Word, error) {
	var n int32
	if _, err := fmt.Fscan(h.in, &n); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return value.Box(n), nil
}

// WriteInt writes a decimal integer followed by a newline to the
// configured output.
func (h *Heap) WriteInt(n int32) {
	fmt.Fprintf(h.out, "%d\n", n)
}
