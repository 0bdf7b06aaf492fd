package bptree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"dbite/pkg/pager"
	"dbite/util/helpers"
)

// bin is the byte order used for every on-disk integer field.
var bin = binary.LittleEndian

// Node type codes, per spec.md §3.
const (
	typeInternal uint8 = 1
	typeLeaf     uint8 = 2
)

// Layout constants, per spec.md §6.
const (
	pageHeaderSize  = 3 // type(1) + n_keys(2)
	ptrSize         = 4
	offsetSize      = 2
	slotHeaderSize  = 4 // key_len(2) + val_len(2)
)

// MaxEntrySize is the largest a single key+value pair may be and still
// fit in one page, per spec.md §3. The extra 10-byte margin matches the
// original implementation this spec was distilled from.
const MaxEntrySize = pager.PageSize - pageHeaderSize - ptrSize - offsetSize - slotHeaderSize - 10

// node is the in-memory view of a B+ tree page: a contiguous byte buffer
// with typed accessors and structural transforms. It does no I/O; pagerIO
// is handled entirely by the caller (the tree). Transient nodes built
// during a mutation may be up to 2*pager.PageSize bytes; only page-sized
// nodes (splitToFitPage's output on insert, and the page-sized results of
// delete, merge and relink) are ever handed to the pager.
type node struct {
	data []byte
}

func newNode(size int) *node {
	return &node{data: make([]byte, size)}
}

func nodeFromBytes(data []byte) *node {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &node{data: buf}
}

func (n *node) bytes() []byte { return n.data }

func (n *node) nodeType() uint8 { return n.data[0] }

func (n *node) numKeys() uint16 {
	return bin.Uint16(n.data[1:3])
}

func (n *node) setHeader(typ uint8, numKeys uint16) {
	n.data[0] = typ
	bin.PutUint16(n.data[1:3], numKeys)
}

func (n *node) isLeaf() bool { return n.nodeType() == typeLeaf }

func (n *node) ptr(i uint16) uint32 {
	if i >= n.numKeys() {
		panic(errors.Errorf("node: ptr index %d out of range (n_keys=%d)", i, n.numKeys()))
	}
	off := pageHeaderSize + ptrSize*int(i)
	return bin.Uint32(n.data[off : off+4])
}

func (n *node) setPtr(i uint16, v uint32) {
	if i >= n.numKeys() {
		panic(errors.Errorf("node: ptr index %d out of range (n_keys=%d)", i, n.numKeys()))
	}
	off := pageHeaderSize + ptrSize*int(i)
	bin.PutUint32(n.data[off:off+4], v)
}

// offset returns the end-offset of slot i, measured from the start of the
// slot area. offset(0) is always 0 (not stored on disk).
func (n *node) offset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	nk := n.numKeys()
	off := pageHeaderSize + ptrSize*int(nk) + offsetSize*(int(i)-1)
	return bin.Uint16(n.data[off : off+2])
}

func (n *node) setOffset(i uint16, v uint16) {
	if i == 0 {
		panic(errors.New("node: offset(0) is implicit and cannot be set"))
	}
	nk := n.numKeys()
	off := pageHeaderSize + ptrSize*int(nk) + offsetSize*(int(i)-1)
	bin.PutUint16(n.data[off:off+2], v)
}

// slotPos returns the absolute byte offset of slot i's header within the
// node (i may equal numKeys(), giving the position just past the last
// slot — used to compute node size).
func (n *node) slotPos(i uint16) uint16 {
	nk := n.numKeys()
	base := pageHeaderSize + ptrSize*int(nk) + offsetSize*int(nk)
	return uint16(base) + n.offset(i)
}

// size returns the number of bytes the node currently occupies; for a
// page-sized node this must be <= pager.PageSize.
func (n *node) size() uint16 {
	return n.slotPos(n.numKeys())
}

func (n *node) key(i uint16) []byte {
	pos := n.slotPos(i)
	keyLen := bin.Uint16(n.data[pos : pos+2])
	return n.data[pos+slotHeaderSize : pos+slotHeaderSize+keyLen]
}

func (n *node) value(i uint16) []byte {
	pos := n.slotPos(i)
	keyLen := bin.Uint16(n.data[pos : pos+2])
	valLen := bin.Uint16(n.data[pos+2 : pos+4])
	start := pos + slotHeaderSize + keyLen
	return n.data[start : start+valLen]
}

// setSlot writes pointer i, the slot header, key bytes, and value bytes
// at slot i, and derives offset[i+1] from offset[i] + slot size. Callers
// must write slots left-to-right: offset[i+1] depends on offset[i], and
// n_keys must already be set to accommodate index i+1.
func (n *node) setSlot(i uint16, ptr uint32, key, val []byte) {
	if n.nodeType() == typeInternal {
		n.setPtr(i, ptr)
	}

	pos := n.slotPos(i)
	bin.PutUint16(n.data[pos:pos+2], uint16(len(key)))
	bin.PutUint16(n.data[pos+2:pos+4], uint16(len(val)))

	off := pos + slotHeaderSize
	copy(n.data[off:off+uint16(len(key))], key)
	off += uint16(len(key))
	copy(n.data[off:off+uint16(len(val))], val)

	recordSize := slotHeaderSize + uint16(len(key)) + uint16(len(val))
	n.setOffset(i+1, n.offset(i)+recordSize)
}

// copyRange copies n logical slots [srcStart, srcStart+n) from src into
// this node starting at dstStart, left-to-right.
func (n *node) copyRange(src *node, dstStart, srcStart, count uint16) {
	for i := uint16(0); i < count; i++ {
		k := src.key(srcStart + i)
		v := src.value(srcStart + i)
		var p uint32
		if src.nodeType() == typeInternal {
			p = src.ptr(srcStart + i)
		}
		n.setSlot(dstStart+i, p, k, v)
	}
}

// indexLookup binary searches for the first slot whose key is >= key. On
// a leaf it returns that index directly (which may equal numKeys()). On
// an internal node it clamps to the greatest slot whose key is <= key,
// since internal slot i carries the lowest key of subtree i and the
// descent target must never overshoot the right edge.
func (n *node) indexLookup(key []byte) uint16 {
	nk := n.numKeys()
	if nk == 0 {
		return 0
	}

	lo, hi := uint16(0), nk
	for lo < hi {
		mid := lo + (hi-lo)/2
		if helpers.CompareKeys(n.key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo == nk {
		if n.nodeType() == typeInternal {
			return nk - 1
		}
		return lo
	}

	if helpers.CompareKeys(n.key(lo), key) != 0 && n.nodeType() == typeInternal && lo > 0 {
		return lo - 1
	}

	return lo
}

// leafInsert returns a new leaf with key/value inserted at index i. The
// result may be up to 2*pager.PageSize bytes.
func (n *node) leafInsert(i uint16, key, val []byte) *node {
	out := newNode(2 * pager.PageSize)
	out.setHeader(typeLeaf, n.numKeys()+1)
	out.copyRange(n, 0, 0, i)
	out.setSlot(i, 0, key, val)
	out.copyRange(n, i+1, i, n.numKeys()-i)
	return out
}

// leafUpdate returns a new leaf with the entry at index i replaced.
func (n *node) leafUpdate(i uint16, key, val []byte) *node {
	out := newNode(2 * pager.PageSize)
	out.setHeader(typeLeaf, n.numKeys())
	out.copyRange(n, 0, 0, i)
	out.setSlot(i, 0, key, val)
	out.copyRange(n, i+1, i+1, n.numKeys()-i-1)
	return out
}

// leafDelete returns a new leaf with the entry at index i removed.
func (n *node) leafDelete(i uint16) *node {
	out := newNode(pager.PageSize)
	out.setHeader(typeLeaf, n.numKeys()-1)
	out.copyRange(n, 0, 0, i)
	out.copyRange(n, i, i+1, n.numKeys()-i-1)
	return out
}

// newRoot builds a fresh internal node directly from a set of children
// (no existing parent to splice into), used by root finalization after a
// split produces more than one fragment. Pointers are left at 0 for the
// caller to fill in after allocating a page for each child.
func newRoot(children []*node) *node {
	out := newNode(pager.PageSize)
	out.setHeader(typeInternal, uint16(len(children)))
	for i, child := range children {
		out.setSlot(uint16(i), 0, child.key(0), nil)
	}
	return out
}

// mergeNodes concatenates left's slots then right's into one new node of
// the same type.
func mergeNodes(left, right *node) *node {
	leftN, rightN := left.numKeys(), right.numKeys()
	out := newNode(pager.PageSize)
	out.setHeader(left.nodeType(), leftN+rightN)
	out.copyRange(left, 0, 0, leftN)
	out.copyRange(right, leftN, 0, rightN)
	return out
}

// updateLinks replaces slot i of an internal node with len(children)
// slots whose keys are each child's first key; pointers are left as 0 for
// the caller to fill in after allocating pages for each child.
func (n *node) updateLinks(i uint16, children []*node) *node {
	out := newNode(2 * pager.PageSize)
	newNumKeys := n.numKeys() + uint16(len(children)) - 1
	out.setHeader(typeInternal, newNumKeys)

	out.copyRange(n, 0, 0, i)
	for j, child := range children {
		out.setSlot(i+uint16(j), 0, child.key(0), nil)
	}
	out.copyRange(n, i+uint16(len(children)), i+1, n.numKeys()-i-1)

	return out
}

// updateLink replaces slot i only; its key becomes child's first key and
// its pointer is left 0 for the caller to fill in.
func (n *node) updateLink(i uint16, child *node) *node {
	out := newNode(pager.PageSize)
	out.setHeader(typeInternal, n.numKeys())
	out.copyRange(n, 0, 0, i)
	out.setSlot(i, 0, child.key(0), nil)
	out.copyRange(n, i+1, i+1, n.numKeys()-i-1)
	return out
}

// updateMergedLink replaces slots i and i+1 with one slot pointing at
// merged, reducing n_keys by one.
func (n *node) updateMergedLink(i uint16, merged *node) *node {
	out := newNode(pager.PageSize)
	out.setHeader(typeInternal, n.numKeys()-1)
	out.copyRange(n, 0, 0, i)
	out.setSlot(i, 0, merged.key(0), nil)
	out.copyRange(n, i+1, i+2, n.numKeys()-i-2)
	return out
}

// splitHalf splits an oversize node into two: the right piece is
// guaranteed to fit in one page; the left piece may still overflow and
// may need a second split.
func (n *node) splitHalf() (*node, *node) {
	total := n.numKeys()

	splitIndex := uint16(0)
	for i := uint16(1); i < total; i++ {
		tmp := newNode(2 * pager.PageSize)
		tmp.setHeader(n.nodeType(), total-i)
		tmp.copyRange(n, 0, i, total-i)

		if tmp.size() <= pager.PageSize {
			splitIndex = i
			break
		}
	}

	if splitIndex == 0 {
		panic(errors.New("node: splitHalf found no valid split point"))
	}

	leftN := splitIndex
	rightN := total - splitIndex

	left := newNode(2 * pager.PageSize)
	left.setHeader(n.nodeType(), leftN)
	left.copyRange(n, 0, 0, leftN)

	right := newNode(pager.PageSize)
	right.setHeader(n.nodeType(), rightN)
	right.copyRange(n, 0, splitIndex, rightN)

	return left, right
}

// splitToFitPage converts a (possibly oversize) transient node into 1, 2,
// or 3 page-sized nodes, per spec.md §4.1.
func (n *node) splitToFitPage() []*node {
	if n.size() <= pager.PageSize {
		out := newNode(pager.PageSize)
		copy(out.data, n.data[:n.size()])
		// setHeader/slots already copied verbatim; just make sure the
		// trailing bytes beyond size() are zero, which newNode gives us.
		return []*node{out}
	}

	left, right := n.splitHalf()

	if left.size() <= pager.PageSize {
		leftFit := newNode(pager.PageSize)
		copy(leftFit.data, left.data[:left.size()])
		return []*node{leftFit, right}
	}

	leftLeft, middle := left.splitHalf()
	leftLeftFit := newNode(pager.PageSize)
	copy(leftLeftFit.data, leftLeft.data[:leftLeft.size()])
	return []*node{leftLeftFit, middle, right}
}
