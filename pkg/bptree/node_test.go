package bptree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dbite/pkg/pager"
)

func newLeaf(t *testing.T, kvs ...[2]string) *node {
	t.Helper()

	n := newNode(2 * pager.PageSize)
	n.setHeader(typeLeaf, uint16(len(kvs)))
	for i, kv := range kvs {
		n.setSlot(uint16(i), 0, []byte(kv[0]), []byte(kv[1]))
	}
	return n
}

func TestNode_SetSlotAndReadback(t *testing.T) {
	n := newLeaf(t, [2]string{"A", "a"}, [2]string{"B", "b"}, [2]string{"C", "c"})

	require.Equal(t, uint16(3), n.numKeys())
	require.Equal(t, []byte("A"), n.key(0))
	require.Equal(t, []byte("b"), n.value(1))
	require.Equal(t, []byte("C"), n.key(2))
	require.LessOrEqual(t, n.size(), uint16(pager.PageSize))
}

func TestNode_IndexLookupLeaf(t *testing.T) {
	n := newLeaf(t, [2]string{"A", "a"}, [2]string{"C", "c"}, [2]string{"E", "e"})

	require.Equal(t, uint16(0), n.indexLookup([]byte("A")))
	require.Equal(t, uint16(1), n.indexLookup([]byte("B")))
	require.Equal(t, uint16(1), n.indexLookup([]byte("C")))
	require.Equal(t, uint16(3), n.indexLookup([]byte("Z")))
}

func TestNode_IndexLookupInternalClampsRightEdge(t *testing.T) {
	n := newNode(2 * pager.PageSize)
	n.setHeader(typeInternal, 3)
	n.setSlot(0, 10, []byte("A"), nil)
	n.setSlot(1, 20, []byte("M"), nil)
	n.setSlot(2, 30, []byte("Z"), nil)

	require.Equal(t, uint16(0), n.indexLookup([]byte("A")))
	require.Equal(t, uint16(0), n.indexLookup([]byte("F")))
	require.Equal(t, uint16(1), n.indexLookup([]byte("M")))
	require.Equal(t, uint16(2), n.indexLookup([]byte("Z")))
	// past the last key: clamp to the last slot, never overshoot.
	require.Equal(t, uint16(2), n.indexLookup([]byte("ZZZZ")))
}

func TestNode_IndexLookupEmpty(t *testing.T) {
	n := newNode(pager.PageSize)
	n.setHeader(typeLeaf, 0)
	require.Equal(t, uint16(0), n.indexLookup([]byte("anything")))
}

func TestNode_LeafInsertUpdateDelete(t *testing.T) {
	n := newLeaf(t, [2]string{"A", "a"}, [2]string{"C", "c"})

	withB := n.leafInsert(1, []byte("B"), []byte("b"))
	require.Equal(t, uint16(3), withB.numKeys())
	require.Equal(t, []byte("B"), withB.key(1))

	updated := withB.leafUpdate(1, []byte("B"), []byte("bb"))
	require.Equal(t, uint16(3), updated.numKeys())
	require.Equal(t, []byte("bb"), updated.value(1))

	deleted := updated.leafDelete(1)
	require.Equal(t, uint16(2), deleted.numKeys())
	require.Equal(t, []byte("A"), deleted.key(0))
	require.Equal(t, []byte("C"), deleted.key(1))
}

func TestNode_MergeNodes(t *testing.T) {
	left := newLeaf(t, [2]string{"A", "a"}, [2]string{"B", "b"})
	right := newLeaf(t, [2]string{"C", "c"}, [2]string{"D", "d"})

	merged := mergeNodes(left, right)
	require.Equal(t, uint16(4), merged.numKeys())
	require.Equal(t, []byte("A"), merged.key(0))
	require.Equal(t, []byte("D"), merged.key(3))
}

func TestNode_SplitToFitPageFitsAsIs(t *testing.T) {
	n := newLeaf(t, [2]string{"A", "a"}, [2]string{"B", "b"})
	frags := n.splitToFitPage()
	require.Len(t, frags, 1)
	require.Equal(t, uint16(2), frags[0].numKeys())
}

func TestNode_SplitToFitPageSplitsOversized(t *testing.T) {
	bigVal := make([]byte, 2000)
	n := newLeaf(t,
		[2]string{"A", string(bigVal)},
		[2]string{"B", string(bigVal)},
		[2]string{"C", string(bigVal)},
	)

	frags := n.splitToFitPage()
	require.GreaterOrEqual(t, len(frags), 2)
	require.LessOrEqual(t, len(frags), 3)

	var total uint16
	var lastKey []byte
	for _, f := range frags {
		require.LessOrEqual(t, f.size(), uint16(pager.PageSize))
		for i := uint16(0); i < f.numKeys(); i++ {
			if lastKey != nil {
				require.LessOrEqual(t, string(lastKey), string(f.key(i)))
			}
			lastKey = f.key(i)
		}
		total += f.numKeys()
	}
	require.Equal(t, uint16(3), total)
}

func TestNode_UpdateLinkAndMergedLink(t *testing.T) {
	parent := newNode(2 * pager.PageSize)
	parent.setHeader(typeInternal, 3)
	parent.setSlot(0, 1, []byte("A"), nil)
	parent.setSlot(1, 2, []byte("M"), nil)
	parent.setSlot(2, 3, []byte("Z"), nil)

	newChild := newLeaf(t, [2]string{"MM", "x"})
	updated := parent.updateLink(1, newChild)
	require.Equal(t, uint16(3), updated.numKeys())
	require.Equal(t, []byte("MM"), updated.key(1))

	merged := newLeaf(t, [2]string{"AA", "y"})
	collapsed := parent.updateMergedLink(0, merged)
	require.Equal(t, uint16(2), collapsed.numKeys())
	require.Equal(t, []byte("AA"), collapsed.key(0))
	require.Equal(t, []byte("Z"), collapsed.key(1))
}
