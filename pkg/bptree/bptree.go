// Package bptree implements a copy-on-write B+ tree over a pkg/pager
// Pager: point lookup, insert/update, and delete with sibling-merge
// rebalancing. Every mutation produces fresh pages; nothing is ever
// overwritten in place.
package bptree

import (
	"bytes"

	"github.com/pkg/errors"

	"dbite/pkg/kverrors"
	"dbite/pkg/pager"
	"dbite/util/helpers"
)

// lowWaterMark is the size below which an updated child becomes a
// sibling-merge candidate during delete. Treated as tunable, per the
// source's own note that PAGE_SIZE/4 is not a fixed requirement; clamped
// so it can never exceed a full page.
var lowWaterMark = helpers.Min(pager.PageSize/4, pager.PageSize)

// BTree is a B+ tree bound to a single Pager. It holds no state of its
// own beyond the pager reference: the root page id lives in the pager's
// meta page.
type BTree struct {
	pager *pager.Pager
}

// Open binds a tree to p. If p has no root yet, an empty leaf is
// allocated and installed as the root; this does not become durable
// until the caller commits.
func Open(p *pager.Pager) (*BTree, error) {
	t := &BTree{pager: p}

	if p.RootPage() != pager.MetaPageID {
		return t, nil
	}

	root := newNode(pager.PageSize)
	root.setHeader(typeLeaf, 0)

	id, err := p.CreatePage(root.bytes())
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate initial root")
	}
	p.SetRootPage(id)

	return t, nil
}

func checkEntry(key, val []byte) {
	if len(key) == 0 {
		panic(kverrors.ErrEmptyKey)
	}
	if len(key)+len(val) > MaxEntrySize {
		panic(errors.Wrapf(kverrors.ErrKeyTooLarge, "key+value is %d bytes, max is %d", len(key)+len(val), MaxEntrySize))
	}
}

// Insert adds key/value, or replaces the value if key already exists.
// Panics if key is empty or key+value exceeds MaxEntrySize: these are
// programmer-error preconditions, not runtime faults.
func (t *BTree) Insert(key, val []byte) error {
	checkEntry(key, val)

	rootID := t.pager.RootPage()
	result, err := t.recursiveInsert(rootID, key, val)
	if err != nil {
		return err
	}

	fragments := result.splitToFitPage()

	var newRootID uint32
	if len(fragments) == 1 {
		newRootID, err = t.pager.CreatePage(fragments[0].bytes())
		if err != nil {
			return errors.Wrap(err, "failed to allocate new root")
		}
	} else {
		newRootID, err = t.allocateRoot(fragments)
		if err != nil {
			return err
		}
	}

	t.pager.DeletePage(rootID)
	t.pager.SetRootPage(newRootID)

	return nil
}

// allocateRoot allocates a page for each fragment, builds a fresh
// internal root whose slots point at them, and allocates a page for the
// root itself.
func (t *BTree) allocateRoot(fragments []*node) (uint32, error) {
	root := newRoot(fragments)

	for i, frag := range fragments {
		id, err := t.pager.CreatePage(frag.bytes())
		if err != nil {
			return 0, errors.Wrap(err, "failed to allocate root child")
		}
		root.setPtr(uint16(i), id)
	}

	id, err := t.pager.CreatePage(root.bytes())
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate new root")
	}
	return id, nil
}

// recursiveInsert descends to the leaf that should hold key, inserting
// or updating it, then walks back up splitting and relinking every
// ancestor whose child grew past a page. The returned node may be up to
// 2*pager.PageSize bytes; only the top-level caller (Insert) is
// responsible for cutting it down to page-sized fragments.
func (t *BTree) recursiveInsert(id uint32, key, val []byte) (*node, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read page %d", id)
	}
	n := nodeFromBytes(buf)

	if n.isLeaf() {
		i := n.indexLookup(key)
		if i < n.numKeys() && bytes.Equal(n.key(i), key) {
			return n.leafUpdate(i, key, val), nil
		}
		return n.leafInsert(i, key, val), nil
	}

	i := n.indexLookup(key)
	childID := n.ptr(i)

	childResult, err := t.recursiveInsert(childID, key, val)
	if err != nil {
		return nil, err
	}

	fragments := childResult.splitToFitPage()

	updated := n.updateLinks(i, fragments)
	for j, frag := range fragments {
		id, err := t.pager.CreatePage(frag.bytes())
		if err != nil {
			return nil, errors.Wrap(err, "failed to allocate split child")
		}
		updated.setPtr(i+uint16(j), id)
	}
	t.pager.DeletePage(childID)

	return updated, nil
}

// Search returns the value most recently associated with key, and
// whether key was found.
func (t *BTree) Search(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		panic(kverrors.ErrEmptyKey)
	}

	id := t.pager.RootPage()
	for {
		buf, err := t.pager.ReadPage(id)
		if err != nil {
			return nil, false, errors.Wrapf(err, "failed to read page %d", id)
		}
		n := nodeFromBytes(buf)

		if n.isLeaf() {
			i := n.indexLookup(key)
			if i < n.numKeys() && bytes.Equal(n.key(i), key) {
				v := n.value(i)
				out := make([]byte, len(v))
				copy(out, v)
				return out, true, nil
			}
			return nil, false, nil
		}

		i := n.indexLookup(key)
		id = n.ptr(i)
	}
}

// Remove deletes key, returning whether it was present.
func (t *BTree) Remove(key []byte) (bool, error) {
	if len(key) == 0 {
		panic(kverrors.ErrEmptyKey)
	}

	rootID := t.pager.RootPage()
	updated, changed, err := t.recursiveDelete(rootID, key)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	var newRootID uint32
	if updated.nodeType() == typeInternal && updated.numKeys() == 1 {
		// Height shrinks by one: the sole remaining child's page, which
		// recursiveDelete already allocated, becomes the new root.
		newRootID = updated.ptr(0)
	} else {
		newRootID, err = t.pager.CreatePage(updated.bytes())
		if err != nil {
			return false, errors.Wrap(err, "failed to allocate new root")
		}
	}

	t.pager.DeletePage(rootID)
	t.pager.SetRootPage(newRootID)

	return true, nil
}

// recursiveDelete descends to the leaf holding key and removes it if
// present, then walks back up rebalancing via sibling merge. It returns
// (nil, false, nil) if key was not found, leaving the tree untouched. A
// non-nil result is always page-sized (delete never grows a node) but is
// not yet allocated to a page; the caller (one level up, or Remove at
// the top) is responsible for allocating it and retiring id.
func (t *BTree) recursiveDelete(id uint32, key []byte) (*node, bool, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read page %d", id)
	}
	n := nodeFromBytes(buf)

	if n.isLeaf() {
		i := n.indexLookup(key)
		if i < n.numKeys() && bytes.Equal(n.key(i), key) {
			return n.leafDelete(i), true, nil
		}
		return nil, false, nil
	}

	i := n.indexLookup(key)
	childID := n.ptr(i)

	updatedChild, changed, err := t.recursiveDelete(childID, key)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return nil, false, nil
	}

	if updatedChild.numKeys() == 0 && n.numKeys() == 1 {
		// Degenerate case: this subtree has become empty and has no
		// sibling to merge with. Propagate an empty internal node
		// upward rather than persisting a useless page; the caller (or
		// the root finalizer) collapses it.
		t.pager.DeletePage(childID)
		empty := newNode(pager.PageSize)
		empty.setHeader(typeInternal, 0)
		return empty, true, nil
	}

	if merged, mergedAt, ok, err := t.trySiblingMerge(n, i, updatedChild); err != nil {
		return nil, false, err
	} else if ok {
		t.pager.DeletePage(childID)
		newParent := n.updateMergedLink(mergedAt, merged)
		mergedID, err := t.pager.CreatePage(merged.bytes())
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to allocate merged node")
		}
		newParent.setPtr(mergedAt, mergedID)
		return newParent, true, nil
	}

	t.pager.DeletePage(childID)
	newParent := n.updateLink(i, updatedChild)
	newID, err := t.pager.CreatePage(updatedChild.bytes())
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to allocate updated child")
	}
	newParent.setPtr(i, newID)

	return newParent, true, nil
}

// trySiblingMerge implements select_sibling_for_merge: if updatedChild's
// size is below lowWaterMark, it looks for a left then a right sibling
// it can merge with in one page. mergedAt is the index updateMergedLink
// should replace (the left-hand side of the pair that merged).
func (t *BTree) trySiblingMerge(parent *node, i uint16, updatedChild *node) (merged *node, mergedAt uint16, ok bool, err error) {
	if updatedChild.size() >= uint16(lowWaterMark) {
		return nil, 0, false, nil
	}

	if i > 0 {
		leftID := parent.ptr(i - 1)
		leftBuf, err := t.pager.ReadPage(leftID)
		if err != nil {
			return nil, 0, false, errors.Wrapf(err, "failed to read page %d", leftID)
		}
		left := nodeFromBytes(leftBuf)

		if int(left.size())+int(updatedChild.size())-pageHeaderSize <= pager.PageSize {
			t.pager.DeletePage(leftID)
			return mergeNodes(left, updatedChild), i - 1, true, nil
		}
	}

	if i+1 < parent.numKeys() {
		rightID := parent.ptr(i + 1)
		rightBuf, err := t.pager.ReadPage(rightID)
		if err != nil {
			return nil, 0, false, errors.Wrapf(err, "failed to read page %d", rightID)
		}
		right := nodeFromBytes(rightBuf)

		if int(updatedChild.size())+int(right.size())-pageHeaderSize <= pager.PageSize {
			t.pager.DeletePage(rightID)
			return mergeNodes(updatedChild, right), i, true, nil
		}
	}

	return nil, 0, false, nil
}
