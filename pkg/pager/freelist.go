package pager

import "github.com/pkg/errors"

// freelistHeaderSize is the size, in bytes, of a freelist page's header:
// a 4-byte next pointer and a 4-byte count.
const freelistHeaderSize = 8

// freelistCapacity is the number of page ids a single freelist page can
// hold: spec.md §4.3 defines it as (PAGE_SIZE - 8) / 4.
const freelistCapacity = (PageSize - freelistHeaderSize) / 4

// freelistPage is the in-memory view of a freelist page:
// [next:4][count:4][id0:4]...[idN-1:4].
type freelistPage struct {
	next  uint32
	ids   []uint32
}

func (f *freelistPage) MarshalBinary() []byte {
	buf := make([]byte, PageSize)
	bin.PutUint32(buf[0:4], f.next)
	bin.PutUint32(buf[4:8], uint32(len(f.ids)))
	off := freelistHeaderSize
	for _, id := range f.ids {
		bin.PutUint32(buf[off:off+4], id)
		off += 4
	}
	return buf
}

func (f *freelistPage) UnmarshalBinary(buf []byte) {
	f.next = bin.Uint32(buf[0:4])
	count := bin.Uint32(buf[4:8])
	f.ids = make([]uint32, count)
	off := freelistHeaderSize
	for i := uint32(0); i < count; i++ {
		f.ids[i] = bin.Uint32(buf[off : off+4])
		off += 4
	}
}

// freelistPop removes and returns one reusable page id from the head of
// the freelist, per spec.md §4.3's Alloc algorithm. ok is false if the
// freelist is empty (caller falls through to the bump allocator).
func (p *Pager) freelistPop() (id uint32, ok bool, err error) {
	headID := p.meta.freelistHead
	if headID == MetaPageID {
		return 0, false, nil
	}

	buf, err := p.ReadPage(headID)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read freelist head")
	}

	head := &freelistPage{}
	head.UnmarshalBinary(buf)

	if len(head.ids) == 0 {
		// An empty page on the chain is only reachable if something
		// violated the push discipline; follow next rather than fail.
		p.meta.freelistHead = head.next
		return p.freelistPop()
	}

	id = head.ids[len(head.ids)-1]
	head.ids = head.ids[:len(head.ids)-1]
	p.dirty[headID] = head.MarshalBinary()

	return id, true, nil
}

// freelistPush adds id to the persistent freelist, per spec.md §4.3's
// Push algorithm.
func (p *Pager) freelistPush(id uint32) error {
	headID := p.meta.freelistHead

	if headID == MetaPageID {
		head := &freelistPage{ids: []uint32{id}}
		newID, err := p.bumpID()
		if err != nil {
			return err
		}
		p.dirty[newID] = head.MarshalBinary()
		p.meta.freelistHead = newID
		return nil
	}

	buf, err := p.ReadPage(headID)
	if err != nil {
		return errors.Wrap(err, "failed to read freelist head")
	}

	head := &freelistPage{}
	head.UnmarshalBinary(buf)

	if len(head.ids) < freelistCapacity {
		head.ids = append(head.ids, id)
		p.dirty[headID] = head.MarshalBinary()
		return nil
	}

	newHead := &freelistPage{next: headID, ids: []uint32{id}}
	newID, err := p.bumpID()
	if err != nil {
		return err
	}
	p.dirty[newID] = newHead.MarshalBinary()
	p.meta.freelistHead = newID
	return nil
}

// bumpID hands out the next sequential page id, never MetaPageID.
func (p *Pager) bumpID() (uint32, error) {
	if p.meta.nextPageID == MetaPageID {
		p.meta.nextPageID = 1
	}
	id := p.meta.nextPageID
	p.meta.nextPageID++
	return id, nil
}
