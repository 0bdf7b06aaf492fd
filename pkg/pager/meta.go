package pager

import "github.com/pkg/errors"

// magic is the ASCII bytes "DBITE001" packed big-end-first into a 64-bit
// integer, per spec.md §6.
const magic uint64 = 0x4442495445303031

// metaHeaderSize is the number of meaningful bytes at the front of the
// meta page: magic(8) + txn_id(8) + root_page(4) + next_page_id(4) +
// freelist_head(4). The remainder of the page is zero.
const metaHeaderSize = 8 + 8 + 4 + 4 + 4

type metadata struct {
	magic         uint64
	txnID         uint64
	rootPage      uint32
	nextPageID    uint32
	freelistHead  uint32
}

func newMetadata() *metadata {
	return &metadata{
		magic:      magic,
		nextPageID: 1,
	}
}

func (m *metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PageSize)

	bin.PutUint64(buf[0:8], m.magic)
	bin.PutUint64(buf[8:16], m.txnID)
	bin.PutUint32(buf[16:20], m.rootPage)
	bin.PutUint32(buf[20:24], m.nextPageID)
	bin.PutUint32(buf[24:28], m.freelistHead)

	return buf, nil
}

func (m *metadata) UnmarshalBinary(d []byte) error {
	if len(d) < metaHeaderSize {
		return errors.New("meta page: insufficient data")
	}

	m.magic = bin.Uint64(d[0:8])
	if m.magic != magic {
		return errors.Errorf("meta page: bad magic %#x", m.magic)
	}

	m.txnID = bin.Uint64(d[8:16])
	m.rootPage = bin.Uint32(d[16:20])
	m.nextPageID = bin.Uint32(d[20:24])
	m.freelistHead = bin.Uint32(d[24:28])

	return nil
}
