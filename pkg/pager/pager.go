// Package pager maps logical page ids to byte-offset regions of a single
// backing file. It owns the meta page, the persistent freelist, and the
// commit/abort boundary that makes writes durable.
package pager

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"dbite/config"
	"dbite/pkg/kverrors"
	"dbite/util/helpers"
	"dbite/util/logger"
)

// bin is the byte order used for every on-disk integer field.
var bin = binary.LittleEndian

// PageSize is the fixed size, in bytes, of every page in the file,
// including the meta page (id 0).
const PageSize = 4096

// MetaPageID is the reserved page id of the meta page. Allocators must
// never hand this id out.
const MetaPageID uint32 = 0

// Pager owns the open file descriptor and the per-transaction dirty/free
// state. It is not safe for concurrent use; the embedding tree is expected
// to serialize calls the way spec.md §5 describes.
type Pager struct {
	path string
	file *os.File

	meta *metadata

	// dirty maps a page id to bytes that have not yet been flushed to
	// disk. read_page consults this before falling back to pread.
	dirty map[uint32][]byte

	// pendingFree holds page ids retired during the current
	// transaction; they are pushed onto the on-disk freelist at commit.
	pendingFree []uint32

	// syncOnCommit controls whether Commit fsyncs the backing file. Only
	// config.StoreConfig can disable it; disabling it drops the crash
	// durability guarantee described in spec.md §5.
	syncOnCommit bool

	closed bool
}

// Open opens cfg.Path, creating it if necessary, and loads (or
// initializes) the meta page. A new file holds only the meta page after
// Open; it does not reach two pages (meta + root leaf) until a tree bound
// to this pager has staged its root and Commit has written it.
// cfg.PageSize must equal PageSize; it exists so callers can
// see and validate the page size rather than relying on a hidden
// constant.
func Open(cfg *config.StoreConfig) (*Pager, error) {
	if cfg.PageSize != PageSize {
		return nil, errors.Errorf("pager: unsupported page size %d (want %d)", cfg.PageSize, PageSize)
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := helpers.CreateDir(dir); err != nil {
			return nil, errors.Wrap(err, "failed to create parent directory")
		}
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open backing file")
	}

	p := &Pager{
		path:         cfg.Path,
		file:         f,
		dirty:        make(map[uint32][]byte),
		syncOnCommit: cfg.SyncOnCommit,
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to stat backing file")
	}

	if info.Size() < PageSize {
		p.meta = newMetadata()
		if err := p.writeMetaNow(); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "failed to initialize meta page")
		}
		return p, nil
	}

	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to read meta page")
	}

	m := &metadata{}
	if err := m.UnmarshalBinary(buf); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "failed to unmarshal meta page")
	}
	p.meta = m

	return p, nil
}

// RootPage returns the tree root page id cached in the meta page. A value
// of 0 means no root has been allocated yet.
func (p *Pager) RootPage() uint32 { return p.meta.rootPage }

// SetRootPage updates the cached root page id. The change is only durable
// once Commit runs.
func (p *Pager) SetRootPage(id uint32) { p.meta.rootPage = id }

// TxnID returns the transaction counter of the last commit.
func (p *Pager) TxnID() uint64 { return p.meta.txnID }

// ReadPage returns the PageSize bytes of page id, preferring an
// uncommitted write from the current transaction over the on-disk copy so
// that a transaction observes its own writes.
func (p *Pager) ReadPage(id uint32) ([]byte, error) {
	if p.closed {
		return nil, kverrors.ErrClosed
	}

	if buf, ok := p.dirty[id]; ok {
		out := make([]byte, PageSize)
		copy(out, buf)
		return out, nil
	}

	off := int64(id) * PageSize
	buf := make([]byte, PageSize)
	n, err := p.file.ReadAt(buf, off)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read page %d", id)
	}
	if n != PageSize {
		return nil, errors.Errorf("short read on page %d: got %d bytes", id, n)
	}

	return buf, nil
}

// CreatePage allocates a fresh page id, either reusing one from the
// persistent freelist or bumping the next-id counter, and stages data in
// the dirty map under that id. The page is not visible on disk until
// Commit.
func (p *Pager) CreatePage(data []byte) (uint32, error) {
	if p.closed {
		return 0, kverrors.ErrClosed
	}
	if len(data) != PageSize {
		panic(errors.Errorf("pager: page data must be exactly %d bytes, got %d", PageSize, len(data)))
	}

	id, err := p.allocID()
	if err != nil {
		return 0, err
	}

	buf := make([]byte, PageSize)
	copy(buf, data)
	p.dirty[id] = buf

	return id, nil
}

// DeletePage discards any in-flight write for id and marks it to be
// pushed onto the freelist at the next Commit.
func (p *Pager) DeletePage(id uint32) {
	delete(p.dirty, id)
	p.pendingFree = append(p.pendingFree, id)
}

// Commit flushes every dirty page, folds pending-free ids into the
// persistent freelist, increments the transaction counter, writes the
// meta page, and, when syncOnCommit is set, fsyncs the file. The meta page
// is always the last write,
// so a crash mid-commit can never corrupt the previously committed tree.
func (p *Pager) Commit() error {
	if p.closed {
		return kverrors.ErrClosed
	}

	// Push pending frees first: this may itself dirty freelist pages
	// (and allocate new ones via the bump allocator), so it must run
	// before we compute how far to grow the file and before the final
	// flush of the dirty set.
	for _, id := range p.pendingFree {
		if err := p.freelistPush(id); err != nil {
			return errors.Wrapf(err, "failed to push page %d to freelist", id)
		}
	}
	p.pendingFree = nil

	if err := p.growFileFor(p.dirtyMaxID()); err != nil {
		return err
	}

	for id, buf := range p.dirty {
		off := int64(id) * PageSize
		if _, err := p.file.WriteAt(buf, off); err != nil {
			return errors.Wrapf(err, "failed to write page %d", id)
		}
	}
	p.dirty = make(map[uint32][]byte)

	p.meta.txnID++
	if err := p.writeMetaNow(); err != nil {
		return err
	}

	if p.syncOnCommit {
		if err := p.file.Sync(); err != nil {
			return errors.Wrap(err, "failed to fsync backing file")
		}
	}

	logger.L.WithFields(map[string]interface{}{
		"txn_id": p.meta.txnID,
		"root":   p.meta.rootPage,
	}).Debug("pager: commit")

	return nil
}

// Abort discards every uncommitted write and pending-free entry. It does
// not reset the cached meta page: root page, next page id and freelist
// head keep any changes made since the last commit.
func (p *Pager) Abort() {
	p.dirty = make(map[uint32][]byte)
	p.pendingFree = nil
}

// Close closes the backing file. Any uncommitted writes are lost, matching
// the crash-recovery semantics described in spec.md §5; callers that want
// durable writes must Commit first.
func (p *Pager) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Wrap(p.file.Close(), "failed to close backing file")
}

// allocID returns a page id, preferring the freelist over the bump
// allocator, and never returns MetaPageID.
func (p *Pager) allocID() (uint32, error) {
	id, ok, err := p.freelistPop()
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}

	return p.bumpID()
}

// dirtyMaxID returns the highest page id touched in the current
// transaction, or 0 if none. It is used to grow the file lazily before
// writing. Called after pendingFree has already been folded into the
// freelist (and thus cleared), so only the dirty set matters here.
func (p *Pager) dirtyMaxID() uint32 {
	var max uint32
	for id := range p.dirty {
		if id > max {
			max = id
		}
	}
	return max
}

// growFileFor makes sure the file is at least large enough to hold page
// id (i.e. (id+1)*PageSize bytes), per the lazy-growth rule in spec.md
// §4.3.
func (p *Pager) growFileFor(id uint32) error {
	info, err := p.file.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat backing file")
	}

	want := int64(id+1) * PageSize
	if info.Size() >= want {
		return nil
	}

	return errors.Wrap(p.file.Truncate(want), "failed to grow backing file")
}

func (p *Pager) writeMetaNow() error {
	buf, err := p.meta.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "failed to marshal meta page")
	}
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "failed to write meta page")
	}
	return nil
}
