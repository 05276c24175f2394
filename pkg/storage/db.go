// Package storage implements the transactional, single-file key/value
// engine: the freelist allocator, bucket/cursor abstraction, transaction
// manager and the DB/mmap lifecycle that ties them together.
package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nainya/arbor/internal/errs"
	"github.com/nainya/arbor/internal/logger"
	"github.com/nainya/arbor/pkg/btree"
)

const (
	minMmapSize = 32 * 1024
	maxMmapStep = 1 << 30 // 1 GiB
)

// Options configures Open.
type Options struct {
	ReadOnly        bool
	NoSync          bool
	StrictMode      bool // run Tx.Check() after every commit
	InitialMmapSize int
	PageSize        int
	Logger          *logger.Logger
}

// DB owns the memory-mapped file and coordinates every transaction over it.
type DB struct {
	Path string

	opts     Options
	pageSize int
	file     *os.File
	opened   bool

	data   []byte // current mmap region
	datasz int

	meta0, meta1 btree.Meta

	freelist *Freelist

	rwlock   sync.Mutex   // writer mutex: held for the whole write transaction
	metalock sync.RWMutex // shared on tx start, exclusive while writing meta / closing
	mmaplock sync.RWMutex // shared while any read tx alive, exclusive during remap/close

	txlock  sync.Mutex
	txs     []*Tx // open read transactions, sorted by txid ascending
	rwtx    *Tx

	pagePool sync.Pool

	log *logger.Logger
}

// Open opens or creates the database file at path.
func Open(path string, opts Options) (*DB, error) {
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobalLogger()
	}

	db := &DB{
		Path:     path,
		opts:     opts,
		pageSize: opts.PageSize,
		log:      opts.Logger,
	}
	db.pagePool.New = func() any { return make([]byte, db.pageSize) }

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}
	db.file = f

	if !opts.ReadOnly {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 && !opts.ReadOnly {
		if err := db.init(); err != nil {
			return nil, err
		}
	}

	initial := opts.InitialMmapSize
	if initial < minMmapSize {
		initial = minMmapSize
	}
	if err := db.mmap(initial); err != nil {
		return nil, err
	}

	db.freelist = NewFreelist()
	db.freelist.Read(db.page(db.meta().FreelistPageId))

	db.opened = true
	db.log.DbLogger("open").Info("database opened").Str("path", path).Send()
	return db, nil
}

// init lays out the four bootstrap pages on an empty file: two meta pages,
// an empty freelist page, and an empty leaf page for the root bucket.
func (db *DB) init() error {
	buf := make([]byte, db.pageSize*4)

	for i := 0; i < 2; i++ {
		p := btree.Page(buf[i*db.pageSize : (i+1)*db.pageSize])
		p.SetId(btree.Pgid(i))
		m := btree.Meta{
			Magic:          btree.Magic,
			Version:        btree.Version,
			PageSize:       uint32(db.pageSize),
			RootPageId:     3,
			FreelistPageId: 2,
			MaxPageId:      4,
			TxId:           uint64(i),
		}
		m.Encode(p)
	}

	flp := btree.Page(buf[2*db.pageSize : 3*db.pageSize])
	flp.SetId(2)
	btree.EncodeFreelist(flp, nil)

	leaf := btree.Page(buf[3*db.pageSize : 4*db.pageSize])
	leaf.SetId(3)
	leaf.SetFlags(btree.LeafPageFlag)
	leaf.SetCount(0)

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write init pages: %w", err)
	}
	return db.file.Sync()
}

// mmap maps at least minsz bytes of the file, growing the file if it is
// currently smaller, and validates both meta pages.
func (db *DB) mmap(minsz int) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if int(info.Size()) < minsz {
		if err := db.file.Truncate(int64(minsz)); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	size := roundMmapSize(minsz)
	prot := unix.PROT_READ
	if !db.opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(db.file.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	oldSize := db.datasz
	if db.data != nil {
		_ = unix.Munmap(db.data)
	}
	db.data = data
	db.datasz = size
	if oldSize > 0 {
		db.log.LogRemap(oldSize, size)
	}

	if err := db.loadMetas(); err != nil {
		return err
	}
	return nil
}

// roundMmapSize implements the spec's doubling-then-1GiB-step growth curve.
func roundMmapSize(size int) int {
	sz := minMmapSize
	for sz < size {
		if sz < maxMmapStep {
			sz *= 2
			continue
		}
		sz += maxMmapStep
	}
	return sz
}

func (db *DB) loadMetas() error {
	p0 := btree.Page(db.data[0:db.pageSize])
	p1 := btree.Page(db.data[db.pageSize : 2*db.pageSize])

	m0, err0 := btree.DecodeMeta(p0)
	m1, err1 := btree.DecodeMeta(p1)
	if err0 != nil && err1 != nil {
		return fmt.Errorf("%w: both meta pages invalid (%v, %v)", errs.ErrInvalidChecksum, err0, err1)
	}
	db.meta0, db.meta1 = m0, m1
	return nil
}

// meta returns the valid meta with the higher txId.
func (db *DB) meta() btree.Meta {
	if db.meta0.TxId == ^uint64(0) {
		return db.meta1
	}
	if db.meta1.TxId == ^uint64(0) {
		return db.meta0
	}
	if db.meta0.TxId > db.meta1.TxId {
		return db.meta0
	}
	return db.meta1
}

// page returns a read view of page id from the current mmap.
func (db *DB) page(id btree.Pgid) btree.Page {
	offset := int(id) * db.pageSize
	return btree.Page(db.data[offset:])
}

// grow extends the logical file (and mmap, if needed) by n pages starting
// at the current high-water mark, returning the new page's id. If growing
// requires a remap, beforeRemap runs first so the caller can dereference
// anything it holds into the current mapping.
func (db *DB) grow(currentMax btree.Pgid, n int, beforeRemap func()) (btree.Pgid, btree.Pgid, error) {
	newMax := currentMax + btree.Pgid(n)
	needed := int(newMax) * db.pageSize
	if needed > db.datasz {
		if beforeRemap != nil {
			beforeRemap()
		}
		db.mmaplock.Lock()
		err := db.mmap(needed)
		db.mmaplock.Unlock()
		if err != nil {
			return 0, 0, err
		}
	}
	return currentMax, newMax, nil
}

// Begin starts a new transaction. Only one writable transaction may be
// active at a time; Begin(true) blocks until the previous one commits or
// rolls back.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if !db.opened {
		return nil, errs.ErrDatabaseNotOpen
	}
	if writable && db.opts.ReadOnly {
		return nil, errs.ErrDatabaseReadOnly
	}

	if writable {
		db.rwlock.Lock()
	} else {
		// Only readers pin the mmap for their duration: the single writer
		// serializes through rwlock and drives remaps itself, so it must
		// be able to take mmaplock exclusively mid-transaction without
		// deadlocking against a shared hold of its own.
		db.mmaplock.RLock()
	}

	db.metalock.RLock()

	tx := newTx(db, writable)

	db.txlock.Lock()
	if writable {
		db.rwtx = tx
	} else {
		db.txs = append(db.txs, tx)
		sort.Slice(db.txs, func(i, j int) bool { return db.txs[i].meta.TxId < db.txs[j].meta.TxId })
	}
	db.txlock.Unlock()

	db.metalock.RUnlock()

	if writable {
		db.freelist.Release(db.minActiveReadTxId() - 1)
	}

	return tx, nil
}

func (db *DB) minActiveReadTxId() uint64 {
	db.txlock.Lock()
	defer db.txlock.Unlock()
	if len(db.txs) == 0 {
		return db.meta().TxId
	}
	return db.txs[0].meta.TxId
}

// removeTx unregisters a finished transaction and releases the mmap lock
// it held.
func (db *DB) removeTx(tx *Tx) {
	db.txlock.Lock()
	if tx.writable {
		db.rwtx = nil
	} else {
		for i, t := range db.txs {
			if t == tx {
				db.txs = append(db.txs[:i], db.txs[i+1:]...)
				break
			}
		}
	}
	db.txlock.Unlock()

	if tx.writable {
		db.rwlock.Unlock()
	} else {
		db.mmaplock.RUnlock()
	}
}

// View runs fn inside a managed read-only transaction, always rolling back.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	tx.managed = true
	defer func() {
		tx.managed = false
		tx.rollback()
	}()

	return fn(tx)
}

// Update runs fn inside a managed writable transaction, committing on
// success and rolling back on error or panic.
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	tx.managed = true
	defer func() { tx.managed = false }()

	inCallback := true
	defer func() {
		if inCallback {
			tx.rollback()
		}
	}()

	err = fn(tx)
	inCallback = false
	if err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

// Close releases the mmap, closes the file, and releases the advisory
// lock taken by a writable open.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	if !db.opened {
		return nil
	}
	db.opened = false

	if db.data != nil {
		if err := unix.Munmap(db.data); err != nil {
			return err
		}
		db.data = nil
	}
	if !db.opts.ReadOnly {
		_ = unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
	}
	err := db.file.Close()
	db.log.DbLogger("close").Info("database closed").Str("path", db.Path).Send()
	return err
}

// IsOpen reports whether the database is currently open, for health checks.
func (db *DB) IsOpen() bool { return db.opened }

// Stats returns a lightweight snapshot for observability (metrics, admin
// surface).
type Stats struct {
	MaxPageId     btree.Pgid
	FreePageCount int
	TxId          uint64
	MmapSize      int
}

func (db *DB) Stats() Stats {
	db.metalock.RLock()
	defer db.metalock.RUnlock()
	return Stats{
		MaxPageId:     db.meta().MaxPageId,
		FreePageCount: db.freelist.Count(),
		TxId:          db.meta().TxId,
		MmapSize:      db.datasz,
	}
}
