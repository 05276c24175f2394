// Package btree implements the on-disk page layout and in-memory node
// representation of the copy-on-write B+tree that backs every bucket.
package btree

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/nainya/arbor/internal/errs"
)

// Pgid identifies a page within the database file.
type Pgid uint64

const (
	// PageHeaderSize is the fixed header every page starts with:
	// id(8) + overflow(4) + flags(2) + padding(2).
	PageHeaderSize = 16

	BranchPageFlag   = 0x01
	LeafPageFlag     = 0x02
	MetaPageFlag     = 0x04
	FreelistPageFlag = 0x08

	// BucketLeafFlag marks a leaf element whose value is a bucket header
	// rather than a user value.
	BucketLeafFlag = 0x01

	branchElementSize = 16 // childPageId(8) + keySize(4) + keyPos(4)
	leafElementSize    = 16 // flags(4) + keyPos(4) + keySize(4) + valueSize(4)

	MaxKeySize   = 32768
	MaxValueSize = 1<<31 - 2

	Magic         = 0xED0CDAED
	Version       = 2
	ChecksumSeed  = 0x420ADEF
	MetaPageSize  = 64
)

// Page is a typed, zero-copy view over a byte slice backing a single page
// (or the first page of a multi-page overflow run). It owns no storage.
type Page []byte

func (p Page) Id() Pgid           { return Pgid(binary.LittleEndian.Uint64(p[0:8])) }
func (p Page) SetId(id Pgid)      { binary.LittleEndian.PutUint64(p[0:8], uint64(id)) }
func (p Page) Overflow() uint32   { return binary.LittleEndian.Uint32(p[8:12]) }
func (p Page) SetOverflow(n uint32) { binary.LittleEndian.PutUint32(p[8:12], n) }
func (p Page) Flags() uint16      { return binary.LittleEndian.Uint16(p[12:14]) }
func (p Page) SetFlags(f uint16)  { binary.LittleEndian.PutUint16(p[12:14], f) }

func (p Page) IsBranch() bool   { return p.Flags()&BranchPageFlag != 0 }
func (p Page) IsLeaf() bool     { return p.Flags()&LeafPageFlag != 0 }
func (p Page) IsMeta() bool     { return p.Flags()&MetaPageFlag != 0 }
func (p Page) IsFreelist() bool { return p.Flags()&FreelistPageFlag != 0 }

// Count is the number of branch/leaf elements stored just after the header.
func (p Page) Count() uint16      { return binary.LittleEndian.Uint16(p[PageHeaderSize : PageHeaderSize+2]) }
func (p Page) SetCount(n uint16)  { binary.LittleEndian.PutUint16(p[PageHeaderSize:PageHeaderSize+2], n) }

const elementsOffset = PageHeaderSize + 2 // +2 for count, elements are 2-byte aligned after

// branchElemPos returns the byte offset of the i-th branch element.
func (p Page) branchElemPos(i uint16) int {
	return elementsOffset + int(i)*branchElementSize
}

func (p Page) BranchChildId(i uint16) Pgid {
	pos := p.branchElemPos(i)
	return Pgid(binary.LittleEndian.Uint64(p[pos : pos+8]))
}

func (p Page) setBranchChildId(i uint16, id Pgid) {
	pos := p.branchElemPos(i)
	binary.LittleEndian.PutUint64(p[pos:pos+8], uint64(id))
}

func (p Page) branchKeySize(i uint16) uint32 {
	pos := p.branchElemPos(i)
	return binary.LittleEndian.Uint32(p[pos+8 : pos+12])
}

func (p Page) branchKeyPos(i uint16) uint32 {
	pos := p.branchElemPos(i)
	return binary.LittleEndian.Uint32(p[pos+12 : pos+16])
}

// BranchKey returns the key stored for the i-th branch element. keyPos is
// relative to the start of the element itself.
func (p Page) BranchKey(i uint16) []byte {
	pos := p.branchElemPos(i)
	start := pos + int(p.branchKeyPos(i))
	size := int(p.branchKeySize(i))
	return p[start : start+size]
}

// WriteBranchElement writes element i's fixed fields and appends key bytes
// at the given data cursor (offset from the start of the page). Returns the
// number of key bytes written.
func (p Page) WriteBranchElement(i uint16, childId Pgid, key []byte, dataOffset int) int {
	pos := p.branchElemPos(i)
	binary.LittleEndian.PutUint64(p[pos:pos+8], uint64(childId))
	binary.LittleEndian.PutUint32(p[pos+8:pos+12], uint32(len(key)))
	binary.LittleEndian.PutUint32(p[pos+12:pos+16], uint32(dataOffset-pos))
	copy(p[dataOffset:], key)
	return len(key)
}

// leafElemPos returns the byte offset of the i-th leaf element.
func (p Page) leafElemPos(i uint16) int {
	return elementsOffset + int(i)*leafElementSize
}

func (p Page) LeafFlags(i uint16) uint32 {
	pos := p.leafElemPos(i)
	return binary.LittleEndian.Uint32(p[pos : pos+4])
}

func (p Page) leafKeyPos(i uint16) uint32 {
	pos := p.leafElemPos(i)
	return binary.LittleEndian.Uint32(p[pos+4 : pos+8])
}

func (p Page) leafKeySize(i uint16) uint32 {
	pos := p.leafElemPos(i)
	return binary.LittleEndian.Uint32(p[pos+8 : pos+12])
}

func (p Page) leafValueSize(i uint16) uint32 {
	pos := p.leafElemPos(i)
	return binary.LittleEndian.Uint32(p[pos+12 : pos+16])
}

func (p Page) LeafKey(i uint16) []byte {
	pos := p.leafElemPos(i)
	start := pos + int(p.leafKeyPos(i))
	size := int(p.leafKeySize(i))
	return p[start : start+size]
}

func (p Page) LeafValue(i uint16) []byte {
	pos := p.leafElemPos(i)
	start := pos + int(p.leafKeyPos(i)) + int(p.leafKeySize(i))
	size := int(p.leafValueSize(i))
	return p[start : start+size]
}

// WriteLeafElement writes element i's fixed fields and appends key+value
// bytes at the given data cursor. Returns the number of bytes written.
func (p Page) WriteLeafElement(i uint16, flags uint32, key, value []byte, dataOffset int) int {
	pos := p.leafElemPos(i)
	binary.LittleEndian.PutUint32(p[pos:pos+4], flags)
	binary.LittleEndian.PutUint32(p[pos+4:pos+8], uint32(dataOffset-pos))
	binary.LittleEndian.PutUint32(p[pos+8:pos+12], uint32(len(key)))
	binary.LittleEndian.PutUint32(p[pos+12:pos+16], uint32(len(value)))
	copy(p[dataOffset:], key)
	copy(p[dataOffset+len(key):], value)
	return len(key) + len(value)
}

// BranchDataStart/LeafDataStart give the offset where key/value bytes begin,
// immediately after the fixed-size element array.
func (p Page) BranchDataStart(count uint16) int {
	return elementsOffset + int(count)*branchElementSize
}

func (p Page) LeafDataStart(count uint16) int {
	return elementsOffset + int(count)*leafElementSize
}

// Meta is the root metadata stored at page ids 0 and 1, alternating by
// txId mod 2.
type Meta struct {
	Magic          uint32
	Version        uint32
	PageSize       uint32
	RootPageId     Pgid
	FreelistPageId Pgid
	MaxPageId      Pgid
	TxId           uint64
}

// Encode writes the meta into a meta page, computing and storing the
// checksum over the preceding fields.
func (m *Meta) Encode(p Page) {
	p.SetFlags(MetaPageFlag)
	body := p[PageHeaderSize:]
	binary.LittleEndian.PutUint32(body[0:4], m.Magic)
	binary.LittleEndian.PutUint32(body[4:8], m.Version)
	binary.LittleEndian.PutUint32(body[8:12], m.PageSize)
	binary.LittleEndian.PutUint64(body[16:24], uint64(m.RootPageId))
	binary.LittleEndian.PutUint64(body[24:32], uint64(m.FreelistPageId))
	binary.LittleEndian.PutUint64(body[32:40], uint64(m.MaxPageId))
	binary.LittleEndian.PutUint64(body[40:48], m.TxId)
	sum := xxhashSeeded(body[0:48])
	binary.LittleEndian.PutUint64(body[48:56], sum)
}

// DecodeMeta reads and validates a meta page. TxId is set to the sentinel
// ^uint64(0) value on validation failure (invalid magic/version/checksum).
func DecodeMeta(p Page) (Meta, error) {
	var m Meta
	if !p.IsMeta() {
		return Meta{TxId: ^uint64(0)}, errs.ErrInvalidPageFlags
	}
	body := p[PageHeaderSize:]
	m.Magic = binary.LittleEndian.Uint32(body[0:4])
	m.Version = binary.LittleEndian.Uint32(body[4:8])
	m.PageSize = binary.LittleEndian.Uint32(body[8:12])
	m.RootPageId = Pgid(binary.LittleEndian.Uint64(body[16:24]))
	m.FreelistPageId = Pgid(binary.LittleEndian.Uint64(body[24:32]))
	m.MaxPageId = Pgid(binary.LittleEndian.Uint64(body[32:40]))
	m.TxId = binary.LittleEndian.Uint64(body[40:48])
	stored := binary.LittleEndian.Uint64(body[48:56])

	if m.Magic != Magic {
		return Meta{TxId: ^uint64(0)}, errs.ErrInvalidMagic
	}
	if m.Version != Version {
		return Meta{TxId: ^uint64(0)}, errs.ErrInvalidVersion
	}
	if xxhashSeeded(body[0:48]) != stored {
		return Meta{TxId: ^uint64(0)}, errs.ErrInvalidChecksum
	}
	return m, nil
}

// xxhashSeeded folds ChecksumSeed into the digest: xxhash/v2 has no seeded
// Sum64 entry point, so the seed is mixed in as a prefix the way a fixed
// salt would be.
func xxhashSeeded(data []byte) uint64 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], ChecksumSeed)
	d := xxhash.New()
	d.Write(seed[:])
	d.Write(data)
	return d.Sum64()
}

// EncodeFreelist serializes a list of free/pending page ids into a
// freelist page body: count(u32) then that many little-endian u64 ids.
func EncodeFreelist(p Page, ids []Pgid) {
	p.SetFlags(LeafPageFlag)
	body := p[PageHeaderSize:]
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(ids)))
	for i, id := range ids {
		off := 8 + i*8
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(id))
	}
}

// DecodeFreelist reverses EncodeFreelist.
func DecodeFreelist(p Page) []Pgid {
	body := p[PageHeaderSize:]
	count := binary.LittleEndian.Uint32(body[0:4])
	ids := make([]Pgid, count)
	for i := range ids {
		off := 8 + i*8
		ids[i] = Pgid(binary.LittleEndian.Uint64(body[off : off+8]))
	}
	return ids
}

// FreelistPageSize returns the number of bytes EncodeFreelist needs for n ids.
func FreelistPageSize(n int) int {
	return PageHeaderSize + 8 + n*8
}
