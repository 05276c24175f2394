package btree

import "testing"

func TestPageHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	p := Page(buf)
	p.SetId(42)
	p.SetOverflow(3)
	p.SetFlags(LeafPageFlag)
	p.SetCount(5)

	if p.Id() != 42 {
		t.Fatalf("expected id 42, got %d", p.Id())
	}
	if p.Overflow() != 3 {
		t.Fatalf("expected overflow 3, got %d", p.Overflow())
	}
	if !p.IsLeaf() || p.IsBranch() || p.IsMeta() || p.IsFreelist() {
		t.Fatalf("expected only leaf flag set, got flags %d", p.Flags())
	}
	if p.Count() != 5 {
		t.Fatalf("expected count 5, got %d", p.Count())
	}
}

func TestLeafElementRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	p := Page(buf)
	p.SetFlags(LeafPageFlag)
	p.SetCount(1)

	dataOffset := p.LeafDataStart(1)
	n := p.WriteLeafElement(0, BucketLeafFlag, []byte("key1"), []byte("value1"), dataOffset)
	if n != len("key1")+len("value1") {
		t.Fatalf("unexpected byte count %d", n)
	}

	if got := p.LeafFlags(0); got != BucketLeafFlag {
		t.Fatalf("expected bucket leaf flag, got %d", got)
	}
	if string(p.LeafKey(0)) != "key1" {
		t.Fatalf("expected key1, got %q", p.LeafKey(0))
	}
	if string(p.LeafValue(0)) != "value1" {
		t.Fatalf("expected value1, got %q", p.LeafValue(0))
	}
}

func TestBranchElementRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	p := Page(buf)
	p.SetFlags(BranchPageFlag)
	p.SetCount(1)

	dataOffset := p.BranchDataStart(1)
	p.WriteBranchElement(0, Pgid(99), []byte("branchkey"), dataOffset)

	if p.BranchChildId(0) != Pgid(99) {
		t.Fatalf("expected child id 99, got %d", p.BranchChildId(0))
	}
	if string(p.BranchKey(0)) != "branchkey" {
		t.Fatalf("expected branchkey, got %q", p.BranchKey(0))
	}
}

func TestMetaEncodeDecodeRoundTrip(t *testing.T) {
	buf := make([]byte, MetaPageSize+PageHeaderSize)
	p := Page(buf)

	m := Meta{
		Magic:          Magic,
		Version:        Version,
		PageSize:       4096,
		RootPageId:     3,
		FreelistPageId: 2,
		MaxPageId:      10,
		TxId:           7,
	}
	m.Encode(p)

	got, err := DecodeMeta(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: want %+v got %+v", m, got)
	}
}

func TestMetaDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, MetaPageSize+PageHeaderSize)
	p := Page(buf)
	m := Meta{Magic: 0xdeadbeef, Version: Version}
	m.Encode(p)

	_, err := DecodeMeta(p)
	if err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestMetaDecodeRejectsCorruptedChecksum(t *testing.T) {
	buf := make([]byte, MetaPageSize+PageHeaderSize)
	p := Page(buf)
	m := Meta{Magic: Magic, Version: Version, PageSize: 4096, TxId: 1}
	m.Encode(p)

	// Flip a byte in the body after the checksum was computed.
	p[PageHeaderSize+16] ^= 0xFF

	_, err := DecodeMeta(p)
	if err == nil {
		t.Fatalf("expected checksum validation error")
	}
}

func TestFreelistEncodeDecodeRoundTrip(t *testing.T) {
	ids := []Pgid{5, 6, 7, 100}
	buf := make([]byte, FreelistPageSize(len(ids)))
	p := Page(buf)
	EncodeFreelist(p, ids)

	if !p.IsLeaf() {
		t.Fatalf("expected leaf flag set")
	}
	got := DecodeFreelist(p)
	if len(got) != len(ids) {
		t.Fatalf("expected %d ids, got %d", len(ids), len(got))
	}
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("id %d: want %d got %d", i, id, got[i])
		}
	}
}
