package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesFourBootstrapPages(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() < int64(4*db.pageSize) {
		t.Fatalf("expected file to hold at least 4 pages, got size %d", info.Size())
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if b == nil {
			t.Fatalf("expected bucket to exist")
		}
		if got := string(b.Get([]byte("foo"))); got != "bar" {
			t.Fatalf("expected bar, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRepeatPutOverwritesValue(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v1")); err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v2"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_ = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		if got := string(b.Get([]byte("k"))); got != "v2" {
			t.Fatalf("expected v2, got %q", got)
		}
		return nil
	})
}

func TestLargeAppendThenDeleteThenRead(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("bulk"))
		if err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i))
			val := make([]byte, 128)
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("bulk"))
		for i := 0; i < 250; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i))
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("bulk"))
		if v := b.Get([]byte("key-00100")); v != nil {
			t.Fatalf("expected deleted key to be gone")
		}
		if v := b.Get([]byte("key-00400")); v == nil {
			t.Fatalf("expected surviving key to remain")
		}
		return tx.Check()
	})
	if err != nil {
		t.Fatalf("view/check: %v", err)
	}
}

func TestOrderedIteration(t *testing.T) {
	db := openTestDB(t, Options{})
	keys := []string{"banana", "apple", "cherry", "date"}

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("fruit"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte("1")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var got []string
	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("fruit"))
		return b.ForEach(func(k, v []byte, flags uint32) error {
			got = append(got, string(k))
			return nil
		})
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	want := []string{"apple", "banana", "cherry", "date"}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestTwoMetaPagesAlternateAcrossCommits(t *testing.T) {
	db := openTestDB(t, Options{})

	var txids []uint64
	for i := 0; i < 4; i++ {
		err := db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("alt"))
			if err != nil {
				return err
			}
			return b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		txids = append(txids, db.meta().TxId)
	}

	for i := 1; i < len(txids); i++ {
		if txids[i] <= txids[i-1] {
			t.Fatalf("expected strictly increasing txids, got %v", txids)
		}
		if txids[i]%2 == txids[i-1]%2 {
			t.Fatalf("expected meta slot (txid mod 2) to alternate, got %v", txids)
		}
	}
}

func TestReadOnlyUpdateRejected(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()

	ro, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.Begin(true); err == nil {
		t.Fatalf("expected writable Begin to fail on a read-only database")
	}
}

func TestCloseThenReopenPreservesData(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("persist"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	err = reopened.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("persist"))
		if b == nil {
			t.Fatalf("expected bucket to survive reopen")
		}
		if got := string(b.Get([]byte("k"))); got != "v" {
			t.Fatalf("expected v, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
