package storage

import (
	"fmt"
	"testing"
)

func TestCursorFirstLastNextPrev(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range []string{"c", "a", "e", "b", "d"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		if k, _, _ := c.First(); string(k) != "a" {
			t.Fatalf("expected first key 'a', got %q", k)
		}
		if k, _, _ := c.Last(); string(k) != "e" {
			t.Fatalf("expected last key 'e', got %q", k)
		}

		k, _, _ := c.First()
		var order []string
		for k != nil {
			order = append(order, string(k))
			k, _, _ = c.Next()
		}
		want := []string{"a", "b", "c", "d", "e"}
		if len(order) != len(want) {
			t.Fatalf("expected %v, got %v", want, order)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, order)
			}
		}

		k, _, _ = c.Last()
		var rev []string
		for k != nil {
			rev = append(rev, string(k))
			k, _, _ = c.Prev()
		}
		wantRev := []string{"e", "d", "c", "b", "a"}
		for i := range wantRev {
			if rev[i] != wantRev[i] {
				t.Fatalf("expected reverse order %v, got %v", wantRev, rev)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCursorSeek(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "c", "e", "g"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		if k, _, _ := c.Seek([]byte("c")); string(k) != "c" {
			t.Fatalf("expected exact seek to land on 'c', got %q", k)
		}
		if k, _, _ := c.Seek([]byte("d")); string(k) != "e" {
			t.Fatalf("expected seek past missing key to land on next key 'e', got %q", k)
		}
		if k, _, _ := c.Seek([]byte("z")); k != nil {
			t.Fatalf("expected seek past the end to return nil, got %q", k)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCursorDeleteRemovesCurrentEntry(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()
		if k, _, _ := c.Seek([]byte("b")); string(k) != "b" {
			t.Fatalf("expected to seek to 'b', got %q", k)
		}
		return c.Delete()
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		if v := b.Get([]byte("b")); v != nil {
			t.Fatalf("expected key 'b' to be deleted")
		}
		if v := b.Get([]byte("a")); v == nil {
			t.Fatalf("expected key 'a' to survive")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCursorDeleteRejectsBucketHeader(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		_, err = b.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		c := b.Cursor()
		if k, _, _ := c.Seek([]byte("nested")); string(k) != "nested" {
			t.Fatalf("expected to seek to 'nested', got %q", k)
		}
		if err := c.Delete(); err == nil {
			t.Fatalf("expected cursor delete over a bucket header to fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestCursorFirstSkipsTransientlyEmptyLeftmostLeaf(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		// Enough entries to force a multi-leaf tree.
		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			if err := b.Put(key, make([]byte, 64)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()
		if k, _, _ := c.First(); k == nil {
			t.Fatalf("expected a first key before emptying the leftmost leaf")
		}
		leaf := c.node()
		leafKeys := make([][]byte, len(leaf.Inodes))
		for i, in := range leaf.Inodes {
			leafKeys[i] = append([]byte{}, in.Key...)
		}

		// Delete every key in the leftmost leaf within this same open
		// transaction, before rebalancing runs at commit, so First() must
		// walk past the now-empty leaf rather than returning nil.
		for _, lk := range leafKeys {
			del := b.Cursor()
			if kk, _, _ := del.Seek(lk); kk == nil || string(kk) != string(lk) {
				t.Fatalf("expected to find key %q before deleting it", lk)
			}
			if err := del.Delete(); err != nil {
				return err
			}
		}

		first, _, _ := b.Cursor().First()
		if first == nil {
			t.Fatalf("expected First() to skip past an emptied leftmost leaf and find a live key")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestCursorOnEmptyBucket(t *testing.T) {
	db := openTestDB(t, Options{})

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("empty"))
		if err != nil {
			return err
		}
		c := b.Cursor()
		if k, _, _ := c.First(); k != nil {
			t.Fatalf("expected First on empty bucket to return nil, got %q", k)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}
