package storage

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// backends returns a fresh instance of every DB implementation.
func backends(t *testing.T) map[string]DB {
	t.Helper()
	bdb, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })
	return map[string]DB{
		"memory": NewMemory(),
		"badger": bdb,
		"prefix": NewPrefixDB(NewMemory(), []byte("ns/")),
	}
}

func TestDB_KeyValue(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("b/1")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing = %v, want ErrNotFound", err)
			}
			if err := db.Delete([]byte("never")); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}

			mustPut(t, db, "b/1", "first")
			mustPut(t, db, "b/1", "second")
			if got := mustGet(t, db, "b/1"); got != "second" {
				t.Errorf("Get after overwrite = %q", got)
			}
			if ok, _ := db.Has([]byte("b/1")); !ok {
				t.Error("Has = false for stored key")
			}

			mustPut(t, db, "empty", "")
			if got := mustGet(t, db, "empty"); got != "" {
				t.Errorf("empty value = %q", got)
			}

			if err := db.Delete([]byte("b/1")); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if ok, _ := db.Has([]byte("b/1")); ok {
				t.Error("Has = true after Delete")
			}
		})
	}
}

func TestDB_GetReturnsCopy(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			val := []byte("tip")
			if err := db.Put([]byte("k"), val); err != nil {
				t.Fatal(err)
			}
			val[0] = 'x'

			got, _ := db.Get([]byte("k"))
			got[1] = 'x'
			if again := mustGet(t, db, "k"); again != "tip" {
				t.Errorf("stored value mutated through caller slice: %q", again)
			}
		})
	}
}

func TestDB_ForEach(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Round keys are big-endian so key order is round order.
			for _, r := range []byte{3, 1, 2} {
				if err := db.Put([]byte{'r', 0, r}, []byte{r}); err != nil {
					t.Fatal(err)
				}
			}
			mustPut(t, db, "s/other", "x")

			var seen []byte
			err := db.ForEach([]byte{'r'}, func(key, value []byte) error {
				seen = append(seen, value[0])
				return nil
			})
			if err != nil {
				t.Fatalf("ForEach: %v", err)
			}
			if !bytes.Equal(seen, []byte{1, 2, 3}) {
				t.Errorf("ForEach order = %v, want [1 2 3]", seen)
			}

			stop := errors.New("stop")
			calls := 0
			err = db.ForEach([]byte{'r'}, func(_, _ []byte) error {
				calls++
				return stop
			})
			if !errors.Is(err, stop) || calls != 1 {
				t.Errorf("early stop: err=%v calls=%d", err, calls)
			}
		})
	}
}

func TestDB_Batch(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mustPut(t, db, "main/old", "x")

			b := db.NewBatch()
			for i := 0; i < 5; i++ {
				if err := b.Put([]byte(fmt.Sprintf("main/%d", i)), []byte("blk")); err != nil {
					t.Fatal(err)
				}
			}
			if err := b.Delete([]byte("main/old")); err != nil {
				t.Fatal(err)
			}
			if ok, _ := db.Has([]byte("main/0")); ok {
				t.Error("batch write visible before Commit")
			}

			if err := b.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			for i := 0; i < 5; i++ {
				if ok, _ := db.Has([]byte(fmt.Sprintf("main/%d", i))); !ok {
					t.Errorf("main/%d missing after Commit", i)
				}
			}
			if ok, _ := db.Has([]byte("main/old")); ok {
				t.Error("batched delete not applied")
			}
		})
	}
}

func TestBadgerDB_Reopen(t *testing.T) {
	dir := t.TempDir()

	db, err := NewBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, "tip", "abc")
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if got := mustGet(t, db, "tip"); got != "abc" {
		t.Errorf("tip after reopen = %q", got)
	}
}

func TestBadgerDB_Locked(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := NewBadger(dir); err == nil || !strings.Contains(err.Error(), "locked") {
		t.Errorf("second open err = %v, want locked error", err)
	}
}

func mustPut(t *testing.T, db DB, key, value string) {
	t.Helper()
	if err := db.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func mustGet(t *testing.T, db DB, key string) string {
	t.Helper()
	val, err := db.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return string(val)
}
