package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

type testRec struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func mustEntry(t *testing.T, key string, v any) Entry {
	t.Helper()
	e, err := NewEntry(key, v)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRecordLogAppendAndEach(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "orders.log"))

	if err := l.Append(
		mustEntry(t, "orders::f.csv::1", testRec{ID: "1", Amount: 50}),
		mustEntry(t, "orders::f.csv::2", testRec{ID: "2", Amount: 30}),
	); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(mustEntry(t, "orders::f.csv::3", testRec{ID: "3", Amount: 20})); err != nil {
		t.Fatal(err)
	}

	var got []testRec
	var keys []string
	err := l.Each(func(key string, b []byte) error {
		var r testRec
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		got = append(got, r)
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ID != "1" || got[2].Amount != 20 {
		t.Errorf("order or content mismatch: %+v", got)
	}
	if keys[1] != "orders::f.csv::2" {
		t.Errorf("key journal mismatch: %v", keys)
	}
}

func TestRecordLogMissingFileIsEmpty(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "none.log"))
	n := 0
	if err := l.Each(func(string, []byte) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected empty log, saw %d records", n)
	}
}

func TestDedupCheck(t *testing.T) {
	d := NewDedup(10, 0)
	if d.Check("orders::f.csv::1") {
		t.Error("first Check must report unseen")
	}
	if !d.Check("orders::f.csv::1") {
		t.Error("second Check must report seen")
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestDedupEvictsOverCap(t *testing.T) {
	d := NewDedup(2, 0)
	d.Check("a")
	d.Check("b")
	d.Check("c") // evicts a
	if d.Check("a") {
		t.Error("evicted key must read as unseen")
	}
}
