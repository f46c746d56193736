package idmap

import (
	"sync"
	"testing"

	"github.com/flyingrobots/langsmith-migrator/internal/kind"
	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := New()
	m.Set(kind.Dataset, "src-1", "dst-1")
	got, ok := m.Get(kind.Dataset, "src-1")
	if !ok || got != "dst-1" {
		t.Fatalf("expected dst-1, got %q (ok=%v)", got, ok)
	}
	if _, ok := m.Get(kind.Dataset, "missing"); ok {
		t.Fatal("expected miss for unmapped source id")
	}
}

func TestMergeDoesNotClobberOtherEntries(t *testing.T) {
	m := New()
	m.Set(kind.Example, "s1", "d1")
	m.Merge(kind.Example, map[string]string{"s2": "d2", "s3": "d3"})

	for src, want := range map[string]string{"s1": "d1", "s2": "d2", "s3": "d3"} {
		got, ok := m.Get(kind.Example, src)
		if !ok || got != want {
			t.Fatalf("src %s: expected %s, got %s (ok=%v)", src, want, got, ok)
		}
	}
}

func TestConcurrentSetIsRaceFree(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := itoa(n)
			m.Set(kind.Run, id, id+"-dst")
		}(i)
	}
	wg.Wait()
	if m.Len(kind.Run) != 100 {
		t.Fatalf("expected 100 mappings, got %d", m.Len(kind.Run))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestNameIndexFirstWinsOnDuplicate(t *testing.T) {
	items := []record.Record{
		{"id": "dst-1", "name": "widgets"},
		{"id": "dst-2", "name": "widgets"},
	}
	idx := BuildNameIndex(items, func(r record.Record) string { return r.String("name") })
	id, ok := idx.Lookup("widgets")
	if !ok || id != "dst-1" {
		t.Fatalf("expected first match dst-1, got %q (ok=%v)", id, ok)
	}
	if len(idx.Duplicates) != 1 || idx.Duplicates[0] != "widgets" {
		t.Fatalf("expected one recorded duplicate for %q, got %v", "widgets", idx.Duplicates)
	}
}

func TestNameIndexSkipsEmptyKey(t *testing.T) {
	items := []record.Record{{"id": "dst-1"}}
	idx := BuildNameIndex(items, func(r record.Record) string { return r.String("name") })
	if _, ok := idx.Lookup(""); ok {
		t.Fatal("expected empty key to never be indexed")
	}
}
