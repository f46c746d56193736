package apiclient

import (
	"testing"

	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

func TestExtractItemsBareItemsKey(t *testing.T) {
	got := extractItems(record.Record{"items": []interface{}{map[string]interface{}{"id": "a"}}})
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
}

func TestExtractItemsDataAndResultsKeys(t *testing.T) {
	for _, key := range []string{"data", "results"} {
		got := extractItems(record.Record{key: []interface{}{map[string]interface{}{"id": "a"}}})
		if len(got) != 1 {
			t.Fatalf("key %q: expected 1 item, got %d", key, len(got))
		}
	}
}

func TestExtractItemsSingleObjectFallback(t *testing.T) {
	got := extractItems(record.Record{"id": "solo", "name": "x"})
	if len(got) != 1 {
		t.Fatalf("expected single-object fallback to yield 1 item, got %d", len(got))
	}
}

func TestExtractItemsEmptyWithoutID(t *testing.T) {
	got := extractItems(record.Record{"status": "ok"})
	if got != nil {
		t.Fatalf("expected nil for a non-list, non-id object, got %v", got)
	}
}
