package apiclient

import (
	"context"

	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// BatchItemResult is the outcome of posting one item within a batch.
type BatchItemResult struct {
	Input   record.Record
	Output  record.Record
	Err     error
	Skipped bool
}

// BatchResult is the outcome of a (possibly split) batch POST.
type BatchResult struct {
	Items []BatchItemResult
}

func (r *BatchResult) SuccessCount() int {
	n := 0
	for _, it := range r.Items {
		if it.Err == nil && !it.Skipped {
			n++
		}
	}
	return n
}

func (r *BatchResult) FailureCount() int {
	n := 0
	for _, it := range r.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

func (r *BatchResult) AllSucceeded() bool { return r.FailureCount() == 0 }

func (r *BatchResult) Failures() []BatchItemResult {
	var out []BatchItemResult
	for _, it := range r.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// BatchPost posts items to path in chunks of at most batchSize. If a
// chunk's batch endpoint call fails, the chunk is recursively split in
// half and retried, down to single items, so one bad item in a batch of
// N never fails the other N-1 (spec.md §4.1, grounded on
// original_source's _post_batch_recursive). The server is expected to
// accept {"items": [...]} and return a same-shaped list of per-item
// results; if it instead returns a bare array or a single object for a
// single-item post, that is handled too.
func (c *Client) BatchPost(ctx context.Context, path string, items []record.Record, batchSize int) *BatchResult {
	if batchSize <= 0 {
		batchSize = 50
	}
	result := &BatchResult{}
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		result.Items = append(result.Items, c.postChunk(ctx, path, items[start:end])...)
	}
	return result
}

func (c *Client) postChunk(ctx context.Context, path string, chunk []record.Record) []BatchItemResult {
	if len(chunk) == 0 {
		return nil
	}
	if len(chunk) == 1 {
		return c.postSingle(ctx, path, chunk[0])
	}

	resp, err := c.Post(ctx, path, record.Record{"items": chunk})
	if err == nil {
		if results := matchBatchResponses(chunk, resp); results != nil {
			return results
		}
		// Server accepted the whole batch but didn't echo per-item
		// results; treat every item as succeeded with no output body.
		out := make([]BatchItemResult, len(chunk))
		for i, item := range chunk {
			out[i] = BatchItemResult{Input: item}
		}
		return out
	}

	// The chunk failed as a whole: split and isolate which item(s) are
	// actually bad rather than failing everything.
	mid := len(chunk) / 2
	left := c.postChunk(ctx, path, chunk[:mid])
	right := c.postChunk(ctx, path, chunk[mid:])
	return append(left, right...)
}

func (c *Client) postSingle(ctx context.Context, path string, item record.Record) []BatchItemResult {
	resp, err := c.Post(ctx, path, item)
	return []BatchItemResult{{Input: item, Output: resp, Err: err}}
}

// matchBatchResponses pairs a batch response back to input items
// positionally. Returns nil if the response doesn't carry a same-length
// list, signaling the caller to fall back to "whole chunk succeeded".
func matchBatchResponses(chunk []record.Record, resp record.Record) []BatchItemResult {
	items := extractItems(resp)
	if len(items) != len(chunk) {
		return nil
	}
	out := make([]BatchItemResult, len(chunk))
	for i, raw := range items {
		obj, _ := raw.(map[string]interface{})
		out[i] = BatchItemResult{Input: chunk[i], Output: record.Record(obj)}
	}
	return out
}
