package apiclient

import (
	"context"
	"net/url"
	"strconv"

	"github.com/flyingrobots/langsmith-migrator/internal/record"
)

// maxPages bounds a runaway pagination loop against a misbehaving server
// that never signals its last page, mirroring PaginationHelper.paginate's
// 10000-iteration ceiling in original_source.
const maxPages = 10000

// Paginate drives offset/limit pagination against path, calling visit once
// per item in server order. Items whose ID was already seen are skipped
// rather than visited twice. Iteration stops when a page is empty, when it
// holds fewer items than pageSize, when it holds no item not already seen
// (servers that clamp offset instead of erroring past the end), when visit
// returns an error, or when maxPages is reached.
func (c *Client) Paginate(ctx context.Context, path string, query url.Values, pageSize int, visit func(record.Record) error) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	seen := make(map[string]bool)
	offset := 0

	for page := 0; page < maxPages; page++ {
		q := cloneValues(query)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		resp, err := c.Get(ctx, path, q)
		if err != nil {
			return err
		}
		items := extractItems(resp)
		if len(items) == 0 {
			return nil
		}

		newInPage := 0
		for _, raw := range items {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			item := record.Record(obj)
			id := item.ID()
			if id != "" {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			newInPage++
			if err := visit(item); err != nil {
				return err
			}
		}

		if len(items) < pageSize || newInPage == 0 {
			return nil
		}
		offset += pageSize
	}
	return nil
}

// PaginateAll collects every item from Paginate into a slice, for
// migrators that need the full destination listing up front (e.g. dataset
// name matching) rather than a streaming visit.
func (c *Client) PaginateAll(ctx context.Context, path string, query url.Values, pageSize int) ([]record.Record, error) {
	var out []record.Record
	err := c.Paginate(ctx, path, query, pageSize, func(r record.Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}

// extractItems adapts the handful of list-response shapes the platform's
// endpoints use across kinds: a bare array, or an object carrying the
// array under "items", "data", or "results" (original_source's
// PaginationHelper._extract_items).
func extractItems(resp record.Record) []interface{} {
	if resp == nil {
		return nil
	}
	if items, ok := resp["items"].([]interface{}); ok {
		return items
	}
	for _, key := range []string{"data", "results"} {
		if items, ok := resp[key].([]interface{}); ok {
			return items
		}
	}
	// A single-object response (no wrapper, no array) that carries an "id"
	// is treated as a one-item page so a caller using Paginate against a
	// non-paginated endpoint by mistake still gets the object rather than
	// silence. Any other object yields no items.
	if len(resp) > 0 {
		if _, hasID := resp["id"]; hasID {
			return []interface{}{map[string]interface{}(resp)}
		}
	}
	return nil
}
