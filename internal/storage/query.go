package storage

import (
	"sort"
	"strings"

	"github.com/kgents/kgents/internal/datum"
)

// Query is an immutable declarative filter. All non-zero fields combine
// with AND semantics; Tags matches by subset-containment against the
// comma-split "tags" metadata entry.
//
// Limit is a pointer so that "unset" (return everything) and "explicitly
// zero" (return nothing, per the list(limit=0) boundary behavior) are
// distinguishable; a Query{} with Limit left nil means "unset".
type Query struct {
	Tags      []string
	Author    string
	Source    string
	After     float64 // created_at strictly greater than
	Before    float64 // created_at strictly less than
	Prefix    string
	Limit     *int
	Offset    int
	Where     map[string]string
	hasAfter  bool
	hasBefore bool
}

// WithLimit returns a copy of q with an explicit limit (0 is valid and
// means "return nothing").
func (q Query) WithLimit(n int) Query {
	q.Limit = &n
	return q
}

// WithAfter returns a copy of q with After set and marked active (so
// After=0 can still be expressed explicitly when needed).
func (q Query) WithAfter(ts float64) Query {
	q.After = ts
	q.hasAfter = true
	return q
}

// WithBefore returns a copy of q with Before set and marked active.
func (q Query) WithBefore(ts float64) Query {
	q.Before = ts
	q.hasBefore = true
	return q
}

// Matches reports whether d satisfies every active filter in q. Backends
// that cannot push a filter into their native query language use this for
// post-fetch filtering.
func (q Query) Matches(d *datum.Datum) bool {
	if q.Prefix != "" && !strings.HasPrefix(d.ID, q.Prefix) {
		return false
	}
	if (q.hasAfter || q.After != 0) && !(d.CreatedAt > q.After) {
		return false
	}
	if (q.hasBefore || q.Before != 0) && !(d.CreatedAt < q.Before) {
		return false
	}
	if q.Author != "" && d.Metadata["author"] != q.Author {
		return false
	}
	if q.Source != "" && d.Metadata["source"] != q.Source {
		return false
	}
	if len(q.Tags) > 0 && !hasAllTags(d.Metadata["tags"], q.Tags) {
		return false
	}
	for k, v := range q.Where {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

// SQLWhere renders q's pushable filters (Prefix, After, Before, Author,
// Source, Where) as a parameterized "WHERE ..." clause (empty if nothing
// is active) plus its positional args, for backends whose native query
// language can express them directly instead of filtering post-fetch.
// jsonPath formats a dialect-specific JSON path expression for a
// validated metadata key (e.g. SQLite's json_extract(metadata, '$.foo')).
// Tags require subset-containment that no SQL dialect here pushes down,
// so callers still run q.Apply on the rows this yields, both for Tags and
// for the final sort/pagination.
func (q Query) SQLWhere(jsonPath func(key string) string) (string, []any, error) {
	var conds []string
	var args []any

	if q.Prefix != "" {
		conds = append(conds, "id LIKE ?")
		args = append(args, q.Prefix+"%")
	}
	if q.hasAfter || q.After != 0 {
		conds = append(conds, "created_at > ?")
		args = append(args, q.After)
	}
	if q.hasBefore || q.Before != 0 {
		conds = append(conds, "created_at < ?")
		args = append(args, q.Before)
	}
	if q.Author != "" {
		conds = append(conds, jsonPath("author")+" = ?")
		args = append(args, q.Author)
	}
	if q.Source != "" {
		conds = append(conds, jsonPath("source")+" = ?")
		args = append(args, q.Source)
	}

	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ValidateMetadataKey(k); err != nil {
			return "", nil, err
		}
		conds = append(conds, jsonPath(k)+" = ?")
		args = append(args, q.Where[k])
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

func hasAllTags(csv string, want []string) bool {
	have := make(map[string]struct{})
	for _, t := range strings.Split(csv, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			have[t] = struct{}{}
		}
	}
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// Apply filters, orders (created_at DESC, ties broken by id for
// determinism), and paginates a slice of candidates. Backends that filter
// post-fetch call this after loading candidate rows from their medium.
func (q Query) Apply(candidates []*datum.Datum) []*datum.Datum {
	matched := make([]*datum.Datum, 0, len(candidates))
	for _, d := range candidates {
		if q.Matches(d) {
			matched = append(matched, d)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []*datum.Datum{}
		}
		matched = matched[q.Offset:]
	}

	if q.Limit != nil {
		n := *q.Limit
		if n <= 0 {
			return []*datum.Datum{}
		}
		if n < len(matched) {
			matched = matched[:n]
		}
	}
	return matched
}
