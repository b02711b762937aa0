package storage

import "github.com/kgents/kgents/internal/datum"

// WalkCausalChain walks CausalParent pointers starting at id using lookup,
// stopping at the first missing ancestor, and returns the chain ordered
// root-first with id last. Returns nil if id itself is unknown.
//
// Shared by backends (memory, append-log) whose causal ancestry lives in
// an in-memory index rather than being resolvable via a recursive SQL
// query.
func WalkCausalChain(lookup func(id string) (*datum.Datum, bool), id string) []*datum.Datum {
	var chain []*datum.Datum
	seen := make(map[string]struct{})

	cur := id
	for cur != "" {
		if _, loop := seen[cur]; loop {
			break // defend against a cycle rather than hang
		}
		seen[cur] = struct{}{}

		d, ok := lookup(cur)
		if !ok {
			break
		}
		chain = append(chain, d)
		cur = d.CausalParent
	}

	// chain is built target-to-root; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
