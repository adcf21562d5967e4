// Package resolver implements the stateless, per-call Entity Resolver: a
// classic union-find grouping of the spans produced by one Detect+Merge
// pass into candidate entities, before the Entity Registry assigns durable
// identity.
//
// This is a genuinely separate stage from internal/registry: Resolve groups
// spans from a single call using union-find; Registry.Register then decides,
// across calls within a session, whether each group is new or merges with
// something already known.
//
// Four sieves union spans together, same shape as the registry's but
// without persistence:
//
//  1. Exact normalized match — unions all same-base-type exact matches,
//     including isolated types (an isolated type still merges on an exact
//     repeat of the same value; "isolated" only means it skips word-based
//     matching, not that it never merges).
//  2. Partial name match — multi-word subset only (len(smaller) >= 2).
//  3. Coreference link — unions a span with CorefAnchorValue to its anchor.
//  4. Known-entity matching — unions a span to a previously known entity_id
//     when the value matches exactly, or (for multi-word mentions) partially
//     by word overlap.
package resolver

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"scrubiq/internal/span"
)

var namePrefixes = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true,
	"dr": true, "prof": true, "sr": true, "jr": true, "rev": true,
}

var nameTypes = map[span.EntityType]bool{
	span.TypeName: true, span.TypeNamePatient: true,
	span.TypeNameProvider: true, span.TypeNameRelative: true,
}

// isolatedTypes skip word-based partial matching in sieve 2 — exact matches
// (sieve 1) still apply to them.
var isolatedTypes = map[span.EntityType]bool{
	span.TypeSSN: true, span.TypeMRN: true, span.TypeNPI: true, span.TypeDEA: true,
	span.TypeCreditCard: true, span.TypeAccount: true, span.TypeIBAN: true,
	span.TypeEmail: true, span.TypePhone: true, span.TypeIP: true, span.TypeMAC: true,
	span.TypeVIN: true, span.TypeDate: true, span.TypeDateDOB: true,
	span.TypeAddress: true, span.TypeZIP: true,
}

// KnownEntity is a previously-registered identity the resolver can link new
// mentions to without re-running the full merge policy (fed from
// Registry.ExportKnownEntities).
type KnownEntity struct {
	ID             string
	CanonicalValue string
	EntityType     span.EntityType
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// Resolve groups spans into candidate Entities using the four sieves above.
// known, if non-nil, lets sieve 4 link a group directly to an existing
// entity_id instead of minting a fresh uuid.
func Resolve(spans []span.Span, known []KnownEntity) []span.Entity {
	n := len(spans)
	if n == 0 {
		return nil
	}
	uf := newUnionFind(n)

	normalized := make([]string, n)
	words := make([]map[string]bool, n)
	for i, s := range spans {
		normalized[i] = normalizeValue(s.Text, s.Type)
		words[i] = significantWords(s.Text)
	}

	// Sieve 1: exact normalized match, same base type (including isolated types).
	byNormAndType := make(map[string][]int)
	for i, s := range spans {
		key := string(baseTypeOf(s.Type)) + "|" + normalized[i]
		byNormAndType[key] = append(byNormAndType[key], i)
	}
	for _, idxs := range byNormAndType {
		for k := 1; k < len(idxs); k++ {
			uf.union(idxs[0], idxs[k])
		}
	}

	// Sieve 2: multi-word subset match, NAME types only, not isolated.
	for i, si := range spans {
		bt := baseTypeOf(si.Type)
		if !nameTypes[bt] || isolatedTypes[bt] {
			continue
		}
		for j := i + 1; j < n; j++ {
			sj := spans[j]
			if baseTypeOf(sj.Type) != bt {
				continue
			}
			wi, wj := words[i], words[j]
			if len(wi) == 0 || len(wj) == 0 {
				continue
			}
			smaller, larger := wi, wj
			if len(wj) < len(wi) {
				smaller, larger = wj, wi
			}
			if len(smaller) >= 2 && isSubset(smaller, larger) {
				uf.union(i, j)
			}
		}
	}

	// Sieve 3: coreference anchor link.
	for i, s := range spans {
		if s.CorefAnchorValue == "" {
			continue
		}
		anchorNorm := normalizeValue(s.CorefAnchorValue, s.Type)
		bt := baseTypeOf(s.Type)
		for j, sj := range spans {
			if j == i {
				continue
			}
			if baseTypeOf(sj.Type) == bt && normalized[j] == anchorNorm {
				uf.union(i, j)
				break
			}
		}
	}

	// Sieve 4: known-entity matching — track which group roots link to which
	// known entity_id; exact match always links, partial (word-overlap) only
	// for multi-word mentions.
	groupKnownID := make(map[int]string)
	if len(known) > 0 {
		for i, s := range spans {
			bt := baseTypeOf(s.Type)
			root := uf.find(i)

			// Exact match is always safe.
			var exactMatches []string
			var partialMatches []string
			for _, k := range known {
				if baseTypeOf(k.EntityType) != bt {
					continue
				}
				kNorm := normalizeValue(k.CanonicalValue, k.EntityType)
				if kNorm == normalized[i] {
					exactMatches = append(exactMatches, k.ID)
					continue
				}
				if nameTypes[bt] && !isolatedTypes[bt] && len(words[i]) >= 2 {
					kWords := significantWords(k.CanonicalValue)
					if len(intersect(words[i], kWords)) > 0 {
						partialMatches = append(partialMatches, k.ID)
					}
				}
			}

			if len(exactMatches) > 0 {
				if existing, ok := groupKnownID[root]; !ok || existing == "" {
					groupKnownID[root] = exactMatches[0]
				}
			} else if len(partialMatches) > 0 {
				if _, ok := groupKnownID[root]; !ok {
					// Deterministic tie-break: pick the max-overlap match, then
					// lexicographically smallest id if still tied.
					best := bestPartialMatch(partialMatches, words[i], known)
					groupKnownID[root] = best
				}
			}
		}
	}

	// Collect groups by root.
	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	roots := make([]int, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	entities := make([]span.Entity, 0, len(roots))
	for _, root := range roots {
		members := groups[root]
		canonical := spans[members[0]].Text
		for _, idx := range members[1:] {
			if len(spans[idx].Text) > len(canonical) {
				canonical = spans[idx].Text
			}
		}

		id, ok := groupKnownID[root]
		if !ok || id == "" {
			id = uuid.NewString()
		}

		mentions := make([]span.Mention, 0, len(members))
		for _, idx := range members {
			mentions = append(mentions, span.Mention{Span: spans[idx], GroupID: root})
		}

		entities = append(entities, span.Entity{
			ID:             id,
			Type:           baseTypeOf(spans[members[0]].Type),
			CanonicalValue: canonical,
			Mentions:       mentions,
		})
	}

	return entities
}

// bestPartialMatch picks the known id whose canonical value shares the most
// words with candidateWords, breaking ties lexicographically for
// determinism (the original implementation fell back to Python's incidental
// set-iteration order here; this is a deliberate, reproducible choice).
func bestPartialMatch(ids []string, candidateWords map[string]bool, known []KnownEntity) string {
	byID := make(map[string]KnownEntity, len(known))
	for _, k := range known {
		byID[k.ID] = k
	}
	sort.Strings(ids)
	best := ids[0]
	bestOverlap := -1
	for _, id := range ids {
		k := byID[id]
		overlap := len(intersect(candidateWords, significantWords(k.CanonicalValue)))
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = id
		}
	}
	return best
}

func normalizeValue(text string, entityType span.EntityType) string {
	text = strings.ToLower(strings.TrimSpace(text))
	bt := baseTypeOf(entityType)
	if nameTypes[entityType] || nameTypes[bt] {
		parts := strings.Fields(text)
		if len(parts) > 0 && namePrefixes[strings.TrimSuffix(parts[0], ".")] {
			parts = parts[1:]
		}
		text = strings.Join(parts, " ")
	}
	return text
}

func significantWords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(strings.ReplaceAll(text, ".", ""))) {
		if len(w) >= 2 && !namePrefixes[w] {
			out[w] = true
		}
	}
	return out
}

func baseTypeOf(entityType span.EntityType) span.EntityType {
	s := string(entityType)
	for _, suffix := range []string{"_PATIENT", "_PROVIDER", "_RELATIVE"} {
		if strings.HasSuffix(s, suffix) {
			return span.TypeName
		}
	}
	return entityType
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func isSubset(small, large map[string]bool) bool {
	for k := range small {
		if !large[k] {
			return false
		}
	}
	return true
}
