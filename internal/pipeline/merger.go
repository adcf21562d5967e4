// Package pipeline implements the post-detection stages that turn raw,
// possibly-overlapping detector spans into the final set a session
// tokenizes: overlap merging, repeat expansion, coreference resolution,
// the HIPAA Safe Harbor transform, and allowlist filtering.
package pipeline

import (
	"sort"

	"scrubiq/internal/span"
)

// tierRank mirrors the orchestrator's authority ranking (spec.md: CHECKSUM
// > STRUCTURED > PATTERN > ML, DICTIONARY lowest) so the merger's
// different-type tie-break agrees with the orchestrator's dedup.
var tierRank = map[span.Tier]int{
	span.TierDictionary: 0,
	span.TierML:         1,
	span.TierPattern:    2,
	span.TierStructured: 3,
	span.TierChecksum:   4,
}

// nameTypePriority ranks NAME subtypes by specificity so repeated mentions
// of the same surface value converge on one type — grounded on
// scrubiq/pipeline/repeats.py's NAME_TYPE_PRIORITY table.
var nameTypePriority = map[span.EntityType]int{
	span.TypeNamePatient:  3,
	span.TypeNameProvider: 3,
	span.TypeNameRelative: 3,
	span.TypeName:         1,
}

// Merge resolves overlapping spans per spec.md §4.4: spans that overlap
// (a.start < b.end && b.start < a.end) and share a type merge into their
// convex hull keeping the max confidence; spans of different types keep
// the higher tier, breaking ties by confidence then by longer span. Spans
// below minConfidence are dropped before merging. The result is sorted by
// start and has no overlaps.
func Merge(spans []span.Span, minConfidence float64) []span.Span {
	filtered := make([]span.Span, 0, len(spans))
	for _, s := range spans {
		if s.Confidence >= minConfidence {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return filtered
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Start < filtered[j].Start })

	result := []span.Span{filtered[0]}
	for _, s := range filtered[1:] {
		last := &result[len(result)-1]
		if s.Start < last.End && last.Start < s.End {
			*last = mergeOverlap(*last, s)
			continue
		}
		result = append(result, s)
	}
	return unifyNameTypes(result)
}

func mergeOverlap(a, b span.Span) span.Span {
	if a.Type == b.Type {
		merged := a
		if b.Start < merged.Start {
			merged.Start = b.Start
		}
		if b.End > merged.End {
			merged.End = b.End
		}
		if b.Confidence > merged.Confidence {
			merged.Confidence = b.Confidence
			merged.Detector = b.Detector
		}
		return merged
	}

	winner, loser := a, b
	if better(loser, winner) {
		winner, loser = loser, winner
	}
	if winner.End-winner.Start < loser.End-loser.Start &&
		tierRank[winner.Tier] == tierRank[loser.Tier] &&
		winner.Confidence == loser.Confidence {
		winner = loser
	}
	return winner
}

// better reports whether candidate outranks existing: higher tier first,
// then higher confidence, then the longer span.
func better(candidate, existing span.Span) bool {
	cr, er := tierRank[candidate.Tier], tierRank[existing.Tier]
	if cr != er {
		return cr > er
	}
	if candidate.Confidence != existing.Confidence {
		return candidate.Confidence > existing.Confidence
	}
	return (candidate.End - candidate.Start) > (existing.End - existing.Start)
}

// unifyNameTypes ensures every span sharing the same surface text among
// NAME subtypes converges on the most specific type present, so the
// tokenizer assigns one token to every mention of the same person.
func unifyNameTypes(spans []span.Span) []span.Span {
	bestByValue := make(map[string]span.EntityType)
	for _, s := range spans {
		if _, ok := nameTypePriority[s.Type]; !ok {
			continue
		}
		if cur, exists := bestByValue[s.Text]; !exists || nameTypePriority[s.Type] > nameTypePriority[cur] {
			bestByValue[s.Text] = s.Type
		}
	}
	for i, s := range spans {
		if best, ok := bestByValue[s.Text]; ok && best != s.Type {
			spans[i].Type = best
		}
	}
	return spans
}
