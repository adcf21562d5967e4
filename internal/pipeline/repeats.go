package pipeline

import (
	"sort"
	"strings"

	"scrubiq/internal/span"
)

// DefaultMaxExpansionsPerValue bounds how many repeat spans one anchor
// value can generate, preventing O(n^2) blowup on pathological input.
const DefaultMaxExpansionsPerValue = 50

// repeatEligibleTypes are the entity types the Repeat Expander propagates
// to every other exact occurrence — excludes DATE/ADDRESS, which are
// shifted/generalized rather than repeated verbatim.
var repeatEligibleTypes = map[span.EntityType]bool{
	span.TypeNamePatient: true, span.TypeNameProvider: true,
	span.TypeNameRelative: true, span.TypeName: true,
	span.TypePhone: true, span.TypeEmail: true,
	span.TypeSSN: true, span.TypeMRN: true, span.TypeNPI: true, span.TypeDEA: true,
	span.TypeAccount: true, span.TypeCreditCard: true, span.TypeIBAN: true, span.TypeABA: true,
	span.TypeIP: true, span.TypeMAC: true, span.TypeURL: true, span.TypeVIN: true,
}

// IntervalSet supports O(log n) overlap checks against a growing set of
// non-overlapping [start,end) ranges, grounded on scrubiq/pipeline/
// repeats.py's bisect-based IntervalSet — here backed by sort.Search over
// a slice kept sorted by start, in place of Python's bisect module.
type IntervalSet struct {
	ranges [][2]int // sorted by start
}

// Add inserts [start, end) into the set, keeping it sorted by start.
func (s *IntervalSet) Add(start, end int) {
	idx := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i][0] >= start })
	s.ranges = append(s.ranges, [2]int{})
	copy(s.ranges[idx+1:], s.ranges[idx:])
	s.ranges[idx] = [2]int{start, end}
}

// Overlaps reports whether [start, end) intersects any stored range.
func (s *IntervalSet) Overlaps(start, end int) bool {
	idx := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i][0] >= start })
	if idx < len(s.ranges) && s.ranges[idx][0] < end {
		return true
	}
	if idx > 0 && s.ranges[idx-1][1] > start {
		return true
	}
	return false
}

// ExpandRepeats finds, for each accepted eligible-type span, every other
// exact occurrence of the same surface string at word boundaries in text,
// emitting a new span per occurrence with confidence*confidenceDecay and
// CorefAnchorValue set to the anchor's text so the tokenizer assigns the
// same token. Longer anchor values are searched first so "John Smith"
// claims its span before "John" can match inside it. Bounded to
// maxExpansionsPerValue new spans per unique value.
func ExpandRepeats(text string, spans []span.Span, minConfidence, confidenceDecay float64, maxExpansionsPerValue int) []span.Span {
	if text == "" || len(spans) == 0 {
		return spans
	}
	if maxExpansionsPerValue <= 0 {
		maxExpansionsPerValue = DefaultMaxExpansionsPerValue
	}

	var anchors []span.Span
	for _, s := range spans {
		if repeatEligibleTypes[s.Type] && s.Confidence >= minConfidence {
			anchors = append(anchors, s)
		}
	}
	if len(anchors) == 0 {
		return spans
	}

	covered := &IntervalSet{}
	coveredExact := make(map[[2]int]bool, len(spans))
	for _, s := range spans {
		covered.Add(s.Start, s.End)
		coveredExact[[2]int{s.Start, s.End}] = true
	}

	sort.SliceStable(anchors, func(i, j int) bool { return len(anchors[i].Text) > len(anchors[j].Text) })

	expansionCount := make(map[string]int)
	var newSpans []span.Span

	for _, anchor := range anchors {
		value := anchor.Text
		if len(value) < 3 {
			continue
		}
		if expansionCount[value] >= maxExpansionsPerValue {
			continue
		}

		searchFrom := 0
		for {
			idx := strings.Index(text[searchFrom:], value)
			if idx < 0 {
				break
			}
			pos := searchFrom + idx
			end := pos + len(value)
			searchFrom = pos + 1

			if expansionCount[value] >= maxExpansionsPerValue {
				break
			}
			if coveredExact[[2]int{pos, end}] {
				continue
			}
			if covered.Overlaps(pos, end) {
				continue
			}
			validStart := pos == 0 || !isAlnumByte(text[pos-1])
			validEnd := end >= len(text) || !isAlnumByte(text[end])
			if !validStart || !validEnd {
				continue
			}

			newSpan := span.Span{
				Start: pos, End: end, Text: value,
				Type: anchor.Type, Confidence: anchor.Confidence * confidenceDecay,
				Detector: "repeat_finder", Tier: span.TierML,
				CorefAnchorValue: anchor.Text,
			}
			newSpans = append(newSpans, newSpan)
			coveredExact[[2]int{pos, end}] = true
			covered.Add(pos, end)
			expansionCount[value]++
		}
	}

	result := append(append([]span.Span{}, spans...), newSpans...)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Start < result[j].Start })
	return unifyNameTypes(result)
}

func isAlnumByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
