package pipeline

import (
	"strings"

	"scrubiq/internal/span"
)

// CorefOptions controls the rule-based coreference resolver's window and
// decay. Defaults mirror spec.md §4.4: a 3-sentence window, 0.9 decay.
type CorefOptions struct {
	MaxSentenceGap     int
	ConfidenceDecay    float64
	MaxExpansionsPerAnchor int
}

// DefaultCorefOptions returns spec.md's stated defaults.
func DefaultCorefOptions() CorefOptions {
	return CorefOptions{MaxSentenceGap: 3, ConfidenceDecay: 0.9, MaxExpansionsPerAnchor: 20}
}

// genderOfPronoun reports whether p is a masculine, feminine, or neutral
// (plural/unknown) pronoun — used to avoid linking "she" to a male-coded
// anchor name when the text contains more than one candidate.
type pronounGender int

const (
	genderUnknown pronounGender = iota
	genderMasculine
	genderFeminine
	genderPlural
)

func classifyPronoun(word string) (pronounGender, bool) {
	w := strings.ToLower(word)
	switch w {
	case "he", "him", "his", "himself":
		return genderMasculine, true
	case "she", "her", "hers", "herself":
		return genderFeminine, true
	case "they", "them", "their", "theirs", "themselves":
		return genderPlural, true
	}
	return genderUnknown, false
}

// ResolveCoref implements the optional Coreference Resolver: within a
// sliding window of sentences, each anchor NAME/ORG span links downstream
// singular pronouns (a lone NAME anchor takes any of them; with several
// anchors the pronoun's gender must match a per-anchor gender guess;
// plural pronouns are never linked) and downstream last-name-only mentions when the anchor is a
// full (multi-word) name. Each resolved span inherits the anchor's type
// with confidence = anchor.confidence * decay^sentenceDistance. Bounded
// per anchor by opts.MaxExpansionsPerAnchor.
//
// Grounded on spec.md §4.4's description of the resolver; no coref.py
// source is present in the filtered reference pack, so this is original
// code implementing that description rather than a ported algorithm.
func ResolveCoref(text string, spans []span.Span, opts CorefOptions) []span.Span {
	if len(spans) == 0 {
		return spans
	}
	anchors := anchorSpans(spans)
	if len(anchors) == 0 {
		return spans
	}

	words := tokenizeWithPositions(text)
	existing := make(map[[2]int]bool, len(spans))
	for _, s := range spans {
		existing[[2]int{s.Start, s.End}] = true
	}

	var newSpans []span.Span
	for _, anchor := range anchors {
		gender := guessGender(anchor.Text)
		lastName := lastWord(anchor.Text)
		isFullName := strings.Contains(strings.TrimSpace(anchor.Text), " ")

		count := 0
		for _, w := range words {
			if count >= opts.MaxExpansionsPerAnchor {
				break
			}
			if w.start < anchor.End {
				continue // only downstream mentions
			}
			distance := w.sentenceIndex - anchor.SentenceIndex
			if distance < 0 || distance > opts.MaxSentenceGap {
				continue
			}
			if existing[[2]int{w.start, w.end}] {
				continue
			}

			matched := false
			if g, ok := classifyPronoun(w.text); ok {
				// The gender guess only gates the link when there is more
				// than one anchor to choose between.
				matched = pronounMatchesGender(g, gender) ||
					(len(anchors) == 1 && g != genderPlural && anchor.Type != span.TypeOrg)
			} else if isFullName && strings.EqualFold(w.text, lastName) && len(w.text) >= 3 {
				matched = true
			}
			if !matched {
				continue
			}

			decay := pow(opts.ConfidenceDecay, float64(distance))
			newSpans = append(newSpans, span.Span{
				Start: w.start, End: w.end, Text: w.text,
				Type: anchor.Type, Confidence: anchor.Confidence * decay,
				Detector: "coref_resolver", Tier: span.TierML,
				CorefAnchorValue: anchor.Text, SentenceIndex: w.sentenceIndex,
			})
			existing[[2]int{w.start, w.end}] = true
			count++
		}
	}

	if len(newSpans) == 0 {
		return spans
	}
	result := append(append([]span.Span{}, spans...), newSpans...)
	return result
}

func anchorSpans(spans []span.Span) []span.Span {
	var out []span.Span
	for _, s := range spans {
		switch s.Type {
		case span.TypeName, span.TypeNamePatient, span.TypeNameProvider, span.TypeNameRelative, span.TypeOrg:
			out = append(out, s)
		}
	}
	return out
}

// guessGender is a coarse heuristic: names ending in common feminine
// suffixes guess feminine, otherwise masculine is assumed as the more
// common fallback in clinical name distributions — either guess only
// gates pronoun linking, it never blocks last-name linking.
func guessGender(name string) pronounGender {
	first := strings.Fields(name)
	if len(first) == 0 {
		return genderUnknown
	}
	f := strings.ToLower(first[0])
	for _, suffix := range []string{"a", "ie", "y", "elle", "ette"} {
		if strings.HasSuffix(f, suffix) {
			return genderFeminine
		}
	}
	return genderMasculine
}

func pronounMatchesGender(pronounGender, anchorGender pronounGender) bool {
	if pronounGender == genderPlural {
		return false // plural pronouns need multi-entity coref this resolver doesn't attempt
	}
	return pronounGender == anchorGender
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[len(fields)-1]
}

func pow(base float64, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

type wordOccurrence struct {
	text          string
	start, end    int
	sentenceIndex int
}

// tokenizeWithPositions splits text into word tokens with byte offsets and
// a running sentence index, incrementing on '.', '!', '?'.
func tokenizeWithPositions(text string) []wordOccurrence {
	var out []wordOccurrence
	sentenceIdx := 0
	start := -1
	for i := 0; i < len(text); i++ {
		c := text[i]
		isWord := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '\''
		if isWord {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, wordOccurrence{text: text[start:i], start: start, end: i, sentenceIndex: sentenceIdx})
			start = -1
		}
		if c == '.' || c == '!' || c == '?' {
			sentenceIdx++
		}
	}
	if start >= 0 {
		out = append(out, wordOccurrence{text: text[start:], start: start, end: len(text), sentenceIndex: sentenceIdx})
	}
	return out
}
