// Package detect implements the detector framework: a common Detector
// interface plus five detector families — checksum (SSN/Luhn-CC/VIN/IBAN/
// ABA/NPI/DEA), pattern (regex), structured (LABEL:value), dictionary, and
// ML (BIO-tag span consumer).
//
// Grounded on the teacher's pattern{re, piiType, confidence} shape
// (internal/anonymizer/anonymizer.go's compilePatterns), generalized from
// one flat regex list into pluggable Detector implementations so checksum
// validation and structured-field parsing can sit alongside plain regex
// matching under one interface.
package detect

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"scrubiq/internal/span"
)

// Detector finds spans of a particular identifier family in normalized
// text. Implementations must be safe for concurrent use by the
// orchestrator's worker pool — in practice this means read-only after
// construction.
type Detector interface {
	// Name identifies the detector for logging, audit, and timeout errors.
	Name() string
	// Detect returns every span this detector finds in text. ctx carries
	// the orchestrator's per-detector timeout.
	Detect(ctx context.Context, text string) ([]span.Span, error)
	// IsAvailable reports whether the detector is usable right now — false
	// for a detector whose backing resource (a loaded model, a populated
	// wordlist) isn't ready. The orchestrator skips unavailable detectors
	// rather than calling Detect and handling an error.
	IsAvailable() bool
}

// --- pattern detector -------------------------------------------------

// patternSpec pairs a compiled regex with its entity type and base
// confidence, the same shape as the teacher's internal pattern struct.
type patternSpec struct {
	re           *regexp.Regexp
	entityType   span.EntityType
	confidence   float64
	captureGroup int // 0 = whole match
	validate     func(matchedText string) bool
}

// PatternDetector matches one or more regexes against text, same
// single-pass approach as the teacher's compilePatterns/AnonymizeText.
type PatternDetector struct {
	name  string
	specs []patternSpec
}

// NewPatternDetector compiles specs into a Detector named name. Specs with
// invalid regexes are skipped (mirrors the teacher's log-and-continue
// compile behavior, without the log dependency at construction time —
// callers log the returned skipped count if they care).
func NewPatternDetector(name string, specs []PatternSpec) (*PatternDetector, int) {
	d := &PatternDetector{name: name}
	skipped := 0
	for _, s := range specs {
		re, err := regexp.Compile(s.Expr)
		if err != nil {
			skipped++
			continue
		}
		d.specs = append(d.specs, patternSpec{
			re: re, entityType: s.Type, confidence: s.Confidence,
			captureGroup: s.CaptureGroup, validate: s.Validate,
		})
	}
	return d, skipped
}

// PatternSpec is the constructor-facing form of a regex rule.
type PatternSpec struct {
	Expr         string
	Type         span.EntityType
	Confidence   float64
	CaptureGroup int                        // 0 = whole match
	Validate     func(matchedText string) bool // optional format/context check
}

func (d *PatternDetector) Name() string       { return d.name }
func (d *PatternDetector) IsAvailable() bool  { return len(d.specs) > 0 }

// Detect runs every compiled regex against text and returns one Span per
// match, deduplicated by (start, end) within this detector's own output —
// two specs matching the identical span keep only the higher-confidence
// one, same as the teacher's single-pass pattern list never double-counts
// an offset range.
func (d *PatternDetector) Detect(ctx context.Context, text string) ([]span.Span, error) {
	seen := make(map[[2]int]int) // (start,end) -> index in out
	var out []span.Span
	for _, s := range d.specs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, loc := range s.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if s.captureGroup > 0 && 2*s.captureGroup+1 < len(loc) && loc[2*s.captureGroup] >= 0 {
				start, end = loc[2*s.captureGroup], loc[2*s.captureGroup+1]
			}
			if s.validate != nil && !s.validate(text[start:end]) {
				continue
			}
			key := [2]int{start, end}
			if idx, ok := seen[key]; ok {
				if s.confidence > out[idx].Confidence {
					out[idx].Confidence = s.confidence
					out[idx].Type = s.entityType
				}
				continue
			}
			seen[key] = len(out)
			out = append(out, span.Span{
				Start: start, End: end, Text: text[start:end],
				Type: s.entityType, Confidence: s.confidence,
				Detector: d.name, Tier: span.TierPattern,
			})
		}
	}
	return out, nil
}

// --- checksum detector --------------------------------------------------

// ChecksumValidator verifies a candidate match's embedded checksum (Luhn
// for credit cards, mod-97 for IBAN, etc). Returning false drops the
// candidate match entirely — checksum detectors only emit validated hits,
// which is what makes their confidence high.
type ChecksumValidator func(digits string) bool

// ChecksumDetector finds candidates with a regex, then keeps only the ones
// whose digits pass Validate — e.g. SSN-shaped strings that are also valid
// Luhn credit card numbers, ABA routing numbers, VINs, NPIs, DEA numbers.
type ChecksumDetector struct {
	name       string
	candidate  *regexp.Regexp
	entityType span.EntityType
	confidence float64
	validate   ChecksumValidator
}

// NewChecksumDetector builds a checksum-validated detector. candidateExpr
// finds shape-plausible matches; validate rejects the ones that fail the
// identifier's checksum.
func NewChecksumDetector(name, candidateExpr string, entityType span.EntityType, confidence float64, validate ChecksumValidator) (*ChecksumDetector, error) {
	re, err := regexp.Compile(candidateExpr)
	if err != nil {
		return nil, err
	}
	return &ChecksumDetector{name: name, candidate: re, entityType: entityType, confidence: confidence, validate: validate}, nil
}

func (d *ChecksumDetector) Name() string      { return d.name }
func (d *ChecksumDetector) IsAvailable() bool { return d.candidate != nil }

func (d *ChecksumDetector) Detect(ctx context.Context, text string) ([]span.Span, error) {
	var out []span.Span
	for _, loc := range d.candidate.FindAllStringIndex(text, -1) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		matched := text[loc[0]:loc[1]]
		// Drop separators but keep letters, so alphanumeric identifiers
		// (VIN, IBAN, DEA) reach their validators intact.
		if !d.validate(strings.NewReplacer(" ", "", "-", "").Replace(matched)) {
			continue
		}
		out = append(out, span.Span{
			Start: loc[0], End: loc[1], Text: matched,
			Type: d.entityType, Confidence: d.confidence,
			Detector: d.name, Tier: span.TierChecksum,
		})
	}
	return out, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LuhnValid reports whether digits passes the Luhn checksum (credit
// cards).
func LuhnValid(digits string) bool {
	if len(digits) < 12 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// ABAValid reports whether a 9-digit string passes the ABA routing number
// checksum: 3(d1+d4+d7) + 7(d2+d5+d8) + (d3+d6+d9) ≡ 0 (mod 10).
func ABAValid(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	sum := 0
	weights := [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	return sum%10 == 0
}

// NPIValid reports whether a 10-digit National Provider Identifier passes
// its Luhn check over "80840" + the first 9 digits.
func NPIValid(digits string) bool {
	if len(digits) != 10 {
		return false
	}
	return LuhnValid("80840" + digits[:9] + digits[9:10])
}

// --- structured detector -------------------------------------------------

// structuredField describes one `LABEL: value` style field to recognize —
// grounded on scrubiq/detectors/structured.py's label-anchored extraction.
type structuredField struct {
	labels     []string
	entityType span.EntityType
	valueRe    *regexp.Regexp
	confidence float64
}

// StructuredDetector recognizes explicitly labeled fields such as
// "MRN: 12345678" or "DOB: 01/15/1980" — higher confidence than a bare
// pattern match because the label disambiguates intent.
type StructuredDetector struct {
	fields []structuredField
	re     *regexp.Regexp // combined label alternation, built once
}

// StructuredFieldSpec is the constructor-facing field description.
type StructuredFieldSpec struct {
	Labels     []string // case-insensitive label alternatives, e.g. {"MRN", "Medical Record Number"}
	Type       span.EntityType
	ValueExpr  string // regex for the value portion after the label
	Confidence float64
}

// NewStructuredDetector compiles field specs into one detector that scans
// for "label separator value" once per field.
func NewStructuredDetector(specs []StructuredFieldSpec) (*StructuredDetector, error) {
	d := &StructuredDetector{}
	for _, s := range specs {
		valueRe, err := regexp.Compile(s.ValueExpr)
		if err != nil {
			return nil, err
		}
		d.fields = append(d.fields, structuredField{
			labels: s.Labels, entityType: s.Type, valueRe: valueRe, confidence: s.Confidence,
		})
	}
	return d, nil
}

func (d *StructuredDetector) Name() string      { return "structured" }
func (d *StructuredDetector) IsAvailable() bool { return len(d.fields) > 0 }

func (d *StructuredDetector) Detect(ctx context.Context, text string) ([]span.Span, error) {
	var out []span.Span
	lower := strings.ToLower(text)
	for _, f := range d.fields {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, label := range f.labels {
			out = append(out, findLabeledValues(text, lower, label, f)...)
		}
	}
	return out, nil
}

func findLabeledValues(text, lower, label string, f structuredField) []span.Span {
	var out []span.Span
	labelLower := strings.ToLower(label)
	searchFrom := 0
	for {
		idx := strings.Index(lower[searchFrom:], labelLower)
		if idx < 0 {
			break
		}
		labelStart := searchFrom + idx
		rest := text[labelStart+len(label):]
		// Skip a single separator (colon, dash, or whitespace run) between
		// label and value, same as "LABEL:value" / "LABEL - value".
		trimmed := strings.TrimLeft(rest, " \t:-")
		skipped := len(rest) - len(trimmed)
		valueStart := labelStart + len(label) + skipped

		loc := f.valueRe.FindStringIndex(trimmed)
		searchFrom = labelStart + len(label)
		if loc == nil || loc[0] != 0 {
			continue
		}
		value := trimmed[loc[0]:loc[1]]
		out = append(out, span.Span{
			Start: valueStart, End: valueStart + len(value), Text: value,
			Type: f.entityType, Confidence: f.confidence,
			Detector: "structured", Tier: span.TierStructured,
		})
	}
	return out
}

// --- dictionary detector -------------------------------------------------

// DictionaryDetector flags exact (case-insensitive) matches against a
// fixed vocabulary — e.g. known provider names, hospital/organization
// names, or an allowlist's inverse (a blocklist of known-sensitive terms).
type DictionaryDetector struct {
	name       string
	entityType span.EntityType
	confidence float64
	terms      map[string]bool
	longest    int // longest term in words, bounds the sliding window
}

// NewDictionaryDetector builds a detector over terms (case-insensitive).
func NewDictionaryDetector(name string, entityType span.EntityType, confidence float64, terms []string) *DictionaryDetector {
	d := &DictionaryDetector{name: name, entityType: entityType, confidence: confidence, terms: make(map[string]bool, len(terms))}
	for _, t := range terms {
		norm := strings.ToLower(strings.TrimSpace(t))
		d.terms[norm] = true
		if words := len(strings.Fields(norm)); words > d.longest {
			d.longest = words
		}
	}
	if d.longest == 0 {
		d.longest = 1
	}
	return d
}

func (d *DictionaryDetector) Name() string      { return d.name }
func (d *DictionaryDetector) IsAvailable() bool { return len(d.terms) > 0 }

// Detect uses a word-level sliding window up to the longest dictionary
// term's length, checking every window against the term set.
func (d *DictionaryDetector) Detect(ctx context.Context, text string) ([]span.Span, error) {
	tokens := tokenizeWithOffsets(text)
	var out []span.Span
	for i := range tokens {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for n := d.longest; n >= 1; n-- {
			if i+n > len(tokens) {
				continue
			}
			start := tokens[i].start
			end := tokens[i+n-1].end
			candidate := strings.ToLower(text[start:end])
			if d.terms[candidate] {
				out = append(out, span.Span{
					Start: start, End: end, Text: text[start:end],
					Type: d.entityType, Confidence: d.confidence,
					Detector: d.name, Tier: span.TierDictionary,
				})
				break
			}
		}
	}
	return out, nil
}

type offsetToken struct{ start, end int }

func tokenizeWithOffsets(text string) []offsetToken {
	var out []offsetToken
	inWord := false
	start := 0
	for i, r := range text {
		isWordChar := r == '\'' || r == '-' || isAlnum(r)
		if isWordChar && !inWord {
			start = i
			inWord = true
		} else if !isWordChar && inWord {
			out = append(out, offsetToken{start, i})
			inWord = false
		}
	}
	if inWord {
		out = append(out, offsetToken{start, len(text)})
	}
	return out
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// --- ML span-consumer detector -------------------------------------------

// BIOLabel is the raw per-token tag emitted by the backing NER model,
// before any merging into contiguous spans.
type BIOLabel string

const (
	BIOOutside BIOLabel = "O"
	BIOBegin   BIOLabel = "B"
	BIOInside  BIOLabel = "I"
)

// MLSpanSource is supplied by an external model runner (BIO-tagged NER
// model) and adapted here into a Detector so the orchestrator can treat it
// like any other detector in its worker pool — grounded on spec.md's
// "model load barrier" concurrency requirement, which this detector
// respects by returning an error (rather than blocking) when the model
// isn't ready, leaving the orchestrator's timeout/backpressure handling
// unchanged.
type MLSpanSource interface {
	// Ready reports whether the backing model has finished loading.
	Ready() bool
	// Tag returns raw per-token (span, BIO_label, confidence) triples for
	// text, which may be a chunk of a larger input rather than the whole
	// document. The B-/I- merge, word-boundary expansion, trailing-word
	// trim, and cross-chunk dedup all happen in MLDetector.Detect, not here.
	Tag(ctx context.Context, text string) ([]MLToken, error)
}

// MLToken is one raw per-token BIO tag from the backing model. Type and
// Confidence are meaningful only when Label != BIOOutside.
type MLToken struct {
	Start, End int
	Label      BIOLabel
	Type       span.EntityType
	Confidence float64
}

// ErrModelNotReady is returned by MLDetector.Detect while the backing
// model is still loading.
var ErrModelNotReady = modelNotReadyErr{}

type modelNotReadyErr struct{}

func (modelNotReadyErr) Error() string { return "detect: ML model not finished loading" }

const (
	mlChunkSize    = 1500
	mlChunkOverlap = 300
)

// MLDetector adapts an MLSpanSource into the Detector interface, handling
// the chunking, BIO-merge, and boundary cleanup the raw model output needs
// before it can be treated as ordinary spans.
type MLDetector struct {
	source MLSpanSource
}

// NewMLDetector wraps source as a Detector.
func NewMLDetector(source MLSpanSource) *MLDetector {
	return &MLDetector{source: source}
}

func (d *MLDetector) Name() string      { return "ml" }
func (d *MLDetector) IsAvailable() bool { return d.source.Ready() }

// Detect chunks text (≤1500 chars per chunk, 300-char overlap, preferring a
// sentence boundary near the cut point), tags each chunk, merges B-/I- runs
// into contiguous spans, expands each span to a word boundary, trims
// trailing non-name words, and deduplicates spans that two overlapping
// chunks both produced — keeping the higher-tier/higher-confidence copy.
func (d *MLDetector) Detect(ctx context.Context, text string) ([]span.Span, error) {
	if !d.source.Ready() {
		return nil, ErrModelNotReady
	}
	var out []span.Span
	for _, c := range chunkText(text, mlChunkSize, mlChunkOverlap) {
		chunk := text[c.start:c.end]
		tokens, err := d.source.Tag(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, m := range mergeBIOTags(tokens) {
			start, end := expandToWordBoundary(chunk, m.start, m.end)
			start, end = trimTrailingNonNameWords(chunk, start, end, m.entityType)
			if start >= end {
				continue
			}
			absStart, absEnd := c.start+start, c.start+end
			out = append(out, span.Span{
				Start: absStart, End: absEnd, Text: text[absStart:absEnd],
				Type: m.entityType, Confidence: m.confidence,
				Detector: "ml", Tier: span.TierML,
			})
		}
	}
	return dedupMLSpans(out), nil
}

type textChunk struct{ start, end int }

// chunkText splits text into overlapping windows of at most size chars,
// each overlapping the previous by overlap chars, preferring to cut at a
// sentence boundary (". ", "! ", "? ") near the target cut point and
// falling back to a word boundary, then a hard cut, if none is found.
func chunkText(text string, size, overlap int) []textChunk {
	if len(text) <= size {
		return []textChunk{{0, len(text)}}
	}
	var chunks []textChunk
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, textChunk{start, len(text)})
			break
		}
		cut := sentenceBoundaryNear(text, end)
		if cut <= start {
			cut = wordBoundaryNear(text, end)
		}
		if cut <= start {
			cut = end
		}
		chunks = append(chunks, textChunk{start, cut})
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// sentenceBoundaryNear scans backward from target for a ". ", "! ", or
// "? " and returns the offset just past it, or -1 if none is found within
// a reasonable lookback window.
func sentenceBoundaryNear(text string, target int) int {
	lookback := target - 200
	if lookback < 0 {
		lookback = 0
	}
	for i := target; i > lookback; i-- {
		if i >= 2 && (text[i-2] == '.' || text[i-2] == '!' || text[i-2] == '?') && text[i-1] == ' ' {
			return i
		}
	}
	return -1
}

// wordBoundaryNear scans backward from target for a non-word byte and
// returns the offset just past it, or -1 if target sits in the first run
// of word characters.
func wordBoundaryNear(text string, target int) int {
	for i := target; i > 0; i-- {
		r := rune(text[i-1])
		if !(r == '\'' || r == '-' || isAlnum(r)) {
			return i
		}
	}
	return -1
}

type mlSpanCandidate struct {
	start, end int
	entityType span.EntityType
	confidence float64
}

// mergeBIOTags collapses a run of one B- token followed by zero or more
// matching I- tokens into a single span candidate. An I- token whose type
// doesn't match the open span starts a fresh candidate instead of
// extending it, since that can only mean the model emitted a malformed
// tag sequence.
func mergeBIOTags(tokens []MLToken) []mlSpanCandidate {
	var out []mlSpanCandidate
	var cur *mlSpanCandidate
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, t := range tokens {
		switch t.Label {
		case BIOBegin:
			flush()
			cur = &mlSpanCandidate{start: t.Start, end: t.End, entityType: t.Type, confidence: t.Confidence}
		case BIOInside:
			if cur != nil && cur.entityType == t.Type {
				cur.end = t.End
				if t.Confidence < cur.confidence {
					cur.confidence = t.Confidence
				}
			} else {
				flush()
				cur = &mlSpanCandidate{start: t.Start, end: t.End, entityType: t.Type, confidence: t.Confidence}
			}
		default:
			flush()
		}
	}
	flush()
	return out
}

// expandToWordBoundary grows [start,end) outward over adjoining word
// characters so a span that clipped a token midway (a common BIO-model
// artifact) covers the whole word on both ends.
func expandToWordBoundary(text string, start, end int) (int, int) {
	for start > 0 {
		r := rune(text[start-1])
		if r == '\'' || r == '-' || isAlnum(r) {
			start--
		} else {
			break
		}
	}
	for end < len(text) {
		r := rune(text[end])
		if r == '\'' || r == '-' || isAlnum(r) {
			end++
		} else {
			break
		}
	}
	return start, end
}

// trailingNonNameWords lowercase tokens that a name-family span sometimes
// picks up at its tail ("John Smith called" -> "John Smith"); trimmed only
// for name-shaped entity types, since a trailing lowercase word is never
// part of a person or organization name.
var trailingNonNameWords = map[string]bool{
	"called": true, "said": true, "reported": true, "stated": true,
	"and": true, "or": true, "the": true, "a": true, "an": true,
}

func isNameType(t span.EntityType) bool {
	switch t {
	case span.TypeName, span.TypeNamePatient, span.TypeNameProvider, span.TypeNameRelative, span.TypeOrg:
		return true
	default:
		return false
	}
}

// trimTrailingNonNameWords drops trailing lowercase filler words from a
// name-family span, e.g. a model that tagged "John Smith called" leaves
// only "John Smith".
func trimTrailingNonNameWords(text string, start, end int, entityType span.EntityType) (int, int) {
	if !isNameType(entityType) {
		return start, end
	}
	for {
		for end > start && text[end-1] == ' ' {
			end--
		}
		wordStart := end
		for wordStart > start {
			r := rune(text[wordStart-1])
			if r == '\'' || r == '-' || isAlnum(r) {
				wordStart--
			} else {
				break
			}
		}
		if wordStart >= end {
			break
		}
		word := text[wordStart:end]
		if word == strings.ToLower(word) && trailingNonNameWords[word] {
			end = wordStart
			continue
		}
		break
	}
	return start, end
}

// dedupMLSpans resolves spans that two overlapping chunks both produced
// for the same region, keeping the higher-tier/higher-confidence copy —
// ties break on the earlier chunk's (lower) start offset.
func dedupMLSpans(spans []span.Span) []span.Span {
	if len(spans) < 2 {
		return spans
	}
	SortSpans(spans)
	out := make([]span.Span, 0, len(spans))
	for _, s := range spans {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if s.Start < last.End && s.End > last.Start {
				if mlSpanBeats(s, *last) {
					*last = s
				}
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

var mlTierRank = map[span.Tier]int{
	span.TierChecksum: 4, span.TierStructured: 3, span.TierPattern: 2,
	span.TierDictionary: 1, span.TierML: 0,
}

// mlSpanBeats reports whether a should replace b when they overlap:
// higher tier wins, ties broken by higher confidence.
func mlSpanBeats(a, b span.Span) bool {
	ra, rb := mlTierRank[a.Tier], mlTierRank[b.Tier]
	if ra != rb {
		return ra > rb
	}
	return a.Confidence > b.Confidence
}

// SortSpans orders spans by (start, -confidence) for deterministic
// downstream merging, matching the orchestrator's "(tier, confidence,
// span) total order" commutative-merge requirement.
func SortSpans(spans []span.Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Confidence > spans[j].Confidence
	})
}
