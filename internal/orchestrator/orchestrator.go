// Package orchestrator runs the detector set over normalized text: a
// shared worker pool bounded by a concurrency semaphore and a queue-depth
// counter, per-detector timeouts, a known-entity pre-pass for identity
// persistence across turns, and post-processing (clinical-type filter,
// two-stage dedup, confidence calibration).
//
// Grounded on scrubiq/detectors/orchestrator.py's DetectorOrchestrator:
// the same MAX_CONCURRENT_DETECTIONS/MAX_QUEUE_DEPTH backpressure pair,
// every detector run in parallel under one shared per-detector timeout, and the same
// two-stage (start,end,type) then (start,end) dedup keeping highest tier
// then highest confidence. Concurrency idiom (semaphore + inflight
// tracking) follows the teacher's ollamaSem/inflight pattern in
// internal/anonymizer/anonymizer.go.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"scrubiq/internal/detect"
	"scrubiq/internal/errs"
	"scrubiq/internal/logger"
	"scrubiq/internal/span"
)

// tierRank orders tiers for dedup comparison — higher rank wins. Matches
// spec.md's authority ranking: CHECKSUM > STRUCTURED > PATTERN > ML, with
// DICTIONARY as the lowest-authority tier below ML.
var tierRank = map[span.Tier]int{
	span.TierDictionary: 0,
	span.TierML:         1,
	span.TierPattern:    2,
	span.TierStructured: 3,
	span.TierChecksum:   4,
}

// clinicalContextTypes are entity types that are clinical vocabulary, not
// PHI, and must never reach the output even if a detector fires on them.
var clinicalContextTypes = map[string]bool{
	"LAB_TEST":   true,
	"DIAGNOSIS":  true,
	"MEDICATION": true,
	"PROCEDURE":  true,
}

// KnownEntity is a prior-turn identity the caller supplies so it can be
// detected with high confidence (0.98, tier STRUCTURED) on later turns
// without relying on contextual cues — spec.md's known-entity pre-pass.
type KnownEntity struct {
	Token string
	Value string
	Type  span.EntityType
}

// Orchestrator runs a fixed detector set against text. Each instance built
// by New owns its own semaphore and queue-depth counter; separate
// instances do not share backpressure limits.
type Orchestrator struct {
	detectors []detect.Detector
	log       *logger.Logger

	sem           chan struct{}
	queueMu       sync.Mutex
	queueDepth    int
	maxQueueDepth int

	detectorTimeout time.Duration
}

// Options configures backpressure limits and per-detector timeout.
type Options struct {
	MaxConcurrentDetections int
	MaxQueueDepth           int
	DetectorTimeout         time.Duration
}

// New builds an Orchestrator over detectors using opts for concurrency and
// timeout limits.
func New(detectors []detect.Detector, opts Options, log *logger.Logger) *Orchestrator {
	if opts.MaxConcurrentDetections <= 0 {
		opts.MaxConcurrentDetections = 10
	}
	if opts.DetectorTimeout <= 0 {
		opts.DetectorTimeout = 2 * time.Second
	}
	available := make([]detect.Detector, 0, len(detectors))
	for _, d := range detectors {
		if d.IsAvailable() {
			available = append(available, d)
		}
	}
	return &Orchestrator{
		detectors:       available,
		log:             log,
		sem:             make(chan struct{}, opts.MaxConcurrentDetections),
		maxQueueDepth:   opts.MaxQueueDepth,
		detectorTimeout: opts.DetectorTimeout,
	}
}

// Detect runs every available detector on text plus the known-entity
// pre-pass, then post-processes the combined spans: clinical-type filter,
// two-stage dedup, and confidence calibration. Returns ErrDetectionQueueFull
// if the queue-depth limit is exceeded.
func (o *Orchestrator) Detect(ctx context.Context, text string, known []KnownEntity) ([]span.Span, error) {
	if text == "" {
		return nil, nil
	}

	if err := o.enterQueue(); err != nil {
		return nil, err
	}
	defer o.leaveQueue()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	var all []span.Span
	all = append(all, detectKnownEntities(text, known)...)

	detected := o.runDetectors(ctx, text)
	all = append(all, detected...)

	all = filterClinicalTypes(all)
	deduped := dedupeSpans(all)
	calibrated := calibrateConfidence(deduped)

	if o.log != nil {
		o.log.Infof("detect_complete", "%d final spans after dedup", len(calibrated))
	}
	return calibrated, nil
}

func (o *Orchestrator) enterQueue() error {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	if o.maxQueueDepth > 0 && o.queueDepth >= o.maxQueueDepth {
		return errs.ErrDetectionQueueFull
	}
	o.queueDepth++
	return nil
}

func (o *Orchestrator) leaveQueue() {
	o.queueMu.Lock()
	if o.queueDepth > 0 {
		o.queueDepth--
	}
	o.queueMu.Unlock()
}

// QueueDepth reports the current number of in-flight Detect calls.
func (o *Orchestrator) QueueDepth() int {
	o.queueMu.Lock()
	defer o.queueMu.Unlock()
	return o.queueDepth
}

// runDetectors runs every available detector in parallel, each under its
// own timeout derived from detectorTimeout. A detector that times out or
// errors is logged and its partial result discarded — other detectors'
// output still flows, matching the teacher's graceful-degradation rule.
func (o *Orchestrator) runDetectors(ctx context.Context, text string) []span.Span {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []span.Span
	)
	for _, d := range o.detectors {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, o.detectorTimeout)
			defer cancel()

			spans, err := d.Detect(dctx, text)
			if err != nil {
				if o.log != nil {
					if dctx.Err() != nil {
						o.log.Warnf("detect_timeout", "detector %s timed out after %s", d.Name(), o.detectorTimeout)
					} else {
						o.log.Errorf("detect_error", "detector %s failed: %v", d.Name(), err)
					}
				}
				return
			}
			mu.Lock()
			all = append(all, spans...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return all
}

// detectKnownEntities finds exact and word-part occurrences of known
// entity values in text, emitting synthetic high-confidence spans so
// identity persists across turns without relying on detector re-discovery.
func detectKnownEntities(text string, known []KnownEntity) []span.Span {
	if len(known) == 0 {
		return nil
	}
	textLower := strings.ToLower(text)
	var out []span.Span
	for _, k := range known {
		valueLower := strings.ToLower(k.Value)
		terms := []string{valueLower}
		if strings.Contains(valueLower, " ") {
			for _, part := range strings.Fields(valueLower) {
				if len(part) >= 2 {
					terms = append(terms, part)
				}
			}
		}
		for _, term := range terms {
			out = append(out, findKnownTerm(text, textLower, term, k.Type)...)
		}
	}
	return out
}

func findKnownTerm(text, textLower, term string, entityType span.EntityType) []span.Span {
	var out []span.Span
	start := 0
	for {
		idx := strings.Index(textLower[start:], term)
		if idx < 0 {
			break
		}
		idx += start
		end := idx + len(term)

		validStart := idx == 0 || !isAlnumByte(text[idx-1])
		validEnd := end >= len(text) || !isAlnumByte(text[end])
		if validStart && validEnd {
			matched := text[idx:end]
			if len(matched) > 0 && isUpperASCII(matched[0]) {
				out = append(out, span.Span{
					Start: idx, End: end, Text: matched,
					Type: entityType, Confidence: 0.98,
					Detector: "known_entity", Tier: span.TierStructured,
				})
			}
		}
		start = end
	}
	return out
}

func isAlnumByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isUpperASCII(b byte) bool { return b >= 'A' && b <= 'Z' }

func filterClinicalTypes(spans []span.Span) []span.Span {
	out := spans[:0:0]
	for _, s := range spans {
		if !clinicalContextTypes[strings.ToUpper(string(s.Type))] {
			out = append(out, s)
		}
	}
	return out
}

// dedupeSpans implements the teacher's two-stage dedup: first by
// (start, end, type) keeping highest tier then confidence, then by
// (start, end) across types with the same tie-break.
func dedupeSpans(spans []span.Span) []span.Span {
	if len(spans) == 0 {
		return spans
	}
	type typeKey struct {
		start, end int
		entityType span.EntityType
	}
	byType := make(map[typeKey]span.Span)
	for _, s := range spans {
		key := typeKey{s.Start, s.End, s.Type}
		existing, ok := byType[key]
		if !ok || better(s, existing) {
			byType[key] = s
		}
	}

	type posKey struct{ start, end int }
	byPos := make(map[posKey]span.Span)
	for _, s := range byType {
		key := posKey{s.Start, s.End}
		existing, ok := byPos[key]
		if !ok || better(s, existing) {
			byPos[key] = s
		}
	}

	out := make([]span.Span, 0, len(byPos))
	for _, s := range byPos {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

func better(candidate, existing span.Span) bool {
	cr, er := tierRank[candidate.Tier], tierRank[existing.Tier]
	if cr != er {
		return cr > er
	}
	return candidate.Confidence > existing.Confidence
}

// calibrateConfidence applies per-detector-family confidence floors, same
// calibration spec.md §4.3 step 4 requires: checksum floors at 0.95,
// structured at 0.90, pattern passes through unchanged, ML is lightly
// dampened to reflect its lower precision relative to rule-based tiers.
func calibrateConfidence(spans []span.Span) []span.Span {
	for i := range spans {
		switch spans[i].Tier {
		case span.TierChecksum:
			if spans[i].Confidence < 0.95 {
				spans[i].Confidence = 0.95
			}
		case span.TierStructured:
			if spans[i].Confidence < 0.90 {
				spans[i].Confidence = 0.90
			}
		case span.TierML:
			spans[i].Confidence *= 0.92
		}
	}
	return spans
}
