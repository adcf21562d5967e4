// Package registry implements the Entity Registry: the single,
// session-durable authority that decides "who is who". Every entity_id in a
// session comes from Register — no other component may mint one.
//
// Merge policy (mirrors the four sieves and three penalties the original
// implementation ships):
//
//	EXACT match (normalized, case-insensitive): 0.99, auto-merge
//	COREF anchor link:                          0.95, auto-merge
//	Multi-word subset (2+ words):                0.85, merge + flag
//	Word overlap ratio >= 0.5:                   0.60 * ratio, review
//	Single-word subset:                          0.40, blocked
//
// Penalties: role conflict (patient vs provider) -0.50, sentence distance
// >= 5 apart -0.20, base-type mismatch -0.30.
//
// Thresholds: score >= AutoMergeThreshold auto-merges; score >=
// FlagMergeThreshold merges but queues a review item; otherwise a new
// entity is created and the rejected merge is queued as a potential merge.
package registry

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"scrubiq/internal/span"
)

// Confidence values used when scoring merge candidates.
const (
	confidenceExact       = 0.99
	confidenceCoref       = 0.95
	confidenceSubsetMulti = 0.85
	confidenceWordOverlap = 0.60
	confidenceSingleWord  = 0.40
)

// Penalty values subtracted from a merge candidate's score.
const (
	penaltyRoleConflict     = 0.50
	penaltySentenceDistance = 0.20
	penaltyTypeMismatch     = 0.30
	sentenceDistanceTrigger = 5
)

// namePrefixes are honorifics stripped before matching ("Dr. Smith" -> "smith").
var namePrefixes = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true,
	"dr": true, "prof": true, "sr": true, "jr": true, "rev": true,
}

// nameTypes are eligible for word-based partial matching.
var nameTypes = map[span.EntityType]bool{
	span.TypeName: true, span.TypeNamePatient: true,
	span.TypeNameProvider: true, span.TypeNameRelative: true,
}

// isolatedTypes merge only on exact match — no word-based fuzzy matching.
var isolatedTypes = map[span.EntityType]bool{
	span.TypeSSN: true, span.TypeMRN: true, span.TypeNPI: true, span.TypeDEA: true,
	span.TypeCreditCard: true, span.TypeAccount: true, span.TypeIBAN: true,
	span.TypeEmail: true, span.TypePhone: true, span.TypeIP: true, span.TypeMAC: true,
	span.TypeVIN: true, span.TypeDate: true, span.TypeDateDOB: true,
	span.TypeAddress: true, span.TypeZIP: true,
}

// Candidate is a proposed mention to register.
type Candidate struct {
	Text           string
	EntityType     span.EntityType
	Span           span.Span
	Role           string // "patient" | "provider" | "relative" | "" (infer from type)
	SentenceIdx    int
	ConversationID string
}

// mentionRecord is one registered occurrence within an entity.
type mentionRecord struct {
	text           string
	start, end     int
	role           string
	confidence     float64
	conversationID string
	sentenceIdx    int
}

// entity is an entity tracked by the registry.
type entity struct {
	id              string
	entityType      span.EntityType
	canonicalValue  string
	normalizedValue string
	words           map[string]bool
	mentions        []mentionRecord
	roles           map[string]bool
}

func (e *entity) hasConflictingRole(role string) bool {
	if role == "" || role == "unknown" || len(e.roles) == 0 {
		return false
	}
	if role == "patient" && e.roles["provider"] {
		return true
	}
	if role == "provider" && e.roles["patient"] {
		return true
	}
	return false
}

// MergeCandidate records a flagged or blocked merge decision.
type MergeCandidate struct {
	CandidateEntityID string // empty if already auto-merged-and-flagged
	TargetEntityID    string
	Confidence        float64
	Reason            string
}

// Registry is the session-durable Entity Registry. The zero value is not
// usable; construct with New. All methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	autoMergeThreshold float64
	flagMergeThreshold float64

	entities map[string]*entity

	byNormalized map[string]map[string]bool // normalized value -> entity ids
	byWord       map[string]map[string]bool // word -> entity ids
	byType       map[span.EntityType]map[string]bool

	reviewQueue []MergeCandidate
}

// New returns an empty Registry using the given auto-merge/flag-merge
// confidence thresholds (spec.md defaults: 0.90 / 0.70).
func New(autoMergeThreshold, flagMergeThreshold float64) *Registry {
	return &Registry{
		autoMergeThreshold: autoMergeThreshold,
		flagMergeThreshold: flagMergeThreshold,
		entities:           make(map[string]*entity),
		byNormalized:       make(map[string]map[string]bool),
		byWord:             make(map[string]map[string]bool),
		byType:             make(map[span.EntityType]map[string]bool),
	}
}

// Register records a mention and returns its entity_id, creating a new
// entity or merging into an existing one according to the merge policy.
// This is the only way to obtain an entity_id.
func (r *Registry) Register(c Candidate) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	bt := baseTypeOf(c.EntityType)
	normalized := normalizeValue(c.Text, c.EntityType)
	role := c.Role
	if role == "" {
		role = inferRole(c.EntityType)
	}

	candidates := r.findMergeCandidates(c, normalized, bt)
	if len(candidates) == 0 {
		return r.createEntity(c, normalized, bt, role)
	}

	best, score, reason := r.selectBestMatch(c, candidates, role)
	if best == nil {
		return r.createEntity(c, normalized, bt, role)
	}

	switch {
	case score >= r.autoMergeThreshold:
		return r.mergeInto(c, best, role)
	case score >= r.flagMergeThreshold:
		id := r.mergeInto(c, best, role)
		r.reviewQueue = append(r.reviewQueue, MergeCandidate{
			TargetEntityID: best.id,
			Confidence:     score,
			Reason:         "auto_merged_flagged:" + reason,
		})
		return id
	default:
		id := r.createEntity(c, normalized, bt, role)
		r.reviewQueue = append(r.reviewQueue, MergeCandidate{
			CandidateEntityID: id,
			TargetEntityID:    best.id,
			Confidence:        score,
			Reason:            "blocked:" + reason,
		})
		return id
	}
}

type scoredMatch struct {
	entity *entity
	score  float64
	reason string
}

func (r *Registry) findMergeCandidates(c Candidate, normalized string, bt span.EntityType) []scoredMatch {
	var out []scoredMatch
	seen := make(map[string]bool)

	add := func(e *entity, score float64, reason string) {
		if seen[e.id] {
			return
		}
		seen[e.id] = true
		out = append(out, scoredMatch{entity: e, score: score, reason: reason})
	}

	// Sieve 1: exact normalized match.
	for id := range r.byNormalized[normalized] {
		e := r.entities[id]
		if baseTypeOf(e.entityType) == bt {
			add(e, confidenceExact, "exact_match")
		}
	}

	// Sieve 2: coreference anchor.
	if c.Span.CorefAnchorValue != "" {
		anchorNorm := normalizeValue(c.Span.CorefAnchorValue, c.EntityType)
		for id := range r.byNormalized[anchorNorm] {
			e := r.entities[id]
			if baseTypeOf(e.entityType) == bt {
				add(e, confidenceCoref, "coref_anchor")
			}
		}
	}

	// Sieve 3: word-based matching — NAME types only, never isolated types.
	if nameTypes[bt] && !isolatedTypes[bt] {
		words := significantWords(c.Text)
		if len(words) > 0 {
			candidateIDs := make(map[string]bool)
			for w := range words {
				for id := range r.byWord[w] {
					candidateIDs[id] = true
				}
			}
			for id := range candidateIDs {
				if seen[id] {
					continue
				}
				e := r.entities[id]
				if baseTypeOf(e.entityType) != bt {
					continue
				}
				overlap := intersect(words, e.words)
				if len(overlap) == 0 {
					continue
				}
				smaller, larger := words, e.words
				if len(e.words) < len(words) {
					smaller, larger = e.words, words
				}
				if isSubset(smaller, larger) {
					if len(smaller) >= 2 {
						add(e, confidenceSubsetMulti, "multi_word_subset")
					} else {
						add(e, confidenceSingleWord, "single_word_match")
					}
				} else {
					ratio := float64(len(overlap)) / float64(maxInt(len(words), len(e.words)))
					if ratio >= 0.5 {
						add(e, confidenceWordOverlap*ratio, "word_overlap")
					}
				}
			}
		}
	}

	return out
}

func (r *Registry) selectBestMatch(c Candidate, matches []scoredMatch, role string) (*entity, float64, string) {
	var best *entity
	bestScore := 0.0
	bestReason := ""

	for _, m := range matches {
		score := m.score
		reason := m.reason

		if (role == "patient" || role == "provider") && m.entity.hasConflictingRole(role) {
			score -= penaltyRoleConflict
			reason += "+role_conflict"
		}

		for _, mention := range m.entity.mentions {
			if absInt(c.SentenceIdx-mention.sentenceIdx) >= sentenceDistanceTrigger {
				score -= penaltySentenceDistance
				reason += "+distant"
				break
			}
		}

		if baseTypeOf(m.entity.entityType) != baseTypeOf(c.EntityType) {
			score -= penaltyTypeMismatch
			reason += "+type_mismatch"
		}

		if score > bestScore {
			bestScore = score
			best = m.entity
			bestReason = reason
		}
	}

	return best, bestScore, bestReason
}

func (r *Registry) createEntity(c Candidate, normalized string, bt span.EntityType, role string) string {
	id := uuid.NewString()
	words := map[string]bool{}
	if nameTypes[bt] {
		words = significantWords(c.Text)
	}
	roles := map[string]bool{}
	if role != "" && role != "unknown" {
		roles[role] = true
	}

	e := &entity{
		id:              id,
		entityType:      bt,
		canonicalValue:  c.Text,
		normalizedValue: normalized,
		words:           words,
		roles:           roles,
	}
	e.mentions = append(e.mentions, mentionRecord{
		text: c.Text, start: c.Span.Start, end: c.Span.End,
		role: role, confidence: c.Span.Confidence,
		conversationID: c.ConversationID, sentenceIdx: c.SentenceIdx,
	})

	r.entities[id] = e
	r.indexEntity(e)
	return id
}

func (r *Registry) mergeInto(c Candidate, target *entity, role string) string {
	target.mentions = append(target.mentions, mentionRecord{
		text: c.Text, start: c.Span.Start, end: c.Span.End,
		role: role, confidence: c.Span.Confidence,
		conversationID: c.ConversationID, sentenceIdx: c.SentenceIdx,
	})
	if role != "" && role != "unknown" {
		target.roles[role] = true
	}

	if len(c.Text) > len(target.canonicalValue) {
		oldNormalized := target.normalizedValue
		target.canonicalValue = c.Text
		target.normalizedValue = normalizeValue(c.Text, target.entityType)
		if target.normalizedValue != oldNormalized {
			r.reindexNormalized(target, oldNormalized)
		}
	}

	if nameTypes[target.entityType] {
		for w := range significantWords(c.Text) {
			target.words[w] = true
			if r.byWord[w] == nil {
				r.byWord[w] = make(map[string]bool)
			}
			r.byWord[w][target.id] = true
		}
	}

	return target.id
}

func (r *Registry) indexEntity(e *entity) {
	if r.byNormalized[e.normalizedValue] == nil {
		r.byNormalized[e.normalizedValue] = make(map[string]bool)
	}
	r.byNormalized[e.normalizedValue][e.id] = true

	for w := range e.words {
		if r.byWord[w] == nil {
			r.byWord[w] = make(map[string]bool)
		}
		r.byWord[w][e.id] = true
	}

	if r.byType[e.entityType] == nil {
		r.byType[e.entityType] = make(map[string]bool)
	}
	r.byType[e.entityType][e.id] = true
}

func (r *Registry) reindexNormalized(e *entity, oldNormalized string) {
	if set := r.byNormalized[oldNormalized]; set != nil {
		delete(set, e.id)
		if len(set) == 0 {
			delete(r.byNormalized, oldNormalized)
		}
	}
	if r.byNormalized[e.normalizedValue] == nil {
		r.byNormalized[e.normalizedValue] = make(map[string]bool)
	}
	r.byNormalized[e.normalizedValue][e.id] = true
}

func (r *Registry) removeFromIndexes(e *entity) {
	if set := r.byNormalized[e.normalizedValue]; set != nil {
		delete(set, e.id)
	}
	for w := range e.words {
		if set := r.byWord[w]; set != nil {
			delete(set, e.id)
		}
	}
	if set := r.byType[e.entityType]; set != nil {
		delete(set, e.id)
	}
}

// RegisteredEntity is the read-only public view of a tracked entity.
type RegisteredEntity struct {
	ID             string
	EntityType     span.EntityType
	CanonicalValue string
	Roles          []string
	MentionCount   int
}

func (r *Registry) view(e *entity) RegisteredEntity {
	roles := make([]string, 0, len(e.roles))
	for role := range e.roles {
		roles = append(roles, role)
	}
	return RegisteredEntity{
		ID: e.id, EntityType: e.entityType, CanonicalValue: e.canonicalValue,
		Roles: roles, MentionCount: len(e.mentions),
	}
}

// GetEntity returns the entity for id, or ok=false if it does not exist.
func (r *Registry) GetEntity(id string) (RegisteredEntity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return RegisteredEntity{}, false
	}
	return r.view(e), true
}

// GetEntityIDByValue looks up an entity by exact normalized value without
// creating or merging anything.
func (r *Registry) GetEntityIDByValue(text string, entityType span.EntityType) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	normalized := normalizeValue(text, entityType)
	bt := baseTypeOf(entityType)
	for id := range r.byNormalized[normalized] {
		if baseTypeOf(r.entities[id].entityType) == bt {
			return id, true
		}
	}
	return "", false
}

// GetReviewQueue returns a snapshot of pending merge reviews.
func (r *Registry) GetReviewQueue() []MergeCandidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MergeCandidate, len(r.reviewQueue))
	copy(out, r.reviewQueue)
	return out
}

// ApproveMerge merges candidateID's mentions into targetID and deletes
// candidateID. Returns false if either entity does not exist.
func (r *Registry) ApproveMerge(candidateID, targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.entities[candidateID]
	if !ok {
		return false
	}
	t, ok := r.entities[targetID]
	if !ok {
		return false
	}

	t.mentions = append(t.mentions, c.mentions...)
	for _, m := range c.mentions {
		if m.role != "" && m.role != "unknown" {
			t.roles[m.role] = true
		}
	}

	if len(c.canonicalValue) > len(t.canonicalValue) {
		old := t.normalizedValue
		t.canonicalValue = c.canonicalValue
		t.normalizedValue = c.normalizedValue
		r.reindexNormalized(t, old)
	}

	for w := range c.words {
		t.words[w] = true
		if r.byWord[w] == nil {
			r.byWord[w] = make(map[string]bool)
		}
		r.byWord[w][t.id] = true
	}

	r.removeFromIndexes(c)
	delete(r.entities, candidateID)

	filtered := r.reviewQueue[:0]
	for _, m := range r.reviewQueue {
		if m.CandidateEntityID != candidateID {
			filtered = append(filtered, m)
		}
	}
	r.reviewQueue = filtered

	return true
}

// RejectMerge removes a queued candidate/target pair from the review queue
// without merging, keeping the two entities separate.
func (r *Registry) RejectMerge(candidateID, targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.reviewQueue)
	filtered := r.reviewQueue[:0]
	for _, m := range r.reviewQueue {
		if !(m.CandidateEntityID == candidateID && m.TargetEntityID == targetID) {
			filtered = append(filtered, m)
		}
	}
	r.reviewQueue = filtered
	return before != len(r.reviewQueue)
}

// ExportKnownEntities returns entity_id -> (canonical value, entity type)
// for cross-turn persistence, consumed by the resolver's known-entity sieve.
func (r *Registry) ExportKnownEntities() map[string][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][2]string, len(r.entities))
	for id, e := range r.entities {
		out[id] = [2]string{e.canonicalValue, string(e.entityType)}
	}
	return out
}

// ImportKnownEntities seeds the registry with previously-known entities
// (e.g. from a prior turn in the same conversation) without creating
// duplicate entries for IDs already present.
func (r *Registry) ImportKnownEntities(known map[string][2]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pair := range known {
		if _, exists := r.entities[id]; exists {
			continue
		}
		value, etypeStr := pair[0], pair[1]
		etype := span.EntityType(etypeStr)
		bt := baseTypeOf(etype)
		words := map[string]bool{}
		if nameTypes[bt] {
			words = significantWords(value)
		}
		e := &entity{
			id: id, entityType: bt,
			canonicalValue: value, normalizedValue: normalizeValue(value, etype),
			words: words, roles: map[string]bool{},
		}
		r.entities[id] = e
		r.indexEntity(e)
	}
}

// Len returns the number of entities currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// --- helpers ---

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

// baseTypeOf strips a NAME role suffix, returning the base entity type
// used for indexing and cross-type-mismatch comparisons.
func baseTypeOf(entityType span.EntityType) span.EntityType {
	s := string(entityType)
	for _, suffix := range []string{"_PATIENT", "_PROVIDER", "_RELATIVE"} {
		if strings.HasSuffix(s, suffix) {
			return span.TypeName
		}
	}
	return entityType
}

func inferRole(entityType span.EntityType) string {
	switch {
	case strings.HasSuffix(string(entityType), "_PATIENT"):
		return "patient"
	case strings.HasSuffix(string(entityType), "_PROVIDER"):
		return "provider"
	case strings.HasSuffix(string(entityType), "_RELATIVE"):
		return "relative"
	default:
		return "unknown"
	}
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

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
