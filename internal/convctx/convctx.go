// Package convctx implements the Conversation Context: a conversation-
// scoped, non-identity-deciding record of which tokens have been mentioned
// recently, used to give the Coreference Resolver pronoun/focus hints
// across turns. It never decides "who is who" — that is
// internal/registry's job — it only tracks salience.
//
// Grounded on scrubiq/pipeline/conversation_context.py for the domain
// shape (focus slots, turn numbers, non-PHI token metadata, get_recent's
// reverse-scan-with-cutoff semantics) and on the teacher's
// internal/anonymizer/s3fifo_cache.go for the bounded-recency mechanism:
// the Python source just truncates a list to the last 100 mentions and
// never bounds its focus/metadata maps at all. Here the same S3-FIFO
// two-queue-plus-ghost design evicts (token -> MentionRecord) entries
// instead of (PII value -> proxy token) cache entries, giving the
// conversation context an actual memory bound spec.md's ambient "bounded
// recency queue" calls for.
//
// One deliberate behavioral difference from the teacher's cache: there,
// re-Set of an already-resident key never bumps its frequency counter
// (only Get does) because Set is a cache write, not an access. Here,
// Observe IS the access — a token mentioned again is conversationally
// more salient, not merely re-written — so a repeat Observe of a resident
// token bumps its frequency exactly like a cache Get, letting frequently
// re-mentioned entities earn promotion to the protected M queue and
// outlive one-off mentions under eviction pressure.
package convctx

import (
	"container/list"
	"sync"

	"scrubiq/internal/span"
)

// typeToSlot maps entity types to focus-slot categories, ported from
// conversation_context.py's TYPE_TO_SLOT (trimmed to the entity types this
// module actually detects).
var typeToSlot = map[span.EntityType]string{
	span.TypeName:         "PERSON",
	span.TypeNamePatient:  "PERSON",
	span.TypeNameProvider: "PERSON",
	span.TypeNameRelative: "PERSON",
	span.TypeOrg:          "ORG",
	span.TypeAddress:      "LOCATION",
	span.TypeZIP:          "LOCATION",
	span.TypeDate:         "DATE",
	span.TypeDateDOB:      "DATE",
}

// personTypes are entity types get_recent_by_gender considers, ported from
// conversation_context.py's person_types set.
var personTypes = map[span.EntityType]bool{
	span.TypeName: true, span.TypeNamePatient: true,
	span.TypeNameProvider: true, span.TypeNameRelative: true,
}

// safeMetadataKeys are the only metadata keys Observe retains — everything
// else is assumed to risk carrying PHI and is dropped, mirroring
// _extract_safe_metadata.
var safeMetadataKeys = map[string]bool{
	"gender": true, "is_plural": true, "is_org": true, "entity_id": true,
	"confidence": true, "detector": true, "semantic_role": true,
}

// baseType strips a NAME role suffix, matching every other package's
// baseTypeOf helper.
func baseType(t span.EntityType) span.EntityType {
	switch t {
	case span.TypeNamePatient, span.TypeNameProvider, span.TypeNameRelative:
		return span.TypeName
	default:
		return t
	}
}

// entry is the in-memory S3-FIFO state plus mention metadata for one token.
type entry struct {
	token         string
	entityType    span.EntityType
	metadata      map[string]string
	turnFirstSeen int
	turnLastSeen  int

	freq uint8 // saturating counter in [0,3]
	elem *list.Element
	inM  bool
}

// Context is one conversation's bounded recency state. The zero value is
// not usable; construct with New. Safe for concurrent use.
type Context struct {
	mu sync.Mutex

	SessionID      string
	ConversationID string

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*entry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	focus       map[string]string // slot -> token
	currentTurn int
}

// New returns a Context bounded to capacity resident tokens (spec.md
// default: config.ConvContextCapacity). Capacities under 2 are clamped to
// 2, matching the teacher's cache.
func New(sessionID, conversationID string, capacity int) *Context {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &Context{
		SessionID:      sessionID,
		ConversationID: conversationID,
		capacity:       capacity,
		sTarget:        sTarget,
		ghostCap:       ghostCap,
		entries:        make(map[string]*entry, capacity),
		sQueue:         list.New(),
		mQueue:         list.New(),
		ghostBuf:       make([]string, ghostCap),
		ghostSet:       make(map[string]struct{}, ghostCap),
		focus:          make(map[string]string),
	}
}

// Observe records that token was mentioned this turn. Called after the
// Entity Registry has resolved identity and the Token Store has assigned a
// token — this method only tracks salience, never identity.
func (c *Context) Observe(token string, entityType span.EntityType, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	safe := extractSafeMetadata(metadata)

	if e, ok := c.entries[token]; ok {
		if e.freq < 3 {
			e.freq++
		}
		e.turnLastSeen = c.currentTurn
		for k, v := range safe {
			e.metadata[k] = v
		}
	} else {
		e = &entry{
			token: token, entityType: entityType, metadata: safe,
			turnFirstSeen: c.currentTurn, turnLastSeen: c.currentTurn,
		}
		inM := c.ghostContains(token)
		if inM {
			e.elem = c.mQueue.PushBack(token)
		} else {
			e.elem = c.sQueue.PushBack(token)
		}
		e.inM = inM
		c.entries[token] = e

		for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
			c.evictOne()
		}
	}

	if slot, ok := typeToSlot[entityType]; ok {
		c.focus[slot] = token
	}
}

// GetFocus returns the most recently mentioned token for a focus slot
// ("PERSON", "ORG", "LOCATION", "DATE").
func (c *Context) GetFocus(slot string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.focus[slot]
	return token, ok
}

// GetRecent returns tokens of entityType (matching by base type too, so
// NAME_PATIENT mentions satisfy a NAME query) mentioned within the last
// maxTurnsBack turns, most recently mentioned first.
func (c *Context) GetRecent(entityType span.EntityType, maxTurnsBack int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.currentTurn - maxTurnsBack
	var matches []*entry
	for _, e := range c.entries {
		if e.turnLastSeen < cutoff {
			continue
		}
		if e.entityType == entityType || baseType(e.entityType) == entityType {
			matches = append(matches, e)
		}
	}
	sortByRecency(matches)

	out := make([]string, len(matches))
	for i, e := range matches {
		out[i] = e.token
	}
	return out
}

// GetTokenMetadata returns the non-PHI metadata recorded for token.
func (c *Context) GetTokenMetadata(token string) (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(e.metadata)+2)
	for k, v := range e.metadata {
		out[k] = v
	}
	out["type"] = string(e.entityType)
	return out, true
}

// GetGender returns the recorded gender ("M"/"F") for a person token, if
// any was observed.
func (c *Context) GetGender(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return "", false
	}
	g, ok := e.metadata["gender"]
	return g, ok
}

// GetRecentByGender returns the most recently mentioned person token with
// the given gender within the last maxTurnsBack turns.
func (c *Context) GetRecentByGender(gender string, maxTurnsBack int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.currentTurn - maxTurnsBack
	var best *entry
	for _, e := range c.entries {
		if e.turnLastSeen < cutoff {
			continue
		}
		bt := baseType(e.entityType)
		if !personTypes[e.entityType] && !personTypes[bt] {
			continue
		}
		if e.metadata["gender"] != gender {
			continue
		}
		if best == nil || e.turnLastSeen > best.turnLastSeen {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.token, true
}

// AllTokens returns every token currently resident (capacity-bounded, not
// every token ever observed).
func (c *Context) AllTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for token := range c.entries {
		out = append(out, token)
	}
	return out
}

// AdvanceTurn moves the conversation to its next turn.
func (c *Context) AdvanceTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTurn++
}

// CurrentTurn returns the conversation's current turn number.
func (c *Context) CurrentTurn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTurn
}

// Len returns the number of tokens currently resident.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether token is currently resident.
func (c *Context) Contains(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[token]
	return ok
}

// Clear resets all context state to empty, turn 0.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.capacity)
	c.sQueue = list.New()
	c.mQueue = list.New()
	c.ghostBuf = make([]string, c.ghostCap)
	c.ghostSet = make(map[string]struct{}, c.ghostCap)
	c.ghostHead, c.ghostCount = 0, 0
	c.focus = make(map[string]string)
	c.currentTurn = 0
}

func extractSafeMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if safeMetadataKeys[k] {
			out[k] = v
		}
	}
	return out
}

func sortByRecency(entries []*entry) {
	// Small n (capacity-bounded, typically well under a few hundred): plain
	// insertion sort avoids pulling in sort for a comparator this simple.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].turnLastSeen > entries[j-1].turnLastSeen; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// evictOne removes one entry following the S3-FIFO policy. Must be called
// with c.mu held.
func (c *Context) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *Context) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	token, _ := front.Value.(string)
	c.sQueue.Remove(front)

	e, ok := c.entries[token]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(token)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, token)
		c.ghostAdd(token)
		delete(c.focus, focusSlotOf(c.focus, token)) // best-effort; usually a no-op
	}
}

func (c *Context) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	token, _ := front.Value.(string)
	c.mQueue.Remove(front)
	delete(c.entries, token)
}

func (c *Context) ghostContains(token string) bool {
	_, ok := c.ghostSet[token]
	return ok
}

func (c *Context) ghostAdd(token string) {
	if _, exists := c.ghostSet[token]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = token
	c.ghostSet[token] = struct{}{}
	c.ghostCount++
}

// focusSlotOf returns the slot key referencing token, or "" if none do —
// used so a fully-evicted token's stale focus entry doesn't keep pointing
// at a token the context no longer tracks metadata for.
func focusSlotOf(focus map[string]string, token string) string {
	for slot, t := range focus {
		if t == token {
			return slot
		}
	}
	return ""
}
