// Package tokenizer implements PHI tokenization: replacing resolved entity
// mentions with stable tokens in the output text.
//
// Grounded on scrubiq/pipeline/tokenizer.py's documented Phase 2 direction
// ("tokenize_entities() uses entity_id as the lookup key instead of (value,
// entity_type)... fixes the core identity problem where the same person
// detected with different semantic roles got different tokens") — the
// filtered source pack keeps only that module's docstring and imports, not
// its function bodies, so Apply below is original code built to the
// documented behavior and to tests/pipeline/test_tokenizer.py's fixture
// shapes, using the already-built internal/registry and internal/tokenstore
// as the entity-identity and token-vault authorities it now documents as
// superseding the legacy (value, entity_type)-keyed path entirely (no
// caller in this module ever needs the older behavior, so it is not
// reimplemented).
package tokenizer

import (
	"sort"
	"strings"

	"scrubiq/internal/errs"
	"scrubiq/internal/logger"
	"scrubiq/internal/registry"
	"scrubiq/internal/span"
	"scrubiq/internal/tokenstore"
)

// Assignment records one mention's token for audit logging and conversation
// context tracking.
type Assignment struct {
	Span     span.Span
	Token    string
	EntityID string
}

// Result is the output of one Apply call.
type Result struct {
	Text        string
	Assignments []Assignment // sorted by original mention Start
}

// Apply resolves every entity's mentions through reg (assigning or merging
// into a durable entity_id), mints or reuses a token for that entity_id
// through store, and rewrites text by replacing each mention's byte range
// with its token. conversationID scopes the mention records Register keeps
// for cross-turn merge scoring.
func Apply(text string, entities []span.Entity, reg *registry.Registry, store *tokenstore.Store, conversationID string, log *logger.Logger) (Result, error) {
	type replacement struct {
		start, end int
		token      string
	}

	var replacements []replacement
	var assignments []Assignment
	var originalValues []string

	for _, e := range entities {
		if len(e.Mentions) == 0 {
			continue
		}

		safeHarbor := ""
		for _, m := range e.Mentions {
			if m.Span.SafeHarborValue != nil {
				safeHarbor = *m.Span.SafeHarborValue
				break
			}
		}

		canonical := e.Mentions[0].Span.Text
		for _, m := range e.Mentions[1:] {
			if len(m.Span.Text) > len(canonical) {
				canonical = m.Span.Text
			}
		}

		var groupEntityID string
		for i, m := range e.Mentions {
			cand := registry.Candidate{
				Text:           m.Span.Text,
				EntityType:     m.Span.Type,
				Span:           m.Span,
				Role:           inferRoleFromType(m.Span.Type),
				SentenceIdx:    m.Span.SentenceIndex,
				ConversationID: conversationID,
			}
			id := reg.Register(cand)

			switch {
			case i == 0:
				groupEntityID = id
			case id != groupEntityID:
				// The resolver already grouped these mentions together in
				// this call; if the registry's independent per-mention
				// scoring (role/sentence-distance penalties) split them
				// across two entity_ids, force them back together so one
				// token covers the whole resolver group.
				if !reg.ApproveMerge(id, groupEntityID) {
					reg.ApproveMerge(groupEntityID, id)
					groupEntityID = id
				}
			}
		}
		if groupEntityID == "" {
			continue
		}

		token, err := store.GetOrCreateByEntity(groupEntityID, canonical, e.Type, safeHarbor)
		if err != nil {
			return Result{}, errs.Wrap(errs.KindPersistence, "tokenizer_assign", "assign token for entity", err)
		}

		for _, m := range e.Mentions {
			replacements = append(replacements, replacement{start: m.Span.Start, end: m.Span.End, token: token})
			assignments = append(assignments, Assignment{Span: m.Span, Token: token, EntityID: groupEntityID})
			originalValues = append(originalValues, m.Span.Text)
		}
	}

	sort.SliceStable(replacements, func(i, j int) bool { return replacements[i].start < replacements[j].start })
	sort.SliceStable(assignments, func(i, j int) bool { return assignments[i].Span.Start < assignments[j].Span.Start })

	var out strings.Builder
	cursor := 0
	for _, r := range replacements {
		if r.start < cursor {
			continue // overlapping mention from a registry-merge edge case; keep the earlier replacement
		}
		out.WriteString(text[cursor:r.start])
		out.WriteString(r.token)
		cursor = r.end
	}
	if cursor < len(text) {
		out.WriteString(text[cursor:])
	}

	redacted := out.String()
	if leaked, value := detectLeakage(redacted, originalValues); leaked {
		if log != nil {
			log.Errorf("tokenizer_leakage", "redacted output still contains %d bytes of source text; failing closed", len(value))
		}
		return Result{}, errs.ErrLeakageDetected
	}
	return Result{Text: redacted, Assignments: assignments}, nil
}

// detectLeakage re-scans the tokenized text for any surviving verbatim
// occurrence of an original mention value — a defense against a missed or
// malformed replacement letting PHI through. It never patches the text
// itself: a leak is an internal invariant violation, and the caller must
// fail the whole operation closed rather than return partially-masked
// output. Mirrors tokenizer.py's documented _validate_and_fix_leakage
// safety net, minus the "fix" half (spec.md §4.6/§7 require failing
// closed here, not masking in place).
func detectLeakage(tokenized string, originalValues []string) (bool, string) {
	lowered := strings.ToLower(tokenized)
	for _, v := range originalValues {
		if len(v) < 3 {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(v)) {
			return true, v
		}
	}
	return false, ""
}

// inferRoleFromType derives a registry Role from a NAME subtype so the
// tokenizer doesn't need its own copy of the detector's role assignment.
func inferRoleFromType(t span.EntityType) string {
	switch t {
	case span.TypeNamePatient:
		return "patient"
	case span.TypeNameProvider:
		return "provider"
	case span.TypeNameRelative:
		return "relative"
	default:
		return ""
	}
}
