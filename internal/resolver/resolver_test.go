package resolver

import (
	"testing"

	"scrubiq/internal/span"
)

func sp(text string, t span.EntityType, sentence int) span.Span {
	return span.Span{Text: text, Type: t, Confidence: 0.9, SentenceIndex: sentence}
}

func TestResolve_Empty(t *testing.T) {
	if got := Resolve(nil, nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestResolve_ExactMatchGroups(t *testing.T) {
	spans := []span.Span{
		sp("John Smith", span.TypeNamePatient, 0),
		sp("john smith", span.TypeNamePatient, 1),
		sp("Jane Doe", span.TypeNamePatient, 2),
	}
	entities := Resolve(spans, nil)
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}

func TestResolve_MultiWordSubsetGroups(t *testing.T) {
	spans := []span.Span{
		sp("John Michael Smith", span.TypeNamePatient, 0),
		sp("John Smith", span.TypeNamePatient, 1),
	}
	entities := Resolve(spans, nil)
	if len(entities) != 1 {
		t.Fatalf("expected subset match to group into 1 entity, got %d", len(entities))
	}
	if len(entities[0].Mentions) != 2 {
		t.Errorf("expected 2 mentions, got %d", len(entities[0].Mentions))
	}
}

func TestResolve_SingleWordDoesNotGroup(t *testing.T) {
	spans := []span.Span{
		sp("John Smith", span.TypeNamePatient, 0),
		sp("John", span.TypeNamePatient, 1),
	}
	entities := Resolve(spans, nil)
	if len(entities) != 2 {
		t.Errorf("single-word overlap must not group, got %d entities", len(entities))
	}
}

func TestResolve_IsolatedTypeNoWordMatching(t *testing.T) {
	spans := []span.Span{
		sp("555-12-3456", span.TypeSSN, 0),
		sp("555-12-9999", span.TypeSSN, 1),
	}
	entities := Resolve(spans, nil)
	if len(entities) != 2 {
		t.Errorf("different SSNs must not group, got %d", len(entities))
	}
}

func TestResolve_IsolatedTypeExactMatch(t *testing.T) {
	spans := []span.Span{
		sp("555-12-3456", span.TypeSSN, 0),
		sp("555-12-3456", span.TypeSSN, 1),
	}
	entities := Resolve(spans, nil)
	if len(entities) != 1 {
		t.Errorf("identical SSNs should group, got %d", len(entities))
	}
}

func TestResolve_CorefAnchorGroups(t *testing.T) {
	anchor := sp("John Smith", span.TypeNamePatient, 0)
	pronoun := sp("he", span.TypeNamePatient, 1)
	pronoun.CorefAnchorValue = "John Smith"

	entities := Resolve([]span.Span{anchor, pronoun}, nil)
	if len(entities) != 1 {
		t.Fatalf("expected coref anchor to group, got %d entities", len(entities))
	}
	if len(entities[0].Mentions) != 2 {
		t.Errorf("expected 2 mentions, got %d", len(entities[0].Mentions))
	}
}

func TestResolve_KnownEntityExactLink(t *testing.T) {
	spans := []span.Span{sp("Jane Doe", span.TypeNamePatient, 0)}
	known := []KnownEntity{{ID: "known-1", CanonicalValue: "Jane Doe", EntityType: span.TypeNamePatient}}

	entities := Resolve(spans, known)
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	if entities[0].ID != "known-1" {
		t.Errorf("expected known id to be reused, got %s", entities[0].ID)
	}
}

func TestResolve_NoKnownMatchMintsNewID(t *testing.T) {
	spans := []span.Span{sp("Someone New", span.TypeNamePatient, 0)}
	known := []KnownEntity{{ID: "known-1", CanonicalValue: "Jane Doe", EntityType: span.TypeNamePatient}}

	entities := Resolve(spans, known)
	if entities[0].ID == "known-1" {
		t.Error("unrelated mention should not link to unrelated known entity")
	}
}

func TestResolve_DeterministicAcrossRuns(t *testing.T) {
	spans := []span.Span{
		sp("Alice Adams", span.TypeNamePatient, 0),
		sp("Alice Adams", span.TypeNamePatient, 1),
		sp("Bob Brown", span.TypeNameProvider, 2),
	}
	first := Resolve(spans, nil)
	second := Resolve(spans, nil)
	if len(first) != len(second) {
		t.Fatalf("expected deterministic entity count, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].CanonicalValue != second[i].CanonicalValue {
			t.Errorf("expected deterministic ordering, got %s vs %s", first[i].CanonicalValue, second[i].CanonicalValue)
		}
	}
}
