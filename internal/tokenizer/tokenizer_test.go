package tokenizer

import (
	"path/filepath"
	"strings"
	"testing"

	"scrubiq/internal/keymanager"
	"scrubiq/internal/registry"
	"scrubiq/internal/span"
	"scrubiq/internal/store"
	"scrubiq/internal/tokenstore"
)

func newTestStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	km, err := keymanager.New("test material", nil, 1<<10, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := km.GenerateDEK(); err != nil {
		t.Fatal(err)
	}

	s, err := tokenstore.New(db, km)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mkSpan(start int, text string, typ span.EntityType) span.Span {
	return span.Span{Start: start, End: start + len(text), Text: text, Type: typ, Confidence: 0.9}
}

func TestApply_ReplacesMentionsWithTokens(t *testing.T) {
	text := "John Smith called about his results."
	reg := registry.New(0.90, 0.70)
	st := newTestStore(t)

	entities := []span.Entity{
		{
			Type:           span.TypeNamePatient,
			CanonicalValue: "John Smith",
			Mentions:       []span.Mention{{Span: mkSpan(0, "John Smith", span.TypeNamePatient)}},
		},
	}

	result, err := Apply(text, entities, reg, st, "conv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Text, "[NAME_PATIENT_1]") {
		t.Errorf("expected token in output, got %q", result.Text)
	}
	if strings.Contains(result.Text, "John Smith") {
		t.Errorf("expected original name removed from output, got %q", result.Text)
	}
	if len(result.Assignments) != 1 || result.Assignments[0].Token != "[NAME_PATIENT_1]" {
		t.Errorf("expected one assignment with the minted token, got %+v", result.Assignments)
	}
}

func TestApply_SameEntityAcrossCallsReusesToken(t *testing.T) {
	reg := registry.New(0.90, 0.70)
	st := newTestStore(t)

	entities := []span.Entity{
		{
			Type:           span.TypeNamePatient,
			CanonicalValue: "John Smith",
			Mentions:       []span.Mention{{Span: mkSpan(0, "John Smith", span.TypeNamePatient)}},
		},
	}
	r1, err := Apply("John Smith arrived.", entities, reg, st, "conv-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	entities2 := []span.Entity{
		{
			Type:           span.TypeNamePatient,
			CanonicalValue: "John Smith",
			Mentions:       []span.Mention{{Span: mkSpan(0, "John Smith", span.TypeNamePatient)}},
		},
	}
	r2, err := Apply("John Smith returned.", entities2, reg, st, "conv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Assignments[0].Token != r2.Assignments[0].Token {
		t.Errorf("expected same entity to reuse its token across calls, got %s vs %s",
			r1.Assignments[0].Token, r2.Assignments[0].Token)
	}
}

func TestApply_MultipleMentionsShareOneEntityAndToken(t *testing.T) {
	text := "John Smith called. Later, Smith called again."
	reg := registry.New(0.90, 0.70)
	st := newTestStore(t)

	smithIdx := strings.LastIndex(text, "Smith")
	entities := []span.Entity{
		{
			Type:           span.TypeNamePatient,
			CanonicalValue: "John Smith",
			Mentions: []span.Mention{
				{Span: mkSpan(0, "John Smith", span.TypeNamePatient)},
				{Span: mkSpan(smithIdx, "Smith", span.TypeNamePatient)},
			},
		},
	}

	result, err := Apply(text, entities, reg, st, "conv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	count := strings.Count(result.Text, "[NAME_PATIENT_1]")
	if count != 2 {
		t.Errorf("expected both mentions replaced by the same token, got %d occurrences in %q", count, result.Text)
	}
	if len(result.Assignments) != 2 {
		t.Fatalf("expected two assignments, got %d", len(result.Assignments))
	}
	if result.Assignments[0].EntityID != result.Assignments[1].EntityID {
		t.Error("expected both mentions assigned to the same entity_id")
	}
}

func TestApply_SafeHarborValuePassedToStore(t *testing.T) {
	text := "DOB: 01/15/1980"
	safeHarbor := "1980"
	sp := mkSpan(5, "01/15/1980", span.TypeDateDOB)
	sp.SafeHarborValue = &safeHarbor

	reg := registry.New(0.90, 0.70)
	st := newTestStore(t)
	entities := []span.Entity{
		{Type: span.TypeDateDOB, CanonicalValue: "01/15/1980", Mentions: []span.Mention{{Span: sp}}},
	}

	result, err := Apply(text, entities, reg, st, "conv-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := st.GetEntry(result.Assignments[0].Token)
	if !ok {
		t.Fatal("expected token entry to exist")
	}
	if entry.SafeHarbor != "1980" {
		t.Errorf("expected safe harbor value 1980 stored, got %q", entry.SafeHarbor)
	}
}

func TestDetectLeakage_FindsSurvivingValue(t *testing.T) {
	leaked, value := detectLeakage("still has John Smith in it", []string{"John Smith"})
	if !leaked || value != "John Smith" {
		t.Errorf("expected leak detected for %q, got leaked=%v value=%q", "John Smith", leaked, value)
	}
}

func TestDetectLeakage_NoopWhenClean(t *testing.T) {
	leaked, _ := detectLeakage("already tokenized [NAME_PATIENT_1]", []string{"John Smith"})
	if leaked {
		t.Error("expected no leak on already-tokenized text")
	}
}

func TestApply_FailsClosedOnLeakage(t *testing.T) {
	st := newTestStore(t)
	reg := registry.New(0.90, 0.70)
	text := "John Smith called"
	spans := []span.Span{mkSpan(0, "John Smith", span.TypeNamePatient)}
	entities := []span.Entity{{
		Type:     span.TypeNamePatient,
		Mentions: []span.Mention{{Span: spans[0]}},
	}}
	// Force a leak: replace a different byte range than where "John Smith"
	// actually sits, so the original value survives tokenization untouched.
	entities[0].Mentions[0].Span.Start = len(text)
	entities[0].Mentions[0].Span.End = len(text)

	_, err := Apply(text, entities, reg, st, "conv-1", nil)
	if err == nil {
		t.Fatal("expected Apply to fail closed when source text survives tokenization")
	}
}
