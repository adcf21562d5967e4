package convctx

import (
	"testing"

	"scrubiq/internal/span"
)

func TestObserve_SetsFocusSlotByType(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{"gender": "F"})
	c.Observe("[ORG_1]", span.TypeOrg, nil)

	if token, ok := c.GetFocus("PERSON"); !ok || token != "[NAME_PATIENT_1]" {
		t.Errorf("expected PERSON focus [NAME_PATIENT_1], got %q, %v", token, ok)
	}
	if token, ok := c.GetFocus("ORG"); !ok || token != "[ORG_1]" {
		t.Errorf("expected ORG focus [ORG_1], got %q, %v", token, ok)
	}
	if _, ok := c.GetFocus("LOCATION"); ok {
		t.Error("expected no LOCATION focus set")
	}
}

func TestObserve_DropsUnsafeMetadataKeys(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{
		"gender": "F", "raw_value": "Jane Doe", "ssn": "123-45-6789",
	})

	meta, ok := c.GetTokenMetadata("[NAME_PATIENT_1]")
	if !ok {
		t.Fatal("expected metadata to exist")
	}
	if meta["gender"] != "F" {
		t.Errorf("expected gender retained, got %q", meta["gender"])
	}
	if _, leaked := meta["raw_value"]; leaked {
		t.Error("expected raw_value metadata key dropped, not a safe key")
	}
	if _, leaked := meta["ssn"]; leaked {
		t.Error("expected ssn metadata key dropped, not a safe key")
	}
}

func TestGetRecent_RespectsTurnCutoffAndBaseType(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, nil)
	c.AdvanceTurn()
	c.AdvanceTurn()
	c.AdvanceTurn()
	c.Observe("[NAME_PROVIDER_1]", span.TypeNameProvider, nil)

	recent := c.GetRecent(span.TypeName, 1)
	if len(recent) != 1 || recent[0] != "[NAME_PROVIDER_1]" {
		t.Errorf("expected only the recent NAME_PROVIDER token within cutoff, got %+v", recent)
	}

	all := c.GetRecent(span.TypeName, 10)
	if len(all) != 2 {
		t.Errorf("expected both NAME-family tokens within a wider window, got %+v", all)
	}
}

func TestGetRecent_MostRecentFirst(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[ORG_1]", span.TypeOrg, nil)
	c.AdvanceTurn()
	c.Observe("[ORG_2]", span.TypeOrg, nil)
	c.AdvanceTurn()
	c.Observe("[ORG_3]", span.TypeOrg, nil)

	recent := c.GetRecent(span.TypeOrg, 10)
	want := []string{"[ORG_3]", "[ORG_2]", "[ORG_1]"}
	if len(recent) != len(want) {
		t.Fatalf("expected %d tokens, got %+v", len(want), recent)
	}
	for i, w := range want {
		if recent[i] != w {
			t.Errorf("position %d: expected %s, got %s", i, w, recent[i])
		}
	}
}

func TestGetRecentByGender_FindsMostRecentMatch(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{"gender": "M"})
	c.AdvanceTurn()
	c.Observe("[NAME_PATIENT_2]", span.TypeNamePatient, map[string]string{"gender": "F"})
	c.AdvanceTurn()
	c.Observe("[NAME_RELATIVE_1]", span.TypeNameRelative, map[string]string{"gender": "F"})

	token, ok := c.GetRecentByGender("F", 10)
	if !ok || token != "[NAME_RELATIVE_1]" {
		t.Errorf("expected most recent female token [NAME_RELATIVE_1], got %q, %v", token, ok)
	}
}

func TestObserveAgain_BumpsFrequencyAndUpdatesMetadata(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{"gender": "F"})
	c.AdvanceTurn()
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{"gender": "F", "semantic_role": "patient"})

	e, ok := c.entries["[NAME_PATIENT_1]"]
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if e.freq == 0 {
		t.Error("expected frequency to bump on re-observe")
	}
	if e.turnLastSeen != 1 {
		t.Errorf("expected turnLastSeen updated to 1, got %d", e.turnLastSeen)
	}
	meta, _ := c.GetTokenMetadata("[NAME_PATIENT_1]")
	if meta["semantic_role"] != "patient" {
		t.Errorf("expected metadata merged in on re-observe, got %+v", meta)
	}
}

func TestEviction_BoundsResidentTokenCount(t *testing.T) {
	c := New("sess-1", "conv-1", 4)
	for i := 0; i < 20; i++ {
		c.Observe(sprintfToken(i), span.TypeOrg, nil)
	}
	if c.Len() > 4 {
		t.Errorf("expected resident tokens bounded to capacity 4, got %d", c.Len())
	}
}

func TestEviction_FrequentlyMentionedTokenSurvivesLonger(t *testing.T) {
	c := New("sess-1", "conv-1", 4)
	c.Observe("[ORG_HOT]", span.TypeOrg, nil)
	// Re-observe to bump frequency before eviction pressure begins.
	c.Observe("[ORG_HOT]", span.TypeOrg, nil)
	c.Observe("[ORG_HOT]", span.TypeOrg, nil)

	for i := 0; i < 20; i++ {
		c.Observe(sprintfToken(i), span.TypeOrg, nil)
	}

	if !c.Contains("[ORG_HOT]") {
		t.Error("expected frequently re-mentioned token to survive eviction pressure that one-off tokens don't")
	}
}

func TestClear_ResetsAllState(t *testing.T) {
	c := New("sess-1", "conv-1", 16)
	c.Observe("[NAME_PATIENT_1]", span.TypeNamePatient, map[string]string{"gender": "F"})
	c.AdvanceTurn()
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("expected 0 resident tokens after clear, got %d", c.Len())
	}
	if c.CurrentTurn() != 0 {
		t.Errorf("expected turn reset to 0, got %d", c.CurrentTurn())
	}
	if _, ok := c.GetFocus("PERSON"); ok {
		t.Error("expected focus cleared")
	}
}

func sprintfToken(i int) string {
	digits := [10]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9'}
	if i < 10 {
		return "[ORG_" + string(digits[i]) + "]"
	}
	return "[ORG_" + string(digits[i/10]) + string(digits[i%10]) + "]"
}
