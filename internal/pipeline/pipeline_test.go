package pipeline

import (
	"path/filepath"
	"strings"
	"testing"

	"scrubiq/internal/span"
)

func sp(start, end int, text string, typ span.EntityType, conf float64, tier span.Tier) span.Span {
	return span.Span{Start: start, End: end, Text: text, Type: typ, Confidence: conf, Tier: tier}
}

func TestMerge_DropsLowConfidence(t *testing.T) {
	spans := []span.Span{
		sp(0, 3, "abc", span.TypeSSN, 0.3, span.TierPattern),
		sp(10, 13, "def", span.TypeSSN, 0.9, span.TierPattern),
	}
	out := Merge(spans, 0.5)
	if len(out) != 1 || out[0].Text != "def" {
		t.Fatalf("expected low-confidence span dropped, got %+v", out)
	}
}

func TestMerge_SameTypeOverlapUsesConvexHullAndMaxConfidence(t *testing.T) {
	spans := []span.Span{
		sp(0, 5, "Jane ", span.TypeName, 0.7, span.TierPattern),
		sp(3, 10, "e Smith", span.TypeName, 0.9, span.TierPattern),
	}
	out := Merge(spans, 0.5)
	if len(out) != 1 {
		t.Fatalf("expected one merged span, got %+v", out)
	}
	if out[0].Start != 0 || out[0].End != 10 {
		t.Errorf("expected convex hull [0,10), got [%d,%d)", out[0].Start, out[0].End)
	}
	if out[0].Confidence != 0.9 {
		t.Errorf("expected max confidence 0.9, got %f", out[0].Confidence)
	}
}

func TestMerge_DifferentTypeOverlapKeepsHigherTier(t *testing.T) {
	spans := []span.Span{
		sp(0, 10, "123456789", span.TypeSSN, 0.9, span.TierChecksum),
		sp(0, 10, "123456789", span.TypeAccount, 0.95, span.TierPattern),
	}
	out := Merge(spans, 0.5)
	if len(out) != 1 || out[0].Type != span.TypeSSN {
		t.Errorf("expected checksum tier to win over higher-confidence pattern, got %+v", out)
	}
}

func TestMerge_NoOverlapKeepsBothSorted(t *testing.T) {
	spans := []span.Span{
		sp(10, 15, "bbbbb", span.TypeSSN, 0.9, span.TierPattern),
		sp(0, 5, "aaaaa", span.TypeSSN, 0.9, span.TierPattern),
	}
	out := Merge(spans, 0.5)
	if len(out) != 2 || out[0].Start != 0 || out[1].Start != 10 {
		t.Fatalf("expected two sorted non-overlapping spans, got %+v", out)
	}
}

func TestExpandRepeats_FindsOtherOccurrences(t *testing.T) {
	text := "John Smith arrived. Later John Smith left."
	anchor := sp(0, 10, "John Smith", span.TypeNamePatient, 0.9, span.TierPattern)
	out := ExpandRepeats(text, []span.Span{anchor}, 0.7, 0.95, 50)
	if len(out) != 2 {
		t.Fatalf("expected anchor + 1 repeat, got %d: %+v", len(out), out)
	}
	var repeat span.Span
	for _, s := range out {
		if s.Start != 0 {
			repeat = s
		}
	}
	if repeat.Confidence != 0.9*0.95 {
		t.Errorf("expected decayed confidence, got %f", repeat.Confidence)
	}
	if repeat.CorefAnchorValue != "John Smith" {
		t.Errorf("expected anchor backreference, got %q", repeat.CorefAnchorValue)
	}
}

func TestExpandRepeats_RespectsWordBoundaries(t *testing.T) {
	text := "John visited. Johnson was the doctor."
	anchor := sp(0, 4, "John", span.TypeNamePatient, 0.9, span.TierPattern)
	out := ExpandRepeats(text, []span.Span{anchor}, 0.7, 0.95, 50)
	if len(out) != 1 {
		t.Fatalf("expected no match inside 'Johnson', got %+v", out)
	}
}

func TestExpandRepeats_CapsExpansionsPerValue(t *testing.T) {
	text := ""
	for i := 0; i < 10; i++ {
		text += "Smith "
	}
	anchor := sp(0, 5, "Smith", span.TypeNamePatient, 0.9, span.TierPattern)
	out := ExpandRepeats(text, []span.Span{anchor}, 0.7, 0.95, 3)
	if len(out) > 4 { // anchor + at most 3 expansions
		t.Errorf("expected expansion cap of 3, got %d total spans", len(out))
	}
}

func TestExpandRepeats_SkipsIneligibleTypes(t *testing.T) {
	text := "seen on 01/02/2020 and again 01/02/2020"
	anchor := sp(8, 18, "01/02/2020", span.TypeDate, 0.9, span.TierPattern)
	out := ExpandRepeats(text, []span.Span{anchor}, 0.7, 0.95, 50)
	if len(out) != 1 {
		t.Errorf("expected DATE type excluded from repeat expansion, got %+v", out)
	}
}

func TestIntervalSet_DetectsOverlap(t *testing.T) {
	s := &IntervalSet{}
	s.Add(5, 10)
	if !s.Overlaps(7, 12) {
		t.Error("expected overlap detected")
	}
	if s.Overlaps(10, 15) {
		t.Error("expected half-open ranges not to overlap at the boundary")
	}
}

func TestExtractYear(t *testing.T) {
	cases := map[string]string{
		"01/15/1980":          "1980",
		"1980-01-15":          "1980",
		"January 15, 1980":    "1980",
		"15 January 1980":     "1980",
		"born in 1980":        "1980",
		"no year here at all": "",
	}
	for in, want := range cases {
		if got := ExtractYear(in); got != want {
			t.Errorf("ExtractYear(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGeneralizeAge(t *testing.T) {
	if GeneralizeAge("95") != "90+" {
		t.Error("expected age over 89 to generalize to 90+")
	}
	if GeneralizeAge("42") != "42" {
		t.Error("expected age 42 unchanged")
	}
}

func TestTruncateZIP_LowPopulationPrefixZeroed(t *testing.T) {
	if got := TruncateZIP("03601"); got != "000" {
		t.Errorf("expected low-population prefix zeroed, got %q", got)
	}
	if got := TruncateZIP("90210"); got != "902" {
		t.Errorf("expected ordinary ZIP truncated to 3 digits, got %q", got)
	}
}

func TestApplySafeHarbor_SetsValuesOnlyForCoveredTypes(t *testing.T) {
	spans := []span.Span{
		sp(0, 10, "01/15/1980", span.TypeDateDOB, 0.9, span.TierPattern),
		sp(0, 2, "95", span.TypeAge, 0.9, span.TierPattern),
		sp(0, 5, "90210", span.TypeZIP, 0.9, span.TierPattern),
		sp(0, 9, "123456789", span.TypeSSN, 0.9, span.TierChecksum),
	}
	out := ApplySafeHarbor(spans)
	if out[0].SafeHarborValue == nil || *out[0].SafeHarborValue != "1980" {
		t.Errorf("expected DOB safe harbor year, got %+v", out[0].SafeHarborValue)
	}
	if out[1].SafeHarborValue == nil || *out[1].SafeHarborValue != "90+" {
		t.Errorf("expected age safe harbor 90+, got %+v", out[1].SafeHarborValue)
	}
	if out[2].SafeHarborValue == nil || *out[2].SafeHarborValue != "902" {
		t.Errorf("expected ZIP safe harbor 902, got %+v", out[2].SafeHarborValue)
	}
	if out[3].SafeHarborValue != nil {
		t.Errorf("expected SSN to have no safe harbor value, got %+v", out[3].SafeHarborValue)
	}
}

func TestAllowlist_MatchesWholeEntry(t *testing.T) {
	a := NewAllowlist("")
	a.Add("General Hospital")
	if !a.Matches("general   hospital") {
		t.Error("expected case/whitespace-insensitive whole-entry match")
	}
}

func TestAllowlist_MatchesSignificantWord(t *testing.T) {
	a := NewAllowlist("")
	a.Add("Acme Medical Center")
	if !a.Matches("Acme") {
		t.Error("expected significant word of multi-word entry to match")
	}
}

func TestAllowlist_FixedFalsePositiveDictionary(t *testing.T) {
	a := NewAllowlist("")
	if !a.Matches("Tylenol") {
		t.Error("expected built-in false-positive dictionary to match common drug name")
	}
}

func TestAllowlist_Filter(t *testing.T) {
	a := NewAllowlist("")
	a.Add("Tylenol Clinic")
	spans := []span.Span{
		sp(0, 4, "Tylenol Clinic", span.TypeOrg, 0.6, span.TierDictionary),
		sp(10, 19, "123456789", span.TypeSSN, 0.9, span.TierChecksum),
	}
	out := a.Filter(spans)
	if len(out) != 1 || out[0].Type != span.TypeSSN {
		t.Errorf("expected allowlisted org filtered, SSN kept, got %+v", out)
	}
}

func TestAllowlist_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	a := NewAllowlist(path)
	a.Add("Acme Clinic")

	b := NewAllowlist(path)
	if !b.Matches("Acme Clinic") {
		t.Error("expected persisted allowlist to reload on a new instance")
	}
}

func TestResolveCoref_LinksPronounByGender(t *testing.T) {
	text := "Jane Smith arrived today. She was examined by the attending."
	anchor := sp(0, 10, "Jane Smith", span.TypeNamePatient, 0.9, span.TierPattern)
	out := ResolveCoref(text, []span.Span{anchor}, DefaultCorefOptions())
	found := false
	for _, s := range out {
		if s.Detector == "coref_resolver" && strings.EqualFold(s.Text, "She") {
			found = true
			if s.Type != span.TypeNamePatient {
				t.Errorf("expected resolved pronoun to inherit anchor type, got %s", s.Type)
			}
			if s.Confidence >= anchor.Confidence {
				t.Errorf("expected decayed confidence below anchor's, got %f", s.Confidence)
			}
		}
	}
	if !found {
		t.Error("expected pronoun linked to gender-matching anchor")
	}
}

func TestResolveCoref_LinksLastNameToFullNameAnchor(t *testing.T) {
	text := "Jane Smith arrived today. Smith was examined."
	anchor := sp(0, 10, "Jane Smith", span.TypeNamePatient, 0.9, span.TierPattern)
	out := ResolveCoref(text, []span.Span{anchor}, DefaultCorefOptions())
	found := false
	for _, s := range out {
		if s.Text == "Smith" && s.Detector == "coref_resolver" {
			found = true
			if s.Type != span.TypeNamePatient {
				t.Errorf("expected resolved mention to inherit anchor type, got %s", s.Type)
			}
		}
	}
	if !found {
		t.Error("expected last-name mention linked to full-name anchor")
	}
}

func TestResolveCoref_NoLinkBeyondSentenceGap(t *testing.T) {
	text := "Jane Smith visited. One. Two. Three. Four. Smith returned."
	anchor := sp(0, 10, "Jane Smith", span.TypeNamePatient, 0.9, span.TierPattern)
	opts := CorefOptions{MaxSentenceGap: 1, ConfidenceDecay: 0.9, MaxExpansionsPerAnchor: 20}
	out := ResolveCoref(text, []span.Span{anchor}, opts)
	for _, s := range out {
		if s.Detector == "coref_resolver" {
			t.Errorf("expected no link beyond sentence gap, got %+v", s)
		}
	}
}
