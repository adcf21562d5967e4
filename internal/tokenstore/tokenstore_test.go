package tokenstore

import (
	"path/filepath"
	"testing"

	"scrubiq/internal/keymanager"
	"scrubiq/internal/span"
	"scrubiq/internal/store"
)

func newTestStore(t *testing.T) *Store {
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

	s, err := New(db, km)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGetOrCreateByEntity_AllocatesNewToken(t *testing.T) {
	s := newTestStore(t)
	token, err := s.GetOrCreateByEntity("entity-1", "John Smith", span.TypeNamePatient, "")
	if err != nil {
		t.Fatal(err)
	}
	if token != "[NAME_PATIENT_1]" {
		t.Errorf("expected first token to be [NAME_PATIENT_1], got %s", token)
	}
}

func TestGetOrCreateByEntity_ReturnsExistingForSameEntity(t *testing.T) {
	s := newTestStore(t)
	t1, err := s.GetOrCreateByEntity("entity-1", "John Smith", span.TypeNamePatient, "")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := s.GetOrCreateByEntity("entity-1", "John Smith", span.TypeNamePatient, "")
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Errorf("expected same token for repeated entity, got %s != %s", t1, t2)
	}
}

func TestGetOrCreateByEntity_CountersMonotonicPerType(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	t2, _ := s.GetOrCreateByEntity("e2", "Jane Doe", span.TypeNamePatient, "")
	t3, _ := s.GetOrCreateByEntity("e3", "jane@example.com", span.TypeEmail, "")

	if t1 != "[NAME_PATIENT_1]" || t2 != "[NAME_PATIENT_2]" {
		t.Errorf("expected monotonic per-type numbering, got %s, %s", t1, t2)
	}
	if t3 != "[EMAIL_1]" {
		t.Errorf("expected separate counter per type, got %s", t3)
	}
}

func TestGetEntry_DecryptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	token, err := s.GetOrCreateByEntity("e1", "555-12-3456", span.TypeSSN, "")
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := s.GetEntry(token)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	pt, err := s.Decrypt(entry)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "555-12-3456" {
		t.Errorf("decrypted value mismatch: %q", pt)
	}
}

func TestGetEntry_StoresSafeHarborValue(t *testing.T) {
	s := newTestStore(t)
	token, _ := s.GetOrCreateByEntity("e1", "01/15/1980", span.TypeDateDOB, "1980")
	entry, _ := s.GetEntry(token)
	if entry.SafeHarbor != "1980" {
		t.Errorf("expected safe harbor value 1980, got %q", entry.SafeHarbor)
	}
}

func TestLookupByNormalizedValue(t *testing.T) {
	s := newTestStore(t)
	token, _ := s.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	found, ok := s.LookupByNormalizedValue("  JOHN SMITH  ", span.TypeNamePatient)
	if !ok || found != token {
		t.Errorf("expected lookup to find %s, got %s (ok=%v)", token, found, ok)
	}
}

func TestVariants_Dedup(t *testing.T) {
	s := newTestStore(t)
	s.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	variants := s.Variants("e1")
	if len(variants) != 1 || variants[0] != "John Smith" {
		t.Errorf("expected 1 variant, got %v", variants)
	}
}

func TestListTokensAndCount(t *testing.T) {
	s := newTestStore(t)
	s.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	s.GetOrCreateByEntity("e2", "Jane Doe", span.TypeNamePatient, "")
	if s.Count() != 2 {
		t.Errorf("expected count 2, got %d", s.Count())
	}
	if len(s.ListTokens()) != 2 {
		t.Errorf("expected 2 tokens listed, got %d", len(s.ListTokens()))
	}
}

func TestDelete_FalsePositiveCorrection(t *testing.T) {
	s := newTestStore(t)
	token, _ := s.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	if !s.Delete(token) {
		t.Fatal("expected Delete to succeed")
	}
	if _, ok := s.GetEntry(token); ok {
		t.Error("expected entry to be gone after Delete")
	}
}

func TestDelete_UnknownTokenReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	if s.Delete("[NOPE_1]") {
		t.Error("expected Delete of unknown token to return false")
	}
}

func TestNew_RebuildsCounterFromExistingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	km, _ := keymanager.New("material", nil, 1<<10, 8, 1)
	km.GenerateDEK()

	s1, err := New(db, km)
	if err != nil {
		t.Fatal(err)
	}
	s1.GetOrCreateByEntity("e1", "John Smith", span.TypeNamePatient, "")
	db.Close()

	db2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	s2, err := New(db2, km)
	if err != nil {
		t.Fatal(err)
	}
	next, err := s2.GetOrCreateByEntity("e2", "Jane Doe", span.TypeNamePatient, "")
	if err != nil {
		t.Fatal(err)
	}
	if next != "[NAME_PATIENT_2]" {
		t.Errorf("expected counter to resume at 2, got %s", next)
	}
}
