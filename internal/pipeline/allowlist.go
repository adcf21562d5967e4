package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"scrubiq/internal/span"
)

// fixedFalsePositives is a built-in blocklist of common words, drug names
// outside medication context, and clinical section headers that detectors
// routinely mis-tag — applied in addition to the caller's configured
// allowlist, per spec.md §4.4's "fixed false-positive dictionary".
var fixedFalsePositives = map[string]bool{
	"tylenol": true, "advil": true, "aspirin": true, "ibuprofen": true,
	"history": true, "physical": true, "assessment": true, "plan": true,
	"chief complaint": true, "review of systems": true,
	"patient": true, "doctor": true, "nurse": true, "hospital": true,
}

// Allowlist holds caller-supplied surface values that should never be
// treated as PHI — persisted to disk so it survives restarts, the same
// atomic-temp-file-then-rename write pattern the teacher's DomainRegistry
// uses for its runtime-editable domain list.
type Allowlist struct {
	mu          sync.RWMutex
	entries     map[string]bool // normalized whole-entry values
	words       map[string]bool // significant words from multi-word entries
	persistPath string
}

// NewAllowlist creates an Allowlist seeded from persistPath if it exists
// (empty persistPath disables persistence).
func NewAllowlist(persistPath string) *Allowlist {
	a := &Allowlist{
		entries:     make(map[string]bool),
		words:       make(map[string]bool),
		persistPath: persistPath,
	}
	if persistPath == "" {
		return a
	}
	if entries, err := a.loadFromDisk(); err == nil {
		a.setAllLocked(entries)
	}
	return a
}

// Add inserts an entry and persists the updated list to disk.
func (a *Allowlist) Add(entry string) {
	a.mu.Lock()
	a.addLocked(entry)
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.persist(snapshot)
}

// Remove deletes an entry and persists the updated list to disk.
func (a *Allowlist) Remove(entry string) {
	a.mu.Lock()
	normalized := normalizeSurface(entry)
	delete(a.entries, normalized)
	a.rebuildWordsLocked()
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.persist(snapshot)
}

// All returns a sorted snapshot of every configured entry.
func (a *Allowlist) All() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// Matches reports whether surface (lowercased and whitespace-collapsed
// here before lookup) is allowlisted outright, is a
// significant word of a multi-word allowlist entry, or is in the built-in
// false-positive dictionary.
func (a *Allowlist) Matches(surface string) bool {
	norm := normalizeSurface(surface)
	if fixedFalsePositives[norm] {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.entries[norm] {
		return true
	}
	return a.words[norm]
}

// Filter removes spans whose surface text matches the allowlist. It does
// not mutate spans.
func (a *Allowlist) Filter(spans []span.Span) []span.Span {
	out := make([]span.Span, 0, len(spans))
	for _, s := range spans {
		if !a.Matches(s.Text) {
			out = append(out, s)
		}
	}
	return out
}

func normalizeSurface(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (a *Allowlist) addLocked(entry string) {
	norm := normalizeSurface(entry)
	if norm == "" {
		return
	}
	a.entries[norm] = true
	for _, w := range strings.Fields(norm) {
		if len(w) >= 3 {
			a.words[w] = true
		}
	}
}

func (a *Allowlist) setAllLocked(entries []string) {
	a.entries = make(map[string]bool, len(entries))
	a.words = make(map[string]bool)
	for _, e := range entries {
		a.addLocked(e)
	}
}

func (a *Allowlist) rebuildWordsLocked() {
	entries := make([]string, 0, len(a.entries))
	for e := range a.entries {
		entries = append(entries, e)
	}
	a.setAllLocked(entries)
}

func (a *Allowlist) snapshotLocked() []string {
	out := make([]string, 0, len(a.entries))
	for e := range a.entries {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (a *Allowlist) loadFromDisk() ([]string, error) {
	data, err := os.ReadFile(a.persistPath)
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", a.persistPath, err)
	}
	return entries, nil
}

// persist writes entries to disk atomically (temp file, then rename), the
// same pattern the teacher's management.DomainRegistry uses so a crash
// mid-write never corrupts the allowlist file.
func (a *Allowlist) persist(entries []string) {
	if a.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(a.persistPath)
	tmp, err := os.CreateTemp(dir, ".allowlist-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	os.Rename(tmpName, a.persistPath)
}
