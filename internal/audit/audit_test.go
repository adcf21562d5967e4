package audit

import (
	"path/filepath"
	"testing"

	"scrubiq/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "session-abc")
}

func TestLog_FirstEntryChainsFromGenesis(t *testing.T) {
	l := newTestLog(t)
	e, err := l.Log(EventUnlock, map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", e.Sequence)
	}
	if e.PrevHash != Genesis {
		t.Errorf("expected genesis prev_hash, got %s", e.PrevHash)
	}
}

func TestLog_SessionIDIsHashedNotRaw(t *testing.T) {
	l := newTestLog(t)
	e, _ := l.Log(EventUnlock, map[string]any{})
	if e.SessionID == "session-abc" {
		t.Error("session id must be hashed before storage")
	}
	if len(e.SessionID) != 32 {
		t.Errorf("expected 32-char truncated digest, got %d chars", len(e.SessionID))
	}
}

func TestLog_ChainsSequentialEntries(t *testing.T) {
	l := newTestLog(t)
	e1, _ := l.Log(EventPHIDetected, map[string]any{"n": 1})
	e2, _ := l.Log(EventPHIRedacted, map[string]any{"n": 2})
	if e2.Sequence != e1.Sequence+1 {
		t.Errorf("expected sequential sequence numbers, got %d then %d", e1.Sequence, e2.Sequence)
	}
	if e2.PrevHash != e1.EntryHash {
		t.Error("expected second entry's prev_hash to equal first entry's hash")
	}
}

func TestVerifyChain_ValidOnFreshLog(t *testing.T) {
	l := newTestLog(t)
	l.Log(EventUnlock, map[string]any{})
	l.Log(EventLock, map[string]any{})

	result, err := l.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got errors: %v", result.Errors)
	}
	if result.TotalEntries != 2 || result.ValidEntries != 2 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestVerifyChain_EmptyLogIsValid(t *testing.T) {
	l := newTestLog(t)
	result, err := l.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.TotalEntries != 0 {
		t.Errorf("expected valid empty chain, got %+v", result)
	}
}

func TestGetEntries_MostRecentFirst(t *testing.T) {
	l := newTestLog(t)
	l.Log(EventUnlock, map[string]any{"i": 1})
	l.Log(EventLock, map[string]any{"i": 2})

	entries, err := l.GetEntries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != EventLock {
		t.Errorf("expected most recent first, got %s", entries[0].EventType)
	}
}

func TestGetEntries_RespectsLimit(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 5; i++ {
		l.Log(EventUnlock, map[string]any{"i": i})
	}
	entries, err := l.GetEntries(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestForkChainAfter_RequiresBrokenChain(t *testing.T) {
	l := newTestLog(t)
	l.Log(EventUnlock, map[string]any{})
	if err := l.ForkChainAfter(0); err == nil {
		t.Error("expected ForkChainAfter to fail on a valid chain")
	}
}

func TestCount(t *testing.T) {
	l := newTestLog(t)
	l.Log(EventUnlock, map[string]any{})
	l.Log(EventLock, map[string]any{})
	n, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
}

func TestSessionsDoNotShareSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	l1 := New(db, "session-1")
	l2 := New(db, "session-2")

	e1, _ := l1.Log(EventUnlock, map[string]any{})
	e2, _ := l2.Log(EventUnlock, map[string]any{})

	if e1.Sequence != 1 || e2.Sequence != 1 {
		t.Errorf("expected each session to start its own sequence at 1, got %d and %d", e1.Sequence, e2.Sequence)
	}
}

func TestGetRetentionStatus_EmptyLog(t *testing.T) {
	l := newTestLog(t)
	status, err := l.GetRetentionStatus(2190)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalEntries != 0 || status.OldestEntry != nil {
		t.Errorf("expected empty retention status, got %+v", status)
	}
}

func TestGetRetentionStatus_NoneExpiredYet(t *testing.T) {
	l := newTestLog(t)
	l.Log(EventUnlock, map[string]any{})
	status, err := l.GetRetentionStatus(2190)
	if err != nil {
		t.Fatal(err)
	}
	if status.EntriesPastRetention != 0 {
		t.Errorf("expected 0 entries past retention, got %d", status.EntriesPastRetention)
	}
}
