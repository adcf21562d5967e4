// Package audit implements the hash-chained, append-only audit log: every
// redact, restore, unlock, lock, and review decision writes an entry whose
// hash commits to the previous entry's hash, so any tampering with history
// is detectable by VerifyChain.
//
// Grounded on scrubiq/storage/audit.py: the entry-hash payload shape
// (sequence|event_type|timestamp|data_json|prev_hash), the GENESIS
// sentinel, verify_chain_detailed's result shape, and fork_chain_after's
// delete-then-append recovery semantics are all carried over. Storage
// moves from the original's SQLite table to a bbolt bucket keyed by
// big-endian sequence number (internal/store), which is bbolt's documented
// idiom for ordered range scans.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"scrubiq/internal/errs"
	"scrubiq/internal/store"

	bolt "go.etcd.io/bbolt"
)

// EventType identifies the kind of event an audit entry records.
type EventType string

const (
	EventUnlock         EventType = "UNLOCK"
	EventLock           EventType = "LOCK"
	EventPHIDetected    EventType = "PHI_DETECTED"
	EventPHIRedacted    EventType = "PHI_REDACTED"
	EventPHIRestored    EventType = "PHI_RESTORED"
	EventReviewApproved EventType = "REVIEW_APPROVED"
	EventReviewRejected EventType = "REVIEW_REJECTED"
	EventError          EventType = "ERROR"
	EventChainFork      EventType = "CHAIN_FORK"
)

// Genesis is the sentinel prev_hash for sequence 1.
const Genesis = "GENESIS"

// Entry is one audit log row.
type Entry struct {
	Sequence  uint64
	EventType EventType
	Timestamp time.Time
	SessionID string // truncated SHA-256 digest, never the raw session id
	Data      map[string]any
	PrevHash  string
	EntryHash string
}

// Log is a hash-chained audit log scoped to one session.
type Log struct {
	mu        sync.Mutex
	db        *store.DB
	sessionID string // truncated digest
}

// New opens an audit Log for rawSessionID, hashing it before storage so a
// leaked database cannot be used to correlate entries back to a live
// session identifier.
func New(db *store.DB, rawSessionID string) *Log {
	sum := sha256.Sum256([]byte(rawSessionID))
	return &Log{db: db, sessionID: hex.EncodeToString(sum[:])[:32]}
}

func computeHash(sequence uint64, eventType EventType, timestamp, dataJSON, prevHash string) string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s", sequence, eventType, timestamp, dataJSON, prevHash)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func seqKey(sessionID string, n uint64) []byte {
	b := make([]byte, 8+len(sessionID))
	binary.BigEndian.PutUint64(b[:8], n)
	copy(b[8:], sessionID)
	return b
}

type wireEntry struct {
	Sequence  uint64         `json:"sequence"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// Log appends one entry atomically: within a single bbolt transaction the
// next sequence number and previous hash are read, the entry hash is
// computed, and the row inserted.
func (l *Log) Log(eventType EventType, data map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().UTC()
	dataJSON, err := canonicalJSON(data)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encoding data: %w", err)
	}

	var entry Entry
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketAuditLog))
		sequence, prevHash := nextSequenceAndPrevHash(b, l.sessionID)

		tsStr := timestamp.Format(time.RFC3339Nano)
		hash := computeHash(sequence, eventType, tsStr, dataJSON, prevHash)

		entry = Entry{
			Sequence:  sequence,
			EventType: eventType,
			Timestamp: timestamp,
			SessionID: l.sessionID,
			Data:      data,
			PrevHash:  prevHash,
			EntryHash: hash,
		}
		w := wireEntry{
			Sequence: sequence, EventType: eventType, Timestamp: timestamp,
			SessionID: l.sessionID, Data: data, PrevHash: prevHash, EntryHash: hash,
		}
		payload, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put(seqKey(l.sessionID, sequence), payload)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: writing entry: %w", err)
	}
	return entry, nil
}

func canonicalJSON(data map[string]any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// nextSequenceAndPrevHash scans this session's entries (they're prefixed by
// sequence but interleaved by session suffix, so a forward scan finds the
// max) to determine the next sequence number and the hash to chain from.
func nextSequenceAndPrevHash(b *bolt.Bucket, sessionID string) (uint64, string) {
	var maxSeq uint64
	prevHash := Genesis
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(k) < 8 || string(k[8:]) != sessionID {
			continue
		}
		var w wireEntry
		if json.Unmarshal(v, &w) != nil {
			continue
		}
		if w.Sequence >= maxSeq {
			maxSeq = w.Sequence
			prevHash = w.EntryHash
		}
	}
	return maxSeq + 1, prevHash
}

// entries returns every entry for this session in ascending sequence order.
func (l *Log) entries() ([]wireEntry, error) {
	var out []wireEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketAuditLog))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 || string(k[8:]) != l.sessionID {
				continue
			}
			var w wireEntry
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// bbolt orders by raw key bytes, i.e. by big-endian sequence number
	// first, so out is already ascending by sequence.
	return out, nil
}

// VerifyResult mirrors scrubiq's verify_chain_detailed: enough detail to
// decide whether, and where, to fork the chain.
type VerifyResult struct {
	Valid              bool
	TotalEntries       int
	ValidEntries       int
	FirstError         string
	FirstErrorSequence uint64
	LastValidSequence  uint64
	LastValidHash      string
	Errors             []string
}

// VerifyChain walks the session's entries in sequence order, checking
// prev_hash linkage, recomputed entry_hash, and sequence contiguity.
func (l *Log) VerifyChain() (VerifyResult, error) {
	rows, err := l.entries()
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Valid: true, TotalEntries: len(rows), LastValidHash: Genesis}
	if len(rows) == 0 {
		return result, nil
	}

	prevHash := Genesis
	for i, row := range rows {
		var rowErr string

		if row.PrevHash != prevHash {
			rowErr = fmt.Sprintf("chain broken at sequence %d: prev_hash mismatch", row.Sequence)
		}
		if rowErr == "" {
			dataJSON, _ := canonicalJSON(row.Data)
			expected := computeHash(row.Sequence, row.EventType, row.Timestamp.Format(time.RFC3339Nano), dataJSON, row.PrevHash)
			if expected != row.EntryHash {
				rowErr = fmt.Sprintf("hash mismatch at sequence %d: entry may have been modified", row.Sequence)
			}
		}
		if rowErr == "" && i > 0 {
			if row.Sequence != rows[i-1].Sequence+1 {
				rowErr = fmt.Sprintf("sequence gap before %d", row.Sequence)
			}
		}

		if rowErr != "" {
			result.Errors = append(result.Errors, rowErr)
			if result.FirstError == "" {
				result.Valid = false
				result.FirstError = rowErr
				result.FirstErrorSequence = row.Sequence
			}
		} else if result.FirstError == "" {
			result.ValidEntries++
			result.LastValidSequence = row.Sequence
			result.LastValidHash = row.EntryHash
		}
		prevHash = row.EntryHash
	}
	return result, nil
}

// ForkChainAfter is the destructive recovery operation: given a broken
// chain, it deletes entries with sequence > fromSequence and appends a
// CHAIN_FORK event continuing from fromSequence's hash (or Genesis if 0).
func (l *Log) ForkChainAfter(fromSequence uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	verification, err := l.VerifyChain()
	if err != nil {
		return err
	}
	if verification.Valid {
		return fmt.Errorf("audit: chain is valid, no fork needed")
	}
	if fromSequence > verification.LastValidSequence {
		return fmt.Errorf("%w: cannot fork after sequence %d, last valid is %d",
			errs.ErrChainBroken, fromSequence, verification.LastValidSequence)
	}

	forkPrevHash := Genesis
	if fromSequence > 0 {
		rows, err := l.entries()
		if err != nil {
			return err
		}
		found := false
		for _, row := range rows {
			if row.Sequence == fromSequence {
				forkPrevHash = row.EntryHash
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("audit: sequence %d not found", fromSequence)
		}
	}

	timestamp := time.Now().UTC()
	forkData := map[string]any{
		"reason":                        "chain_corruption_recovery",
		"forked_after_sequence":         fromSequence,
		"original_last_valid_sequence":  verification.LastValidSequence,
		"errors_found":                  len(verification.Errors),
		"first_error":                   verification.FirstError,
	}
	dataJSON, err := canonicalJSON(forkData)
	if err != nil {
		return err
	}
	newSequence := fromSequence + 1
	entryHash := computeHash(newSequence, EventChainFork, timestamp.Format(time.RFC3339Nano), dataJSON, forkPrevHash)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.BucketAuditLog))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 || string(k[8:]) != l.sessionID {
				continue
			}
			var w wireEntry
			if json.Unmarshal(v, &w) == nil && w.Sequence >= newSequence {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		w := wireEntry{
			Sequence: newSequence, EventType: EventChainFork, Timestamp: timestamp,
			SessionID: l.sessionID, Data: forkData, PrevHash: forkPrevHash, EntryHash: entryHash,
		}
		payload, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put(seqKey(l.sessionID, newSequence), payload)
	})
}

// GetEntries returns up to limit entries, most recent first.
func (l *Log) GetEntries(limit int) ([]Entry, error) {
	rows, err := l.entries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		w := rows[i]
		out = append(out, Entry{
			Sequence: w.Sequence, EventType: w.EventType, Timestamp: w.Timestamp,
			SessionID: w.SessionID, Data: w.Data, PrevHash: w.PrevHash, EntryHash: w.EntryHash,
		})
	}
	return out, nil
}

// Count returns the total number of entries for this session.
func (l *Log) Count() (int, error) {
	rows, err := l.entries()
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// RetentionStatus reports on entries past the given retention window
// (HIPAA's default is 2190 days / 6 years).
type RetentionStatus struct {
	TotalEntries         int
	OldestEntry          *time.Time
	EntriesPastRetention int
	RetentionDays        int
}

// GetRetentionStatus reports how many entries are older than retentionDays.
func (l *Log) GetRetentionStatus(retentionDays int) (RetentionStatus, error) {
	rows, err := l.entries()
	if err != nil {
		return RetentionStatus{}, err
	}
	status := RetentionStatus{RetentionDays: retentionDays}
	if len(rows) == 0 {
		return status, nil
	}
	status.TotalEntries = len(rows)
	oldest := rows[0].Timestamp
	status.OldestEntry = &oldest

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	for _, row := range rows {
		if row.Timestamp.Before(cutoff) {
			status.EntriesPastRetention++
		}
	}
	return status, nil
}
