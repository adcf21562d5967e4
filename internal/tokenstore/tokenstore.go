// Package tokenstore implements the Token Store: the durable map from
// resolved entities to stable `[TYPE_N]` tokens, backed by the encrypted
// vault.
//
// Grounded on spec.md §4.7 and scrubiq/mixins/token.py's TokenMixin
// surface (get_tokens/delete_token/list_tokens/get_entry), with the
// storage layer itself (scrubiq/storage/tokens.py) not present in the
// source pack — its bbolt equivalent here follows the same transactional
// shape as the teacher's bboltCache (internal/store, grounded there).
package tokenstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"scrubiq/internal/errs"
	"scrubiq/internal/keymanager"
	"scrubiq/internal/span"
	"scrubiq/internal/store"

	bolt "go.etcd.io/bbolt"
)

// Entry is one token's stored record. Plaintext the caller supplies is
// encrypted before Ciphertext is populated; SafeHarbor is stored in clear
// since it is non-identifying by construction.
type Entry struct {
	Token        string
	EntityType   span.EntityType
	Ciphertext   []byte
	SafeHarbor   string // empty if the Safe Harbor Transform did not touch this type
	CreatedAt    time.Time
	NormalizedValue string
}

type wireEntry struct {
	Token           string    `json:"token"`
	EntityType      string    `json:"entity_type"`
	Ciphertext      []byte    `json:"ciphertext"`
	SafeHarbor      string    `json:"safe_harbor,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	NormalizedValue string    `json:"normalized_value"`
}

// Store is the Token Store façade. One Store per vault session.
type Store struct {
	mu      sync.Mutex
	db      *store.DB
	keys    *keymanager.KeyManager
	counter map[span.EntityType]int
}

// New opens a Token Store over db using keys for plaintext encryption. It
// rebuilds the per-type token counter from the existing tokens bucket so
// restarts continue numbering where they left off.
func New(db *store.DB, keys *keymanager.KeyManager) (*Store, error) {
	s := &Store{db: db, keys: keys, counter: make(map[span.EntityType]int)}
	err := db.ForEach(store.BucketTokens, func(_, v []byte) error {
		var w wireEntry
		if err := json.Unmarshal(v, &w); err != nil {
			return fmt.Errorf("tokenstore: decoding existing entry: %w", err)
		}
		n := parseTokenSeq(w.Token)
		if n > s.counter[span.EntityType(w.EntityType)] {
			s.counter[span.EntityType(w.EntityType)] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetOrCreateByEntity returns the token already assigned to entityID, or
// allocates one: encrypts value, stores the caller-supplied safe-harbor
// value, increments the per-type counter, and indexes the new token by
// entity, normalized value, and variant surface. The whole call holds the
// store's mutex, so two concurrent callers registering the same new entity
// observe the same token and per-type counters stay monotonic; the lookup
// and the writes are separate bbolt transactions.
func (s *Store) GetOrCreateByEntity(entityID, value string, entityType span.EntityType, safeHarbor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.db.Get(store.BucketTokenByEntity, entityID); err != nil {
		return "", err
	} else if ok {
		return string(existing), nil
	}

	ciphertext, err := s.keys.Encrypt([]byte(value))
	if err != nil {
		return "", fmt.Errorf("tokenstore: encrypting value: %w", err)
	}

	s.counter[entityType]++
	token := fmt.Sprintf("[%s_%d]", entityType, s.counter[entityType])
	normalized := normalize(value)

	entry := wireEntry{
		Token:           token,
		EntityType:      string(entityType),
		Ciphertext:      ciphertext,
		SafeHarbor:      safeHarbor,
		CreatedAt:       time.Now().UTC(),
		NormalizedValue: normalized,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("tokenstore: encoding entry: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(store.BucketTokens)).Put([]byte(token), payload); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(store.BucketTokenByEntity)).Put([]byte(entityID), []byte(token)); err != nil {
			return err
		}
		normKey := string(entityType) + "|" + normalized
		if err := tx.Bucket([]byte(store.BucketTokenByNormValue)).Put([]byte(normKey), []byte(token)); err != nil {
			return err
		}
		return appendVariant(tx, entityID, value, entityType)
	})
	if err != nil {
		return "", fmt.Errorf("tokenstore: writing entry: %w", err)
	}
	return token, nil
}

func appendVariant(tx *bolt.Tx, entityID, value string, entityType span.EntityType) error {
	b := tx.Bucket([]byte(store.BucketEntityVariants))
	key := []byte(entityID)
	var variants []string
	if existing := b.Get(key); existing != nil {
		if err := json.Unmarshal(existing, &variants); err != nil {
			return fmt.Errorf("decoding variants: %w", err)
		}
	}
	for _, v := range variants {
		if v == value {
			return nil
		}
	}
	variants = append(variants, value)
	payload, err := json.Marshal(variants)
	if err != nil {
		return err
	}
	return b.Put(key, payload)
}

// LookupByNormalizedValue supports the known-entity pre-pass: does a value
// already have a token under the given base type?
func (s *Store) LookupByNormalizedValue(value string, entityType span.EntityType) (token string, ok bool) {
	key := string(entityType) + "|" + normalize(value)
	v, found, err := s.db.Get(store.BucketTokenByNormValue, key)
	if err != nil || !found {
		return "", false
	}
	return string(v), true
}

// Variants returns every distinct surface form observed for entityID.
func (s *Store) Variants(entityID string) []string {
	v, ok, err := s.db.Get(store.BucketEntityVariants, entityID)
	if err != nil || !ok {
		return nil
	}
	var out []string
	_ = json.Unmarshal(v, &out)
	return out
}

// GetEntry returns the stored entry for token.
func (s *Store) GetEntry(token string) (Entry, bool) {
	v, ok, err := s.db.Get(store.BucketTokens, token)
	if err != nil || !ok {
		return Entry{}, false
	}
	var w wireEntry
	if err := json.Unmarshal(v, &w); err != nil {
		return Entry{}, false
	}
	return Entry{
		Token:           w.Token,
		EntityType:      span.EntityType(w.EntityType),
		Ciphertext:      w.Ciphertext,
		SafeHarbor:      w.SafeHarbor,
		CreatedAt:       w.CreatedAt,
		NormalizedValue: w.NormalizedValue,
	}, true
}

// Decrypt returns the plaintext value for an entry, used by the restorer's
// RESEARCH mode.
func (s *Store) Decrypt(entry Entry) (string, error) {
	pt, err := s.keys.Decrypt(entry.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidKey, err)
	}
	return string(pt), nil
}

// ListTokens returns every token currently stored, in bbolt's sorted key
// order (not PHI-revealing — callers still must not expose ciphertext).
func (s *Store) ListTokens() []string {
	var tokens []string
	_ = s.db.ForEach(store.BucketTokens, func(k, _ []byte) error {
		tokens = append(tokens, string(k))
		return nil
	})
	return tokens
}

// Delete removes a token (false-positive correction). Reports whether the
// token existed.
func (s *Store) Delete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.db.Get(store.BucketTokens, token)
	if err != nil || !ok {
		return false
	}
	_ = s.db.Delete(store.BucketTokens, token)
	return true
}

// Count returns the number of tokens currently stored.
func (s *Store) Count() int {
	return len(s.ListTokens())
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// parseTokenSeq extracts the trailing _N sequence number from a token like
// "[SSN_3]"; returns 0 if it cannot be parsed.
func parseTokenSeq(token string) int {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(token, "["), "]")
	idx := strings.LastIndex(trimmed, "_")
	if idx < 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(trimmed[idx+1:], "%d", &n); err != nil {
		return 0
	}
	return n
}
