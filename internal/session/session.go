// Package session implements the single façade the core is consumed
// through: unlock/lock lifecycle, redact/restore, visual-only detection,
// privacy-mode selection, token/review management, and audit-chain
// verification.
//
// Grounded on the teacher's cmd/proxy/main.go wiring style (construct every
// subsystem once, wire shared logger/metrics through them) and on
// scrubiq/mixins/{chat,token}.py for the method surface this type exposes
// (get_tokens, delete_token, get_pending_reviews, approve_review,
// reject_review, verify_audit_chain, get_audit_entries). Per spec.md §5,
// locks are acquired once at this boundary: Session's own mutex guards
// every operation, and the subsystems it owns (Registry, Token Store,
// Conversation Context, Audit Log) each additionally guard their own state
// so they remain safe if ever called from more than one Session (they are
// not, today, but the defense in depth matches spec.md's stated policy).
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"scrubiq/internal/audit"
	"scrubiq/internal/config"
	"scrubiq/internal/convctx"
	"scrubiq/internal/detect"
	"scrubiq/internal/errs"
	"scrubiq/internal/keymanager"
	"scrubiq/internal/logger"
	"scrubiq/internal/metrics"
	"scrubiq/internal/normalize"
	"scrubiq/internal/orchestrator"
	"scrubiq/internal/pipeline"
	"scrubiq/internal/registry"
	"scrubiq/internal/resolver"
	"scrubiq/internal/restorer"
	"scrubiq/internal/span"
	"scrubiq/internal/store"
	"scrubiq/internal/tokenizer"
	"scrubiq/internal/tokenstore"
)

// PrivacyMode selects how restore() resolves tokens by default when a
// caller doesn't name a mode explicitly.
type PrivacyMode string

const (
	ModeRedacted   PrivacyMode = "redacted"
	ModeSafeHarbor PrivacyMode = "safe_harbor"
	ModeResearch   PrivacyMode = "research"
)

// vaultMeta keys, within store.BucketVaultMeta (a single-row bucket: one
// vault, one KEK/DEK hierarchy).
const (
	metaSalt   = "salt"
	metaScrypt = "scrypt_n"
	metaEncDEK = "encrypted_dek"
)

// RedactResult is the outcome of one redact call.
type RedactResult struct {
	Redacted        string
	Spans           []span.Span
	TokensCreated   int
	NeedsReview     []registry.MergeCandidate
	ProcessingMS    float64
	InputHash       string
	NormalizedInput string
}

// redactionFailedMarker replaces RedactResult.Redacted when the tokenizer's
// leakage validator finds source text surviving in its own output — an
// internal invariant violation the session fails closed on rather than
// return the original or partially-masked text, per spec.md §7.
const redactionFailedMarker = "[REDACTION_FAILED]"

// RestoreResult is the outcome of one restore call.
type RestoreResult struct {
	Restored      string
	TokensFound   []string
	TokensUnknown []string
}

// Session is the single entry point the core is consumed through. The
// zero value is not usable; construct with New.
type Session struct {
	mu sync.Mutex

	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	db      *store.DB

	keys *keymanager.KeyManager
	orch *orchestrator.Orchestrator

	allowlist *pipeline.Allowlist
	corefOpts pipeline.CorefOptions

	reg    *registry.Registry
	tokens *tokenstore.Store
	convo  *convctx.Context
	audit  *audit.Log

	rawSessionID string
	privacyMode  PrivacyMode
	lastActivity time.Time
	unlocked     bool
	closed       bool
}

// New opens the vault database and wires every subsystem that doesn't
// require an unlocked key (detectors, allowlist, orchestrator). The
// session starts locked; call Unlock before redact/restore.
func New(cfg *config.Config, log *logger.Logger, dictTerms []string) (*Session, error) {
	db, err := store.Open(cfg.VaultDBPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistence, "vault_open", "opening vault database", err)
	}

	detectors := detect.BuildDefault(dictTerms, nil)
	orch := orchestrator.New(detectors, orchestrator.Options{
		MaxConcurrentDetections: cfg.MaxConcurrentDetections,
		MaxQueueDepth:           cfg.MaxQueueDepth,
		DetectorTimeout:         time.Duration(cfg.DetectorTimeoutMs) * time.Millisecond,
	}, log)

	mode := PrivacyMode(cfg.DefaultPrivacyMode)
	if mode == "" {
		mode = ModeRedacted
	}

	return &Session{
		cfg:         cfg,
		log:         log,
		metrics:     metrics.New(),
		db:          db,
		orch:        orch,
		allowlist:   pipeline.NewAllowlist(cfg.AllowlistFile),
		corefOpts:   pipeline.CorefOptions{MaxSentenceGap: cfg.CorefMaxSentenceGap, ConfidenceDecay: cfg.CorefConfidenceDecay, MaxExpansionsPerAnchor: 20},
		privacyMode: mode,
	}, nil
}

// Unlock derives the KEK from keyMaterial, unwraps the stored DEK (or
// mints a fresh vault on first use), and brings up the subsystems that
// require key material. Returns errs.ErrInvalidKey on MAC verification
// failure against an existing vault.
func (s *Session) Unlock(keyMaterial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		// Constant-minimum execution time per spec.md §6, mitigating a
		// timing side-channel that would otherwise distinguish "wrong key"
		// (fails fast in AEAD Open) from "right key, slow KDF".
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			time.Sleep(50*time.Millisecond - elapsed)
		}
	}()

	if s.closed {
		return errs.New(errs.KindSession, "session_closed", "session is closed")
	}
	if s.unlocked {
		return nil
	}

	saltBytes, hasSalt, err := s.db.Get(store.BucketVaultMeta, metaSalt)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, "vault_meta_read", "reading vault salt", err)
	}

	var km *keymanager.KeyManager
	if !hasSalt {
		km, err = keymanager.New(keyMaterial, nil, s.cfg.ScryptN, s.cfg.ScryptR, s.cfg.ScryptP)
		if err != nil {
			return errs.Wrap(errs.KindInput, "key_derive", "deriving key encryption key", err)
		}
		encDEK, err := km.GenerateDEK()
		if err != nil {
			return errs.Wrap(errs.KindPersistence, "dek_generate", "generating data encryption key", err)
		}
		if err := s.persistVaultMeta(km.Salt(), km.ScryptN(), encDEK); err != nil {
			return err
		}
	} else {
		encDEKBytes, _, err := s.db.Get(store.BucketVaultMeta, metaEncDEK)
		if err != nil {
			return errs.Wrap(errs.KindPersistence, "vault_meta_read", "reading wrapped DEK", err)
		}
		scryptNBytes, _, err := s.db.Get(store.BucketVaultMeta, metaScrypt)
		if err != nil {
			return errs.Wrap(errs.KindPersistence, "vault_meta_read", "reading scrypt cost", err)
		}
		var scryptN int
		if err := json.Unmarshal(scryptNBytes, &scryptN); err != nil {
			return errs.Wrap(errs.KindPersistence, "vault_meta_decode", "decoding scrypt cost", err)
		}

		km, err = keymanager.New(keyMaterial, saltBytes, scryptN, s.cfg.ScryptR, s.cfg.ScryptP)
		if err != nil {
			return errs.Wrap(errs.KindInput, "key_derive", "deriving key encryption key", err)
		}
		if err := km.LoadDEK(encDEKBytes); err != nil {
			return errs.New(errs.KindSession, "invalid_key", "key material is invalid or does not match stored wrap")
		}
	}

	s.rawSessionID = newRawSessionID()
	s.keys = km
	s.reg = registry.New(s.cfg.AutoMergeThreshold, s.cfg.FlagMergeThreshold)
	tokens, err := tokenstore.New(s.db, km)
	if err != nil {
		return errs.Wrap(errs.KindPersistence, "tokenstore_open", "opening token store", err)
	}
	s.tokens = tokens
	s.convo = convctx.New(s.rawSessionID, "", s.cfg.ConvContextCapacity)
	s.audit = audit.New(s.db, s.rawSessionID)
	s.unlocked = true
	s.lastActivity = time.Now()

	if _, err := s.audit.Log(audit.EventUnlock, nil); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log unlock: %v", err)
	}
	return nil
}

func (s *Session) persistVaultMeta(salt []byte, scryptN int, encDEK []byte) error {
	if err := s.db.Put(store.BucketVaultMeta, metaSalt, salt); err != nil {
		return errs.Wrap(errs.KindPersistence, "vault_meta_write", "writing vault salt", err)
	}
	scryptNJSON, _ := json.Marshal(scryptN)
	if err := s.db.Put(store.BucketVaultMeta, metaScrypt, scryptNJSON); err != nil {
		return errs.Wrap(errs.KindPersistence, "vault_meta_write", "writing scrypt cost", err)
	}
	if err := s.db.Put(store.BucketVaultMeta, metaEncDEK, encDEK); err != nil {
		return errs.Wrap(errs.KindPersistence, "vault_meta_write", "writing wrapped DEK", err)
	}
	return nil
}

// Lock wipes the live DEK and clears in-memory entity/context state. The
// vault remains reopenable with Unlock using the same key material.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return
	}
	if s.audit != nil {
		if _, err := s.audit.Log(audit.EventLock, nil); err != nil {
			s.log.Warnf("audit_log_failed", "failed to log lock: %v", err)
		}
	}
	s.keys.Lock()
	s.reg = nil
	s.tokens = nil
	s.convo = nil
	s.unlocked = false
}

// Close locks the session and releases the underlying database handle.
// The Session must not be used after Close.
func (s *Session) Close() error {
	s.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.keys != nil {
		s.keys.Destroy()
	}
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.KindPersistence, "vault_close", "closing vault database", err)
	}
	return nil
}

// SetPrivacyMode changes the default mode Restore uses when called without
// an explicit mode override.
func (s *Session) SetPrivacyMode(mode PrivacyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privacyMode = mode
}

func (s *Session) requireUnlocked() error {
	if s.closed {
		return errs.New(errs.KindSession, "session_closed", "session is closed")
	}
	if !s.unlocked {
		return errs.ErrSessionLocked
	}
	return nil
}

// Redact runs the full detection-through-tokenization pipeline over text
// and returns the tokenized output plus the spans and tokens it produced.
func (s *Session) Redact(ctx context.Context, text string) (RedactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return RedactResult{}, err
	}
	if len(text) == 0 {
		return RedactResult{}, errs.ErrEmptyText
	}
	if len(text) > s.cfg.MaxTextBytes {
		return RedactResult{}, errs.ErrTextTooLarge
	}
	s.lastActivity = time.Now()

	start := time.Now()
	sumIn := sha256.Sum256([]byte(text))
	inputHash := hex.EncodeToString(sumIn[:])

	normalized := normalize.Text(text, normalize.DefaultOptions())

	knownOrch, knownResolve := s.knownEntitiesLocked()
	spans, err := s.orch.Detect(ctx, normalized, knownOrch)
	if err != nil {
		s.auditErrorLocked("detect", err)
		return RedactResult{}, err
	}

	spans = pipeline.Merge(spans, s.cfg.RepeatMinConfidence)
	spans = pipeline.ExpandRepeats(normalized, spans, s.cfg.RepeatMinConfidence, s.cfg.RepeatConfidenceDecay, s.cfg.MaxExpansionsPerValue)
	spans = pipeline.ResolveCoref(normalized, spans, s.corefOpts)
	spans = pipeline.ApplySafeHarbor(spans)
	spans = s.allowlist.Filter(spans)

	entities := resolver.Resolve(spans, knownResolve)

	result, err := tokenizer.Apply(normalized, entities, s.reg, s.tokens, s.rawSessionID, s.log)
	if err != nil {
		s.auditErrorLocked("tokenize", err)
		if err == errs.ErrLeakageDetected {
			// Internal invariant violation: fail closed per spec rather
			// than return the original text or a partially-masked one.
			return RedactResult{Redacted: redactionFailedMarker}, err
		}
		return RedactResult{}, err
	}

	for _, a := range result.Assignments {
		s.convo.Observe(a.Token, a.Span.Type, mentionMetadata(a))
	}
	s.convo.AdvanceTurn()

	tokensCreated := countUniqueTokens(result.Assignments)
	elapsed := time.Since(start)
	s.metrics.RecordRedactLatency(elapsed)

	if _, err := s.audit.Log(audit.EventPHIRedacted, map[string]any{
		"span_count":     len(spans),
		"tokens_created": tokensCreated,
	}); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log redact: %v", err)
	}

	return RedactResult{
		Redacted:        result.Text,
		Spans:           spans,
		TokensCreated:   tokensCreated,
		NeedsReview:     s.reg.GetReviewQueue(),
		ProcessingMS:    float64(elapsed.Microseconds()) / 1000.0,
		InputHash:       inputHash,
		NormalizedInput: normalized,
	}, nil
}

// DetectForVisual runs detection and pipeline post-processing only — no
// resolution, registration, or tokenization — for callers that need spans
// to drive downstream image/PDF redaction.
func (s *Session) DetectForVisual(ctx context.Context, text string) ([]span.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	if len(text) == 0 {
		return nil, nil
	}

	normalized := normalize.Text(text, normalize.DefaultOptions())
	knownOrch, _ := s.knownEntitiesLocked()
	spans, err := s.orch.Detect(ctx, normalized, knownOrch)
	if err != nil {
		return nil, err
	}
	spans = pipeline.Merge(spans, s.cfg.RepeatMinConfidence)
	spans = pipeline.ExpandRepeats(normalized, spans, s.cfg.RepeatMinConfidence, s.cfg.RepeatConfidenceDecay, s.cfg.MaxExpansionsPerValue)
	spans = pipeline.ResolveCoref(normalized, spans, s.corefOpts)
	spans = pipeline.ApplySafeHarbor(spans)
	return s.allowlist.Filter(spans), nil
}

// Restore replaces tokens in text per mode, falling back to the session's
// default privacy mode when mode is "".
func (s *Session) Restore(text string, mode PrivacyMode) (RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return RestoreResult{}, err
	}
	s.lastActivity = time.Now()

	if mode == "" {
		mode = s.privacyMode
	}

	start := time.Now()
	var out RestoreResult
	switch mode {
	case ModeRedacted:
		out = RestoreResult{Restored: text, TokensFound: restorer.ExtractTokens(text)}
	case ModeSafeHarbor:
		r := restorer.Restore(text, s.tokens, restorer.ModeSafeHarbor)
		out = RestoreResult{Restored: r.Restored, TokensFound: r.TokensFound, TokensUnknown: r.TokensUnknown}
	default: // ModeResearch
		r := restorer.Restore(text, s.tokens, restorer.ModeOriginal)
		out = RestoreResult{Restored: r.Restored, TokensFound: r.TokensFound, TokensUnknown: r.TokensUnknown}
	}
	s.metrics.RecordRestoreLatency(time.Since(start))

	if _, err := s.audit.Log(audit.EventPHIRestored, map[string]any{
		"mode":           string(mode),
		"tokens_found":   len(out.TokensFound),
		"tokens_unknown": len(out.TokensUnknown),
	}); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log restore: %v", err)
	}
	return out, nil
}

// GetTokens returns every token currently in the vault.
func (s *Session) GetTokens() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.tokens.ListTokens(), nil
}

// DeleteToken removes a token's stored entry. Reports false if the token
// didn't exist.
func (s *Session) DeleteToken(token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return false, err
	}
	return s.tokens.Delete(token), nil
}

// GetPendingReviews returns merge candidates awaiting a human decision.
func (s *Session) GetPendingReviews() ([]registry.MergeCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.reg.GetReviewQueue(), nil
}

// ApproveReview merges candidateID into targetID, per an operator's
// decision on a flagged merge.
func (s *Session) ApproveReview(candidateID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if !s.reg.ApproveMerge(candidateID, targetID) {
		return errs.ErrUnknownMergeSession
	}
	if _, err := s.audit.Log(audit.EventReviewApproved, map[string]any{"candidate": candidateID, "target": targetID}); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log review approval: %v", err)
	}
	return nil
}

// RejectReview declines a flagged merge, keeping candidateID a distinct
// entity from targetID.
func (s *Session) RejectReview(candidateID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if !s.reg.RejectMerge(candidateID, targetID) {
		return errs.ErrUnknownMergeSession
	}
	if _, err := s.audit.Log(audit.EventReviewRejected, map[string]any{"candidate": candidateID, "target": targetID}); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log review rejection: %v", err)
	}
	return nil
}

// VerifyAuditChain recomputes and checks the audit hash chain end to end.
func (s *Session) VerifyAuditChain() (audit.VerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return audit.VerifyResult{}, err
	}
	return s.audit.VerifyChain()
}

// GetAuditEntries returns up to limit of the most recent audit entries.
func (s *Session) GetAuditEntries(limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.audit.GetEntries(limit)
}

// Metrics returns a point-in-time snapshot of operational counters.
func (s *Session) Metrics() metrics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Snapshot()
}

// knownEntitiesLocked builds the known-entity pre-pass inputs for both the
// orchestrator (token-keyed) and the resolver (entity_id-keyed) from the
// registry's current state — must be called with s.mu held.
func (s *Session) knownEntitiesLocked() ([]orchestrator.KnownEntity, []resolver.KnownEntity) {
	exported := s.reg.ExportKnownEntities()
	orch := make([]orchestrator.KnownEntity, 0, len(exported))
	res := make([]resolver.KnownEntity, 0, len(exported))
	for id, pair := range exported {
		value, entityType := pair[0], span.EntityType(pair[1])
		res = append(res, resolver.KnownEntity{ID: id, CanonicalValue: value, EntityType: entityType})
		if token, ok := s.tokens.LookupByNormalizedValue(value, entityType); ok {
			orch = append(orch, orchestrator.KnownEntity{Token: token, Value: value, Type: entityType})
		}
	}
	return orch, res
}

func (s *Session) auditErrorLocked(stage string, cause error) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Log(audit.EventError, map[string]any{"stage": stage, "error": cause.Error()}); err != nil {
		s.log.Warnf("audit_log_failed", "failed to log error event: %v", err)
	}
}

// mentionMetadata extracts the non-PHI fields convctx is allowed to retain
// from one tokenizer assignment. The entity surface itself never goes in.
func mentionMetadata(a tokenizer.Assignment) map[string]string {
	return map[string]string{"entity_id": a.EntityID}
}

func countUniqueTokens(assignments []tokenizer.Assignment) int {
	seen := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		seen[a.Token] = true
	}
	return len(seen)
}

func newRawSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing indicates a broken platform RNG; a
		// non-cryptographic fallback based on time is acceptable here
		// because this id is hashed before any persistent use (audit.New)
		// and never used as key material.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
