// Package restorer implements token restoration: replacing `[TYPE_N]`
// tokens in text with their original or Safe Harbor values.
//
// Grounded 1:1 on scrubiq/pipeline/restorer.py: same token regex, same
// unknown-token masking rationale (never reveal that a token of a given
// type existed, even when its value can't be resolved).
package restorer

import (
	"regexp"
	"strings"

	"scrubiq/internal/span"
	"scrubiq/internal/tokenstore"
)

// tokenPattern matches `[TYPE_N]` where TYPE is uppercase letters/digits/
// underscores and N is a decimal sequence number.
var tokenPattern = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*_\d+)\]`)

// Result is the outcome of one Restore call.
type Result struct {
	Restored      string
	TokensFound   []string
	TokensUnknown []string
}

// Lookup is the token store view the restorer reads: GetEntry returns the
// stored entry for a token (false if the store does not hold that token),
// and Decrypt recovers an entry's original value.
type Lookup interface {
	GetEntry(token string) (tokenstore.Entry, bool)
	Decrypt(entry tokenstore.Entry) (string, error)
}

// Mode selects which value a restored token is replaced with.
type Mode int

const (
	// ModeOriginal replaces each token with its decrypted original value.
	ModeOriginal Mode = iota
	// ModeSafeHarbor replaces each token with its HIPAA Safe Harbor
	// generalized value, or passes the token through unchanged if the
	// entry has none — the tokenizer only ever populates SafeHarbor for
	// the handful of types the Safe Harbor Transform generalizes (DATE,
	// AGE, ZIP); every other type's safe representation is the token
	// itself.
	ModeSafeHarbor
)

// Restore replaces every `[TYPE_N]` token in text with its value from
// store. Tokens unknown to store are masked as "[REDACTED]" rather than
// left as-is or echoing back the type, so a caller who shouldn't see PHI
// can't infer which identifier category was present from an unresolved
// token. A known token with no Safe Harbor value in ModeSafeHarbor is a
// different case — the token itself passes through unchanged, per
// spec.md §4.8.
func Restore(text string, store Lookup, mode Mode) Result {
	var found, unknown []string

	restored := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		token := match

		entry, ok := store.GetEntry(token)
		if !ok {
			unknown = append(unknown, token)
			return "[REDACTED]"
		}

		var value string
		switch mode {
		case ModeSafeHarbor:
			if entry.SafeHarbor == "" {
				found = append(found, token)
				return token
			}
			value = entry.SafeHarbor
		default:
			pt, err := store.Decrypt(entry)
			if err != nil {
				unknown = append(unknown, token)
				return "[REDACTED]"
			}
			value = pt
		}

		found = append(found, token)
		return value
	})

	return Result{Restored: restored, TokensFound: found, TokensUnknown: unknown}
}

// ExtractTokens returns every `[TYPE_N]` token present in text, in order of
// first appearance, without resolving them — used by the Conversation
// Context to track which tokens a turn referenced.
func ExtractTokens(text string) []string {
	matches := tokenPattern.FindAllString(text, -1)
	if matches == nil {
		return nil
	}
	out := make([]string, len(matches))
	copy(out, matches)
	return out
}

// TypeOfToken extracts the EntityType encoded in a token like "[SSN_3]" or
// "[NAME_PATIENT_1]" by stripping the trailing _N sequence number.
func TypeOfToken(token string) (span.EntityType, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(token, "["), "]")
	idx := strings.LastIndex(trimmed, "_")
	if idx < 0 {
		return "", false
	}
	return span.EntityType(trimmed[:idx]), true
}
