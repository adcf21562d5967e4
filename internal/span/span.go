// Package span defines the data model shared by every detection and
// resolution stage: Span, Mention, Entity, Tier, and the supporting enums.
//
// Types here carry detected text (Span.Text, Entity.CanonicalValue) and are
// therefore never logged directly — callers log counts and type names only.
package span

// EntityType identifies the category of a detected identifier. Values
// mirror the HIPAA Safe Harbor identifier list plus the additional
// categories the detector framework recognizes (financial, government,
// network, etc.).
type EntityType string

// Recognized entity types. Name subtypes carry a role so the registry can
// tell a patient from a provider from a relative at the same confidence.
const (
	TypeNamePatient  EntityType = "NAME_PATIENT"
	TypeNameProvider EntityType = "NAME_PROVIDER"
	TypeNameRelative EntityType = "NAME_RELATIVE"
	TypeName         EntityType = "NAME"

	TypeDate      EntityType = "DATE"
	TypeDateDOB   EntityType = "DATE_DOB"
	TypeDateRange EntityType = "DATE_RANGE"
	TypeBirthYear EntityType = "BIRTH_YEAR"
	TypeAge       EntityType = "AGE"

	TypeAddress EntityType = "ADDRESS"
	TypeZIP     EntityType = "ZIP"
	TypePhone   EntityType = "PHONE"
	TypeEmail   EntityType = "EMAIL"
	TypeURL     EntityType = "URL"
	TypeIP      EntityType = "IP"
	TypeMAC     EntityType = "MAC"

	TypeSSN       EntityType = "SSN"
	TypeMRN       EntityType = "MRN"
	TypeNPI       EntityType = "NPI"
	TypeDEA       EntityType = "DEA"
	TypeAccount   EntityType = "ACCOUNT"
	TypeCreditCard EntityType = "CREDIT_CARD"
	TypeIBAN      EntityType = "IBAN"
	TypeABA       EntityType = "ABA"
	TypeVIN       EntityType = "VIN"

	TypeOrg EntityType = "ORG"
)

// Tier identifies which detector family produced a span, used by the
// orchestrator's dedup and confidence calibration and by the merger's
// tie-break between overlapping spans.
type Tier string

const (
	TierChecksum   Tier = "checksum"
	TierPattern    Tier = "pattern"
	TierStructured Tier = "structured"
	TierDictionary Tier = "dictionary"
	TierML         Tier = "ml"
)

// Span is one detected occurrence of an identifier in normalized text.
// Start/End are byte offsets into the normalized text, End exclusive.
type Span struct {
	Start      int
	End        int
	Text       string
	Type       EntityType
	Confidence float64
	Detector   string
	Tier       Tier

	// CorefAnchorValue, when non-empty, names the exact-match anchor value
	// this span was expanded from (repeat expansion) or resolved from
	// (coreference) — the tokenizer uses it to keep expanded/resolved spans
	// on the same token as their anchor.
	CorefAnchorValue string

	// SafeHarborValue, when non-nil, is the HIPAA Safe Harbor generalized
	// replacement value (year-only date, "90+" age, 3-digit ZIP). Spans of
	// types the Safe Harbor Transform does not touch leave this nil.
	SafeHarborValue *string

	// SentenceIndex is the 0-based sentence this span falls in, used by the
	// coreference resolver's sentence-gap decay and the entity registry's
	// sentence-distance penalty.
	SentenceIndex int
}

// Mention is a Span annotated with the entity group the Resolver assigned
// it to, before the Entity Registry assigns a durable entity ID.
type Mention struct {
	Span
	GroupID int // resolver-local group index, not a durable identifier
}

// Entity is a resolved identity: one or more Mentions that refer to the
// same real-world person/place/value within a session.
type Entity struct {
	ID             string
	Type           EntityType
	CanonicalValue string
	Mentions       []Mention
	Role           string // inferred role: "patient" | "provider" | "relative" | ""
}

// ReviewItem is a blocked candidate merge awaiting manual approval or
// rejection by an operator, per spec.md's Entity Registry review queue.
type ReviewItem struct {
	ID               string
	Token            string
	Type             EntityType
	Confidence       float64
	Reason           string
	ContextRedacted  string
	SuggestedEntity  string
	CandidateEntity  string
}
