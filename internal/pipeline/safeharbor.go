package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"scrubiq/internal/span"
)

// hipaaZeroPrefixes are 3-digit ZIP prefixes with 2000-Census population
// under 20,000; per 45 CFR §164.514(b)(2)(i)(B) these must read "000"
// rather than the true prefix — ported 1:1 from scrubiq/pipeline/
// safe_harbor.py's HIPAA_ZERO_PREFIXES.
var hipaaZeroPrefixes = map[string]bool{
	"036": true, "059": true, "063": true, "102": true, "203": true,
	"556": true, "692": true, "790": true, "821": true, "823": true,
	"830": true, "831": true, "878": true, "879": true, "884": true,
	"890": true, "893": true,
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-](\d{4})`), // MM/DD/YYYY or MM-DD-YYYY
	regexp.MustCompile(`(\d{4})-\d{1,2}-\d{1,2}`),        // ISO: YYYY-MM-DD
	regexp.MustCompile(`[A-Za-z]+\s+\d{1,2},?\s+(\d{4})`), // Month DD, YYYY
	regexp.MustCompile(`\d{1,2}\s+[A-Za-z]+\s+(\d{4})`),   // DD Month YYYY
	regexp.MustCompile(`\b(\d{4})\b`),                     // bare year, tried last
}

// ExtractYear pulls a 4-digit year out of a date string for the Safe
// Harbor date transform. Returns "" if no recognizable year is present.
func ExtractYear(dateStr string) string {
	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(dateStr); m != nil {
			return m[1]
		}
	}
	return ""
}

// GeneralizeAge returns "90+" for ages over 89 per §164.514(b)(2)(i)(C);
// other ages pass through unchanged.
func GeneralizeAge(ageStr string) string {
	digits := extractDigits(ageStr)
	age, err := strconv.Atoi(digits)
	if err != nil {
		return ageStr
	}
	if age > 89 {
		return "90+"
	}
	return ageStr
}

// TruncateZIP returns the 3-digit prefix of a ZIP code, or "000" if that
// prefix is in the HHS low-population blocklist, per
// §164.514(b)(2)(i)(B).
func TruncateZIP(zipStr string) string {
	digits := extractDigits(zipStr)
	if len(digits) < 3 {
		return zipStr
	}
	prefix := digits[:3]
	if hipaaZeroPrefixes[prefix] {
		return "000"
	}
	return prefix
}

func extractDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var dateTypes = map[span.EntityType]bool{
	span.TypeDate: true, span.TypeDateDOB: true, span.TypeDateRange: true, span.TypeBirthYear: true,
}

// ApplySafeHarbor sets SafeHarborValue on every span of a type the HIPAA
// Safe Harbor method generalizes (dates, ages, ZIPs; an age of 89 or under
// keeps its own text as the value, an age over 89 becomes "90+"). All other
// types are left with a nil SafeHarborValue — the tokenizer uses the
// assigned token itself as their Safe Harbor representation, which is
// compliant per §164.514(c). Input spans are not mutated; a new slice is
// returned.
func ApplySafeHarbor(spans []span.Span) []span.Span {
	out := make([]span.Span, len(spans))
	for i, s := range spans {
		out[i] = s
		var value string
		var has bool
		switch {
		case dateTypes[s.Type]:
			if y := ExtractYear(s.Text); y != "" {
				value, has = y, true
			}
		case s.Type == span.TypeAge:
			value, has = GeneralizeAge(s.Text), true
		case s.Type == span.TypeZIP:
			value, has = TruncateZIP(s.Text), true
		}
		if has {
			v := value
			out[i].SafeHarborValue = &v
		}
	}
	return out
}
