package detect

import (
	"regexp"
	"strconv"
	"strings"

	"scrubiq/internal/span"
)

// BuildDefault assembles the standard detector set: every checksum
// detector, the full pattern list, the structured extractor, an optional
// dictionary detector over dictTerms, and an optional ML detector over
// mlSource. Pass nil for either optional source to omit that detector from
// the returned set.
func BuildDefault(dictTerms []string, mlSource MLSpanSource) []Detector {
	var out []Detector

	if d, err := NewChecksumDetector("checksum_ssn", `\b\d{3}-\d{2}-\d{4}\b`, span.TypeSSN, 0.90, SSNValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_credit_card", `\b(?:\d[ -]?){13,19}\b`, span.TypeCreditCard, 0.90, LuhnValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_vin", `\b[A-HJ-NPR-Z0-9]{17}\b`, span.TypeVIN, 0.90, VINValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_iban", `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`, span.TypeIBAN, 0.90, IBANValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_aba", `\b\d{9}\b`, span.TypeABA, 0.90, ABAValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_npi", `\b\d{10}\b`, span.TypeNPI, 0.90, NPIValid); err == nil {
		out = append(out, d)
	}
	if d, err := NewChecksumDetector("checksum_dea", `\b[A-Z][A-Z0-9]\d{7}\b`, span.TypeDEA, 0.90, DEAValid); err == nil {
		out = append(out, d)
	}

	patterns, _ := NewPatternDetector("pattern", []PatternSpec{
		{Expr: `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, Type: span.TypeEmail, Confidence: 0.95},
		{Expr: `\bhttps?://[^\s<>"']+`, Type: span.TypeURL, Confidence: 0.90},
		{
			Expr: `\b(\(\d{3}\)\s?|\d{3}[-.\s])\d{3}[-.\s]?\d{4}\b`, Type: span.TypePhone, Confidence: 0.70,
			Validate: func(matched string) bool { return PhoneAreaValid(onlyDigits(matched)[:3]) },
		},
		{
			Expr: `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`,
			Type: span.TypeIP, Confidence: 0.80,
		},
		{Expr: `\b[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}\b`, Type: span.TypeMAC, Confidence: 0.85},
		{
			Expr: `\b(0?[1-9]|1[0-2])[/-](0?[1-9]|[12]\d|3[01])[/-](\d{4}|\d{2})\b`,
			Type: span.TypeDate, Confidence: 0.75, Validate: validCalendarDate,
		},
		{
			Expr: `\b\d{1,3}\s?(?:years?[- ]?old|y\.?o\.?)\b`, Type: span.TypeAge, Confidence: 0.70,
			Validate: validAge,
		},
		{Expr: `\b\d{5}(-\d{4})?\b`, Type: span.TypeZIP, Confidence: 0.40},
	})
	if patterns.IsAvailable() {
		out = append(out, patterns)
	}

	structured, err := NewStructuredDetector([]StructuredFieldSpec{
		{Labels: []string{"DOB", "Date of Birth"}, Type: span.TypeDateDOB, ValueExpr: `\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`, Confidence: 0.92},
		{Labels: []string{"MRN", "Medical Record Number", "Medical Record #"}, Type: span.TypeMRN, ValueExpr: `[A-Za-z0-9-]{4,20}`, Confidence: 0.92},
		{Labels: []string{"DLN", "Driver's License", "Driver License Number"}, Type: span.TypeAccount, ValueExpr: `[A-Za-z0-9-]{4,20}`, Confidence: 0.90},
		{Labels: []string{"SSN", "Social Security Number", "Social Security #"}, Type: span.TypeSSN, ValueExpr: `\d{3}-?\d{2}-?\d{4}`, Confidence: 0.95},
		{Labels: []string{"NPI"}, Type: span.TypeNPI, ValueExpr: `\d{10}`, Confidence: 0.92},
		{Labels: []string{"DEA", "DEA Number"}, Type: span.TypeDEA, ValueExpr: `[A-Za-z]{2}\d{7}`, Confidence: 0.92},
		{Labels: []string{"Account", "Account Number", "Acct #"}, Type: span.TypeAccount, ValueExpr: `[A-Za-z0-9-]{4,34}`, Confidence: 0.88},
	})
	if err == nil && structured.IsAvailable() {
		out = append(out, structured)
	}

	if len(dictTerms) > 0 {
		out = append(out, NewDictionaryDetector("dictionary_org", span.TypeOrg, 0.55, dictTerms))
	}

	if mlSource != nil {
		out = append(out, NewMLDetector(mlSource))
	}

	return out
}

var daysInMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeapYear(y int) bool {
	return (y%4 == 0 && y%100 != 0) || y%400 == 0
}

// validCalendarDate parses an M/D/Y (or M-D-Y) string and rejects dates
// outside the real calendar — day 31 in April, Feb 29 in a non-leap year,
// years outside a plausible 1900-2100 range.
func validCalendarDate(matched string) bool {
	sep := "/"
	if strings.Contains(matched, "-") {
		sep = "-"
	}
	parts := strings.Split(matched, sep)
	if len(parts) != 3 {
		return false
	}
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	if year < 100 {
		year += 2000
		if year > 2100 {
			year -= 100
		}
	}
	if year < 1900 || year > 2100 {
		return false
	}
	if month < 1 || month > 12 {
		return false
	}
	maxDay := daysInMonth[month-1]
	if month == 2 && isLeapYear(year) {
		maxDay = 29
	}
	return day >= 1 && day <= maxDay
}

var ageDigitsRe = regexp.MustCompile(`\d{1,3}`)

func validAge(matched string) bool {
	n, err := strconv.Atoi(ageDigitsRe.FindString(matched))
	if err != nil {
		return false
	}
	return n >= 0 && n <= 125
}
