// Package normalize prepares raw input text for consistent span
// positioning before detection: NFKC normalization, stripping of
// zero-width/bidi-override/control characters that can be used to evade
// detectors, homoglyph folding, and OCR numeric correction scoped to
// numeric-looking windows.
//
// Grounded on scrubiq/pipeline/normalizer.py: same character sets for
// stripping, the same homoglyph table (Cyrillic/Greek/fullwidth → Latin),
// the same OCR numeric regex and character map, and the same
// binary/decode heuristics (IsBinary/SafeDecode).
package normalize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars strips characters that render invisibly and can be used
// to split or hide PII from pattern matching.
var zeroWidthChars = []rune{
	0x0000, // null byte
	0x200b, // zero-width space
	0x200c, // zero-width non-joiner
	0x200d, // zero-width joiner
	0x2060, // word joiner
	0xfeff, // zero-width no-break space (BOM)
	0x180e, // Mongolian vowel separator
}

// bidiControlChars can reorder how text is *displayed* without changing
// its underlying bytes — a visual-spoofing vector.
var bidiControlChars = []rune{
	0x200e, 0x200f, 0x202a, 0x202b, 0x202c, 0x202d, 0x202e,
	0x2066, 0x2067, 0x2068, 0x2069,
}

// otherControlChars are additional invisible/control characters worth
// stripping that are neither zero-width spacing nor bidi controls.
var otherControlChars = []rune{
	0x0008, // backspace
	0x007f, // delete
	0x0085, // next line
	0x00ad, // soft hyphen
	0x2028, // line separator
	0x2029, // paragraph separator
	0x2062, // invisible times
	0x2063, // invisible separator
	0x2064, // invisible plus
	0xfff9, // interlinear annotation anchor
	0xfffa, // interlinear annotation separator
	0xfffb, // interlinear annotation terminator
}

var zeroWidthOnly = runeSet(zeroWidthChars)
var charsToStrip = runeSet(concat(zeroWidthChars, bidiControlChars, otherControlChars))

func concat(sets ...[]rune) []rune {
	var out []rune
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

func runeSet(runes []rune) map[rune]bool {
	m := make(map[rune]bool, len(runes))
	for _, r := range runes {
		m[r] = true
	}
	return m
}

// homoglyphs maps common lookalike characters (Cyrillic/Greek, plus
// fullwidth forms) to their ASCII equivalents, the same table
// scrubiq/pipeline/normalizer.py folds to defeat script-mixing evasion.
var homoglyphs = buildHomoglyphs()

func buildHomoglyphs() map[rune]rune {
	m := map[rune]rune{
		0x0408: 'J', 0x0406: 'I', 0x0405: 'S', 0x0404: 'E',
		0x0410: 'A', 0x0412: 'B', 0x0415: 'E', 0x041a: 'K',
		0x041c: 'M', 0x041d: 'H', 0x041e: 'O', 0x0420: 'P',
		0x0421: 'C', 0x0422: 'T', 0x0425: 'X', 0x0430: 'a',
		0x0435: 'e', 0x0438: 'i', 0x0456: 'i', 0x043e: 'o',
		0x0440: 'p', 0x0441: 'c', 0x0443: 'y', 0x0445: 'x',
		0x0455: 's', 0x0458: 'j',
		0x0391: 'A', 0x0392: 'B', 0x0395: 'E', 0x0396: 'Z',
		0x0397: 'H', 0x0399: 'I', 0x039a: 'K', 0x039c: 'M',
		0x039d: 'N', 0x039f: 'O', 0x03a1: 'P', 0x03a4: 'T',
		0x03a5: 'Y', 0x03a7: 'X', 0x03b1: 'a', 0x03bf: 'o', 0x03b9: 'i',
		0x0131: 'i', 0x0251: 'a', 0x0261: 'g', 0x01c3: '!',
	}
	// Fullwidth forms U+FF01.."U+FF5E map to ASCII '!'..'~'.
	for i := 0; i < 94; i++ {
		m[rune(0xff01+i)] = rune(0x21 + i)
	}
	return m
}

var ocrCharMap = map[rune]rune{
	'l': '1', 'I': '1', 'O': '0', 'o': '0', 'S': '5', 's': '5',
	'B': '8', 'G': '6', 'Z': '2', 'z': '2',
}

// ocrNumericPattern matches sequences that look like they should be
// numeric (SSN/phone/date/MRN/ZIP shapes) even with OCR character errors,
// so OCR correction applies only within them, never to ordinary words.
var ocrNumericPattern = regexp.MustCompile(
	`(?:` +
		`[0-9lIOS]{3}[-.\s][0-9lIOS]{2}[-.\s][0-9lIOS]{4}` + `|` +
		`\(?[0-9lIOSB]{3}\)?[-.\s]?[0-9lIOSB]{3}[-.\s]?[0-9lIOSB]{4}` + `|` +
		`[0-9lIOSB]{1,2}[/.-][0-9lIOSB]{1,2}[/.-][0-9lIOSB]{2,4}` + `|` +
		`[0-9lIOSB]{6,}` + `|` +
		`[0-9lIOSB]{5}(?:[-][0-9lIOSB]{4})?` +
		`)`,
)

// Options controls which normalization steps Text runs.
type Options struct {
	StripZWC      bool
	FixHomoglyphs bool
	StripBidi     bool
	FixOCR        bool
}

// DefaultOptions enables every step, matching the original system's
// default call shape.
func DefaultOptions() Options {
	return Options{StripZWC: true, FixHomoglyphs: true, StripBidi: true, FixOCR: true}
}

// Text normalizes input for detection: NFKC, then (in order) control-
// character stripping, homoglyph folding, and OCR numeric correction.
func Text(input string, opts Options) string {
	if input == "" {
		return input
	}

	out := norm.NFKC.String(input)

	// Strip control chars including RTL overrides before anything else,
	// so later steps can't be evaded by characters hidden behind them.
	if opts.StripBidi {
		out = stripChars(out, charsToStrip)
	} else if opts.StripZWC {
		out = stripChars(out, zeroWidthOnly)
	}

	if opts.FixHomoglyphs {
		out = foldHomoglyphs(out)
	}
	if opts.FixOCR {
		out = fixOCRNumerics(out)
	}
	return out
}

func stripChars(s string, set map[rune]bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !set[r] {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func foldHomoglyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if replacement, ok := homoglyphs[r]; ok {
			b.WriteRune(replacement)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fixOCRNumerics(s string) string {
	return ocrNumericPattern.ReplaceAllStringFunc(s, func(match string) string {
		var b strings.Builder
		b.Grow(len(match))
		for _, r := range match {
			if replacement, ok := ocrCharMap[r]; ok {
				b.WriteRune(replacement)
			} else {
				b.WriteRune(r)
			}
		}
		return b.String()
	})
}

// IsBinary reports whether data looks like binary rather than text, using
// null-byte detection and a non-printable-character ratio over a sample.
func IsBinary(data []byte, sampleSize int) bool {
	if sampleSize <= 0 || sampleSize > len(data) {
		sampleSize = len(data)
	}
	sample := data[:sampleSize]
	if len(sample) == 0 {
		return false
	}
	for _, b := range sample {
		if b == 0 {
			return true
		}
	}

	text := strings.ToValidUTF8(string(sample), "")
	if float64(len(text)) < float64(len(sample))*0.5 {
		return true
	}
	if len(text) == 0 {
		return false
	}

	nonPrintable := 0
	total := 0
	for _, r := range text {
		total++
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			nonPrintable++
		}
	}
	return total > 0 && float64(nonPrintable)/float64(total) > 0.3
}

// SafeDecode decodes data as UTF-8, replacing invalid sequences with
// U+FFFD rather than erroring.
func SafeDecode(data []byte) string {
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}
