package normalize

import "testing"

func TestText_EmptyReturnsEmpty(t *testing.T) {
	if got := Text("", DefaultOptions()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestText_NFKCCompatibilityComposition(t *testing.T) {
	got := Text("ﬁ", DefaultOptions()) // ﬁ ligature
	if got != "fi" {
		t.Errorf("expected NFKC to decompose the fi ligature, got %q", got)
	}
}

func TestText_StripsZeroWidthSpace(t *testing.T) {
	got := Text("SS​N: 123", DefaultOptions())
	if got != "SSN: 123" {
		t.Errorf("expected zero-width space stripped, got %q", got)
	}
}

func TestText_StripsBidiOverride(t *testing.T) {
	got := Text("abc‮def", DefaultOptions())
	if got != "abcdef" {
		t.Errorf("expected bidi override stripped, got %q", got)
	}
}

func TestText_FoldsHomoglyphs(t *testing.T) {
	got := Text("АВС", DefaultOptions()) // Cyrillic lookalikes of A, B, C
	if got != "ABC" {
		t.Errorf("expected Cyrillic homoglyphs folded to ABC, got %q", got)
	}
}

func TestText_FoldsFullwidthDigits(t *testing.T) {
	got := Text("１２３", DefaultOptions()) // fullwidth 123
	if got != "123" {
		t.Errorf("expected fullwidth digits folded, got %q", got)
	}
}

func TestText_FixesOCRInSSNLikeSequence(t *testing.T) {
	got := Text("l23-45-6789", DefaultOptions())
	if got != "123-45-6789" {
		t.Errorf("expected OCR correction in SSN-like sequence, got %q", got)
	}
}

func TestText_DoesNotCorruptOrdinaryWords(t *testing.T) {
	got := Text("slide show", DefaultOptions())
	if got != "slide show" {
		t.Errorf("OCR correction should not touch ordinary words, got %q", got)
	}
}

func TestText_OptOutOfOCR(t *testing.T) {
	opts := DefaultOptions()
	opts.FixOCR = false
	got := Text("l23-45-6789", opts)
	if got != "l23-45-6789" {
		t.Errorf("expected OCR correction disabled, got %q", got)
	}
}

func TestText_OptOutOfBidiFallsBackToZeroWidthOnly(t *testing.T) {
	opts := DefaultOptions()
	opts.StripBidi = false
	got := Text("a​b‮c", opts)
	if got != "ab‮c" {
		t.Errorf("expected zero-width stripped but bidi override kept, got %q", got)
	}
}

func TestIsBinary_NullByteDetected(t *testing.T) {
	if !IsBinary([]byte("abc\x00def"), 0) {
		t.Error("expected null byte to mark data as binary")
	}
}

func TestIsBinary_PlainTextNotBinary(t *testing.T) {
	if IsBinary([]byte("just some plain ASCII text"), 0) {
		t.Error("expected plain text to not be binary")
	}
}

func TestIsBinary_EmptyIsNotBinary(t *testing.T) {
	if IsBinary(nil, 0) {
		t.Error("expected empty data to not be binary")
	}
}

func TestIsBinary_InvalidUTF8RatioDetected(t *testing.T) {
	data := []byte{0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87}
	if !IsBinary(data, 0) {
		t.Error("expected mostly-invalid UTF-8 to be detected as binary")
	}
}

func TestSafeDecode_ReplacesInvalidSequences(t *testing.T) {
	got := SafeDecode([]byte{'a', 0xff, 'b'})
	want := "a" + string(rune(0xfffd)) + "b"
	if got != want {
		t.Errorf("expected invalid byte replaced with U+FFFD, got %q", got)
	}
}

func TestSafeDecode_ValidUTF8Unchanged(t *testing.T) {
	if got := SafeDecode([]byte("hello")); got != "hello" {
		t.Errorf("expected unchanged valid UTF-8, got %q", got)
	}
}
