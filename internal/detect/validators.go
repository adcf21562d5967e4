package detect

import "strings"

// invalidSSNArea blocks SSN area numbers the SSA never issued: 000, 666,
// and the 900-999 range, plus group number 00 and serial 0000 are caught by
// the SSNValid digit checks below.
func invalidSSNArea(area string) bool {
	if area == "000" || area == "666" {
		return true
	}
	return area >= "900" && area <= "999"
}

// SSNValid reports whether a 9-digit string is a plausible SSN: no
// all-zero area/group/serial, and the area isn't in the never-issued
// blocklist.
func SSNValid(digits string) bool {
	if len(digits) != 9 {
		return false
	}
	area, group, serial := digits[0:3], digits[3:5], digits[5:9]
	if area == "000" || group == "00" || serial == "0000" {
		return false
	}
	return !invalidSSNArea(area)
}

// invalidPhoneAreas blocks area/exchange codes that are never real
// subscriber numbers (N11 service codes, reserved test ranges).
var invalidPhoneAreas = map[string]bool{
	"000": true, "111": true, "211": true, "311": true, "411": true,
	"511": true, "611": true, "711": true, "811": true, "911": true,
	"555": true,
}

// PhoneAreaValid reports whether a 3-digit US area/exchange code is NOT in
// the invalid blocklist (911, 411, 555, N11 service codes, etc).
func PhoneAreaValid(areaCode string) bool {
	return !invalidPhoneAreas[areaCode]
}

// vinTransliteration maps VIN letters to their check-digit weight values;
// I, O, Q are never valid VIN characters.
var vinTransliteration = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
}

var vinPositionWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// VINValid checks a 17-character VIN's position-9 check digit: weighted
// sum mod 11 using the standard translation table, where a remainder of
// 10 is represented by 'X'.
func VINValid(vin string) bool {
	if len(vin) != 17 {
		return false
	}
	vin = strings.ToUpper(vin)
	sum := 0
	for i := 0; i < 17; i++ {
		v, ok := vinTransliteration[vin[i]]
		if !ok {
			return false
		}
		sum += v * vinPositionWeights[i]
	}
	remainder := sum % 11
	check := vin[8]
	if remainder == 10 {
		return check == 'X'
	}
	return int(check-'0') == remainder
}

// IBANValid implements the ISO 7064 mod-97 checksum: move the first four
// characters to the end, convert letters to numbers (A=10..Z=35), and
// verify the resulting numeral string mod 97 == 1.
func IBANValid(iban string) bool {
	iban = strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		var digits string
		switch {
		case c >= '0' && c <= '9':
			digits = string(c)
		case c >= 'A' && c <= 'Z':
			digits = itoa(int(c-'A') + 10)
		default:
			return false
		}
		for _, d := range digits {
			remainder = (remainder*10 + int(d-'0')) % 97
		}
	}
	return remainder == 1
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

// DEAValid checks a DEA registration number: 2 letters + 6 digits + 1
// check digit. Checksum is (sum of digits at odd positions) +
// 2*(sum of digits at even positions), and the last digit of that total
// must equal the check digit.
func DEAValid(dea string) bool {
	dea = strings.ToUpper(dea)
	if len(dea) != 9 {
		return false
	}
	if dea[0] < 'A' || dea[0] > 'Z' {
		return false
	}
	// Second character is historically a registrant-type letter, but some
	// issued numbers use a digit; accept either, matching real-world data.
	digits := dea[2:]
	for i := 0; i < 7; i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	oddSum := int(digits[0]-'0') + int(digits[2]-'0') + int(digits[4]-'0')
	evenSum := int(digits[1]-'0') + int(digits[3]-'0') + int(digits[5]-'0')
	total := oddSum + 2*evenSum
	checkDigit := int(digits[6] - '0')
	return total%10 == checkDigit
}
