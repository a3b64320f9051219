package sisproone

import "strings"

// NormalizeUPC strips every non-digit character from a scanned barcode.
// Scanners on the shop floor prepend and append control characters depending
// on their keyboard-wedge configuration.
func NormalizeUPC(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidUPCFormat reports whether the code normalizes to a UPC-12 or EAN-13
// digit string.
func ValidUPCFormat(code string) bool {
	n := len(NormalizeUPC(code))
	return n == 12 || n == 13
}

// UPCCheckDigit computes the UPC-A check digit for an 11-digit payload.
// It returns -1 when the payload is not 11 digits.
func UPCCheckDigit(payload string) int {
	payload = NormalizeUPC(payload)
	if len(payload) != 11 {
		return -1
	}
	odd, even := 0, 0
	for i, r := range payload {
		d := int(r - '0')
		if i%2 == 0 {
			odd += d
		} else {
			even += d
		}
	}
	return (10 - (odd*3+even)%10) % 10
}

// UPCMatches compares a scanned code against the order's product UPC after
// normalizing both sides. An order without a product UPC never matches.
func UPCMatches(scanned, expected string) bool {
	if !ValidUPCFormat(scanned) {
		return false
	}
	exp := NormalizeUPC(expected)
	if exp == "" {
		return false
	}
	return NormalizeUPC(scanned) == exp
}
