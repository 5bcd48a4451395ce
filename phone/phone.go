// Package phone normalizes raw phone strings into a canonical digit form and
// decides whether two numbers denote the same subscriber. It is the shared
// contract between call correlation and the order-lookup layer: both must
// match billing records and caller IDs identically.
package phone

import "strings"

// countryPrefixes are the international calling codes stripped during
// normalization, checked in this exact priority order. Only the first prefix
// that matches and still leaves more than 10 digits is removed.
var countryPrefixes = []string{"1", "44", "49", "33", "39", "34", "31", "98", "359"}

// Normalize reduces a raw phone string to its canonical digit form: strip
// non-digits, drop a leading "00" or a single leading "0", remove at most one
// international calling-code prefix from long numbers, and keep the last 10
// digits. Short numbers are returned whole.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	} else if strings.HasPrefix(digits, "0") {
		digits = digits[1:]
	}

	// At most one calling-code prefix is removed, and only while the number
	// is still longer than a national significant number.
	for _, prefix := range countryPrefixes {
		if strings.HasPrefix(digits, prefix) && len(digits) > 10 {
			digits = digits[len(prefix):]
			break
		}
	}

	if len(digits) >= 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// Match reports whether two raw phone strings denote the same subscriber.
// After normalizing both, they match if either is a substring of the other,
// or if both carry at least 9 digits and their last 9 digits are equal
// (tolerates country-code and trunk-prefix differences).
func Match(a, b string) bool {
	na := Normalize(a)
	nb := Normalize(b)
	if na == "" || nb == "" {
		return false
	}

	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}

	if len(na) >= 9 && len(nb) >= 9 && na[len(na)-9:] == nb[len(nb)-9:] {
		return true
	}

	return false
}
