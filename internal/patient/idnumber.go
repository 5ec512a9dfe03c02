package patient

import "strings"

// letterCodes maps the leading region letter of a national ID to its two
// digit code. The codes are not alphabetical past H.
var letterCodes = map[byte]int{
	'A': 10, 'B': 11, 'C': 12, 'D': 13, 'E': 14, 'F': 15, 'G': 16, 'H': 17,
	'I': 34, 'J': 18, 'K': 19, 'L': 20, 'M': 21, 'N': 22, 'O': 35, 'P': 23,
	'Q': 24, 'R': 25, 'S': 26, 'T': 27, 'U': 28, 'V': 29, 'W': 32, 'X': 30,
	'Y': 31, 'Z': 33,
}

// ValidIDNumber reports whether id is a well formed national ID: one upper
// case letter, a gender digit (1 or 2), seven serial digits and a check
// digit that makes the weighted sum divisible by ten.
func ValidIDNumber(id string) bool {
	if len(id) != 10 {
		return false
	}

	code, ok := letterCodes[id[0]]
	if !ok {
		return false
	}
	if id[1] != '1' && id[1] != '2' {
		return false
	}
	for i := 1; i < 10; i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}

	sum := code/10 + (code%10)*9
	for i := 1; i <= 8; i++ {
		sum += int(id[i]-'0') * (9 - i)
	}
	sum += int(id[9] - '0')

	return sum%10 == 0
}

// NormalizeIDNumber trims whitespace and upper-cases the region letter.
func NormalizeIDNumber(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CompleteIDNumber appends the check digit to a nine character prefix
// (letter, gender digit, seven serial digits). It returns false when the
// prefix cannot start a valid ID.
func CompleteIDNumber(prefix string) (string, bool) {
	prefix = NormalizeIDNumber(prefix)
	if len(prefix) != 9 {
		return "", false
	}
	for c := byte('0'); c <= '9'; c++ {
		if id := prefix + string(c); ValidIDNumber(id) {
			return id, true
		}
	}
	return "", false
}
