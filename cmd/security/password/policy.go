package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks password policy. Length is counted in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password":     {},
	"password1":    {},
	"password123":  {},
	"12345678":     {},
	"123456789":    {},
	"qwerty123":    {},
	"11111111":     {},
	"iloveyou":     {},
	"jesus123":     {},
	"jesuslovesme": {},
	"blessed1":     {},
	"faith123":     {},
}

func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame := true
	onlyDigits := true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	if allSame {
		return true
	}
	if onlyDigits && utf8.RuneCountInString(s) < 12 {
		return true
	}

	_, trivial := trivialPasswords[strings.ToLower(s)]
	return trivial
}
