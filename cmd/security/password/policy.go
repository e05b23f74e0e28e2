package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var trivialPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {},
	"123456": {}, "12345678": {}, "123456789": {}, "11111111": {},
	"qwerty": {}, "qwerty123": {}, "letmein": {}, "iloveyou": {},
	"whisper": {}, "whisper123": {},
}

// Validate checks password policy. It does not mutate input.
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

// ValidateFor applies Validate and, with RejectVeryWeak, also refuses a
// password that is just the username.
func (c Config) ValidateFor(username, password string) error {
	if err := c.Validate(password); err != nil {
		return err
	}
	if c.Policy.RejectVeryWeak && username != "" &&
		strings.EqualFold(strings.TrimSpace(username), strings.TrimSpace(password)) {
		return ErrWeakPassword
	}
	return nil
}

func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivialPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	// PIN-like.
	onlyDigits := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
	return onlyDigits && utf8.RuneCountInString(s) < 12
}
