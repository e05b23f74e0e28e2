package password

import "errors"

var (
	// ErrPasswordTooShort and ErrPasswordTooLong report a length outside Policy bounds.
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	// ErrWeakPassword marks passwords refused by Policy.RejectVeryWeak.
	ErrWeakPassword = errors.New("weak password")
	// ErrInvalidHash is returned for malformed or unsupported stored hashes,
	// and for plaintext records when plaintext is not allowed.
	ErrInvalidHash = errors.New("invalid password hash")
)
