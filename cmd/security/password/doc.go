// Package password hashes and verifies account passwords.
//
// New hashes are Argon2id in the PHC-like form
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>.
// Verify also accepts bcrypt hashes from the legacy users export and, only
// when Legacy.AllowPlaintext is set, unhashed legacy passwords. NeedsRehash
// tells the caller to upgrade those on the next successful login.
//
// Hash strings are untrusted input: verification refuses parameters far
// beyond the configured cost.
package password
