// Package auth issues and checks access tokens and serves the account
// endpoints: register, login, the caller's profile and their friend list.
//
// Tokens are HS256 JWTs carrying the user id, username and role. There are no
// refresh tokens; clients log in again when a token expires.
package auth
