// Package idman implements an identity-provider backend: pluggable
// authentication (password, external OAuth identity), session-backed signed
// bearer tokens scoped to consuming services, and the OAuth2 authorization-code
// surface relying services use to obtain and validate those tokens.
//
// The package is organized leaf to root: the token codec signs and verifies
// the wire format, the session stores persist dynamic (expiring) and static
// (standing system-account) sessions, authentication providers turn verified
// credentials into sessions, and the token manager orchestrates issuance,
// translation, and revocation on top of all three.
package idman
