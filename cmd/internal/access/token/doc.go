// Package token manages access tokens: issuance, validation, usage recording,
// usage statistics and expiry cleanup.
//
// Tokens are random v4 UUIDs returned once to the issuer. Records are keyed by a
// keyed digest of the token (see cmd/security/token); the plaintext is never stored.
//
// Redemption is a single conditional update in every backend: the store matches the
// digest, an unexpired deadline and, when the policy consumes tokens, an unused flag,
// and applies the usage append in the same operation. A miss is classified afterwards
// with a plain read.
package token
