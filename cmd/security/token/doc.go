// Package token provides the hashing primitives used to key access tokens at rest.
//
// Plaintext access tokens are handed to the issuer once and never persisted. Stores look
// records up by a keyed digest:
//   - With a secret configured, each purpose gets its own HMAC-SHA256 key derived with HKDF,
//     so the lookup digest and the session back-reference are not interchangeable.
//   - Without a secret (development only) the digest falls back to SHA-256.
//
// Output is always 64 lowercase hex characters.
package token
