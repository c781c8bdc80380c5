// Package gate mediates entry into the voice agent: it issues share links, redeems
// access tokens under the configured policy, manages the session_id cookie and runs
// the combined expiry cleanup.
//
// Every outcome is a typed result. Storage failures are logged and reported with a
// fixed message; they never surface as raw errors to HTTP callers.
package gate
