// Package session manages user sessions created by token redemption.
//
// A session id is an opaque random bearer value carried in the session_id cookie.
// Validation refreshes lastAccessedAt on success and deletes the record when it is
// found expired, so an expired id never validates twice.
package session
