// Package agent holds the pieces of the console voice agent: an HTTP client for a running server,
// a recognizer that reads utterances from a terminal, and a player that only keeps time.
package agent
