// Package chat turns a user utterance into a short spoken-style reply.
//
// A Service asks a model-backed Responder first. When none is configured, or the model call fails, or it
// returns nothing, the keyword Fallback answers instead, so a reply is always produced.
package chat
