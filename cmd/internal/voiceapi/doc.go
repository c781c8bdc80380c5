// Package voiceapi serves the chat, speech synthesis and voice listing endpoints used by the agent.
//
// Errors use the flat {"error": "..."} body the agent UI expects, not the gate's coded error shape.
package voiceapi
