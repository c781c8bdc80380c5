package realtime

import "time"

const (
	// Max bytes per websocket frame read. Recognizer results are small; audio only flows server to client.
	maxFrameBytes = 32 << 10

	// Max transcript characters accepted in one recognizer result.
	maxTranscriptChars = 2000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Interim results arrive several times a second while the user talks.
	rateLimitEvents = 300
	rateLimitWindow = 10 * time.Second
)
