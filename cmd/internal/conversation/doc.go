// Package conversation runs the voice call loop: committed speech goes to the chat backend, the reply
// is synthesized and played, and capture resumes when playback ends.
package conversation
