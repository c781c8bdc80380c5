package speech

const (
	MsgUnsupported      = "Speech recognition is not supported in this browser"
	MsgMicrophoneFailed = "Failed to access microphone. Please check permissions."
	MsgCreateFailed     = "Failed to create speech recognition instance"
	MsgNotAllowed       = "Microphone access denied. Please allow microphone permissions."
	MsgAudioCapture     = "No microphone found. Please check your microphone."
	MsgNetwork          = "Network error. Please check your internet connection."
)

// ErrorMessage maps a recognizer error code to the message shown to the user.
// An empty message means the error is not surfaced.
func ErrorMessage(code string) string {
	switch code {
	case CodeNotAllowed:
		return MsgNotAllowed
	case CodeAudioCapture:
		return MsgAudioCapture
	case CodeNetwork:
		return MsgNetwork
	case CodeAborted:
		return ""
	default:
		return "Speech recognition error: " + code
	}
}
