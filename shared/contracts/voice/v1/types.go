package v1

// Result is one speech recognition result.
type Result struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

// RecognizerStartPayload asks the client to start its recognizer. Instance identifies the
// recognizer; the client echoes it on every recognizer event.
type RecognizerStartPayload struct {
	Instance       string `json:"instance"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
	Lang           string `json:"lang"`
}

type RecognizerStopPayload struct {
	Instance string `json:"instance"`
}

// RecognizerEventPayload is the payload of recognizer.started and recognizer.ended.
type RecognizerEventPayload struct {
	Instance string `json:"instance,omitempty"`
}

type RecognizerErrorPayload struct {
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code"`
}

type RecognizerResultPayload struct {
	Instance    string   `json:"instance,omitempty"`
	ResultIndex int      `json:"resultIndex"`
	Results     []Result `json:"results"`
}

// SettingsUpdatePayload changes call settings. Absent fields are left unchanged.
type SettingsUpdatePayload struct {
	Muted   *bool    `json:"muted,omitempty"`
	VoiceID *string  `json:"voiceId,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
}

type TranscriptPayload struct {
	Text string `json:"text"`
}

type ReplyPayload struct {
	Text string `json:"text"`
}

// AudioPlayPayload carries a complete clip; Data is base64 on the wire.
type AudioPlayPayload struct {
	Mime string `json:"mime"`
	Data []byte `json:"data"`
}

type AudioVolumePayload struct {
	Volume float64 `json:"volume"`
}

type StatePayload struct {
	CallState     string  `json:"callState"`
	InCall        bool    `json:"inCall"`
	Listening     bool    `json:"listening"`
	Processing    bool    `json:"processing"`
	AudioPlaying  bool    `json:"audioPlaying"`
	Muted         bool    `json:"muted"`
	VoiceID       string  `json:"voiceId"`
	Volume        float64 `json:"volume"`
	SpeechEnabled bool    `json:"speechEnabled"`
	Transcript    string  `json:"transcript,omitempty"`
	Interim       string  `json:"interim,omitempty"`
	Error         string  `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
