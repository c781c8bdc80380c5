// Package v1 defines the voice websocket protocol, version 1.
//
// The package is shared by the server gateway and Go clients so the wire format has one source of truth.
// It depends on the standard library only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = 1

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "voicegate.voice.v1"

// Client -> server types.
const (
	TypeCallToggle        = "call.toggle"
	TypeRecognizerStarted = "recognizer.started"
	TypeRecognizerEnded   = "recognizer.ended"
	TypeRecognizerError   = "recognizer.error"
	TypeRecognizerResult  = "recognizer.result"
	TypePlaybackEnded     = "playback.ended"
	TypeSettingsUpdate    = "settings.update"
	TypeVoicePreview      = "voice.preview"
)

// Server -> client types.
const (
	TypeRecognizerStart   = "recognizer.start"
	TypeRecognizerStop    = "recognizer.stop"
	TypeTranscriptInterim = "transcript.interim"
	TypeTranscriptCommit  = "transcript.commit"
	TypeReplyText         = "reply.text"
	TypeAudioPlay         = "audio.play"
	TypeAudioStop         = "audio.stop"
	TypeAudioPause        = "audio.pause"
	TypeAudioResume       = "audio.resume"
	TypeAudioVolume       = "audio.volume"
	TypeState             = "state"
	TypeError             = "error"
)

var clientTypes = map[string]struct{}{
	TypeCallToggle:        {},
	TypeRecognizerStarted: {},
	TypeRecognizerEnded:   {},
	TypeRecognizerError:   {},
	TypeRecognizerResult:  {},
	TypePlaybackEnded:     {},
	TypeSettingsUpdate:    {},
	TypeVoicePreview:      {},
}

var serverTypes = map[string]struct{}{
	TypeRecognizerStart:   {},
	TypeRecognizerStop:    {},
	TypeTranscriptInterim: {},
	TypeTranscriptCommit:  {},
	TypeReplyText:         {},
	TypeAudioPlay:         {},
	TypeAudioStop:         {},
	TypeAudioPause:        {},
	TypeAudioResume:       {},
	TypeAudioVolume:       {},
	TypeState:             {},
	TypeError:             {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structure shared by both directions.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %d", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	if e.TS.IsZero() {
		return errors.New("missing field: ts")
	}
	if _, ok := clientTypes[e.Type]; ok {
		return nil
	}
	if _, ok := serverTypes[e.Type]; ok {
		return nil
	}
	return fmt.Errorf("unknown type: %q", e.Type)
}

// ValidateFromClient additionally rejects server-only types.
func (e Envelope) ValidateFromClient() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := clientTypes[e.Type]; !ok {
		return fmt.Errorf("type not accepted from client: %q", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst. An absent payload leaves dst untouched.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", e.Type, err)
	}
	return nil
}

// New builds an envelope with a marshalled payload. A nil payload is omitted.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = b
	return env, nil
}
