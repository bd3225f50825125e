package protocol

import "time"

// MicAnnounce is published by an edge microphone when it comes online.
type MicAnnounce struct {
	MicID      string    `json:"mic_id"`
	Name       string    `json:"name,omitempty"`
	MIMEType   string    `json:"mime_type,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MicHeartbeat keeps an announced microphone marked healthy.
type MicHeartbeat struct {
	MicID     string    `json:"mic_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectMicAnnounce        = "ctrl.mic.announce"
	SubjectMicHeartbeatPrefix = "ctrl.mic.heartbeat"
)

// AudioSubject is where microphone micID publishes its frames.
func AudioSubject(micID string) string {
	return SubjectAudioFramePrefix + "." + micID
}
