package protocol

import "time"

// AudioFrame carries one fragment of encoded audio streamed from an edge microphone.
type AudioFrame struct {
	DeviceID string `json:"device_id"`
	Sequence int    `json:"sequence"`
	Data     []byte `json:"data"`
}

// Event is a lifecycle notification about a capture session or lookup.
// It never carries audio bytes or recommendation bodies.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	Playback  string    `json:"playback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectEvents           = "menu.events"
)

const (
	EventRecordingStarted = "recording.started"
	EventRecordingStopped = "recording.stopped"
	EventRecordingFailed  = "recording.failed"
	EventLookupStarted    = "lookup.started"
	EventLookupFinished   = "lookup.finished"
)
