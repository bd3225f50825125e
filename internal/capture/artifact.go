package capture

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

// Artifact is a finalized recording. Its bytes never change after creation.
type Artifact struct {
	sessionID string
	data      []byte
	mimeType  string
	ref       string
	fragments int
	startedAt time.Time
	createdAt time.Time
}

// WAVInfo describes the audio format of a WAV artifact.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

func newArtifact(sessionID string, data []byte, fragments int, mimeType string, startedAt, createdAt time.Time) *Artifact {
	return &Artifact{
		sessionID: sessionID,
		data:      data,
		mimeType:  mimeType,
		fragments: fragments,
		startedAt: startedAt,
		createdAt: createdAt,
	}
}

func (a *Artifact) SessionID() string { return a.sessionID }
func (a *Artifact) MIMEType() string  { return a.mimeType }
func (a *Artifact) Size() int         { return len(a.data) }
func (a *Artifact) Fragments() int    { return a.fragments }

// PlaybackRef is the handle published for this artifact, or "" when none.
func (a *Artifact) PlaybackRef() string { return a.ref }

// CreatedAt is when the recording was finalized.
func (a *Artifact) CreatedAt() time.Time { return a.createdAt }

// Elapsed is the wall-clock capture time.
func (a *Artifact) Elapsed() time.Duration { return a.createdAt.Sub(a.startedAt) }

// Bytes returns a copy of the recording.
func (a *Artifact) Bytes() []byte {
	return append([]byte(nil), a.data...)
}

// Reader returns a fresh read-only view of the recording.
func (a *Artifact) Reader() *bytes.Reader {
	return bytes.NewReader(a.data)
}

// Probe reads the WAV header. Streaming recorders write a placeholder data
// length, so the duration is derived from the bytes actually captured.
func (a *Artifact) Probe() (WAVInfo, error) {
	dec := wav.NewDecoder(a.Reader())
	if !dec.IsValidFile() {
		return WAVInfo{}, ErrNotWAV
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WAVInfo{}, fmt.Errorf("read wav header: %w", err)
	}
	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if dec.AvgBytesPerSec > 0 {
		const headerSize = 44
		pcm := len(a.data) - headerSize
		if pcm > 0 {
			info.Duration = time.Duration(float64(pcm) / float64(dec.AvgBytesPerSec) * float64(time.Second))
		}
	}
	return info, nil
}
