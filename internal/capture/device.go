// Package capture owns the microphone session lifecycle: it acquires an input
// device, buffers the fragments the device streams, and finalizes them into an
// immutable Artifact with a playback reference.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable reports that the input device could not be acquired
	// (permission denied, no hardware, broken command).
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrAlreadyRecording is returned by Start while a session is live.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotWAV is returned by Probe when the artifact is not a RIFF/WAVE file.
	ErrNotWAV = errors.New("artifact is not a wav file")
)

// Device hands out exclusive capture streams.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is a live capture. Fragments are delivered in arrival order on the
// channel returned by Fragments. After Release the stream must flush what it
// has already produced and then close the channel; the channel is also closed
// when the source ends on its own.
type Stream interface {
	Fragments() <-chan []byte
	Release() error
}
