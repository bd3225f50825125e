package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State of the recording controller.
type State int

const (
	Idle State = iota
	Recording
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is delivered to observers after every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Artifact  *Artifact
	Err       error
}

// Options tune a Controller.
type Options struct {
	MIMEType    string
	MaxDuration time.Duration // 0 disables auto-stop
	Logger      *slog.Logger
}

// Controller is the Idle/Recording/Stopped state machine around one device.
// Observers run while the controller lock is held and must not call back
// into the controller.
type Controller struct {
	device      Device
	playback    Playback
	mimeType    string
	maxDuration time.Duration
	log         *slog.Logger
	bytesIn     metric.Int64Counter

	mu        sync.Mutex
	state     State
	session   *captureSession
	artifact  *Artifact
	observers []func(Transition)
}

type captureSession struct {
	id        string
	stream    Stream
	buf       bytes.Buffer
	fragments int
	startedAt time.Time
	done      chan struct{}
	timer     *time.Timer
}

func NewController(device Device, playback Playback, opts Options) *Controller {
	if opts.MIMEType == "" {
		opts.MIMEType = "audio/wav"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		device:      device,
		playback:    playback,
		mimeType:    opts.MIMEType,
		maxDuration: opts.MaxDuration,
		log:         opts.Logger.With(slog.String("component", "capture")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-menu/capture").Int64Counter(
		"loqa_menu.capture.fragment_bytes",
		metric.WithDescription("Audio bytes received from the input device"),
		metric.WithUnit("By"),
	)
	if err != nil {
		c.log.Warn("failed to create capture counter", slog.String("error", err.Error()))
	}
	c.bytesIn = counter
	return c
}

// OnTransition registers fn to observe state changes.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Artifact returns the latest finalized recording, or nil.
func (c *Controller) Artifact() *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// Ended is closed when the live session's stream stops producing fragments,
// either because the source ran dry or because it was released. It returns
// nil when nothing is recording.
func (c *Controller) Ended() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.done
}

// Start acquires the device and begins a new capture session. A failed
// acquisition leaves the controller in its previous state and wraps
// ErrDeviceUnavailable. Starting from Stopped revokes the previous playback
// reference before any new fragment is collected.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Recording {
		return ErrAlreadyRecording
	}

	stream, err := c.device.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		c.log.Warn("capture start failed", slog.String("error", err.Error()))
		c.notify(Transition{From: c.state, To: c.state, Err: err})
		return err
	}

	if c.artifact != nil {
		if ref := c.artifact.ref; ref != "" && c.playback != nil {
			c.playback.Revoke(ref)
		}
		c.artifact = nil
	}

	s := &captureSession{
		id:        uuid.NewString(),
		stream:    stream,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go c.collect(s)
	if c.maxDuration > 0 {
		id := s.id
		s.timer = time.AfterFunc(c.maxDuration, func() { c.autoStop(id) })
	}

	from := c.state
	c.session = s
	c.state = Recording
	c.log.Info("recording started", slog.String("session_id", s.id))
	c.notify(Transition{SessionID: s.id, From: from, To: Recording})
	return nil
}

// Stop finalizes the live session into an Artifact. It is a no-op while Idle
// and returns the existing artifact while Stopped.
func (c *Controller) Stop() (*Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// Close abandons any live session and revokes the current playback
// reference, returning the controller to Idle.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	if s := c.session; s != nil {
		c.release(s)
		c.session = nil
		c.log.Info("recording abandoned", slog.String("session_id", s.id))
	}
	if c.artifact != nil {
		if c.playback != nil && c.artifact.ref != "" {
			c.playback.Revoke(c.artifact.ref)
		}
		c.artifact = nil
	}
	c.state = Idle
	if from != Idle {
		c.notify(Transition{From: from, To: Idle})
	}
}

func (c *Controller) stopLocked() (*Artifact, error) {
	switch c.state {
	case Idle:
		return nil, nil
	case Stopped:
		return c.artifact, nil
	}

	s := c.session
	c.release(s)

	a := newArtifact(s.id, s.buf.Bytes(), s.fragments, c.mimeType, s.startedAt, time.Now())
	if c.playback != nil {
		ref, err := c.playback.Publish(a)
		if err != nil {
			c.log.Warn("failed to publish playback reference", slog.String("error", err.Error()))
		}
		a.ref = ref
	}

	c.session = nil
	c.artifact = a
	c.state = Stopped
	c.log.Info("recording stopped",
		slog.String("session_id", s.id),
		slog.Int("fragments", a.fragments),
		slog.Int("bytes", a.Size()),
		slog.Duration("elapsed", a.Elapsed()))
	c.notify(Transition{SessionID: s.id, From: Recording, To: Stopped, Artifact: a})
	return a, nil
}

// release stops the device and waits for the collector to drain every
// fragment already delivered.
func (c *Controller) release(s *captureSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if err := s.stream.Release(); err != nil {
		c.log.Warn("device release failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
	<-s.done
}

func (c *Controller) autoStop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.id != sessionID {
		return
	}
	c.log.Info("max duration reached, stopping", slog.String("session_id", sessionID))
	_, _ = c.stopLocked()
}

// collect is the only writer of s.buf until s.done is closed.
func (c *Controller) collect(s *captureSession) {
	defer close(s.done)
	for frag := range s.stream.Fragments() {
		if len(frag) == 0 {
			continue
		}
		s.buf.Write(frag)
		s.fragments++
		if c.bytesIn != nil {
			c.bytesIn.Add(context.Background(), int64(len(frag)))
		}
	}
}

func (c *Controller) notify(t Transition) {
	for _, fn := range c.observers {
		fn(t)
	}
}
