// Package session ties one recording controller to the recommendation
// requester and enforces that at most one lookup is in flight.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/protocol"
	"github.com/loqalabs/loqa-menu/internal/recommend"
)

// Looker performs one lookup. *recommend.Requester satisfies it.
type Looker interface {
	Lookup(ctx context.Context, artifact *capture.Artifact, location string) recommend.Outcome
}

// Sink receives lifecycle events in the order they happened.
type Sink interface {
	Deliver(ctx context.Context, evt protocol.Event) error
}

type Service struct {
	ctrl   *capture.Controller
	looker Looker
	sinks  []Sink
	logger *slog.Logger

	busy atomic.Bool

	mu          sync.Mutex
	lastOutcome *recommend.Outcome

	events chan protocol.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, ctrl *capture.Controller, looker Looker, logger *slog.Logger, sinks ...Sink) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		ctrl:   ctrl,
		looker: looker,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "session")),
		events: make(chan protocol.Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	ctrl.OnTransition(s.onTransition)
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// StartRecording begins a new capture, superseding any previous artifact.
func (s *Service) StartRecording(ctx context.Context) error {
	return s.ctrl.Start(ctx)
}

// StopRecording finalizes the live capture. While idle it returns nil, nil.
func (s *Service) StopRecording() (*capture.Artifact, error) {
	return s.ctrl.Stop()
}

func (s *Service) State() capture.State        { return s.ctrl.State() }
func (s *Service) Artifact() *capture.Artifact { return s.ctrl.Artifact() }
func (s *Service) Busy() bool                  { return s.busy.Load() }

// LastOutcome returns the most recent lookup outcome, if any.
func (s *Service) LastOutcome() (recommend.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOutcome == nil {
		return recommend.Outcome{}, false
	}
	return *s.lastOutcome, true
}

// Lookup sends the current artifact for recommendations. A call made while
// another lookup is pending resolves to KindBusy, and a call with nothing
// recorded resolves to KindNoArtifact; neither touches the network.
func (s *Service) Lookup(ctx context.Context, location string) recommend.Outcome {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Info("lookup rejected while another is pending")
		return recommend.Failure(recommend.KindBusy, recommend.ErrBusy.Error())
	}
	defer s.busy.Store(false)

	artifact := s.ctrl.Artifact()
	if artifact == nil {
		s.logger.Info("lookup rejected without a recording")
		return recommend.Failure(recommend.KindNoArtifact, recommend.ErrNoArtifact.Error())
	}

	s.emit(protocol.Event{
		SessionID: artifact.SessionID(),
		Type:      protocol.EventLookupStarted,
		Bytes:     artifact.Size(),
	})
	outcome := s.looker.Lookup(ctx, artifact, location)

	s.mu.Lock()
	s.lastOutcome = &outcome
	s.mu.Unlock()

	evt := protocol.Event{
		SessionID: artifact.SessionID(),
		Type:      protocol.EventLookupFinished,
		Outcome:   outcome.Kind.String(),
	}
	if !outcome.OK() {
		evt.Reason = truncate(outcome.Reason, 200)
	}
	s.emit(evt)
	return outcome
}

// Close abandons any live recording and flushes pending events.
func (s *Service) Close() {
	s.ctrl.Close()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) onTransition(t capture.Transition) {
	evt := protocol.Event{SessionID: t.SessionID, State: t.To.String()}
	switch {
	case t.Err != nil:
		evt.Type = protocol.EventRecordingFailed
		evt.Reason = t.Err.Error()
		if evt.SessionID == "" {
			evt.SessionID = "unstarted"
		}
	case t.To == capture.Recording:
		evt.Type = protocol.EventRecordingStarted
	case t.To == capture.Stopped:
		evt.Type = protocol.EventRecordingStopped
		if t.Artifact != nil {
			evt.Bytes = t.Artifact.Size()
			evt.Playback = t.Artifact.PlaybackRef()
		}
	default:
		// Abandoned sessions carry no id worth recording.
		return
	}
	s.emit(evt)
}

func (s *Service) emit(evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("event queue full, dropping event", slog.String("type", evt.Type))
	}
}

func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.events:
			s.deliver(evt)
		case <-s.ctx.Done():
			for {
				select {
				case evt := <-s.events:
					s.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(evt protocol.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sink := range s.sinks {
		if err := sink.Deliver(ctx, evt); err != nil {
			s.logger.Warn("failed to deliver event",
				slog.String("type", evt.Type),
				slog.String("session_id", evt.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
