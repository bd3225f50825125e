package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/protocol"
	"github.com/nats-io/nats.go"
)

const busDrainTimeout = 2 * time.Second

// BusDevice captures audio frames that an edge microphone publishes on a
// NATS subject. NATS invokes a subscription's handler sequentially, so
// frames are forwarded in arrival order.
type BusDevice struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger
}

func NewBusDevice(busClient *bus.Client, subject string) *BusDevice {
	return &BusDevice{
		bus:     busClient,
		subject: subject,
		log:     busClient.Logger().With(slog.String("component", "capture.bus")),
	}
}

func (d *BusDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.bus.Healthy() {
		return nil, fmt.Errorf("%w: bus not connected", ErrDeviceUnavailable)
	}
	s := &busStream{frags: make(chan []byte, 64), log: d.log}
	sub, err := d.bus.Conn().Subscribe(d.subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrDeviceUnavailable, d.subject, err)
	}
	s.sub = sub
	return s, nil
}

type busStream struct {
	sub   *nats.Subscription
	frags chan []byte
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *busStream) Fragments() <-chan []byte { return s.frags }

func (s *busStream) handle(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frags <- frame.Data
}

// Release drains frames already queued for the subscription before closing
// the fragment channel.
func (s *busStream) Release() error {
	err := s.sub.Drain()
	deadline := time.Now().Add(busDrainTimeout)
	for err == nil && s.sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.frags)
	}
	s.mu.Unlock()
	return err
}
