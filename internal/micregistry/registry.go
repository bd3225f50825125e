package micregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/loqalabs/loqa-menu/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Mic is an edge microphone seen on the bus.
type Mic struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	MIMEType     string    `json:"mime_type,omitempty"`
	SampleRate   int       `json:"sample_rate,omitempty"`
	Channels     int       `json:"channels,omitempty"`
	AudioSubject string    `json:"audio_subject"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Registry tracks edge microphones from their announce and heartbeat
// messages so the bus capture device has something to listen to.
type Registry struct {
	timeout time.Duration
	log     *slog.Logger
	bus     *bus.Client
	clock   func() time.Time

	mu     sync.RWMutex
	mics   map[string]*Mic
	subs   []*nats.Subscription
	cancel context.CancelFunc
}

func New(ctx context.Context, cfg config.BusConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	timeout := time.Duration(cfg.MicHeartbeatTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		timeout: timeout,
		log:     log.With(slog.String("component", "mic-registry")),
		bus:     busClient,
		clock:   time.Now,
		mics:    make(map[string]*Mic),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectMicAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectMicHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.MicAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.MicID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	mic, ok := r.mics[a.MicID]
	if !ok {
		mic = &Mic{ID: a.MicID, AudioSubject: protocol.AudioSubject(a.MicID)}
		r.mics[a.MicID] = mic
		r.log.Info("microphone announced", slog.String("mic_id", a.MicID), slog.String("name", a.Name))
	}
	mic.Name = a.Name
	mic.MIMEType = a.MIMEType
	mic.SampleRate = a.SampleRate
	mic.Channels = a.Channels
	mic.LastSeen = a.Timestamp
	mic.Healthy = true
}

// handleHeartbeat only refreshes microphones that have announced.
func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.MicHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.MicID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if mic, ok := r.mics[hb.MicID]; ok {
		mic.LastSeen = hb.Timestamp
		mic.Healthy = true
	}
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for _, mic := range r.mics {
		if mic.Healthy && now.Sub(mic.LastSeen) > r.timeout {
			mic.Healthy = false
			r.log.Warn("microphone heartbeat lost", slog.String("mic_id", mic.ID))
		}
	}
}

// List returns every known microphone sorted by id.
func (r *Registry) List() []Mic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mic, 0, len(r.mics))
	for _, mic := range r.mics {
		out = append(out, *mic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id string) (Mic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mic, ok := r.mics[id]
	if !ok {
		return Mic{}, false
	}
	return *mic, true
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-menu/micregistry")
	gauge, err := meter.Int64ObservableGauge("loqa_menu.microphones.healthy",
		metric.WithDescription("Edge microphones with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.healthyCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, mic := range r.mics {
		if mic.Healthy {
			n++
		}
	}
	return n
}
