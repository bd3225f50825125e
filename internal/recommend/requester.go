package recommend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 4 << 20

// Requester performs lookups against one backend. Its endpoint and default
// location can be swapped at runtime with Update.
type Requester struct {
	client   *http.Client
	log      *slog.Logger
	settings atomic.Pointer[config.LookupConfig]

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewRequester builds a requester from the lookup configuration. A nil client
// gets a default one; lookup.timeout_ms is applied per request so Update can
// change it.
func NewRequester(cfg config.LookupConfig, client *http.Client, log *slog.Logger) *Requester {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	r := &Requester{
		client: client,
		log:    log.With(slog.String("component", "recommend")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-menu/recommend"),
	}
	r.Update(cfg)

	meter := otel.Meter("github.com/loqalabs/loqa-menu/recommend")
	var err error
	r.outcomes, err = meter.Int64Counter(
		"loqa_menu.lookup.outcomes",
		metric.WithDescription("Lookup outcomes by kind"),
	)
	if err != nil {
		r.log.Warn("failed to create outcome counter", slog.String("error", err.Error()))
	}
	r.latency, err = meter.Float64Histogram(
		"loqa_menu.lookup.duration",
		metric.WithDescription("Time from upload start to interpreted outcome"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		r.log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
	}
	return r
}

// Update replaces the endpoint settings used by subsequent lookups.
func (r *Requester) Update(cfg config.LookupConfig) {
	if cfg.Filename == "" {
		cfg.Filename = "recording.wav"
	}
	r.settings.Store(&cfg)
}

// Endpoint is the URL the next lookup will post to.
func (r *Requester) Endpoint() string {
	return r.settings.Load().Endpoint()
}

// DefaultLocation is used when a lookup is given an empty location.
func (r *Requester) DefaultLocation() string {
	return r.settings.Load().DefaultLocation
}

// Lookup uploads the artifact with its location and interprets the response.
// It never returns an error; every failure is folded into the Outcome.
func (r *Requester) Lookup(ctx context.Context, artifact *capture.Artifact, location string) Outcome {
	if artifact == nil {
		return Failure(KindNoArtifact, ErrNoArtifact.Error())
	}
	settings := r.settings.Load()
	if strings.TrimSpace(location) == "" {
		location = settings.DefaultLocation
	}
	endpoint := settings.Endpoint()

	ctx, span := r.tracer.Start(ctx, "recommend.lookup", trace.WithAttributes(
		attribute.String("session.id", artifact.SessionID()),
		attribute.String("lookup.location", location),
		attribute.Int("audio.bytes", artifact.Size()),
	))
	defer span.End()
	start := time.Now()

	reqCtx := ctx
	if settings.TimeoutMS > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(settings.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	outcome := r.do(reqCtx, endpoint, settings.Filename, artifact, location)

	kind := attribute.String("outcome", outcome.Kind.String())
	if r.outcomes != nil {
		r.outcomes.Add(ctx, 1, metric.WithAttributes(kind))
	}
	if r.latency != nil {
		r.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(kind))
	}
	span.SetAttributes(kind, attribute.Int("http.status_code", outcome.Status))
	if !outcome.OK() {
		span.SetStatus(codes.Error, outcome.Kind.String())
	}

	attrs := []any{
		slog.String("session_id", artifact.SessionID()),
		slog.String("outcome", outcome.Kind.String()),
		slog.Int("status", outcome.Status),
		slog.Duration("elapsed", time.Since(start)),
	}
	if outcome.OK() {
		r.log.Info("lookup finished", append(attrs, slog.Int("recommendations", len(outcome.Result.Recommendations)))...)
	} else {
		if cause := outcome.Cause(); cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		r.log.Warn("lookup failed", attrs...)
	}
	return outcome
}

func (r *Requester) do(ctx context.Context, endpoint, filename string, artifact *capture.Artifact, location string) Outcome {
	body, contentType, err := encodeUpload(filename, artifact, location)
	if err != nil {
		o := Failure(KindTransportFault, ConnectionErrorReason)
		o.cause = err
		return o
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		o := Failure(KindTransportFault, ConnectionErrorReason)
		o.cause = fmt.Errorf("create request: %w", err)
		return o
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		o := Failure(KindTransportFault, ConnectionErrorReason)
		o.cause = err
		return o
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		o := Failure(KindTransportFault, ConnectionErrorReason)
		o.Status = resp.StatusCode
		o.cause = fmt.Errorf("read response body: %w", err)
		return o
	}
	if len(data) > maxResponseBytes {
		// Error bodies keep their classification; only the text is cut.
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Interpret(resp.StatusCode, resp.Header.Get("Content-Type"), data[:maxResponseBytes])
		}
		o := Failure(KindMalformedResponse, "response too large")
		o.Status = resp.StatusCode
		return o
	}
	return Interpret(resp.StatusCode, resp.Header.Get("Content-Type"), data)
}

// encodeUpload writes the two-part form: the recording under "file" with its
// own MIME type, then the "location" field.
func encodeUpload(filename string, artifact *capture.Artifact, location string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", artifact.MIMEType())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, artifact.Reader()); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	if err := w.WriteField("location", location); err != nil {
		return nil, "", fmt.Errorf("write location field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
