package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/eventstore"
	"github.com/loqalabs/loqa-menu/internal/micregistry"
	"github.com/loqalabs/loqa-menu/internal/recommend"
	"github.com/loqalabs/loqa-menu/internal/session"
)

// API exposes the session over HTTP.
type API struct {
	Session  *session.Service
	Playback *capture.PlaybackStore
	Store    *eventstore.Store
	Hub      *Hub
	Mics     *micregistry.Registry
	Metrics  http.Handler
	Ready    func() bool
	Logger   *slog.Logger
}

type artifactView struct {
	SessionID string `json:"session_id"`
	MIMEType  string `json:"mime_type"`
	Bytes     int    `json:"bytes"`
	Fragments int    `json:"fragments"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Playback  string `json:"playback,omitempty"`
	Download  string `json:"download,omitempty"`
	CreatedAt string `json:"created_at"`
}

type recordingView struct {
	State    string        `json:"state"`
	Busy     bool          `json:"busy"`
	Artifact *artifactView `json:"artifact,omitempty"`
}

type outcomeView struct {
	Outcome string            `json:"outcome"`
	Message string            `json:"message"`
	Status  int               `json:"status,omitempty"`
	Result  *recommend.Result `json:"result,omitempty"`
}

type lookupRequest struct {
	Location string `json:"location"`
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}
	mux.HandleFunc("GET /api/recording", a.handleRecording)
	mux.HandleFunc("POST /api/recording/start", a.handleStart)
	mux.HandleFunc("POST /api/recording/stop", a.handleStop)
	mux.HandleFunc("POST /api/lookup", a.handleLookup)
	mux.HandleFunc("GET /api/lookup/last", a.handleLastOutcome)
	if a.Store != nil {
		mux.HandleFunc("GET /api/sessions", a.handleSessions)
		mux.HandleFunc("GET /api/sessions/{id}/events", a.handleSessionEvents)
	}
	if a.Mics != nil {
		mux.HandleFunc("GET /api/microphones", a.handleMicrophones)
		mux.HandleFunc("GET /api/microphones/{id}", a.handleMicrophone)
	}
	if a.Playback != nil {
		mux.Handle("GET /recordings/{id}", a.Playback)
	}
	if a.Hub != nil {
		mux.Handle("GET /ws", a.Hub)
	}
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.Ready == nil || a.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *API) handleRecording(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.recordingView(a.Session.Artifact()))
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.Session.StartRecording(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a.recordingView(nil))
	case errors.Is(err, capture.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, capture.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.logError("start recording failed", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) handleStop(w http.ResponseWriter, _ *http.Request) {
	artifact, err := a.Session.StopRecording()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recordingView(artifact))
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	location, err := readLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome := a.Session.Lookup(r.Context(), location)
	writeJSON(w, outcomeStatus(outcome.Kind), toOutcomeView(outcome))
}

func (a *API) handleLastOutcome(w http.ResponseWriter, _ *http.Request) {
	outcome, ok := a.Session.LastOutcome()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeView(outcome))
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.Store.RecentSessions(r.Context(), limit)
	if err != nil {
		a.logError("list sessions failed", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.Store.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleMicrophones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Mics.List())
}

func (a *API) handleMicrophone(w http.ResponseWriter, r *http.Request) {
	mic, ok := a.Mics.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown microphone"))
		return
	}
	writeJSON(w, http.StatusOK, mic)
}

func (a *API) logError(msg string, err error) {
	if a.Logger != nil {
		a.Logger.Error(msg, slog.String("error", err.Error()))
	}
}

func (a *API) recordingView(artifact *capture.Artifact) recordingView {
	v := recordingView{State: a.Session.State().String(), Busy: a.Session.Busy()}
	if artifact == nil {
		return v
	}
	v.Artifact = &artifactView{
		SessionID: artifact.SessionID(),
		MIMEType:  artifact.MIMEType(),
		Bytes:     artifact.Size(),
		Fragments: artifact.Fragments(),
		ElapsedMS: artifact.Elapsed().Milliseconds(),
		Playback:  artifact.PlaybackRef(),
		CreatedAt: artifact.CreatedAt().UTC().Format(time.RFC3339Nano),
	}
	if ref := artifact.PlaybackRef(); ref != "" {
		v.Artifact.Download = ref + "?download=1"
	}
	return v
}

// readLocation accepts a JSON body, a form body, or a query parameter.
func readLocation(r *http.Request) (string, error) {
	if loc := r.URL.Query().Get("location"); loc != "" {
		return loc, nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req lookupRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return req.Location, nil
	case "application/x-www-form-urlencoded", "multipart/form-data":
		return r.FormValue("location"), nil
	}
	return "", nil
}

func toOutcomeView(o recommend.Outcome) outcomeView {
	return outcomeView{
		Outcome: o.Kind.String(),
		Message: o.Message(),
		Status:  o.Status,
		Result:  o.Result,
	}
}

func outcomeStatus(kind recommend.Kind) int {
	switch kind {
	case recommend.KindSuccess, recommend.KindMessage:
		return http.StatusOK
	case recommend.KindBusy:
		return http.StatusConflict
	case recommend.KindNoArtifact:
		return http.StatusPreconditionFailed
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
