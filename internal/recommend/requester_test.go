package recommend

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkDevice struct{ chunks [][]byte }

func (d chunkDevice) Acquire(context.Context) (capture.Stream, error) {
	ch := make(chan []byte, len(d.chunks))
	for _, c := range d.chunks {
		ch <- c
	}
	return &chunkStream{ch: ch}, nil
}

type chunkStream struct{ ch chan []byte }

func (s *chunkStream) Fragments() <-chan []byte { return s.ch }
func (s *chunkStream) Release() error         { close(s.ch); return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recordArtifact(t *testing.T, chunks ...[]byte) *capture.Artifact {
	t.Helper()
	c := capture.NewController(chunkDevice{chunks: chunks}, nil, capture.Options{Logger: testLogger()})
	require.NoError(t, c.Start(context.Background()))
	a, err := c.Stop()
	require.NoError(t, err)
	return a
}

func newTestRequester(baseURL string) *Requester {
	cfg := config.Default().Lookup
	cfg.BaseURL = baseURL
	cfg.TimeoutMS = 5000
	return NewRequester(cfg, nil, testLogger())
}

func TestLookupUploadsMultipartForm(t *testing.T) {
	var seen atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(true)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/menu/speech-to-menu-recommendations", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "Austin, TX", r.FormValue("location"))
		files := r.MultipartForm.File["file"]
		require.Len(t, files, 1)
		assert.Equal(t, "recording.wav", files[0].Filename)
		assert.Equal(t, "audio/wav", files[0].Header.Get("Content-Type"))
		f, err := files[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFFxxxxWAVE", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"query":"x","totalFound":0,"searchLocation":"Austin, TX","recommendations":[]}`)
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("RIFFxxxx"), []byte("WAVE")), "Austin, TX")
	require.True(t, out.OK(), out.Reason)
	assert.True(t, seen.Load())
}

func TestLookupDeclaredJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{
			"query": "spicy noodles",
			"totalFound": 2,
			"searchLocation": "New York, NY",
			"timestamp": "2025-01-01T12:00:00Z",
			"recommendations": [
				{"name": "Dan Dan Mian", "cuisine": "Sichuan", "description": "Chili oil noodles", "menuLink": "https://example.com/dandan", "imageUrl": "https://example.com/dandan.jpg"},
				{"name": "Pad Kee Mao", "cuisine": "Thai", "description": "Drunken noodles", "menuLink": "https://example.com/pkm"}
			]
		}`)
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "")
	require.True(t, out.OK())
	assert.NoError(t, out.Err())
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, &Result{
		Query:          "spicy noodles",
		TotalFound:     2,
		SearchLocation: "New York, NY",
		Timestamp:      "2025-01-01T12:00:00Z",
		Recommendations: []Recommendation{
			{Name: "Dan Dan Mian", Cuisine: "Sichuan", Description: "Chili oil noodles", MenuLink: "https://example.com/dandan", ImageURL: "https://example.com/dandan.jpg"},
			{Name: "Pad Kee Mao", Cuisine: "Thai", Description: "Drunken noodles", MenuLink: "https://example.com/pkm"},
		},
	}, out.Result)
}

func TestLookupRecoversJSONSentAsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, `{"query":"tacos","totalFound":1,"searchLocation":"NY","recommendations":[]}`)
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	require.True(t, out.OK(), out.Reason)
	assert.Equal(t, "tacos", out.Result.Query)
	assert.Equal(t, 1, out.Result.TotalFound)
	assert.Equal(t, "NY", out.Result.SearchLocation)
	assert.Empty(t, out.Result.Recommendations)
}

func TestLookupPlainTextIsMessageVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "no matches found")
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	require.False(t, out.OK())
	assert.Equal(t, KindMessage, out.Kind)
	assert.Equal(t, "no matches found", out.Reason)
	assert.Equal(t, "no matches found", out.Message())
	assert.ErrorIs(t, out.Err(), ErrMessage)
}

func TestLookupServerErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "server overloaded")
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	require.False(t, out.OK())
	assert.Equal(t, KindServerError, out.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.Contains(t, out.Reason, "server overloaded")
	assert.ErrorIs(t, out.Err(), ErrServerError)
	assert.Contains(t, out.Err().Error(), "server overloaded")
}

func TestLookupTransportFaultIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	out := newTestRequester("http://"+addr).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	require.False(t, out.OK())
	assert.Equal(t, KindTransportFault, out.Kind)
	assert.Equal(t, "connection error", out.Reason)
	assert.Equal(t, "connection error", out.Err().Error())
	assert.ErrorIs(t, out.Err(), ErrTransportFault)
	assert.Error(t, out.Cause())
}

func TestLookupTimeoutIsConnectionError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := config.Default().Lookup
	cfg.BaseURL = srv.URL
	r := NewRequester(cfg, &http.Client{Timeout: 50 * time.Millisecond}, testLogger())

	out := r.Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	assert.Equal(t, KindTransportFault, out.Kind)
	assert.Equal(t, "connection error", out.Reason)
}

func TestUpdateAppliesNewTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newTestRequester(srv.URL)
	cfg := config.Default().Lookup
	cfg.BaseURL = srv.URL
	cfg.TimeoutMS = 50
	r.Update(cfg)

	start := time.Now()
	out := r.Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	assert.Equal(t, KindTransportFault, out.Kind)
	assert.ErrorIs(t, out.Cause(), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestOversizedResponseIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(bytes.Repeat([]byte("x"), maxResponseBytes+1))
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	assert.Equal(t, KindMalformedResponse, out.Kind)
	assert.Equal(t, "response too large", out.Reason)
	assert.Equal(t, http.StatusOK, out.Status)
}

func TestOversizedErrorBodyStaysServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(bytes.Repeat([]byte("e"), maxResponseBytes+100))
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "NY")
	assert.Equal(t, KindServerError, out.Kind)
	assert.Len(t, out.Reason, maxResponseBytes)
}

func TestLookupWithoutArtifactSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), nil, "NY")
	assert.Equal(t, KindNoArtifact, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrNoArtifact)
	assert.Zero(t, hits.Load())
}

func TestLookupUsesDefaultLocation(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.FormValue("location")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"recommendations":[]}`)
	}))
	defer srv.Close()

	out := newTestRequester(srv.URL).Lookup(context.Background(), recordArtifact(t, []byte("a")), "  ")
	require.True(t, out.OK())
	assert.Equal(t, "New York, NY", <-got)
}

func TestUpdateSwitchesEndpoint(t *testing.T) {
	newSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"query":"moved","recommendations":[]}`)
	}))
	defer newSrv.Close()

	r := newTestRequester("http://127.0.0.1:1")
	cfg := config.Default().Lookup
	cfg.BaseURL = newSrv.URL + "/"
	cfg.DefaultLocation = "Chicago, IL"
	r.Update(cfg)

	assert.Equal(t, newSrv.URL+"/api/menu/speech-to-menu-recommendations", r.Endpoint())
	assert.Equal(t, "Chicago, IL", r.DefaultLocation())
	out := r.Lookup(context.Background(), recordArtifact(t, []byte("a")), "")
	require.True(t, out.OK(), out.Reason)
	assert.Equal(t, "moved", out.Result.Query)
}
