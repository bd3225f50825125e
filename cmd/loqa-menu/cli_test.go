package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-menu/internal/recommend"
	"github.com/loqalabs/loqa-menu/internal/runtime"
)

func writeWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           make([]int, 8000),
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newCLIApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"loqa-menu", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runApp(t, "version")
	require.NoError(t, err)
	assert.Equal(t, runtime.Version+"\n", out)
}

func TestLookupCommandUploadsFile(t *testing.T) {
	path := writeWAV(t)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got, _ := io.ReadAll(f)
		if !bytes.Equal(got, want) {
			http.Error(w, "upload differs from file", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"query":"burgers","totalFound":1,"searchLocation":"`+r.FormValue("location")+`","recommendations":[{"name":"Smash Burger","cuisine":"American","description":"Double patty","menuLink":"https://example.com/smash"}]}`)
	}))
	defer srv.Close()

	out, err := runApp(t, "lookup", "--api-url", srv.URL, "--location", "Denver, CO", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `Perfect matches for "burgers"`)
	assert.Contains(t, out, "1. Smash Burger (American)")
	assert.Contains(t, out, "Found 1 recommendation in Denver, CO")
}

func TestLookupCommandJSONFailure(t *testing.T) {
	path := writeWAV(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "no matches found")
	}))
	defer srv.Close()
	t.Setenv("LOQA_MENU_API_URL", srv.URL)

	out, err := runApp(t, "lookup", "--json", path)
	require.ErrorIs(t, err, recommend.ErrMessage)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "message", view["outcome"])
	assert.Equal(t, "no matches found", view["message"])
}

func TestLookupCommandRequiresFile(t *testing.T) {
	_, err := runApp(t, "lookup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WAV file is required")
}

func TestLookupCommandRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("this is not audio at all"), 0o644))
	_, err := runApp(t, "lookup", "--api-url", "http://127.0.0.1:1", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio device unavailable")
}

func TestPrintOutcomeMessage(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcome(&buf, recommend.Failure(recommend.KindMessage, "kitchen closed"), false)
	assert.ErrorIs(t, err, recommend.ErrMessage)
	assert.Equal(t, "Recommendation: kitchen closed\n", buf.String())
}

func TestPrintOutcomeTransportFault(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcome(&buf, recommend.Failure(recommend.KindTransportFault, recommend.ConnectionErrorReason), false)
	require.Error(t, err)
	assert.Equal(t, "connection error", err.Error())
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestRecordCommandKeepsSavedRecording(t *testing.T) {
	in := writeWAV(t)
	want, err := os.ReadFile(in)
	require.NoError(t, err)
	t.Setenv("LOQA_MENU_CAPTURE_DEVICE", "file")
	t.Setenv("LOQA_MENU_CAPTURE_FILE", in)

	outPath := filepath.Join(t.TempDir(), "saved.wav")
	out, err := runApp(t, "record", "--out", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "saved "+outPath)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
