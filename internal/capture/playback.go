package capture

import (
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Playback turns an artifact into a dereferenceable handle and revokes it
// when the artifact is superseded.
type Playback interface {
	Publish(a *Artifact) (string, error)
	Revoke(ref string)
}

// PlaybackStore keeps artifacts in memory and serves them over HTTP under
// prefix, the server-side analogue of a browser object URL.
type PlaybackStore struct {
	prefix   string
	filename string

	mu    sync.RWMutex
	items map[string]*Artifact
}

// NewPlaybackStore serves artifacts at prefix+id. filename is suggested to
// clients that download the recording.
func NewPlaybackStore(prefix, filename string) *PlaybackStore {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &PlaybackStore{prefix: prefix, filename: filename, items: make(map[string]*Artifact)}
}

func (p *PlaybackStore) Publish(a *Artifact) (string, error) {
	id := ulid.Make().String()
	p.mu.Lock()
	p.items[id] = a
	p.mu.Unlock()
	return p.prefix + id, nil
}

func (p *PlaybackStore) Revoke(ref string) {
	id := strings.TrimPrefix(ref, p.prefix)
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

// Live reports how many references are currently valid.
func (p *PlaybackStore) Live() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Lookup resolves a reference produced by Publish, or its bare id.
func (p *PlaybackStore) Lookup(ref string) (*Artifact, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.items[strings.TrimPrefix(ref, p.prefix)]
	return a, ok
}

// ServeHTTP streams the artifact named by the last path element. Range
// requests are honoured so audio players can seek; ?download=1 switches the
// disposition to an attachment.
func (p *PlaybackStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a, ok := p.Lookup(path.Base(r.URL.Path))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", a.MIMEType())
	disposition := "inline"
	if r.URL.Query().Get("download") != "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, p.filename))
	http.ServeContent(w, r, p.filename, a.CreatedAt(), a.Reader())
}
