package capture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/loqalabs/loqa-menu/internal/natsserver"
	"github.com/loqalabs/loqa-menu/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV encodes samples of a 16 kHz mono 16-bit ramp.
func writeTestWAV(t *testing.T, samples int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := make([]int, samples)
	for i := range data {
		data[i] = (i % 2000) - 1000
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func recordUntilEnded(t *testing.T, c *Controller) *Artifact {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	select {
	case <-c.Ended():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	a, err := c.Stop()
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func TestFileDeviceReplaysWholeFile(t *testing.T) {
	path := writeTestWAV(t, 16000)
	want, err := os.ReadFile(path)
	require.NoError(t, err)

	c := NewController(NewFileDevice(path, 1000), nil, Options{Logger: newLogger()})
	a := recordUntilEnded(t, c)

	assert.Equal(t, want, a.Bytes())
	assert.Equal(t, (len(want)+999)/1000, a.Fragments())

	info, err := a.Probe()
	require.NoError(t, err)
	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	assert.InDelta(t, time.Second.Seconds(), info.Duration.Seconds(), 0.01)
}

func TestFileDeviceRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio, just some text"), 0o644))

	_, err := NewFileDevice(path, 0).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestFileDeviceMissingFile(t *testing.T) {
	_, err := NewFileDevice(filepath.Join(t.TempDir(), "missing.wav"), 0).Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestProbeRejectsNonWAVArtifact(t *testing.T) {
	a := newArtifact("s1", []byte("OggS........"), 1, "audio/ogg", time.Now(), time.Now())
	_, err := a.Probe()
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestExecDeviceCapturesStdout(t *testing.T) {
	dev, err := NewExecDevice("printf hello", 0)
	require.NoError(t, err)

	c := NewController(dev, nil, Options{Logger: newLogger()})
	a := recordUntilEnded(t, c)
	assert.Equal(t, []byte("hello"), a.Bytes())
}

func TestExecDeviceFailureIsDeviceUnavailable(t *testing.T) {
	dev, err := NewExecDevice(`sh -c "echo no capture device >&2; exit 1"`, 0)
	require.NoError(t, err)

	c := NewController(dev, nil, Options{Logger: newLogger()})
	err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Contains(t, err.Error(), "no capture device")
	assert.Equal(t, Idle, c.State())
}

func TestExecDeviceReleaseStopsLongRunningCommand(t *testing.T) {
	dev, err := NewExecDevice(`sh -c "while true; do printf x; sleep 0.01; done"`, 0)
	require.NoError(t, err)

	c := NewController(dev, nil, Options{Logger: newLogger()})
	require.NoError(t, c.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	a, err := c.Stop()
	require.NoError(t, err)
	assert.NotZero(t, a.Size())
	for _, b := range a.Bytes() {
		require.Equal(t, byte('x'), b)
	}
}

func TestNewDeviceTemplatesExecCommand(t *testing.T) {
	cfg := config.CaptureConfig{
		Device:     "exec",
		Command:    `sh -c "printf rate={sample_rate},ch={channels}"`,
		SampleRate: 44100,
		Channels:   2,
	}
	assert.Equal(t, `sh -c "printf rate=44100,ch=2"`, ExpandCommand(cfg))

	dev, err := NewDevice(cfg, nil)
	require.NoError(t, err)
	a := recordUntilEnded(t, NewController(dev, nil, Options{Logger: newLogger()}))
	assert.Equal(t, "rate=44100,ch=2", string(a.Bytes()))
}

func TestNewExecDeviceRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecDevice("   ", 0)
	assert.Error(t, err)
}

func TestBusDeviceCollectsPublishedFrames(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	client := bus.NewFromConn(conn, log)
	t.Cleanup(client.Close)

	const subject = "audio.frame.kitchen"
	c := NewController(NewBusDevice(client, subject), nil, Options{Logger: log})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, conn.Flush())

	var want []byte
	for i := 0; i < 10; i++ {
		chunk := []byte{byte(i), byte(i + 1), byte(i + 2)}
		want = append(want, chunk...)
		require.NoError(t, client.PublishJSON(subject, protocol.AudioFrame{DeviceID: "kitchen", Sequence: i, Data: chunk}))
	}
	require.NoError(t, conn.Flush())

	a, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, want, a.Bytes())
	assert.Equal(t, 10, a.Fragments())
}

func TestBusDeviceSkipsUndecodableFrames(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	client := bus.NewFromConn(conn, log)
	t.Cleanup(client.Close)

	const subject = "audio.frame.hall"
	c := NewController(NewBusDevice(client, subject), nil, Options{Logger: log})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, conn.Flush())

	require.NoError(t, conn.Publish(subject, []byte("{not json")))
	good, _ := json.Marshal(protocol.AudioFrame{DeviceID: "hall", Data: []byte("ok")})
	require.NoError(t, conn.Publish(subject, good))
	require.NoError(t, conn.Flush())

	a, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), a.Bytes())
}

func TestBusDeviceRequiresConnection(t *testing.T) {
	_, err := NewBusDevice(bus.NewFromConn(nil, newLogger()), "audio.frame.x").Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
