package broadcast

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livebridge/internal/capture"
	"livebridge/internal/config"
	"livebridge/internal/event"
)

type fakeHandle struct {
	mu       sync.Mutex
	starts   int
	stopped  bool
	endpoint string
	key      string
	startErr error

	video      []capture.Sample
	videoTimes []time.Time
	audio      []capture.Sample
	audioTimes []time.Time
	metadata   []string
}

func (h *fakeHandle) Start(endpoint, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.starts++
	h.endpoint = endpoint
	h.key = key
	return nil
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) WriteVideo(sample capture.Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.video = append(h.video, sample)
	h.videoTimes = append(h.videoTimes, time.Now())
	return nil
}

func (h *fakeHandle) WriteAudio(sample capture.Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, sample)
	h.audioTimes = append(h.audioTimes, time.Now())
	return nil
}

func (h *fakeHandle) SendMetadata(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata = append(h.metadata, text)
	return nil
}

func (h *fakeHandle) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

func (h *fakeHandle) audioCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.audio)
}

type fakeFactory struct {
	mu      sync.Mutex
	err     error
	handle  *fakeHandle
	preset  Preset
	onState func(State, error)
	onStats func(Stats)
}

func (f *fakeFactory) build(preset Preset, onState func(State, error), onStats func(Stats)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handle = &fakeHandle{}
	f.preset = preset
	f.onState = onState
	f.onStats = onStats
	return f.handle, nil
}

func (f *fakeFactory) pushState(state State, err error) {
	f.mu.Lock()
	onState := f.onState
	f.mu.Unlock()
	onState(state, err)
}

// stubCamera and stubMic are just enough device to start a capture
// session from the coordinator's side.
type stubCamera struct {
	mu      sync.Mutex
	sink    capture.SampleSink
	pos     capture.Position
	lens    capture.Lens
	profile capture.VideoProfile
}

func (d *stubCamera) ID() string { return "cam0" }
func (d *stubCamera) Label() string { return "stub camera" }
func (d *stubCamera) Lens() capture.Lens { return d.lens }
func (d *stubCamera) Position() capture.Position { return d.pos }
func (d *stubCamera) ZoomRange() capture.Range { return capture.Range{Min: 1, Max: 8} }
func (d *stubCamera) ExposureRange() capture.Range { return capture.Range{Min: -2, Max: 2} }

func (d *stubCamera) Configure(fn func(capture.DeviceConfig) error) error {
	return fn(nopDeviceConfig{})
}

func (d *stubCamera) Open(profile capture.VideoProfile, sink capture.SampleSink) error {
	d.mu.Lock()
	d.profile = profile
	d.sink = sink
	d.mu.Unlock()
	return nil
}

func (d *stubCamera) Close() error { return nil }

func (d *stubCamera) deliver(sample capture.Sample) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(sample)
	}
}

type nopDeviceConfig struct{}

func (nopDeviceConfig) SetZoom(float64) error { return nil }
func (nopDeviceConfig) SetFocusMode(capture.FocusMode) error { return nil }
func (nopDeviceConfig) SetFocusPoint(x, y float64) error { return nil }
func (nopDeviceConfig) SetExposureBias(float64) error { return nil }

type stubMic struct {
	mu   sync.Mutex
	sink capture.SampleSink
}

func (d *stubMic) ID() string { return "mic0" }
func (d *stubMic) Label() string { return "stub microphone" }

func (d *stubMic) Open(latency time.Duration, sink capture.SampleSink) error {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return nil
}

func (d *stubMic) Close() error { return nil }

func (d *stubMic) deliver(sample capture.Sample) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink(sample)
	}
}

type stubProvider struct {
	camera *stubCamera
	mic    *stubMic
}

func (p *stubProvider) DefaultVideoDevice() (capture.VideoDevice, error) { return p.camera, nil }

func (p *stubProvider) VideoDevice(pos capture.Position, lens capture.Lens) (capture.VideoDevice, error) {
	if p.camera.pos == pos {
		return p.camera, nil
	}
	return nil, capture.ErrUnsupported
}

func (p *stubProvider) DefaultAudioDevice() (capture.AudioDevice, error) { return p.mic, nil }

func (p *stubProvider) AvailableLenses() []capture.Lens {
	return []capture.Lens{p.camera.lens}
}

func coordinatorConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ClipDir = t.TempDir()
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeFactory, *stubProvider) {
	t.Helper()
	factory := &fakeFactory{}
	provider := &stubProvider{
		camera: &stubCamera{pos: capture.PositionBack, lens: capture.LensWide},
		mic:    &stubMic{},
	}
	c := NewCoordinator(coordinatorConfig(t), provider, factory.build, nil, nil)
	t.Cleanup(c.Close)
	return c, factory, provider
}

func TestSetupRetainsWithoutTransmitting(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)

	c.Setup("https://ingest.example/whip", "secret", "720", false)
	require.NotNil(t, factory.handle)
	assert.Equal(t, "720", factory.preset.Name)
	assert.Zero(t, factory.handle.startCount(), "Setup must not transmit")
	assert.Equal(t, StateInvalid, c.State())
}

func TestPresetShapesCaptureProfile(t *testing.T) {
	c, _, provider := newTestCoordinator(t)

	c.Setup("https://ingest.example/whip", "", "360", false)
	require.NoError(t, c.StartSession())

	provider.camera.mu.Lock()
	profile := provider.camera.profile
	provider.camera.mu.Unlock()
	assert.Equal(t, 640, profile.Width)
	assert.Equal(t, 360, profile.Height)
	assert.Equal(t, 800_000, profile.BitRate)
	assert.Equal(t, c.cfg.CaptureFrameRate, profile.FrameRate)
	assert.Equal(t, c.cfg.CaptureFrameRate*2, profile.KeyFrameInterval)
}

func TestStartBroadcastUsesRetainedEndpoint(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)

	c.Setup("https://ingest.example/whip", "secret", "720", false)
	c.StartBroadcast()

	assert.Equal(t, 1, factory.handle.startCount())
	assert.Equal(t, "https://ingest.example/whip", factory.handle.endpoint)
	assert.Equal(t, "secret", factory.handle.key)
}

func TestStartBroadcastWithoutSetupIsNoop(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.StartBroadcast()
	assert.Nil(t, factory.handle)
	assert.Equal(t, StateInvalid, c.State())
}

func TestHandleConstructionFailureLeavesNoSession(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	factory.err = errors.New("engine init failed")

	c.Setup("https://ingest.example/whip", "secret", "720", false)
	c.StartBroadcast()

	assert.Nil(t, factory.handle)
	assert.ErrorIs(t, c.SendTimedMetadata("hello"), ErrNoSession)
}

func TestStateEventsReachSubscriber(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	events := c.Listen()
	c.StartBroadcast()

	factory.pushState(StateConnecting, nil)
	factory.pushState(StateConnected, nil)

	p := waitEvent(t, events, "state")
	assert.Equal(t, "connecting", p["state"])
	p = waitEvent(t, events, "state")
	assert.Equal(t, "connected", p["state"])
	assert.Equal(t, StateConnected, c.State())
}

func TestErrorStateIsSticky(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	c.StartBroadcast()

	factory.pushState(StateError, errors.New("link down"))
	assert.Equal(t, StateError, c.State())

	factory.pushState(StateDisconnected, nil)
	assert.Equal(t, StateError, c.State(), "error is only left by an explicit restart")

	c.StartBroadcast()
	factory.pushState(StateConnecting, nil)
	assert.Equal(t, StateConnecting, c.State())
}

func TestAutoReconnectRetriesAfterDisconnect(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", true)
	events := c.Listen()
	c.StartBroadcast()
	require.Equal(t, 1, factory.handle.startCount())

	factory.pushState(StateDisconnected, nil)
	waitEvent(t, events, "retry")

	require.Eventually(t, func() bool {
		return factory.handle.startCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRedundantStartBroadcastKeepsTransmitting(t *testing.T) {
	c, factory, provider := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	c.StartBroadcast()
	require.Equal(t, 1, factory.handle.startCount())

	factory.handle.mu.Lock()
	factory.handle.startErr = errors.New("session already started")
	factory.handle.mu.Unlock()

	c.StartBroadcast()
	assert.Equal(t, 1, factory.handle.startCount(), "a second start must not re-dial")

	provider.camera.deliver(capture.Sample{Data: []byte{1}, PTS: time.Millisecond})
	require.Eventually(t, func() bool {
		factory.handle.mu.Lock()
		defer factory.handle.mu.Unlock()
		return len(factory.handle.video) == 1
	}, time.Second, time.Millisecond, "samples must keep flowing after a redundant start")
}

func TestStatsEventsReachSubscriber(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	events := c.Listen()
	c.StartBroadcast()

	factory.onStats(Stats{MeasuredBitrate: 2_000_000, RecommendedBitrate: 2_500_000, Quality: "720", NetworkHealth: 0.8})
	p := waitEvent(t, events, "stats")
	assert.Equal(t, 2_000_000, p["measuredBitrate"])
	assert.Equal(t, 0.8, p["networkHealth"])
}

func TestSampleRoutingWithSoftSync(t *testing.T) {
	c, factory, provider := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	c.StartBroadcast()

	provider.camera.deliver(capture.Sample{Data: []byte{1}, PTS: 100 * time.Millisecond})

	// Audio behind the video line goes straight through.
	provider.mic.deliver(capture.Sample{Data: []byte{2}, PTS: 80 * time.Millisecond})
	require.Eventually(t, func() bool { return factory.handle.audioCount() == 1 }, time.Second, time.Millisecond)

	// Audio ahead of the video line is held back by the lead.
	before := time.Now()
	provider.mic.deliver(capture.Sample{Data: []byte{3}, PTS: 140 * time.Millisecond})
	require.Eventually(t, func() bool { return factory.handle.audioCount() == 2 }, time.Second, time.Millisecond)

	factory.handle.mu.Lock()
	arrival := factory.handle.audioTimes[1]
	factory.handle.mu.Unlock()
	assert.GreaterOrEqual(t, arrival.Sub(before), 30*time.Millisecond)

	factory.handle.mu.Lock()
	videoCount := len(factory.handle.video)
	factory.handle.mu.Unlock()
	assert.Equal(t, 1, videoCount)
}

func TestSamplesDroppedWhenNotBroadcasting(t *testing.T) {
	c, factory, provider := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())

	provider.camera.deliver(capture.Sample{Data: []byte{1}, PTS: time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	factory.handle.mu.Lock()
	videoCount := len(factory.handle.video)
	factory.handle.mu.Unlock()
	assert.Zero(t, videoCount)
}

func TestClipLifecycle(t *testing.T) {
	c, _, provider := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	events := c.Listen()

	require.NoError(t, c.CaptureClip(0.05))
	p := waitEvent(t, events, "clip")
	assert.Equal(t, "start", p["state"])
	assert.Equal(t, "", p["path"])

	provider.camera.deliver(capture.Sample{Data: []byte{0x00, 0x00, 0x00, 0x01, 0x65}})

	p = waitEvent(t, events, "clip")
	assert.Equal(t, "stop", p["state"])
	path, ok := p["path"].(string)
	require.True(t, ok)
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65}, data)
}

func TestStopClipEarlyCancelsAutoStop(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	events := c.Listen()

	require.NoError(t, c.CaptureClip(10))
	waitEvent(t, events, "clip")

	c.StopClip()
	p := waitEvent(t, events, "clip")
	assert.Equal(t, "stop", p["state"])

	// The cancelled timer must not produce a second stop event.
	select {
	case extra := <-events:
		if extra["type"] == "clip" {
			t.Fatalf("unexpected clip event %v", extra)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClipRequiresRunningCapture(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	assert.ErrorIs(t, c.CaptureClip(1), ErrNotCapturing)
}

func TestCameraControlsEmitEvents(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	events := c.Listen()

	applied, err := c.SetZoom(30)
	require.NoError(t, err)
	assert.Equal(t, 8.0, applied, "clamped to the device range")
	p := waitEvent(t, events, "zoom")
	assert.Equal(t, 8.0, p["value"])

	require.NoError(t, c.ApplyMute(true))
	p = waitEvent(t, events, "mute")
	assert.Equal(t, true, p["muted"])
	muted, err := c.IsMuted()
	require.NoError(t, err)
	assert.True(t, muted)
}

func TestUpdateLensUnknownID(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())

	_, err := c.UpdateLens(42)
	assert.ErrorIs(t, err, ErrUnknownLens)
}

func TestStopBroadcastEmitsTerminalState(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	c.Setup("https://ingest.example/whip", "", "720", false)
	require.NoError(t, c.StartSession())
	c.StartBroadcast()
	events := c.Listen()

	c.StopBroadcast()

	factory.handle.mu.Lock()
	stopped := factory.handle.stopped
	factory.handle.mu.Unlock()
	assert.True(t, stopped)

	p := waitEvent(t, events, "state")
	assert.Equal(t, "disconnected", p["state"])
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.SendTimedMetadata("late"), ErrNoSession)
}

func waitEvent(t *testing.T, ch <-chan event.Payload, kind string) event.Payload {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case p, ok := <-ch:
			require.True(t, ok, "stream closed while waiting for %q", kind)
			if p["type"] == kind {
				return p
			}
		case <-deadline:
			t.Fatalf("no %q event arrived", kind)
			return nil
		}
	}
}
