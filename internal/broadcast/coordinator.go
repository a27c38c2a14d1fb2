package broadcast

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"livebridge/internal/capture"
	"livebridge/internal/config"
	"livebridge/internal/event"
	"livebridge/internal/task"
)

// Preview is where the local camera feed shows up while capturing.
type Preview interface {
	Attach(label string)
	Clear()
}

// NopPreview is used when no local rendering surface exists.
type NopPreview struct{}

func (NopPreview) Attach(string) {}
func (NopPreview) Clear()        {}

// Coordinator owns the capture session and the outgoing broadcast
// handle. One coordinator per app; all mutations funnel through it
// and observable changes go out on its event stream.
type Coordinator struct {
	cfg      config.Config
	log      *logrus.Entry
	stream   *event.Stream
	factory  HandleFactory
	provider capture.Provider
	preview  Preview

	mu            sync.Mutex
	handle        Handle
	session       *capture.Session
	preset        Preset
	endpoint      string
	key           string
	autoReconnect bool
	broadcasting  bool
	state         State
	timers        *task.Group
	clock         *Synchronizer
	clipPath      string
	clipTimer     *task.Timer
}

func NewCoordinator(cfg config.Config, provider capture.Provider, factory HandleFactory, preview Preview, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.WithField("broadcast", "coordinator")
	}
	if preview == nil {
		preview = NopPreview{}
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		stream:   event.NewStream(),
		factory:  factory,
		provider: provider,
		preview:  preview,
		state:    StateInvalid,
		timers:   task.NewGroup(),
		clock:    &Synchronizer{},
	}
}

// Listen subscribes to the coordinator's event stream. A new call
// supersedes the previous subscriber.
func (c *Coordinator) Listen() <-chan event.Payload {
	return c.stream.Listen()
}

// Setup resolves the preset and builds a fresh handle. It retains
// the endpoint and stream key but does not transmit; call
// StartBroadcast for that. A handle construction failure is logged
// and leaves the handle nil, which later turns StartBroadcast into a
// no-op.
func (c *Coordinator) Setup(endpoint, key, presetName string, autoReconnect bool) {
	preset := PresetByName(presetName)

	c.mu.Lock()
	old := c.handle
	c.handle = nil
	c.preset = preset
	c.endpoint = endpoint
	c.key = key
	c.autoReconnect = autoReconnect
	c.state = StateInvalid
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	handle, err := c.factory(preset, c.onState, c.onStats)
	if err != nil {
		c.log.WithError(err).Error("broadcast handle construction failed")
	} else {
		c.mu.Lock()
		c.handle = handle
		c.mu.Unlock()
	}

	c.stream.Publish(event.Payload{
		"type":        "setup",
		"preset":      preset.Name,
		"width":       preset.Width,
		"height":      preset.Height,
		"mixerWidth":  MixerWidth,
		"mixerHeight": MixerHeight,
	})
}

// StartSession acquires the default camera and microphone and begins
// routing their samples. Video goes straight to the handle; audio is
// held back by the observed lead so both lines stay aligned.
func (c *Coordinator) StartSession() error {
	c.mu.Lock()
	if c.session != nil && c.session.Running() {
		c.mu.Unlock()
		return nil
	}
	profile := capture.VideoProfile{
		Width:            c.preset.Width,
		Height:           c.preset.Height,
		FrameRate:        c.cfg.CaptureFrameRate,
		BitRate:          c.preset.InitialBitrate,
		KeyFrameInterval: c.cfg.CaptureFrameRate * 2,
	}
	session := capture.NewSession(c.provider, profile, c.cfg.AudioLatency, c.log)
	c.session = session
	c.clock.Reset()
	c.mu.Unlock()

	if err := session.Start(c.routeVideo, c.routeAudio); err != nil {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}
	c.preview.Attach("camera")
	c.stream.Publish(event.Payload{"type": "capture", "state": "started"})
	return nil
}

func (c *Coordinator) routeVideo(sample capture.Sample) {
	c.clock.ObserveVideo(sample.PTS)

	c.mu.Lock()
	handle := c.handle
	broadcasting := c.broadcasting
	c.mu.Unlock()

	if handle == nil || !broadcasting {
		return
	}
	if err := handle.WriteVideo(sample); err != nil {
		c.log.WithError(err).Debug("video sample dropped")
	}
}

func (c *Coordinator) routeAudio(sample capture.Sample) {
	push := func() {
		c.mu.Lock()
		handle := c.handle
		broadcasting := c.broadcasting
		c.mu.Unlock()

		if handle == nil || !broadcasting {
			return
		}
		if err := handle.WriteAudio(sample); err != nil {
			c.log.WithError(err).Debug("audio sample dropped")
		}
	}

	if delay := c.clock.AudioDelay(sample.PTS); delay > 0 {
		c.mu.Lock()
		timers := c.timers
		c.mu.Unlock()
		if timers.After(delay, push) != nil {
			return
		}
	}
	push()
}

// StartBroadcast begins transmitting with the retained endpoint and
// key. Without a prior successful Setup there is nothing to start
// and the call logs and returns.
func (c *Coordinator) StartBroadcast() {
	c.mu.Lock()
	if c.broadcasting {
		c.mu.Unlock()
		c.log.Debug("broadcast already running")
		return
	}
	handle := c.handle
	endpoint := c.endpoint
	key := c.key
	if handle != nil {
		c.state = StateInvalid
		c.broadcasting = true
	}
	c.mu.Unlock()

	if handle == nil {
		c.log.Warn("start broadcast called without a session handle")
		return
	}

	if err := handle.Start(endpoint, key); err != nil {
		c.log.WithError(err).Error("broadcast start rejected")
		c.mu.Lock()
		c.broadcasting = false
		c.mu.Unlock()
	}
}

// restartBroadcast is the auto-reconnect step: the stale transport is
// torn down before dialing again with the retained endpoint and key.
func (c *Coordinator) restartBroadcast() {
	c.mu.Lock()
	handle := c.handle
	c.broadcasting = false
	c.mu.Unlock()

	if handle == nil {
		return
	}
	handle.Stop()
	c.StartBroadcast()
}

// StopBroadcast stops capture and transmission, releases the handle
// and emits the terminal state.
func (c *Coordinator) StopBroadcast() {
	c.finishClip(false)

	c.mu.Lock()
	handle := c.handle
	session := c.session
	c.handle = nil
	c.session = nil
	c.broadcasting = false
	c.state = StateDisconnected
	c.timers.StopAll()
	c.timers = task.NewGroup()
	c.mu.Unlock()

	if session != nil {
		if err := session.Stop(); err != nil {
			c.log.WithError(err).Warn("stop capture failed")
		}
	}
	if handle != nil {
		handle.Stop()
	}
	c.preview.Clear()
	c.stream.Publish(event.Payload{"type": "state", "state": StateDisconnected.String()})
}

// State reports the current broadcast connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) onState(state State, err error) {
	c.mu.Lock()
	if c.state == StateError && state != StateConnecting {
		// Error is sticky until an explicit restart.
		c.mu.Unlock()
		return
	}
	c.state = state
	retry := state == StateDisconnected && c.autoReconnect && c.broadcasting
	c.mu.Unlock()

	p := event.Payload{"type": "state", "state": state.String()}
	if err != nil {
		p["error"] = err.Error()
	}
	c.stream.Publish(p)

	if retry {
		c.stream.Publish(event.Payload{"type": "retry", "delay": c.cfg.ReconnectDelay.String()})
		c.mu.Lock()
		timers := c.timers
		c.mu.Unlock()
		timers.After(c.cfg.ReconnectDelay, c.restartBroadcast)
	}
	if err != nil {
		c.log.WithError(err).Warnf("broadcast state %s", state)
	}
}

func (c *Coordinator) onStats(stats Stats) {
	c.stream.Publish(event.Payload{
		"type":               "stats",
		"measuredBitrate":    stats.MeasuredBitrate,
		"recommendedBitrate": stats.RecommendedBitrate,
		"quality":            stats.Quality,
		"networkHealth":      stats.NetworkHealth,
	})
}

func (c *Coordinator) captureSession() (*capture.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotCapturing
	}
	return c.session, nil
}

// SetZoom clamps the factor to the device range and applies it. The
// resulting value is emitted and returned; a device failure leaves
// the previous value in place.
func (c *Coordinator) SetZoom(factor float64) (float64, error) {
	session, err := c.captureSession()
	if err != nil {
		return 0, err
	}
	applied, err := session.SetZoom(factor)
	if err != nil {
		c.log.WithError(err).Warn("set zoom failed")
		return applied, err
	}
	c.stream.Publish(event.Payload{"type": "zoom", "value": applied})
	return applied, nil
}

func (c *Coordinator) ZoomRange() (capture.Range, error) {
	session, err := c.captureSession()
	if err != nil {
		return capture.Range{}, err
	}
	return session.ZoomRange()
}

// Brightness reports the exposure bias range and current value.
func (c *Coordinator) Brightness() (capture.Range, float64, error) {
	session, err := c.captureSession()
	if err != nil {
		return capture.Range{}, 0, err
	}
	return session.ExposureInfo()
}

func (c *Coordinator) SetBrightness(bias float64) (float64, error) {
	session, err := c.captureSession()
	if err != nil {
		return 0, err
	}
	applied, err := session.SetExposureBias(bias)
	if err != nil {
		c.log.WithError(err).Warn("set exposure bias failed")
		return applied, err
	}
	c.stream.Publish(event.Payload{"type": "brightness", "value": applied})
	return applied, nil
}

func (c *Coordinator) SetFocusMode(mode capture.FocusMode) error {
	session, err := c.captureSession()
	if err != nil {
		return err
	}
	if err := session.SetFocusMode(mode); err != nil {
		c.log.WithError(err).Warn("set focus mode failed")
		return err
	}
	c.stream.Publish(event.Payload{"type": "focus", "mode": mode.String()})
	return nil
}

// SetFocusPoint takes normalized coordinates in [0, 1].
func (c *Coordinator) SetFocusPoint(x, y float64) error {
	session, err := c.captureSession()
	if err != nil {
		return err
	}
	if err := session.SetFocusPoint(x, y); err != nil {
		c.log.WithError(err).Warn("set focus point failed")
		return err
	}
	c.stream.Publish(event.Payload{"type": "focus", "x": x, "y": y})
	return nil
}

// ChangeCamera swaps the video input for the first camera on the
// requested side, keeping the old input when the swap fails.
func (c *Coordinator) ChangeCamera(pos capture.Position) error {
	session, err := c.captureSession()
	if err != nil {
		return err
	}
	if err := session.SwitchCamera(pos); err != nil {
		c.log.WithError(err).Warn("switch camera failed")
		return err
	}
	c.stream.Publish(event.Payload{"type": "camera", "position": string(pos)})
	return nil
}

// UpdateLens swaps the video input to the lens with the given id.
// The returned string describes the outcome either way; an
// unsupported lens leaves the current input intact.
func (c *Coordinator) UpdateLens(id int) (string, error) {
	lens, ok := capture.LensFromID(id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownLens, id)
	}
	session, err := c.captureSession()
	if err != nil {
		return "", err
	}
	status, err := session.SwitchLens(lens)
	if err != nil {
		c.log.WithError(err).Warn("switch lens failed")
		return status, err
	}
	c.stream.Publish(event.Payload{"type": "lens", "status": status})
	return status, nil
}

// AvailableLenses lists the lenses the hardware offers.
func (c *Coordinator) AvailableLenses() []capture.Lens {
	return c.provider.AvailableLenses()
}

// ApplyMute detaches or reattaches the microphone input. This is a
// hardware-level mute, not a gain change.
func (c *Coordinator) ApplyMute(muted bool) error {
	session, err := c.captureSession()
	if err != nil {
		return err
	}
	if err := session.SetMuted(muted); err != nil {
		c.log.WithError(err).Warn("apply mute failed")
		return err
	}
	c.stream.Publish(event.Payload{"type": "mute", "muted": muted})
	return nil
}

func (c *Coordinator) IsMuted() (bool, error) {
	session, err := c.captureSession()
	if err != nil {
		return false, err
	}
	return session.Muted(), nil
}

// CaptureClip tees the running capture into a file for the given
// duration. The start event carries an empty path; the completion
// event carries the file path. An existing file at the target is
// overwritten.
func (c *Coordinator) CaptureClip(seconds float64) error {
	session, err := c.captureSession()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("clip-%s.h264", xid.New().String())
	path := filepath.Join(c.cfg.ClipDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create clip file: %w", err)
	}
	if err := session.AttachFileOutput(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	c.mu.Lock()
	if c.clipTimer != nil {
		c.clipTimer.Cancel()
	}
	c.clipPath = path
	c.clipTimer = c.timers.After(time.Duration(seconds*float64(time.Second)), func() {
		c.finishClip(true)
	})
	c.mu.Unlock()

	c.stream.Publish(event.Payload{"type": "clip", "state": "start", "path": ""})
	return nil
}

// StopClip ends a running clip early and cancels the pending
// auto-stop.
func (c *Coordinator) StopClip() {
	c.finishClip(true)
}

func (c *Coordinator) finishClip(emit bool) {
	c.mu.Lock()
	path := c.clipPath
	timer := c.clipTimer
	session := c.session
	c.clipPath = ""
	c.clipTimer = nil
	c.mu.Unlock()

	if path == "" {
		return
	}
	if timer != nil {
		timer.Cancel()
	}
	if session != nil {
		session.DetachFileOutput()
	}
	if emit {
		c.stream.Publish(event.Payload{"type": "clip", "state": "stop", "path": path})
	}
}

// SendTimedMetadata forwards the text over the broadcast metadata
// channel.
func (c *Coordinator) SendTimedMetadata(text string) error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return ErrNoSession
	}
	return handle.SendMetadata(text)
}

// Close tears everything down and closes the event stream.
func (c *Coordinator) Close() {
	c.StopBroadcast()
	c.stream.Close()
}
