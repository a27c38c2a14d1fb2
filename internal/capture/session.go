package capture

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxZoomFactor caps zoom regardless of what the device reports.
const maxZoomFactor = 10.0

// Session is one live capture pipeline: a video input and an audio
// input feeding a video output and an audio output. Each piece is
// optional; absence means not yet started or torn down. Control
// mutations are atomic with respect to the command domain; samples
// flow on the devices' own goroutines.
type Session struct {
	log          *logrus.Entry
	provider     Provider
	profile      VideoProfile
	audioLatency time.Duration

	mu        sync.Mutex
	running   bool
	videoIn   VideoDevice
	audioIn   AudioDevice
	muted     bool
	zoom      float64
	focusMode FocusMode
	exposure  float64

	videoSink SampleSink
	audioSink SampleSink
	fileSink  io.WriteCloser
}

func NewSession(provider Provider, profile VideoProfile, audioLatency time.Duration, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.WithField("coordinator", "capture")
	}
	return &Session{
		log:          log,
		provider:     provider,
		profile:      profile,
		audioLatency: audioLatency,
		zoom:         1.0,
		focusMode:    FocusContinuous,
	}
}

// Start acquires the default video and audio devices and begins
// sample delivery to the sinks.
func (s *Session) Start(videoSink, audioSink SampleSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	video, err := s.provider.DefaultVideoDevice()
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	audio, err := s.provider.DefaultAudioDevice()
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}

	s.videoSink = videoSink
	s.audioSink = audioSink

	if err := video.Open(s.profile, s.dispatchVideo); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	if err := audio.Open(s.audioLatency, s.dispatchAudio); err != nil {
		video.Close()
		return fmt.Errorf("open microphone: %w", err)
	}

	s.videoIn = video
	s.audioIn = audio
	s.running = true
	s.muted = false
	return nil
}

// Stop tears the whole pipeline down.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn != nil {
		s.videoIn.Close()
		s.videoIn = nil
	}
	if s.audioIn != nil {
		s.audioIn.Close()
		s.audioIn = nil
	}
	if s.fileSink != nil {
		s.fileSink.Close()
		s.fileSink = nil
	}
	s.running = false
	return nil
}

// Running reports whether the session has been started.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetMuted mutes by detaching the audio input from the session, and
// unmutes by re-acquiring it. This is a hardware-level mute, not a
// software gain.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if muted == s.muted {
		return nil
	}
	if muted {
		if s.audioIn != nil {
			s.audioIn.Close()
			s.audioIn = nil
		}
		s.muted = true
		return nil
	}

	audio, err := s.provider.DefaultAudioDevice()
	if err != nil {
		return fmt.Errorf("reacquire microphone: %w", err)
	}
	if err := audio.Open(s.audioLatency, s.dispatchAudio); err != nil {
		return fmt.Errorf("reopen microphone: %w", err)
	}
	s.audioIn = audio
	s.muted = false
	return nil
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// ZoomRange reports the usable zoom envelope: the device range capped
// at maxZoomFactor.
func (s *Session) ZoomRange() (Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return Range{}, ErrNotRunning
	}
	return cappedZoomRange(s.videoIn), nil
}

func cappedZoomRange(d VideoDevice) Range {
	r := d.ZoomRange()
	if r.Max > maxZoomFactor {
		r.Max = maxZoomFactor
	}
	return r
}

// SetZoom clamps the factor into the usable range and applies it
// inside the device's locked configuration. The applied value is
// returned; on failure the prior zoom is kept.
func (s *Session) SetZoom(factor float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return 0, ErrNotRunning
	}
	factor = cappedZoomRange(s.videoIn).Clamp(factor)
	err := s.videoIn.Configure(func(cfg DeviceConfig) error {
		return cfg.SetZoom(factor)
	})
	if err != nil {
		return s.zoom, err
	}
	s.zoom = factor
	return factor, nil
}

func (s *Session) Zoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// ExposureInfo reports the device exposure envelope and the current
// bias.
func (s *Session) ExposureInfo() (Range, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return Range{}, 0, ErrNotRunning
	}
	return s.videoIn.ExposureRange(), s.exposure, nil
}

// SetExposureBias clamps the bias into the device range and applies
// it. The applied value is returned.
func (s *Session) SetExposureBias(bias float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return 0, ErrNotRunning
	}
	bias = s.videoIn.ExposureRange().Clamp(bias)
	err := s.videoIn.Configure(func(cfg DeviceConfig) error {
		return cfg.SetExposureBias(bias)
	})
	if err != nil {
		return s.exposure, err
	}
	s.exposure = bias
	return bias, nil
}

// SetFocusMode applies a focus mode inside the locked configuration.
func (s *Session) SetFocusMode(mode FocusMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return ErrNotRunning
	}
	err := s.videoIn.Configure(func(cfg DeviceConfig) error {
		return cfg.SetFocusMode(mode)
	})
	if err != nil {
		return err
	}
	s.focusMode = mode
	return nil
}

func (s *Session) FocusMode() FocusMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focusMode
}

// SetFocusPoint focuses on a point in the preview's normalized
// coordinate space.
func (s *Session) SetFocusPoint(x, y float64) error {
	if x < 0 || x > 1 || y < 0 || y > 1 {
		return fmt.Errorf("%w: focus point (%v,%v) out of [0,1]", ErrInvalidArgument, x, y)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.videoIn == nil {
		return ErrNotRunning
	}
	return s.videoIn.Configure(func(cfg DeviceConfig) error {
		return cfg.SetFocusPoint(x, y)
	})
}

// SwitchCamera replaces the running video input with a camera at the
// requested position. The replacement is transactional: the new input
// is opened before the old one is detached, so a failure leaves the
// session untouched.
func (s *Session) SwitchCamera(pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	next, err := s.provider.VideoDevice(pos, LensDefault)
	if err != nil {
		return err
	}
	return s.replaceVideoLocked(next)
}

// SwitchLens replaces the video input with a specific lens. An
// unsupported lens keeps the current input and returns a descriptive
// status instead of an error.
func (s *Session) SwitchLens(lens Lens) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return "", ErrNotRunning
	}
	pos := PositionBack
	if s.videoIn != nil {
		pos = s.videoIn.Position()
	}
	next, err := s.provider.VideoDevice(pos, lens)
	if err != nil {
		s.log.WithError(err).WithField("lens", lens.String()).Info("lens unavailable")
		return fmt.Sprintf("lens %s is not supported on this hardware", lens), nil
	}
	if err := s.replaceVideoLocked(next); err != nil {
		return fmt.Sprintf("switching to lens %s failed", lens), nil
	}
	return fmt.Sprintf("using lens %s", lens), nil
}

func (s *Session) replaceVideoLocked(next VideoDevice) error {
	if err := next.Open(s.profile, s.dispatchVideo); err != nil {
		return fmt.Errorf("open replacement camera: %w", err)
	}
	old := s.videoIn
	s.videoIn = next
	s.zoom = 1.0
	s.exposure = 0
	if old != nil {
		old.Close()
	}
	return nil
}

// AvailableLenses lists the lenses the provider can serve.
func (s *Session) AvailableLenses() []Lens {
	return s.provider.AvailableLenses()
}

// AttachFileOutput tees encoded video samples into w until
// DetachFileOutput. Only one file output may be attached at a time.
func (s *Session) AttachFileOutput(w io.WriteCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if s.fileSink != nil {
		return fmt.Errorf("%w: file output already attached", ErrInvalidArgument)
	}
	s.fileSink = w
	return nil
}

// DetachFileOutput stops the tee and closes the writer. Safe to call
// when nothing is attached.
func (s *Session) DetachFileOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fileSink != nil {
		s.fileSink.Close()
		s.fileSink = nil
	}
}

func (s *Session) dispatchVideo(sample Sample) {
	s.mu.Lock()
	sink := s.videoSink
	file := s.fileSink
	s.mu.Unlock()

	if sink != nil {
		sink(sample)
	}
	if file != nil {
		if _, err := file.Write(sample.Data); err != nil {
			s.log.WithError(err).Warn("clip write failed")
			s.DetachFileOutput()
		}
	}
}

func (s *Session) dispatchAudio(sample Sample) {
	s.mu.Lock()
	sink := s.audioSink
	s.mu.Unlock()

	if sink != nil {
		sink(sample)
	}
}
