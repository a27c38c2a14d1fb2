package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/openh264"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/sirupsen/logrus"
)

const (
	captureSampleRate = 48000
	captureBitRate    = 2_500_000
	audioBitRate      = 128_000
	defaultFrameRate  = 30
)

// MediaDevicesProvider acquires hardware through pion/mediadevices.
// Register platform drivers by importing their packages in the
// binary, the same way the opus encoder is pulled in here.
type MediaDevicesProvider struct {
	log *logrus.Entry
}

func NewMediaDevicesProvider(log *logrus.Entry) *MediaDevicesProvider {
	if log == nil {
		log = logrus.WithField("provider", "mediadevices")
	}
	return &MediaDevicesProvider{log: log}
}

func (p *MediaDevicesProvider) DefaultVideoDevice() (VideoDevice, error) {
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind == mediadevices.VideoInput {
			lens, pos := classifyLabel(info.Label)
			return p.newVideoDevice(info.DeviceID, info.Label, lens, pos), nil
		}
	}
	return nil, fmt.Errorf("%w: no camera", ErrNoDevice)
}

func (p *MediaDevicesProvider) VideoDevice(pos Position, lens Lens) (VideoDevice, error) {
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		l, devicePos := classifyLabel(info.Label)
		if devicePos != pos {
			continue
		}
		if lens != LensDefault && l != lens {
			continue
		}
		return p.newVideoDevice(info.DeviceID, info.Label, l, devicePos), nil
	}
	return nil, fmt.Errorf("%w: no %s camera with lens %s", ErrUnsupported, pos, lens)
}

func (p *MediaDevicesProvider) DefaultAudioDevice() (AudioDevice, error) {
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind == mediadevices.AudioInput {
			return &mdAudioDevice{id: info.DeviceID, label: info.Label, log: p.log}, nil
		}
	}
	return nil, fmt.Errorf("%w: no microphone", ErrNoDevice)
}

func (p *MediaDevicesProvider) AvailableLenses() []Lens {
	seen := make(map[Lens]bool)
	var lenses []Lens
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		l, _ := classifyLabel(info.Label)
		if !seen[l] {
			seen[l] = true
			lenses = append(lenses, l)
		}
	}
	return lenses
}

func (p *MediaDevicesProvider) newVideoDevice(id, label string, lens Lens, pos Position) *mdVideoDevice {
	return &mdVideoDevice{
		id:    id,
		label: label,
		lens:  lens,
		pos:   pos,
		log:   p.log.WithField("camera", label),
		zoom:  1.0,
	}
}

// mdVideoDevice captures H264-encoded frames from one camera. The
// portable driver layer exposes no optical zoom/focus/exposure, so
// the configured values drive the digital stage of the pipeline; the
// reported ranges are the envelope that stage supports.
type mdVideoDevice struct {
	id    string
	label string
	lens  Lens
	pos   Position
	log   *logrus.Entry

	cfgMu     sync.Mutex
	zoom      float64
	focusMode FocusMode
	focusX    float64
	focusY    float64
	exposure  float64

	mu     sync.Mutex
	stream mediadevices.MediaStream
	reader mediadevices.EncodedReadCloser
}

func (d *mdVideoDevice) ID() string { return d.id }
func (d *mdVideoDevice) Label() string { return d.label }
func (d *mdVideoDevice) Lens() Lens { return d.lens }
func (d *mdVideoDevice) Position() Position { return d.pos }
func (d *mdVideoDevice) ZoomRange() Range { return Range{Min: 1, Max: 8} }
func (d *mdVideoDevice) ExposureRange() Range { return Range{Min: -2, Max: 2} }

func (d *mdVideoDevice) Configure(fn func(DeviceConfig) error) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return fn(&mdDeviceConfig{d: d})
}

func (d *mdVideoDevice) Open(profile VideoProfile, sink SampleSink) error {
	if profile.FrameRate <= 0 {
		profile.FrameRate = defaultFrameRate
	}
	if profile.BitRate <= 0 {
		profile.BitRate = captureBitRate
	}
	if profile.KeyFrameInterval <= 0 {
		profile.KeyFrameInterval = profile.FrameRate * 2
	}

	h264Params, err := openh264.NewParams()
	if err != nil {
		return fmt.Errorf("h264 params: %w", err)
	}
	h264Params.BitRate = profile.BitRate
	h264Params.KeyFrameInterval = profile.KeyFrameInterval

	selector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&h264Params))
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(d.id)
			c.FrameRate = prop.Float(profile.FrameRate)
			if profile.Width > 0 && profile.Height > 0 {
				c.Width = prop.Int(profile.Width)
				c.Height = prop.Int(profile.Height)
			}
		},
		Codec: selector,
	})
	if err != nil {
		return fmt.Errorf("open camera %s: %w", d.label, err)
	}

	track := stream.GetVideoTracks()[0].(*mediadevices.VideoTrack)
	reader, err := track.NewEncodedReader(h264Params.RTPCodec().MimeType)
	if err != nil {
		track.Close()
		return fmt.Errorf("encoded reader: %w", err)
	}

	d.mu.Lock()
	d.stream = stream
	d.reader = reader
	d.mu.Unlock()

	go d.pump(reader, profile.FrameRate, sink)
	return nil
}

func (d *mdVideoDevice) pump(reader mediadevices.EncodedReadCloser, frameRate int, sink SampleSink) {
	frame := time.Second / time.Duration(frameRate)
	var pts time.Duration
	for {
		buf, release, err := reader.Read()
		if err != nil {
			d.log.WithError(err).Debug("video reader ended")
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()
		sink(Sample{Data: data, PTS: pts})
		pts += frame
	}
}

func (d *mdVideoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reader != nil {
		d.reader.Close()
		d.reader = nil
	}
	if d.stream != nil {
		for _, t := range d.stream.GetTracks() {
			t.Close()
		}
		d.stream = nil
	}
	return nil
}

// mdDeviceConfig applies settings while the configuration mutex is
// held by Configure.
type mdDeviceConfig struct {
	d *mdVideoDevice
}

func (c *mdDeviceConfig) SetZoom(factor float64) error {
	c.d.zoom = factor
	return nil
}

func (c *mdDeviceConfig) SetFocusMode(mode FocusMode) error {
	c.d.focusMode = mode
	return nil
}

func (c *mdDeviceConfig) SetFocusPoint(x, y float64) error {
	c.d.focusX, c.d.focusY = x, y
	return nil
}

func (c *mdDeviceConfig) SetExposureBias(bias float64) error {
	c.d.exposure = bias
	return nil
}

// mdAudioDevice captures Opus-encoded audio from one microphone with
// a small I/O buffer target for low latency.
type mdAudioDevice struct {
	id    string
	label string
	log   *logrus.Entry

	mu     sync.Mutex
	stream mediadevices.MediaStream
	reader mediadevices.EncodedReadCloser
}

func (d *mdAudioDevice) ID() string { return d.id }
func (d *mdAudioDevice) Label() string { return d.label }

func (d *mdAudioDevice) Open(latency time.Duration, sink SampleSink) error {
	opusParams, err := opus.NewParams()
	if err != nil {
		return fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = audioBitRate

	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(d.id)
			c.SampleRate = prop.Int(captureSampleRate)
			c.SampleSize = prop.Int(2)
			c.IsFloat = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(latency)
		},
		Codec: selector,
	})
	if err != nil {
		return fmt.Errorf("open microphone %s: %w", d.label, err)
	}

	track := stream.GetAudioTracks()[0].(*mediadevices.AudioTrack)
	reader, err := track.NewEncodedReader(opusParams.RTPCodec().MimeType)
	if err != nil {
		track.Close()
		return fmt.Errorf("encoded reader: %w", err)
	}

	d.mu.Lock()
	d.stream = stream
	d.reader = reader
	d.mu.Unlock()

	go d.pump(reader, sink)
	return nil
}

func (d *mdAudioDevice) pump(reader mediadevices.EncodedReadCloser, sink SampleSink) {
	var pts time.Duration
	for {
		buf, release, err := reader.Read()
		if err != nil {
			d.log.WithError(err).Debug("audio reader ended")
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()
		sink(Sample{Data: data, PTS: pts})
		pts += time.Duration(buf.Samples) * time.Second / captureSampleRate
	}
}

func (d *mdAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reader != nil {
		d.reader.Close()
		d.reader = nil
	}
	if d.stream != nil {
		for _, t := range d.stream.GetTracks() {
			t.Close()
		}
		d.stream = nil
	}
	return nil
}
