package capture

import (
	"time"
)

// FocusMode mirrors the three hardware focus behaviours.
type FocusMode int

const (
	FocusLocked FocusMode = iota
	FocusAuto
	FocusContinuous
)

func (m FocusMode) String() string {
	switch m {
	case FocusLocked:
		return "locked"
	case FocusAuto:
		return "auto"
	case FocusContinuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// Position of a camera relative to the operator.
type Position string

const (
	PositionFront Position = "front"
	PositionBack  Position = "back"
)

// Range is a device-reported [min,max] envelope.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp pins v into the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Sample is one timestamped encoded media sample coming off a capture
// device.
type Sample struct {
	Data []byte
	PTS  time.Duration
}

// SampleSink receives samples on the device's processing goroutine.
type SampleSink func(Sample)

// VideoProfile is the encode configuration a camera is opened with.
// Zero fields fall back to the device defaults.
type VideoProfile struct {
	Width            int
	Height           int
	FrameRate        int
	BitRate          int
	KeyFrameInterval int // in frames
}

// DeviceConfig is the view of a video device inside its locked
// configuration window.
type DeviceConfig interface {
	SetZoom(factor float64) error
	SetFocusMode(mode FocusMode) error
	SetFocusPoint(x, y float64) error
	SetExposureBias(bias float64) error
}

// VideoDevice is one camera. Open starts delivery of encoded video
// samples to the sink on a dedicated goroutine.
type VideoDevice interface {
	ID() string
	Label() string
	Lens() Lens
	Position() Position
	ZoomRange() Range
	ExposureRange() Range

	// Configure runs fn with the device configuration locked. The
	// lock is released on every exit path, so a failing fn never
	// leaves the device locked-but-unconfigured.
	Configure(fn func(DeviceConfig) error) error

	Open(profile VideoProfile, sink SampleSink) error
	Close() error
}

// AudioDevice is one microphone.
type AudioDevice interface {
	ID() string
	Label() string
	Open(latency time.Duration, sink SampleSink) error
	Close() error
}

// Provider enumerates and acquires capture hardware.
type Provider interface {
	DefaultVideoDevice() (VideoDevice, error)
	// VideoDevice acquires a camera for the position and lens.
	// Unsupported combinations return ErrUnsupported.
	VideoDevice(pos Position, lens Lens) (VideoDevice, error)
	DefaultAudioDevice() (AudioDevice, error)
	AvailableLenses() []Lens
}
