package player

import (
	"time"
)

// PlaybackState is the lifecycle state reported by a player.
type PlaybackState int

const (
	StateIdle PlaybackState = iota
	StateReady
	StateBuffering
	StatePlaying
	StateEnded
	StateUnknown
)

func (s PlaybackState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Quality describes one playback rendition exposed by a player.
type Quality struct {
	Name    string `json:"name"`
	Bitrate int    `json:"bitrate"`
	Codecs  string `json:"codecs"`
}

// Observer receives asynchronous notifications from a single player.
// Each session gets its own subscription; the manager multiplexes them
// onto one outbound stream.
type Observer interface {
	OnStateChange(s PlaybackState)
	OnDurationChange(d time.Duration)
	OnSyncTime(t time.Duration)
	OnQualityChange(q Quality)
	OnCue(kind, payload string)
	OnSeek(pos time.Duration)
	OnError(err error)
}

// Player is one low-latency playback pipeline. Implementations must be
// safe for use from the manager goroutine plus their own callbacks.
type Player interface {
	Load(url string) error
	Play() error
	Pause() error
	SeekTo(pos time.Duration) error

	Position() time.Duration
	SyncTime() time.Duration
	Duration() time.Duration
	State() PlaybackState

	SetVolume(v float64)
	Volume() float64

	Qualities() []Quality
	Quality() Quality
	SetQuality(q Quality) error
	SetAutoQuality(on bool)
	AutoQuality() bool

	Screenshot() []byte

	// Subscribe registers an observer and returns its cancel func.
	Subscribe(o Observer) (cancel func())

	Close() error
}

// Factory allocates a new low-latency player for a stream id.
type Factory func(id string) (Player, error)

// Surface is the single shared preview target. Whichever session is
// active owns it.
type Surface interface {
	Attach(id string)
	CrossFade(prev, next string)
	Clear()
}

// NopSurface discards all preview operations.
type NopSurface struct{}

func (NopSurface) Attach(string)            {}
func (NopSurface) CrossFade(string, string) {}
func (NopSurface) Clear()                   {}
