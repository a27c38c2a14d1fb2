package broadcast

// Mixer slot dimensions. Every preset composes into a single
// full-HD slot regardless of the encoded resolution.
const (
	MixerWidth  = 1920
	MixerHeight = 1080
)

// Preset describes one outgoing video/audio configuration.
type Preset struct {
	Name   string
	Width  int
	Height int

	// Bitrates in bits per second. The encoder starts at Initial
	// and may adapt within [Min, Max].
	MinBitrate     int
	InitialBitrate int
	MaxBitrate     int

	FrameRate        int
	KeyFrameInterval int // in frames
	AudioBitrate     int
}

const (
	presetFrameRate    = 24
	presetAudioBitrate = 128_000
)

var presets = map[string]Preset{
	"360": {
		Name:   "360",
		Width:  640,
		Height: 360,

		MinBitrate:     500_000,
		InitialBitrate: 800_000,
		MaxBitrate:     1_200_000,
	},
	"720": {
		Name:   "720",
		Width:  1280,
		Height: 720,

		MinBitrate:     1_500_000,
		InitialBitrate: 2_500_000,
		MaxBitrate:     3_500_000,
	},
	"1080": {
		Name:   "1080",
		Width:  1920,
		Height: 1080,

		MinBitrate:     3_000_000,
		InitialBitrate: 4_500_000,
		MaxBitrate:     6_000_000,
	},
}

// PresetByName resolves a preset label. Unknown labels (including
// "default") fall back to 720.
func PresetByName(name string) Preset {
	p, ok := presets[name]
	if !ok {
		p = presets["720"]
	}
	p.FrameRate = presetFrameRate
	p.KeyFrameInterval = presetFrameRate * 2
	p.AudioBitrate = presetAudioBitrate
	return p
}
