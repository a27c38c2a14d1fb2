package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config carries the runtime tuning knobs. The playback volume levels
// and the multi-player grace delay look like product decisions rather
// than protocol requirements, so they are configurable here with the
// shipped values as defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Player coordinator.
	ActiveVolume     float64       `mapstructure:"active_volume"`
	MutedVolume      float64       `mapstructure:"muted_volume"`
	MultiPlayerGrace time.Duration `mapstructure:"multi_player_grace"`
	RecoverReload    time.Duration `mapstructure:"recover_reload_delay"`
	RecoverResume    time.Duration `mapstructure:"recover_resume_delay"`
	MaintainInterval time.Duration `mapstructure:"maintain_interval"`

	// Capture pipeline.
	CaptureFrameRate int           `mapstructure:"capture_frame_rate"`
	AudioLatency     time.Duration `mapstructure:"audio_latency"`
	ClipDir          string        `mapstructure:"clip_dir"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`

	// Broadcast transport.
	ICEServers    []string `mapstructure:"ice_servers"`
	ICEUsername   string   `mapstructure:"ice_username"`
	ICECredential string   `mapstructure:"ice_credential"`
	PortMin       uint16   `mapstructure:"port_min"`
	PortMax       uint16   `mapstructure:"port_max"`
}

// Default returns the configuration with the observed product values.
func Default() Config {
	return Config{
		ListenAddr:       ":9981",
		ActiveVolume:     1.0,
		MutedVolume:      0.0,
		MultiPlayerGrace: 5 * time.Second,
		RecoverReload:    2 * time.Second,
		RecoverResume:    time.Second,
		MaintainInterval: 10 * time.Second,
		CaptureFrameRate: 30,
		AudioLatency:     5 * time.Millisecond,
		ClipDir:          "",
		ReconnectDelay:   2 * time.Second,
	}
}

// Load reads the configuration through viper, falling back to the
// defaults for anything unset.
func Load(v *viper.Viper) (Config, error) {
	def := Default()
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("active_volume", def.ActiveVolume)
	v.SetDefault("muted_volume", def.MutedVolume)
	v.SetDefault("multi_player_grace", def.MultiPlayerGrace)
	v.SetDefault("recover_reload_delay", def.RecoverReload)
	v.SetDefault("recover_resume_delay", def.RecoverResume)
	v.SetDefault("maintain_interval", def.MaintainInterval)
	v.SetDefault("capture_frame_rate", def.CaptureFrameRate)
	v.SetDefault("audio_latency", def.AudioLatency)
	v.SetDefault("clip_dir", def.ClipDir)
	v.SetDefault("reconnect_delay", def.ReconnectDelay)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return def, err
	}
	return cfg, nil
}
