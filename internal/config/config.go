package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/signaling"
)

// EnvPrefix is prepended to every environment override, so signaling.url
// is read from CONFCALL_SIGNALING_URL.
const EnvPrefix = "CONFCALL"

type Config struct {
	Signaling Signaling  `json:"signaling" mapstructure:"signaling"`
	Call      Call       `json:"call" mapstructure:"call"`
	Media     Media      `json:"media" mapstructure:"media"`
	WebRTC    rtc.Config `json:"webrtc" mapstructure:"webrtc"`
	Speaker   Speaker    `json:"speaker" mapstructure:"speaker"`
	Recovery  Recovery   `json:"recovery" mapstructure:"recovery"`
	Journal   Journal    `json:"journal" mapstructure:"journal"`
	Log       Log        `json:"log" mapstructure:"log"`
}

type Signaling struct {
	// URL of the room's websocket endpoint, ws:// or wss://.
	URL   string `json:"url" mapstructure:"url"`
	Token string `json:"token,omitempty" mapstructure:"token"`

	RequestTimeout     time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	PingPeriod         time.Duration `json:"ping_period" mapstructure:"ping_period"`
	ReconnectAttempts  int           `json:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay" mapstructure:"reconnect_base_delay"`
}

type Call struct {
	Room        string `json:"room" mapstructure:"room"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	UserID      string `json:"user_id,omitempty" mapstructure:"user_id"`
	Audio       bool   `json:"audio" mapstructure:"audio"`
	Video       bool   `json:"video" mapstructure:"video"`

	// 0 = unlimited
	MaxParticipants int `json:"max_participants" mapstructure:"max_participants"`
}

type Media struct {
	AudioDeviceID string `json:"audio_device_id,omitempty" mapstructure:"audio_device_id"`
	VideoDeviceID string `json:"video_device_id,omitempty" mapstructure:"video_device_id"`

	Width     int     `json:"width" mapstructure:"width"`
	Height    int     `json:"height" mapstructure:"height"`
	FrameRate float64 `json:"frame_rate" mapstructure:"frame_rate"`

	EchoCancellation bool `json:"echo_cancellation" mapstructure:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" mapstructure:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" mapstructure:"auto_gain_control"`

	// Video encoder bitrate in bits per second.
	VideoBitRate int `json:"video_bitrate" mapstructure:"video_bitrate"`

	// WatchDevices refreshes the device list when nodes under DeviceDirs
	// come and go.
	WatchDevices bool     `json:"watch_devices" mapstructure:"watch_devices"`
	DeviceDirs   []string `json:"device_dirs,omitempty" mapstructure:"device_dirs"`
}

type Speaker struct {
	Threshold     float64       `json:"threshold" mapstructure:"threshold"`
	SilenceWindow time.Duration `json:"silence_window" mapstructure:"silence_window"`
}

type Recovery struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
}

type Journal struct {
	// Dir holds journal.db. Empty disables the journal.
	Dir string `json:"dir" mapstructure:"dir"`
}

type Log struct {
	Level string `json:"level" mapstructure:"level"`
	// Subsystems overrides the level per logger, e.g. {"sfu": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty" mapstructure:"subsystems"`
}

func Default() Config {
	so := media.DefaultStreamOptions()
	return Config{
		Signaling: Signaling{
			URL:                "ws://127.0.0.1:4443/ws",
			RequestTimeout:     signaling.DefaultRequestTimeout,
			PingPeriod:         signaling.DefaultPingPeriod,
			ReconnectAttempts:  signaling.DefaultMaxReconnectAttempts,
			ReconnectBaseDelay: signaling.DefaultReconnectBaseDelay,
		},
		Call: Call{
			Audio: true,
			Video: true,
		},
		Media: Media{
			Width:            so.Width,
			Height:           so.Height,
			FrameRate:        so.FrameRate,
			EchoCancellation: so.EchoCancellation,
			NoiseSuppression: so.NoiseSuppression,
			AutoGainControl:  so.AutoGainControl,
			VideoBitRate:     1_000_000,
			WatchDevices:     true,
			DeviceDirs:       append([]string(nil), media.DefaultDeviceDirs...),
		},
		WebRTC: rtc.Config{
			ICEServers: []rtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Speaker: Speaker{
			Threshold:     peers.DefaultSpeakingThreshold,
			SilenceWindow: peers.DefaultSilenceWindow,
		},
		Recovery: Recovery{
			MaxAttempts: callerr.DefaultMaxAttempts,
			BaseDelay:   callerr.DefaultBaseDelay,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	if c.Signaling.URL == "" {
		return errors.New("signaling.url is required")
	}
	u, err := url.Parse(c.Signaling.URL)
	if err != nil {
		return fmt.Errorf("signaling.url invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signaling.url must use ws:// or wss://")
	}
	if u.Host == "" {
		return errors.New("signaling.url must include a host")
	}
	if c.Signaling.RequestTimeout <= 0 {
		return errors.New("signaling.request_timeout must be > 0")
	}
	if c.Signaling.PingPeriod <= 0 {
		return errors.New("signaling.ping_period must be > 0")
	}
	if c.Signaling.ReconnectAttempts < 0 {
		return errors.New("signaling.reconnect_attempts must be >= 0")
	}
	if c.Signaling.ReconnectBaseDelay <= 0 {
		return errors.New("signaling.reconnect_base_delay must be > 0")
	}

	if c.Call.MaxParticipants < 0 {
		return errors.New("call.max_participants must be >= 0")
	}

	if c.Media.Width < 0 || c.Media.Height < 0 {
		return errors.New("media.width and media.height must be >= 0")
	}
	if c.Media.FrameRate < 0 {
		return errors.New("media.frame_rate must be >= 0")
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}

	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls is required", i)
		}
	}

	if c.Speaker.Threshold <= 0 || c.Speaker.Threshold >= 1 {
		return errors.New("speaker.threshold must be between 0 and 1")
	}
	if c.Speaker.SilenceWindow <= 0 {
		return errors.New("speaker.silence_window must be > 0")
	}

	if c.Recovery.MaxAttempts < 1 {
		return errors.New("recovery.max_attempts must be >= 1")
	}
	if c.Recovery.BaseDelay <= 0 {
		return errors.New("recovery.base_delay must be > 0")
	}

	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	for name, lvl := range c.Log.Subsystems {
		if !logLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: level %q unknown", name, lvl)
		}
	}
	return nil
}

// Load reads the defaults, then the optional file at path (any format
// viper knows by extension), then CONFCALL_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, which is also what makes AutomaticEnv
// see it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.token", d.Signaling.Token)
	v.SetDefault("signaling.request_timeout", d.Signaling.RequestTimeout)
	v.SetDefault("signaling.ping_period", d.Signaling.PingPeriod)
	v.SetDefault("signaling.reconnect_attempts", d.Signaling.ReconnectAttempts)
	v.SetDefault("signaling.reconnect_base_delay", d.Signaling.ReconnectBaseDelay)

	v.SetDefault("call.room", d.Call.Room)
	v.SetDefault("call.display_name", d.Call.DisplayName)
	v.SetDefault("call.user_id", d.Call.UserID)
	v.SetDefault("call.audio", d.Call.Audio)
	v.SetDefault("call.video", d.Call.Video)
	v.SetDefault("call.max_participants", d.Call.MaxParticipants)

	v.SetDefault("media.audio_device_id", d.Media.AudioDeviceID)
	v.SetDefault("media.video_device_id", d.Media.VideoDeviceID)
	v.SetDefault("media.width", d.Media.Width)
	v.SetDefault("media.height", d.Media.Height)
	v.SetDefault("media.frame_rate", d.Media.FrameRate)
	v.SetDefault("media.echo_cancellation", d.Media.EchoCancellation)
	v.SetDefault("media.noise_suppression", d.Media.NoiseSuppression)
	v.SetDefault("media.auto_gain_control", d.Media.AutoGainControl)
	v.SetDefault("media.video_bitrate", d.Media.VideoBitRate)
	v.SetDefault("media.watch_devices", d.Media.WatchDevices)
	v.SetDefault("media.device_dirs", d.Media.DeviceDirs)

	ice := make([]map[string]any, 0, len(d.WebRTC.ICEServers))
	for _, s := range d.WebRTC.ICEServers {
		ice = append(ice, map[string]any{"urls": s.URLs, "username": s.Username, "credential": s.Credential})
	}
	v.SetDefault("webrtc.ice_servers", ice)

	v.SetDefault("speaker.threshold", d.Speaker.Threshold)
	v.SetDefault("speaker.silence_window", d.Speaker.SilenceWindow)

	v.SetDefault("recovery.max_attempts", d.Recovery.MaxAttempts)
	v.SetDefault("recovery.base_delay", d.Recovery.BaseDelay)

	v.SetDefault("journal.dir", d.Journal.Dir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.subsystems", map[string]string{})
}

// StreamOptions are the capture constraints for a call that wants audio
// and/or video.
func (c Config) StreamOptions() media.StreamOptions {
	return media.StreamOptions{
		Audio:            c.Call.Audio,
		Video:            c.Call.Video,
		AudioDeviceID:    c.Media.AudioDeviceID,
		VideoDeviceID:    c.Media.VideoDeviceID,
		EchoCancellation: c.Media.EchoCancellation,
		NoiseSuppression: c.Media.NoiseSuppression,
		AutoGainControl:  c.Media.AutoGainControl,
		Width:            c.Media.Width,
		Height:           c.Media.Height,
		FrameRate:        c.Media.FrameRate,
	}
}

func (c Config) SignalingOptions() signaling.Options {
	return signaling.Options{
		URL:                  c.Signaling.URL,
		Token:                c.Signaling.Token,
		RequestTimeout:       c.Signaling.RequestTimeout,
		PingPeriod:           c.Signaling.PingPeriod,
		MaxReconnectAttempts: c.Signaling.ReconnectAttempts,
		ReconnectBaseDelay:   c.Signaling.ReconnectBaseDelay,
	}
}

func (c Config) PeerOptions() peers.Options {
	return peers.Options{
		SpeakingThreshold: c.Speaker.Threshold,
		SilenceWindow:     c.Speaker.SilenceWindow,
	}
}

func (c Config) RecoveryOptions() callerr.Options {
	return callerr.Options{
		MaxAttempts: c.Recovery.MaxAttempts,
		BaseDelay:   c.Recovery.BaseDelay,
	}
}
