package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
	assert.True(t, d.Call.Audio)
	assert.True(t, d.Call.Video)
	assert.Equal(t, 10*time.Second, d.Signaling.RequestTimeout)
	assert.Equal(t, 0.1, d.Speaker.Threshold)
	assert.Equal(t, 3, d.Recovery.MaxAttempts)
	require.Len(t, d.WebRTC.ICEServers, 1)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), withEmptySubsystems(cfg))
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signaling:
  url: wss://sfu.example.org/ws
  request_timeout: 3s
call:
  room: standup
  display_name: Ada
  video: false
  max_participants: 8
webrtc:
  ice_servers:
    - urls: ["turn:turn.example.org:3478"]
      username: u
      credential: p
log:
  level: debug
  subsystems:
    sfu: warn
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://sfu.example.org/ws", cfg.Signaling.URL)
	assert.Equal(t, 3*time.Second, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 20*time.Second, cfg.Signaling.PingPeriod, "unset keys keep their default")
	assert.Equal(t, "standup", cfg.Call.Room)
	assert.True(t, cfg.Call.Audio)
	assert.False(t, cfg.Call.Video)
	assert.Equal(t, 8, cfg.Call.MaxParticipants)
	require.Len(t, cfg.WebRTC.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, cfg.WebRTC.ICEServers[0].URLs)
	assert.Equal(t, "p", cfg.WebRTC.ICEServers[0].Credential)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "warn", cfg.Log.Subsystems["sfu"])
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"call":{"room":"from-file","display_name":"Ada"}}`), 0o644))
	t.Setenv("CONFCALL_CALL_ROOM", "from-env")
	t.Setenv("CONFCALL_SIGNALING_PING_PERIOD", "45s")
	t.Setenv("CONFCALL_CALL_AUDIO", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Call.Room)
	assert.Equal(t, "Ada", cfg.Call.DisplayName)
	assert.Equal(t, 45*time.Second, cfg.Signaling.PingPeriod)
	assert.False(t, cfg.Call.Audio)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONFCALL_SIGNALING_URL", "http://sfu.example.org")
	_, err := Load("")
	assert.EqualError(t, err, "signaling.url must use ws:// or wss://")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.Signaling.URL = "" }, "signaling.url is required"},
		{"no host", func(c *Config) { c.Signaling.URL = "ws://" }, "signaling.url must include a host"},
		{"negative limit", func(c *Config) { c.Call.MaxParticipants = -1 }, "call.max_participants must be >= 0"},
		{"ice without urls", func(c *Config) { c.WebRTC.ICEServers[0].URLs = nil }, "webrtc.ice_servers[0].urls is required"},
		{"threshold", func(c *Config) { c.Speaker.Threshold = 1.5 }, "speaker.threshold must be between 0 and 1"},
		{"recovery attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }, "recovery.max_attempts must be >= 1"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, `log.level "loud" unknown`},
		{"subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"sfu": "loud"} }, `log.subsystems.sfu: level "loud" unknown`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.EqualError(t, c.Validate(), tt.want)
		})
	}
}

func TestDerivedOptions(t *testing.T) {
	c := Default()
	c.Call.Video = false
	c.Media.AudioDeviceID = "mic-2"

	so := c.StreamOptions()
	assert.True(t, so.Audio)
	assert.False(t, so.Video)
	assert.Equal(t, "mic-2", so.AudioDeviceID)
	assert.Equal(t, 1280, so.Width)

	assert.Equal(t, c.Signaling.URL, c.SignalingOptions().URL)
	assert.Equal(t, c.Speaker.Threshold, c.PeerOptions().SpeakingThreshold)
	assert.Equal(t, c.Recovery.BaseDelay, c.RecoveryOptions().BaseDelay)
}

func withEmptySubsystems(c Config) Config {
	if len(c.Log.Subsystems) == 0 {
		c.Log.Subsystems = nil
	}
	return c
}
