package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/confcall/internal/call"
	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/config"
	"github.com/petervdpas/confcall/internal/events"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/storage"
)

type fakeCall struct {
	states events.Registry[call.State]
	errs   events.Registry[*callerr.CallError]

	calls    []string
	chat     []string
	pinned   string
	failWith error
	roster   []peers.Participant
}

func (f *fakeCall) OnStateChange(fn func(call.State)) func() { return f.states.Add(fn) }
func (f *fakeCall) OnError(fn func(*callerr.CallError)) func() { return f.errs.Add(fn) }
func (f *fakeCall) SortedParticipants() []peers.Participant { return f.roster }
func (f *fakeCall) UnpinParticipant() { f.calls = append(f.calls, "unpin") }
func (f *fakeCall) StopScreenShare(context.Context) error { return f.call("unshare") }
func (f *fakeCall) ToggleAudio(context.Context) error { return f.call("mute") }
func (f *fakeCall) ToggleVideo(context.Context) error { return f.call("video") }
func (f *fakeCall) StartScreenShare(context.Context, media.DisplayOptions) error {
	return f.call("share")
}

func (f *fakeCall) SendChat(_ context.Context, m string) error {
	f.chat = append(f.chat, m)
	return f.failWith
}

func (f *fakeCall) SwitchDevice(_ context.Context, kind media.DeviceKind, id string) error {
	return f.call("switch " + string(kind) + " " + id)
}

func (f *fakeCall) PinParticipant(id string) error {
	f.pinned = id
	return f.call("pin")
}

func (f *fakeCall) call(name string) error {
	f.calls = append(f.calls, name)
	return f.failWith
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	f := &fakeCall{}

	for _, line := range []string{"/mute", "/video", "/share", "/unshare", "/mic usb-mic", "/cam cam-2", "/pin p1", "/unpin"} {
		out, quit := runCommand(ctx, f, line)
		assert.Empty(t, out, line)
		assert.False(t, quit, line)
	}
	assert.Equal(t, []string{
		"mute", "video", "share", "unshare",
		"switch " + string(media.AudioInput) + " usb-mic",
		"switch " + string(media.VideoInput) + " cam-2",
		"pin", "unpin",
	}, f.calls)
	assert.Equal(t, "p1", f.pinned)

	out, _ := runCommand(ctx, f, "  hello there ")
	assert.Empty(t, out)
	assert.Equal(t, []string{"hello there"}, f.chat)

	_, quit := runCommand(ctx, f, "/quit")
	assert.True(t, quit)

	out, _ = runCommand(ctx, f, "/pin")
	assert.Equal(t, "usage: /pin <participant id>", out)
	out, _ = runCommand(ctx, f, "/dance")
	assert.Equal(t, "unknown command /dance, try /help", out)
	out, _ = runCommand(ctx, f, "")
	assert.Empty(t, out)
}

func TestRunCommandEchoesErrors(t *testing.T) {
	f := &fakeCall{failWith: errors.New("not in a call")}
	out, quit := runCommand(context.Background(), f, "/mute")
	assert.Equal(t, "error: not in a call", out)
	assert.False(t, quit)
}

func TestWho(t *testing.T) {
	assert.Equal(t, "nobody else is here", who(nil))

	ps := []peers.Participant{
		{Member: peers.Member{ID: "p1", DisplayName: "Ada", Speaking: true}, Audio: peers.MediaSlot{Enabled: true}},
		{Member: peers.Member{ID: "p2"}, Screen: peers.MediaSlot{Enabled: true}},
	}
	assert.Equal(t, "p1 Ada audio=on video=off speaking\np2 p2 audio=off video=off sharing", who(ps))
}

func TestReadCommandsStopsAtQuit(t *testing.T) {
	f := &fakeCall{}
	err := readCommands(context.Background(), f, strings.NewReader("hi\n/quit\nafter\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, f.chat)
}

func TestRecordWritesJournal(t *testing.T) {
	j, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	f := &fakeCall{}
	stop := Record(j, f)

	f.states.Emit(call.State{Status: call.StatusConnecting, RoomID: "r1"})
	f.states.Emit(call.State{Status: call.StatusConnecting, RoomID: "r1"})
	f.states.Emit(call.State{Status: call.StatusConnected, RoomID: "r1"})
	f.errs.Emit(callerr.New(callerr.ProducerError, "produce failed", nil, callerr.Context{Operation: "produce"}))
	stop()
	f.states.Emit(call.State{Status: call.StatusDisconnected, RoomID: "r1"})

	hist, err := j.StatusHistory("r1")
	require.NoError(t, err)
	require.Len(t, hist, 2, "repeated states and post-stop changes are not recorded")
	assert.Equal(t, "idle", hist[0].From)
	assert.Equal(t, "connecting", hist[0].To)
	assert.Equal(t, "connected", hist[1].To)

	errs, err := j.RecentErrors(10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "r1", errs[0].RoomID)
	assert.Equal(t, callerr.ProducerError, errs[0].Type)
	assert.WithinDuration(t, time.Now(), errs[0].At, time.Minute)
}

func TestCallConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Call.Room = "standup"
	cfg.Call.DisplayName = "Ada"
	cfg.Call.Video = false
	cfg.Call.MaxParticipants = 4

	cc := CallConfig(cfg)
	require.NoError(t, cc.Validate())
	assert.Equal(t, "standup", cc.RoomID)
	assert.False(t, cc.Video)
	assert.False(t, cc.Media.Video)
	assert.Equal(t, 4, cc.MaxParticipants)
	assert.Equal(t, cfg.WebRTC, cc.WebRTC)
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, SetupLogging(config.Log{Level: "warn", Subsystems: map[string]string{"app": "debug"}}))
	assert.Error(t, SetupLogging(config.Log{Level: "loud"}))
}
