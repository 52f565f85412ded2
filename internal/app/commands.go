package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
)

// commander is the part of *call.Client the command input drives.
type commander interface {
	SendChat(ctx context.Context, message string) error
	ToggleAudio(ctx context.Context) error
	ToggleVideo(ctx context.Context) error
	StartScreenShare(ctx context.Context, opts media.DisplayOptions) error
	StopScreenShare(ctx context.Context) error
	SwitchDevice(ctx context.Context, kind media.DeviceKind, deviceID string) error
	PinParticipant(id string) error
	UnpinParticipant()
	SortedParticipants() []peers.Participant
}

const commandHelp = `/mute            toggle the microphone
/video           toggle the camera
/share, /unshare start or stop screen sharing
/mic <id>        switch microphone
/cam <id>        switch camera
/pin <id>        pin a participant, /unpin to clear
/who             list participants
/quit            leave the call
anything else is sent as chat`

// readCommands runs every line of r until EOF, /quit or ctx is done.
func readCommands(ctx context.Context, c commander, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		out, quit := runCommand(ctx, c, sc.Text())
		if out != "" {
			fmt.Println(out)
		}
		if quit {
			return nil
		}
	}
	return sc.Err()
}

// runCommand executes one input line. Call errors are already reported
// through the client, so they are only echoed here.
func runCommand(ctx context.Context, c commander, line string) (out string, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	if !strings.HasPrefix(line, "/") {
		return errText(c.SendChat(ctx, line)), false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "leave":
		return "", true
	case "help":
		return commandHelp, false
	case "mute":
		return errText(c.ToggleAudio(ctx)), false
	case "video":
		return errText(c.ToggleVideo(ctx)), false
	case "share":
		return errText(c.StartScreenShare(ctx, media.DisplayOptions{})), false
	case "unshare":
		return errText(c.StopScreenShare(ctx)), false
	case "mic", "cam":
		if arg == "" {
			return "usage: /" + cmd + " <device id>", false
		}
		kind := media.AudioInput
		if cmd == "cam" {
			kind = media.VideoInput
		}
		return errText(c.SwitchDevice(ctx, kind, arg)), false
	case "pin":
		if arg == "" {
			return "usage: /pin <participant id>", false
		}
		return errText(c.PinParticipant(arg)), false
	case "unpin":
		c.UnpinParticipant()
		return "", false
	case "who":
		return who(c.SortedParticipants()), false
	}
	return fmt.Sprintf("unknown command /%s, try /help", cmd), false
}

func who(ps []peers.Participant) string {
	if len(ps) == 0 {
		return "nobody else is here"
	}
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s audio=%s video=%s", p.ID, displayName(p.DisplayName, p.ID), onOff(p.Audio.Enabled), onOff(p.Video.Enabled))
		if p.ScreenSharing() {
			b.WriteString(" sharing")
		}
		if p.Speaking {
			b.WriteString(" speaking")
		}
	}
	return b.String()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return "error: " + err.Error()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
