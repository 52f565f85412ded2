package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/confcall/internal/call"
	"github.com/petervdpas/confcall/internal/callerr"
	"github.com/petervdpas/confcall/internal/config"
	"github.com/petervdpas/confcall/internal/media"
	"github.com/petervdpas/confcall/internal/peers"
	"github.com/petervdpas/confcall/internal/rtc"
	"github.com/petervdpas/confcall/internal/signaling"
	"github.com/petervdpas/confcall/internal/storage"
)

var log = logging.Logger("app")

const leaveTimeout = 5 * time.Second

// ErrCallFailed is returned by Run when the call ends in the failed state.
var ErrCallFailed = errors.New("call failed")

type Options struct {
	CfgPath string
	Cfg     config.Config
	// Commands, when set, is read line by line for chat and /commands.
	Commands io.Reader
}

// Run joins the configured room and stays in it until ctx is done, the
// command input asks to quit, or the call fails for good.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := SetupLogging(cfg.Log); err != nil {
		return err
	}
	if opt.CfgPath != "" {
		log.Infof("APP: config %s", opt.CfgPath)
	}

	capturer, err := media.NewDeviceCapturer(cfg.Media.VideoBitRate)
	if err != nil {
		return fmt.Errorf("init capture: %w", err)
	}
	mm := media.NewManager(capturer)
	if err := mm.RefreshDevices(ctx); err != nil {
		log.Warnf("APP: device enumeration failed: %v", err)
	}
	if cfg.Media.WatchDevices {
		w, err := media.NewFSWatcher(cfg.Media.DeviceDirs...)
		if err != nil {
			log.Warnf("APP: device hotplug disabled: %v", err)
		} else {
			defer w.Close()
			go func() {
				if err := mm.Watch(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
					log.Debugf("APP: device watch stopped: %v", err)
				}
			}()
		}
	}

	handler := callerr.NewHandler(cfg.RecoveryOptions())
	defer handler.Close()

	client := call.New(call.Deps{
		Signaler: signaling.New(cfg.SignalingOptions()),
		Device:   rtc.NewPionDevice(cfg.WebRTC),
		Media:    mm,
		Peers:    peers.NewManager(cfg.PeerOptions()),
		Errors:   handler,
	})
	defer client.Close()

	if cfg.Journal.Dir != "" {
		j, err := storage.Open(cfg.Journal.Dir)
		if err != nil {
			return err
		}
		defer j.Close()
		log.Infof("APP: journal at %s", j.Path())
		stop := Record(j, client)
		defer stop()
	}

	stopLog := logActivity(client)
	defer stopLog()

	failed := make(chan struct{})
	var failOnce sync.Once
	stopFail := client.OnStateChange(func(s call.State) {
		if s.Status == call.StatusFailed {
			failOnce.Do(func() { close(failed) })
		}
	})
	defer stopFail()

	if err := client.JoinCall(ctx, CallConfig(cfg)); err != nil {
		return err
	}
	log.Infof("APP: in room %q as %q", cfg.Call.Room, cfg.Call.DisplayName)

	quit := make(chan struct{})
	if opt.Commands != nil {
		go func() {
			defer close(quit)
			if err := readCommands(ctx, client, opt.Commands); err != nil {
				log.Warnf("APP: command input: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-quit:
	case <-failed:
		s := client.GetState()
		if s.LastError != nil {
			return fmt.Errorf("%w: %v", ErrCallFailed, s.LastError)
		}
		return ErrCallFailed
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	return client.LeaveCall(leaveCtx)
}

// CallConfig is the join configuration described by cfg.
func CallConfig(cfg config.Config) call.Config {
	return call.Config{
		RoomID:          cfg.Call.Room,
		DisplayName:     cfg.Call.DisplayName,
		UserID:          cfg.Call.UserID,
		Audio:           cfg.Call.Audio,
		Video:           cfg.Call.Video,
		MaxParticipants: cfg.Call.MaxParticipants,
		WebRTC:          cfg.WebRTC,
		Media:           cfg.StreamOptions(),
	}
}

// SetupLogging applies the global level and then the per-subsystem ones.
func SetupLogging(l config.Log) error {
	lvl, err := logging.LevelFromString(strings.ToLower(l.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	for name, sub := range l.Subsystems {
		if err := logging.SetLogLevel(name, strings.ToLower(sub)); err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
	}
	return nil
}

// logActivity prints roster and chat changes, the only user-facing output
// of the headless client.
func logActivity(c *call.Client) func() {
	var mu sync.Mutex
	seen := map[string]bool{}
	var lastStatus call.Status
	unsubState := c.OnStateChange(func(s call.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status != lastStatus {
			log.Infof("APP: status %s", s.Status)
			lastStatus = s.Status
		}
		for id, p := range s.Participants {
			if !seen[id] {
				seen[id] = true
				log.Infof("APP: %s joined", displayName(p.DisplayName, id))
			}
		}
		for id := range seen {
			if _, ok := s.Participants[id]; !ok {
				delete(seen, id)
				log.Infof("APP: %s left", id)
			}
		}
	})
	unsubChat := c.OnChat(func(m call.ChatMessage) {
		if m.Local {
			return
		}
		log.Infof("APP: <%s> %s", displayName(m.DisplayName, m.PeerID), m.Message)
	})
	unsubErr := c.OnError(func(ce *callerr.CallError) {
		log.Warnf("APP: %v", ce)
	})
	return func() {
		unsubState()
		unsubChat()
		unsubErr()
	}
}

func displayName(name, id string) string {
	if name == "" {
		return id
	}
	return name
}
