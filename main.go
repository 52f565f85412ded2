// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/confcall/internal/app"
	"github.com/petervdpas/confcall/internal/config"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	cfgPath     = flag.String("config", "", "Config file (yaml, json or toml)")
	room        = flag.String("room", "", "Room to join (overrides call.room)")
	name        = flag.String("name", "", "Display name (overrides call.display_name)")
	user        = flag.String("user", "", "Peer id (overrides call.user_id)")
	server      = flag.String("server", "", "Signaling URL (overrides signaling.url)")
	noAudio     = flag.Bool("no-audio", false, "Join without the microphone")
	noVideo     = flag.Bool("no-video", false, "Join without the camera")
	interactive = flag.Bool("i", false, "Read chat and /commands from stdin")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("confcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Call.Room == "" || cfg.Call.DisplayName == "" {
		fmt.Fprintln(os.Stderr, "Error: a room and a display name are required")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nLeaving the call...")
		cancel()
	}()

	opts := app.Options{CfgPath: *cfgPath, Cfg: cfg}
	if *interactive {
		opts.Commands = os.Stdin
	}
	if err := app.Run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Call failed: %v", err)
	}
}

func applyFlags(cfg *config.Config) {
	if *room != "" {
		cfg.Call.Room = *room
	}
	if *name != "" {
		cfg.Call.DisplayName = *name
	}
	if *user != "" {
		cfg.Call.UserID = *user
	}
	if *server != "" {
		cfg.Signaling.URL = *server
	}
	if *noAudio {
		cfg.Call.Audio = false
	}
	if *noVideo {
		cfg.Call.Video = false
	}
}

func showUsage() {
	fmt.Println("confcall - headless SFU call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  confcall -room <room> -name <display name> [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Every config key can also be set from the environment,")
	fmt.Println("e.g. CONFCALL_SIGNALING_URL or CONFCALL_CALL_MAX_PARTICIPANTS.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  confcall -server wss://sfu.example.org/ws -room standup -name Ada")
	fmt.Println("  confcall -config confcall.yaml -no-video -i")
}

func printBanner(cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Server:       %s\n", cfg.Signaling.URL)
	fmt.Printf("Room:         %s\n", cfg.Call.Room)
	fmt.Printf("Display name: %s\n", cfg.Call.DisplayName)
	fmt.Printf("Audio/Video:  %t/%t\n", cfg.Call.Audio, cfg.Call.Video)
	if cfg.Journal.Dir != "" {
		fmt.Printf("Journal:      %s\n", cfg.Journal.Dir)
	}
	fmt.Println("Joining... (Press Ctrl+C to leave)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
