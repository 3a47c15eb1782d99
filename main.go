package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/sstallion/go-hid"
)

var cli struct {
	Config   string `help:"Path to the YAML settings file." default:"settings.yaml"`
	LogLevel string `help:"Override the configured log level." enum:",trace,debug,info,warn,error" default:""`
	Scan     bool   `help:"Dump all connected HID devices and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("hidpp-battery"),
		kong.Description("Battery status reporting for Logitech wireless peripherals."),
	)

	cfg := loadSettings(cli.Config)
	setupLogging(cfg.Log, cli.LogLevel)

	if err := hid.Init(); err != nil {
		logger.Fatal().Err(err).Msg("hid subsystem init failed")
	}
	defer hid.Exit()

	if cli.Scan {
		scanConnectedDevices()
		kctx.Exit(0)
	}
	if logger.GetLevel() <= zerolog.DebugLevel {
		// Dump the HID inventory once on startup so debug logs show what
		// the watcher is about to work with.
		scanConnectedDevices()
	}

	mgr := newManager(&cfg)
	mgr.Start()

	var ghub *GHubClient
	if cfg.GHub.Enabled {
		ghub = newGHubClient(cfg.GHub.URL, cfg.backoffProfiles().Init, emit)
		ghub.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	// Shutdown runs off the signal handler so the event pump stays a plain
	// range loop that ends when Stop closes the channel.
	go func() {
		s := <-sig
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		if ghub != nil {
			ghub.Stop()
		}
		mgr.Stop()
	}()

	for ev := range mgr.Events() {
		emit(ev)
	}
}

// emit writes one event as a JSON line on stdout, the process boundary a
// supervising application consumes.
func emit(ev DeviceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error().Err(err).Msg("event marshal failed")
		return
	}
	os.Stdout.Write(append(data, '\n'))
}
