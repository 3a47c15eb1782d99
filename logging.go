package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/sstallion/go-hid"
)

// logger is the process-wide structured logger, configured once at startup.
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// setupLogging configures level and destination. A file destination gets
// plain JSON lines; the console gets the human-readable writer.
func setupLogging(cfg LogSettings, levelOverride string) {
	level := cfg.Level
	if levelOverride != "" {
		level = levelOverride
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn().Str("file", cfg.File).Err(err).Msg("log file unavailable, staying on stderr")
		} else {
			out = f
		}
	}
	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// scanConnectedDevices dumps every candidate HID++ interface. Runs at
// startup in debug, and as the whole job in --scan mode.
func scanConnectedDevices() {
	found := 0
	_ = hid.Enumerate(logitechVendorID, 0, func(info *hid.DeviceInfo) error {
		match := isHidppInterface(info)
		logger.Info().
			Str("path", info.Path).
			Uint16("vid", info.VendorID).
			Uint16("pid", info.ProductID).
			Str("product", info.ProductStr).
			Str("serial", info.SerialNbr).
			Uint16("usagePage", info.UsagePage).
			Uint16("usage", info.Usage).
			Int("interface", info.InterfaceNbr).
			Bool("hidpp", match).
			Msg("hid interface")
		if match {
			found++
		}
		return nil
	})
	if found == 0 {
		logger.Info().Msg("no HID++ capable interfaces found")
	}
}
