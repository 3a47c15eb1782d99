package main

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackoffOverride is the per-profile tuning block of the config file. Zero
// fields keep the built-in default for that knob.
type BackoffOverride struct {
	InitialDelayMS   int     `yaml:"initial_delay_ms"`
	MaxDelayMS       int     `yaml:"max_delay_ms"`
	InitialTimeoutMS int     `yaml:"initial_timeout_ms"`
	MaxTimeoutMS     int     `yaml:"max_timeout_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	MaxAttempts      int     `yaml:"max_attempts"`
}

// GHubSettings configures the companion-application client.
type GHubSettings struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LogSettings configures structured logging.
type LogSettings struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Settings is the full process configuration. All values have workable
// defaults; a missing or broken config file degrades to them with a log
// line, never a failed start.
type Settings struct {
	PollIntervalSeconds   int      `yaml:"poll_interval_seconds"`
	RescanIntervalSeconds int      `yaml:"rescan_interval_seconds"`
	EventDelayAfterOnMS   int      `yaml:"event_delay_after_on_ms"`
	RequeryDelayMS        int      `yaml:"requery_delay_ms"`
	DisabledDevices       []string `yaml:"disabled_devices"`

	GHub GHubSettings `yaml:"ghub"`
	Log  LogSettings  `yaml:"log"`

	Backoff map[string]BackoffOverride `yaml:"backoff"`
}

func defaultSettings() Settings {
	return Settings{
		PollIntervalSeconds:   60,
		RescanIntervalSeconds: 3,
		EventDelayAfterOnMS:   500,
		RequeryDelayMS:        2000,
		GHub: GHubSettings{
			Enabled: false,
			URL:     "ws://localhost:9010",
		},
		Log: LogSettings{Level: "info"},
	}
}

// loadSettings reads the config file over the defaults. Unreadable or
// unparsable files log and fall back; the process always starts.
func loadSettings(path string) Settings {
	s := defaultSettings()
	if path == "" {
		return s
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Str("path", path).Err(err).Msg("config file unreadable, using defaults")
		}
		return s
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("config file invalid, using defaults")
		return defaultSettings()
	}
	return s
}

func (s *Settings) pollInterval() time.Duration {
	if s.PollIntervalSeconds < 1 {
		return 60 * time.Second
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s *Settings) rescanInterval() time.Duration {
	if s.RescanIntervalSeconds < 1 {
		return 3 * time.Second
	}
	return time.Duration(s.RescanIntervalSeconds) * time.Second
}

func (s *Settings) eventDelayAfterOn() time.Duration {
	if s.EventDelayAfterOnMS < 0 {
		return 0
	}
	return time.Duration(s.EventDelayAfterOnMS) * time.Millisecond
}

func (s *Settings) requeryDelay() time.Duration {
	if s.RequeryDelayMS < 0 {
		return 0
	}
	return time.Duration(s.RequeryDelayMS) * time.Millisecond
}

// deviceDisabled matches a device display/product name against the
// configured disable patterns (case-insensitive substring).
func (s *Settings) deviceDisabled(name string) bool {
	if name == "" {
		return false
	}
	low := strings.ToLower(name)
	for _, pat := range s.DisabledDevices {
		if pat != "" && strings.Contains(low, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// backoffProfiles applies the config overrides to the built-in profile set
// and normalizes the result.
func (s *Settings) backoffProfiles() BackoffProfiles {
	p := defaultProfiles()
	apply := func(dst *BackoffProfile) {
		o, ok := s.Backoff[dst.Name]
		if !ok {
			return
		}
		if o.InitialDelayMS > 0 {
			dst.InitialDelay = time.Duration(o.InitialDelayMS) * time.Millisecond
		}
		if o.MaxDelayMS > 0 {
			dst.MaxDelay = time.Duration(o.MaxDelayMS) * time.Millisecond
		}
		if o.InitialTimeoutMS > 0 {
			dst.InitialTimeout = time.Duration(o.InitialTimeoutMS) * time.Millisecond
		}
		if o.MaxTimeoutMS > 0 {
			dst.MaxTimeout = time.Duration(o.MaxTimeoutMS) * time.Millisecond
		}
		if o.Multiplier > 0 {
			dst.Multiplier = o.Multiplier
		}
		if o.MaxAttempts > 0 {
			dst.MaxAttempts = o.MaxAttempts
		}
	}
	apply(&p.Init)
	apply(&p.Battery)
	apply(&p.Metadata)
	apply(&p.Features)
	apply(&p.Ping)
	apply(&p.Receiver)
	return p.normalized()
}
