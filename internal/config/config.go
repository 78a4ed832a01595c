// Package config loads the settings file.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/calibern/screenmatch/internal/logging"
)

// Config is the recognized configuration surface
type Config struct {
	// Template store
	TemplateDir   string
	Extensions    []string
	CacheCapacity int // 0 = unbounded

	// Result cache
	ResultCacheTTL time.Duration

	// Capture
	CaptureTimeout  time.Duration
	CaptureInterval time.Duration
	FrameBuffer     int

	// Polling
	PollInterval time.Duration

	// Matching defaults
	DefaultThreshold float64

	// History database, empty disables persistence
	HistoryPath string

	Log logging.Config
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		TemplateDir:      "templates",
		Extensions:       []string{".png", ".jpg", ".jpeg", ".bmp"},
		CacheCapacity:    0,
		ResultCacheTTL:   250 * time.Millisecond,
		CaptureTimeout:   5 * time.Second,
		CaptureInterval:  33 * time.Millisecond,
		FrameBuffer:      1,
		PollInterval:     50 * time.Millisecond,
		DefaultThreshold: 0.85,
		Log:              logging.DefaultConfig(),
	}
}

// Load reads settings from an INI file, falling back to defaults for
// anything unset.
func Load(path string) (Config, error) {
	config := Default()

	file, err := ini.Load(path)
	if err != nil {
		return config, fmt.Errorf("failed to load config file: %w", err)
	}

	section := file.Section("Matcher")
	config.TemplateDir = section.Key("templateDir").MustString(config.TemplateDir)
	config.CacheCapacity = section.Key("cacheCapacity").MustInt(config.CacheCapacity)
	config.DefaultThreshold = section.Key("defaultThreshold").MustFloat64(config.DefaultThreshold)

	if exts := section.Key("extensions").MustString(""); exts != "" {
		config.Extensions = nil
		for _, ext := range strings.Split(exts, ",") {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			config.Extensions = append(config.Extensions, strings.ToLower(ext))
		}
	}

	config.ResultCacheTTL = durationKey(section, "resultCacheTTLMs", config.ResultCacheTTL)
	config.PollInterval = durationKey(section, "pollIntervalMs", config.PollInterval)

	captureSection := file.Section("Capture")
	config.CaptureTimeout = durationKey(captureSection, "timeoutMs", config.CaptureTimeout)
	config.CaptureInterval = durationKey(captureSection, "intervalMs", config.CaptureInterval)
	config.FrameBuffer = captureSection.Key("frameBuffer").MustInt(config.FrameBuffer)

	historySection := file.Section("History")
	config.HistoryPath = historySection.Key("path").MustString(config.HistoryPath)

	logSection := file.Section("Log")
	config.Log.Level = logSection.Key("level").MustString(config.Log.Level)
	config.Log.Console = logSection.Key("console").MustBool(config.Log.Console)
	config.Log.File = logSection.Key("file").MustString(config.Log.File)
	config.Log.MaxSizeMB = logSection.Key("maxSizeMB").MustInt(config.Log.MaxSizeMB)
	config.Log.MaxBackups = logSection.Key("maxBackups").MustInt(config.Log.MaxBackups)

	return config, nil
}

func durationKey(section *ini.Section, key string, fallback time.Duration) time.Duration {
	ms := section.Key(key).MustInt(int(fallback / time.Millisecond))
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
