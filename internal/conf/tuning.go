package conf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forumline/livecore/internal/biz/domain"
)

// TuningConfig contains the timing knobs of the interaction core, loaded from YAML
type TuningConfig struct {
	Presence PresenceTuning `yaml:"presence"`
	Typing   TypingTuning   `yaml:"typing"`
	Feed     FeedTuning     `yaml:"feed"`
	Scroll   ScrollTuning   `yaml:"scroll"`
}

// PresenceTuning contains heartbeat and staleness settings
type PresenceTuning struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OfflineThreshold  time.Duration `yaml:"offline_threshold"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
}

// TypingTuning contains typing indicator settings
type TypingTuning struct {
	Timeout time.Duration `yaml:"timeout"`
}

// FeedTuning contains pagination settings
type FeedTuning struct {
	PageLimit int `yaml:"page_limit"`
}

// ScrollTuning contains infinite scroll settings
type ScrollTuning struct {
	NearTopOffset int `yaml:"near_top_offset"`
}

// LoadTuningConfig loads tuning from a YAML file, falling back to defaults when no file exists
func LoadTuningConfig(configPath string) (*TuningConfig, error) {
	// Try multiple paths
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/livecore.yaml",
			"/etc/livecore/livecore.yaml",
		}
		// Add path relative to executable
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "livecore.yaml"))
		}
	}

	var data []byte
	var loadedPath string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data, loadedPath = b, p
			break
		}
	}

	if data == nil {
		slog.Info("[Config] No livecore.yaml found, using default tuning")
		return DefaultTuningConfig(), nil
	}

	slog.Info("[Config] Loading tuning", "path", loadedPath)

	var config TuningConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", loadedPath, err)
	}

	// Fill in defaults for empty values
	config.fillDefaults()

	return &config, nil
}

// fillDefaults fills in default values for empty fields
func (c *TuningConfig) fillDefaults() {
	defaults := DefaultTuningConfig()

	if c.Presence.HeartbeatInterval == 0 {
		c.Presence.HeartbeatInterval = defaults.Presence.HeartbeatInterval
	}
	if c.Presence.OfflineThreshold == 0 {
		c.Presence.OfflineThreshold = defaults.Presence.OfflineThreshold
	}
	if c.Presence.RefreshInterval == 0 {
		c.Presence.RefreshInterval = defaults.Presence.RefreshInterval
	}
	if c.Typing.Timeout == 0 {
		c.Typing.Timeout = defaults.Typing.Timeout
	}
	if c.Feed.PageLimit == 0 {
		c.Feed.PageLimit = defaults.Feed.PageLimit
	}
	if c.Scroll.NearTopOffset == 0 {
		c.Scroll.NearTopOffset = defaults.Scroll.NearTopOffset
	}
}

// applyEnv overrides tuning values from environment variables
func (c *TuningConfig) applyEnv() {
	durations := map[string]*time.Duration{
		"LIVECORE_HEARTBEAT_INTERVAL": &c.Presence.HeartbeatInterval,
		"LIVECORE_OFFLINE_THRESHOLD":  &c.Presence.OfflineThreshold,
		"LIVECORE_TYPING_TIMEOUT":     &c.Typing.Timeout,
	}
	for key, target := range durations {
		if val := os.Getenv(key); val != "" {
			if parsed, err := time.ParseDuration(val); err == nil {
				*target = parsed
			}
		}
	}
	if val := os.Getenv("LIVECORE_PAGE_LIMIT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			c.Feed.PageLimit = parsed
		}
	}
}

// ToPresenceConfig converts to domain presence configuration
func (c *TuningConfig) ToPresenceConfig() domain.PresenceConfig {
	return domain.PresenceConfig{
		HeartbeatInterval: c.Presence.HeartbeatInterval,
		OfflineThreshold:  c.Presence.OfflineThreshold,
		RefreshInterval:   c.Presence.RefreshInterval,
	}
}

// DefaultTuningConfig returns the stock timing
func DefaultTuningConfig() *TuningConfig {
	presence := domain.DefaultPresenceConfig()
	return &TuningConfig{
		Presence: PresenceTuning{
			HeartbeatInterval: presence.HeartbeatInterval,
			OfflineThreshold:  presence.OfflineThreshold,
			RefreshInterval:   presence.RefreshInterval,
		},
		Typing: TypingTuning{
			Timeout: domain.DefaultTypingTimeout,
		},
		Feed: FeedTuning{
			PageLimit: domain.DefaultPageLimit,
		},
		Scroll: ScrollTuning{
			NearTopOffset: 400,
		},
	}
}
