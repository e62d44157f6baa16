// Package sync runs the device side of synchronization: queueing local
// operations, pushing them upstream, folding in verdicts, and reconciling
// local state against hub snapshots.
package sync

import (
	"os"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"
)

// Config controls the background sync client. All values come from the
// environment so a device can be pointed at a hub without a config file.
type Config struct {
	Enabled     bool
	UpstreamURL string
	Username    string
	Password    string

	Interval  time.Duration
	BatchSize int

	// Change tracker tuning.
	TrackerTTL     time.Duration
	TrackerWindow  time.Duration
	TrackerMaxSize int
}

// Defaults applied when the environment doesn't say otherwise.
const (
	DefaultInterval       = 30 * time.Second
	DefaultBatchSize      = 50
	DefaultTrackerTTL     = time.Hour
	DefaultTrackerWindow  = 5 * time.Minute
	DefaultTrackerMaxSize = 1000
)

// LoadConfig reads NAVIGATOR_SYNC_* from the environment. Sync is enabled
// iff an upstream URL is set.
func LoadConfig() Config {
	cfg := Config{
		UpstreamURL:    os.Getenv("NAVIGATOR_SYNC_UPSTREAM"),
		Username:       os.Getenv("NAVIGATOR_SYNC_USERNAME"),
		Password:       os.Getenv("NAVIGATOR_SYNC_PASSWORD"),
		Interval:       envDuration("NAVIGATOR_SYNC_INTERVAL_SECS", DefaultInterval),
		BatchSize:      envInt("NAVIGATOR_SYNC_BATCH_SIZE", DefaultBatchSize),
		TrackerTTL:     envDuration("NAVIGATOR_SYNC_TRACKER_TTL_SECS", DefaultTrackerTTL),
		TrackerWindow:  envDuration("NAVIGATOR_SYNC_TRACKER_WINDOW_SECS", DefaultTrackerWindow),
		TrackerMaxSize: envInt("NAVIGATOR_SYNC_TRACKER_MAX", DefaultTrackerMaxSize),
	}
	cfg.Enabled = cfg.UpstreamURL != ""
	return cfg
}

// Validate checks that an enabled config is usable.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Username == "" || c.Password == "" {
		return serr.New("sync upstream configured but NAVIGATOR_SYNC_USERNAME/PASSWORD are not set")
	}
	if c.Interval < time.Second {
		return serr.New("sync interval must be at least one second")
	}
	if c.BatchSize < 1 {
		return serr.New("sync batch size must be positive")
	}
	return nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
