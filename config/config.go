// Package config carries the tunable parameters of the engine, loaded
// from a TOML file the way the reference client's own on-disk config
// is structured, via github.com/BurntSushi/toml.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/carlmjohnson/versioninfo"
)

// Config holds every tunable of spec.md that isn't itself part of the
// protocol's wire format.
type Config struct {
	// KEX tuning (spec.md 4.F).
	SegmentSizeBytes    int           `toml:"segment_size_bytes"`
	RotationInterval    time.Duration `toml:"rotation_interval"`
	RotationBackoffStep time.Duration `toml:"rotation_backoff_step"`

	// Send lock tuning (spec.md 4.H).
	LockTTL       time.Duration   `toml:"lock_ttl"`
	LockRetryWait []time.Duration `toml:"lock_retry_wait"`

	// Local storage root (spec.md §6).
	StorageRoot string `toml:"storage_root"`

	// Backend selects which store.Store implementation the host wires
	// up; the concrete backend itself is out of scope for this
	// module (spec.md §1) — this is just a label the host can branch
	// on.
	Backend string `toml:"backend"`
}

// Default returns the literal defaults named throughout spec.md: a
// 1024-byte segment, a 600ms rotation interval with a 1000ms backoff
// step, a 5-minute lock TTL, and the 1s/2s/4s/10s retry schedule.
func Default() Config {
	return Config{
		SegmentSizeBytes:    1024,
		RotationInterval:    600 * time.Millisecond,
		RotationBackoffStep: 1000 * time.Millisecond,
		LockTTL:             5 * time.Minute,
		LockRetryWait: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			10 * time.Second,
		},
		StorageRoot: "conversations",
		Backend:     "memstore",
	}
}

// Load reads path as TOML and overlays it on top of Default(), so a
// partial config file only needs to name the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// VersionBanner returns a one-line "module version" string for the
// host's first log line, stamped from build info the same way the
// reference binaries report their own version.
func VersionBanner() string {
	return "otpcore " + versioninfo.Short()
}
