package pipeline

import (
	"github.com/lidarr-plugins/streamcore/breaker"
	"github.com/lidarr-plugins/streamcore/sendloop"
)

// ProfileConfig bundles the resilience knobs a traffic profile resolves
// to: the send-loop policy governing retries/redirects/timeouts for that
// profile, and the circuit breaker configuration guarding whatever
// upstream the profile talks to.
type ProfileConfig struct {
	Resilience sendloop.Policy
	Breaker    breaker.Config
}

// ProfileResolver resolves a named traffic profile (e.g. "search",
// "detail", "download") to its resilience configuration.
// Implementations should fall back to a sane default for an unrecognized
// profile rather than erroring.
type ProfileResolver interface {
	Resolve(profile string) ProfileConfig
}

// StaticProfiles is a ProfileResolver over a fixed map, falling back to
// Default for an empty or unrecognized profile name.
type StaticProfiles struct {
	Profiles map[string]ProfileConfig
	Default  ProfileConfig
}

// Resolve implements ProfileResolver.
func (s StaticProfiles) Resolve(profile string) ProfileConfig {
	if cfg, ok := s.Profiles[profile]; ok {
		return cfg
	}
	return s.Default
}
