package config

import (
	"fmt"
	"regexp"

	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/release"
)

// Config is the parsed configuration.
type Config struct {
	DataDir string
	Feed    FeedConfig
	Engine  EngineConfig
	Prefix  PrefixConfig
	Log     LogConfig
}

// FeedConfig describes the release feed.
type FeedConfig struct {
	URL           string
	Asset         string // glob selecting the engine archive
	ChecksumAsset string // release-wide checksum listing, optional
	TokenEnv      string // environment variable holding a GitHub token
	PerPage       int
}

// EngineConfig selects and verifies engine versions.
type EngineConfig struct {
	Policy            string // "latest", "pinned" or "at_least"
	Version           string
	IncludePrerelease bool
	AllowUnverified   bool   // accept releases without a published digest
	Keyring           string // OpenPGP keyring for detached signatures
	Keep              int    // versions kept by gc
}

// PrefixConfig holds defaults for new prefixes.
type PrefixConfig struct {
	Env map[string]string
}

// LogConfig configures logging.
type LogConfig struct {
	Level string
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:      release.DefaultFeedURL,
			Asset:    release.DefaultAssetPattern,
			TokenEnv: DefaultTokenEnv,
			PerPage:  release.DefaultPerPage,
		},
		Engine: EngineConfig{
			Policy: "latest",
			Keep:   DefaultKeep,
		},
		Prefix: PrefixConfig{Env: map[string]string{}},
		Log:    LogConfig{Level: "info"},
	}
}

// Policy converts the engine settings into a release policy.
func (c *Config) Policy() (release.Policy, error) {
	p, err := release.ParsePolicy(c.Engine.Policy, c.Engine.Version)
	if err != nil {
		return release.Policy{}, err
	}
	p.IncludePrerelease = c.Engine.IncludePrerelease
	return p, nil
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate performs basic validation on a Config.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return &ValidationError{Field: "engine.policy", Message: err.Error()}
	}
	if c.Engine.Keep < 1 {
		return &ValidationError{Field: "engine.keep", Message: fmt.Sprintf("must be at least 1, got %d", c.Engine.Keep)}
	}
	if c.Feed.PerPage < 1 || c.Feed.PerPage > 100 {
		return &ValidationError{Field: "feed.per_page", Message: fmt.Sprintf("must be between 1 and 100, got %d", c.Feed.PerPage)}
	}
	if c.Feed.TokenEnv != "" && !envNamePattern.MatchString(c.Feed.TokenEnv) {
		return &ValidationError{Field: "feed.token_env", Message: fmt.Sprintf("invalid variable name %q", c.Feed.TokenEnv)}
	}
	for name := range c.Prefix.Env {
		if !envNamePattern.MatchString(name) {
			return &ValidationError{Field: "prefix.env", Message: fmt.Sprintf("invalid variable name %q", name)}
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Field: "log.level", Message: err.Error()}
	}
	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}
