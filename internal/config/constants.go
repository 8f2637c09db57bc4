package config

// Lua schema field names and globals
const (
	luaGlobalElm = "elm"

	luaFieldDataDir = "data_dir"
	luaFieldFeed    = "feed"
	luaFieldEngine  = "engine"
	luaFieldPrefix  = "prefix"
	luaFieldLog     = "log"

	luaFieldURL           = "url"
	luaFieldAsset         = "asset"
	luaFieldChecksumAsset = "checksum_asset"
	luaFieldTokenEnv      = "token_env"
	luaFieldPerPage       = "per_page"

	luaFieldPolicy            = "policy"
	luaFieldVersion           = "version"
	luaFieldIncludePrerelease = "include_prerelease"
	luaFieldAllowUnverified   = "allow_unverified"
	luaFieldKeyring           = "keyring"
	luaFieldKeep              = "keep"

	luaFieldEnv   = "env"
	luaFieldLevel = "level"
)

// Environment variables
const (
	EnvConfigDir = "ELM_CONFIG_DIR"
	EnvDataDir   = "ELM_DATA_DIR"
	EnvLogLevel  = "ELM_LOG_LEVEL"
)

// Limits
const (
	// MaxConfigSize bounds the configuration file read from disk.
	MaxConfigSize = 1 << 20
	// ConfigFileName is the file looked up in the config directory.
	ConfigFileName = "config.lua"
	// DefaultTokenEnv holds the optional GitHub token for the release feed.
	DefaultTokenEnv = "GITHUB_TOKEN"
	// DefaultKeep is how many engine versions gc keeps.
	DefaultKeep = 1
)
