package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/elm-linux/elm/internal/logging"
	"github.com/elm-linux/elm/internal/platform"
)

// Parser evaluates Lua config files.
type Parser struct {
	detector platform.Detector
	logger   logging.Logger
}

// NewParser creates a config parser. A nil detector leaves the platform
// table out of the VM.
func NewParser(detector platform.Detector, logger logging.Logger) *Parser {
	return &Parser{detector: detector, logger: logging.OrNop(logger)}
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

// Load reads the config at path. A missing file yields Defaults.
func (p *Parser) Load(ctx context.Context, path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Debug("no config file, using defaults", "path", path)
		cfg := Defaults()
		applyEnv(cfg)
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxConfigSize {
		return nil, &ParseError{
			Message: "config file too large",
			Detail:  fmt.Sprintf("%s exceeds %d bytes", path, MaxConfigSize),
		}
	}

	if findings := DetectSensitiveData(string(data)); len(findings) > 0 {
		p.logger.Warn(strings.TrimSpace(FormatSensitiveDataWarning(findings)), "path", path)
	}

	cfg, err := p.ParseString(ctx, string(data))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// ParseString parses a Lua config from a string. Environment overrides
// are not applied.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	L := newSandboxedVM()
	defer L.Close()
	L.SetContext(ctx)

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
	}

	if err := L.DoString(luaCode); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ParseError{
			Message: "Lua error",
			Detail:  err.Error(),
		}
	}

	cfg, err := extractConfig(L)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{
			Message: "config validation failed",
			Detail:  err.Error(),
		}
	}
	return cfg, nil
}

// applyEnv lets ELM_DATA_DIR and ELM_LOG_LEVEL override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

// extractConfig reads the global "elm" table over Defaults.
// A config without the table is valid and yields Defaults.
func extractConfig(L *lua.LState) (*Config, error) {
	cfg := Defaults()

	root := L.GetGlobal(luaGlobalElm)
	switch root.Type() {
	case lua.LTNil:
		return cfg, nil
	case lua.LTTable:
	default:
		return nil, &ParseError{
			Message: "invalid 'elm' table",
			Detail:  fmt.Sprintf("expected table, got %s", root.Type()),
		}
	}
	t := root.(*lua.LTable)

	r := tableReader{prefix: luaGlobalElm}
	r.str(t, luaFieldDataDir, &cfg.DataDir)

	if feed := r.table(t, luaFieldFeed); feed != nil {
		fr := r.sub(luaFieldFeed)
		fr.str(feed, luaFieldURL, &cfg.Feed.URL)
		fr.str(feed, luaFieldAsset, &cfg.Feed.Asset)
		fr.str(feed, luaFieldChecksumAsset, &cfg.Feed.ChecksumAsset)
		fr.str(feed, luaFieldTokenEnv, &cfg.Feed.TokenEnv)
		fr.integer(feed, luaFieldPerPage, &cfg.Feed.PerPage)
		r.err = fr.err
	}

	if engine := r.table(t, luaFieldEngine); engine != nil {
		er := r.sub(luaFieldEngine)
		er.str(engine, luaFieldPolicy, &cfg.Engine.Policy)
		er.str(engine, luaFieldVersion, &cfg.Engine.Version)
		er.boolean(engine, luaFieldIncludePrerelease, &cfg.Engine.IncludePrerelease)
		er.boolean(engine, luaFieldAllowUnverified, &cfg.Engine.AllowUnverified)
		er.str(engine, luaFieldKeyring, &cfg.Engine.Keyring)
		er.integer(engine, luaFieldKeep, &cfg.Engine.Keep)
		r.err = er.err
	}

	if prefix := r.table(t, luaFieldPrefix); prefix != nil {
		pr := r.sub(luaFieldPrefix)
		if env := pr.table(prefix, luaFieldEnv); env != nil {
			pr.stringMap(env, luaFieldEnv, cfg.Prefix.Env)
		}
		r.err = pr.err
	}

	if log := r.table(t, luaFieldLog); log != nil {
		lr := r.sub(luaFieldLog)
		lr.str(log, luaFieldLevel, &cfg.Log.Level)
		r.err = lr.err
	}

	if r.err != nil {
		return nil, r.err
	}
	return cfg, nil
}

// tableReader copies typed fields out of Lua tables, keeping the first
// type error. Absent (nil) fields leave the destination untouched.
type tableReader struct {
	prefix string
	err    error
}

func (r *tableReader) sub(field string) *tableReader {
	return &tableReader{prefix: r.prefix + "." + field, err: r.err}
}

func (r *tableReader) fail(field string, want string, got lua.LValue) {
	if r.err != nil {
		return
	}
	r.err = &ParseError{
		Message: "invalid value for " + r.prefix + "." + field,
		Detail:  fmt.Sprintf("expected %s, got %s", want, got.Type()),
	}
}

func (r *tableReader) table(t *lua.LTable, field string) *lua.LTable {
	v := t.RawGetString(field)
	switch v := v.(type) {
	case *lua.LTable:
		return v
	case *lua.LNilType:
		return nil
	default:
		r.fail(field, "table", v)
		return nil
	}
}

func (r *tableReader) str(t *lua.LTable, field string, dst *string) {
	switch v := t.RawGetString(field).(type) {
	case lua.LString:
		*dst = string(v)
	case *lua.LNilType:
	default:
		r.fail(field, "string", v)
	}
}

func (r *tableReader) boolean(t *lua.LTable, field string, dst *bool) {
	switch v := t.RawGetString(field).(type) {
	case lua.LBool:
		*dst = bool(v)
	case *lua.LNilType:
	default:
		r.fail(field, "boolean", v)
	}
}

func (r *tableReader) integer(t *lua.LTable, field string, dst *int) {
	switch v := t.RawGetString(field).(type) {
	case lua.LNumber:
		if float64(v) != float64(int(v)) {
			r.fail(field, "integer", v)
			return
		}
		*dst = int(v)
	case *lua.LNilType:
	default:
		r.fail(field, "number", v)
	}
}

// stringMap copies string keys to string values. Nil values, such as the
// result of platform.when on another platform, are skipped by ForEach.
func (r *tableReader) stringMap(t *lua.LTable, field string, dst map[string]string) {
	t.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			r.fail(field, "string keys", k)
			return
		}
		switch v := v.(type) {
		case lua.LString:
			dst[string(key)] = string(v)
		case lua.LNumber:
			dst[string(key)] = v.String()
		case lua.LBool:
			if v {
				dst[string(key)] = "1"
			} else {
				dst[string(key)] = "0"
			}
		default:
			r.fail(field+"."+string(key), "string", v)
		}
	})
}

// FormatError formats a ParseError for user display.
// In verbose mode, show the raw Lua error. Otherwise, show friendly message.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	}
	return err.Error()
}
