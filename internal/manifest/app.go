package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/elm-linux/elm/internal/integrity"
)

// SchemaAppV1 is the application descriptor schema.
const SchemaAppV1 = "elm.manifest.v1"

// App describes a Windows application installed into a prefix. Sections
// elm has no use for, such as runtime, are ignored:
//
//	{
//	  "schema": "elm.manifest.v1",
//	  "id": "eve-online",
//	  "display_name": "EVE Online",
//	  "installer": {
//	    "type": "exe",
//	    "source": { "url": "https://launcher.example/Setup.exe", "sha256": "…" },
//	    "install_dir": "EVE",
//	  },
//	  "engine": { "ref": "ge-proton10-27" },
//	  "env": { "base": { "DXVK_ASYNC": "1" } },
//	  "launch": { "entrypoints": [ { "name": "Launcher", "type": "exe", "path": "drive_c/EVE/launcher.exe" } ] },
//	}
type App struct {
	Schema      string    `json:"schema"`
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Installer   Installer `json:"installer"`
	Engine      EngineRef `json:"engine"`
	Env         AppEnv    `json:"env"`
	Launch      Launch    `json:"launch"`
}

// Installer locates the setup program and where it installs to.
type Installer struct {
	Type   string          `json:"type"`
	Source InstallerSource `json:"source"`
	// InstallDir is relative to drive_c.
	InstallDir string   `json:"install_dir"`
	Args       []string `json:"args"`
}

// InstallerSource is the download of an installer. SHA256 is optional.
type InstallerSource struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// EngineRef names the engine the application was tested with.
type EngineRef struct {
	Ref string `json:"ref"`
}

// AppEnv holds variables applied when the application runs.
type AppEnv struct {
	Base map[string]string `json:"base"`
}

// Launch lists the programs that start the application.
type Launch struct {
	Entrypoints []Entrypoint `json:"entrypoints"`
}

// Entrypoint is one launchable program. Path is relative to pfx/.
type Entrypoint struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// ParseApp decodes an application descriptor and validates it.
func ParseApp(data []byte) (*App, error) {
	var a App
	if err := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data))).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode application descriptor: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadApp reads and parses the application descriptor at p.
func LoadApp(p string) (*App, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open application descriptor: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDescriptorSize+1))
	if err != nil {
		return nil, fmt.Errorf("read application descriptor: %w", err)
	}
	if len(data) > maxDescriptorSize {
		return nil, fmt.Errorf("application descriptor %s exceeds %d bytes", p, maxDescriptorSize)
	}
	a, err := ParseApp(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return a, nil
}

// Validate checks required fields and that every path stays inside the
// prefix.
func (a *App) Validate() error {
	if a.Schema != "" && a.Schema != SchemaAppV1 {
		return &ValidationError{Field: "schema", Message: fmt.Sprintf("unsupported schema %q", a.Schema)}
	}
	if a.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if strings.ContainsAny(a.ID, `/\`) || a.ID == "." || a.ID == ".." {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("must not contain path separators: %q", a.ID)}
	}
	if src := a.Installer.Source.URL; src != "" {
		u, err := url.Parse(src)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return &ValidationError{Field: "installer.source.url", Message: fmt.Sprintf("not an http(s) URL: %q", src)}
		}
	}
	if d := a.Installer.Source.SHA256; d != "" && !integrity.Valid(d) {
		return &ValidationError{Field: "installer.source.sha256", Message: "not a hex sha256 digest"}
	}
	if !insidePrefix(a.Installer.InstallDir) {
		return &ValidationError{Field: "installer.install_dir", Message: "must be a relative path inside drive_c"}
	}
	for i, e := range a.Launch.Entrypoints {
		if e.Path == "" || !insidePrefix(e.Path) {
			return &ValidationError{Field: fmt.Sprintf("launch.entrypoints[%d].path", i), Message: "must be a relative path inside the prefix"}
		}
	}
	return nil
}

// Entrypoint returns the named entrypoint, or the first one when name is
// empty.
func (a *App) Entrypoint(name string) (*Entrypoint, error) {
	if len(a.Launch.Entrypoints) == 0 {
		return nil, fmt.Errorf("application %s has no entrypoints", a.ID)
	}
	if name == "" {
		return &a.Launch.Entrypoints[0], nil
	}
	for i := range a.Launch.Entrypoints {
		if a.Launch.Entrypoints[i].Name == name {
			return &a.Launch.Entrypoints[i], nil
		}
	}
	return nil, fmt.Errorf("application %s has no entrypoint %q", a.ID, name)
}

func insidePrefix(p string) bool {
	if p == "" {
		return true
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return !path.IsAbs(p) && validSubdir(p)
}
