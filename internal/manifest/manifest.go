// Package manifest reads engine and application descriptor files.
//
// A descriptor pins one engine build by URL and digest. Descriptors are
// JSON with comments and trailing commas allowed:
//
//	{
//	  // GE-Proton 10-26, mirrored
//	  "schema": "elm.engine.v1",
//	  "id": "ge-proton10-26",
//	  "type": "proton",
//	  "source": { "kind": "url", "url": "https://mirror.example/GE-Proton10-26.tar.gz" },
//	  "sha256": "…",
//	  "layout": { "proton_root_subdir": "GE-Proton10-26", "runner": "proton" },
//	}
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
	"github.com/elm-linux/elm/internal/release"
)

// SchemaEngineV1 is the only descriptor schema understood.
const SchemaEngineV1 = "elm.engine.v1"

// SourceKindURL is the only supported source kind.
const SourceKindURL = "url"

// maxDescriptorSize bounds descriptor files.
const maxDescriptorSize = 1 << 20

// Engine is an engine descriptor.
type Engine struct {
	Schema string `json:"schema"`
	ID     string `json:"id"`
	Type   string `json:"type"`
	Source Source `json:"source"`
	Layout Layout `json:"layout"`
	SHA256 string `json:"sha256"`
}

// Source locates the engine archive.
type Source struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Layout describes the extracted tree.
type Layout struct {
	ProtonRootSubdir string `json:"proton_root_subdir"`
	Runner           string `json:"runner"`
}

// ValidationError reports an invalid descriptor field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid engine descriptor: " + e.Field + ": " + e.Message
}

// Parse decodes a descriptor and validates it.
func Parse(data []byte) (*Engine, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()

	var e Engine
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode engine descriptor: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Load reads and parses the descriptor at path.
func Load(p string) (*Engine, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open engine descriptor: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDescriptorSize+1))
	if err != nil {
		return nil, fmt.Errorf("read engine descriptor: %w", err)
	}
	if len(data) > maxDescriptorSize {
		return nil, fmt.Errorf("engine descriptor %s exceeds %d bytes", p, maxDescriptorSize)
	}

	e, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return e, nil
}

// Validate checks required fields.
func (e *Engine) Validate() error {
	if e.Schema != "" && e.Schema != SchemaEngineV1 {
		return &ValidationError{Field: "schema", Message: fmt.Sprintf("unsupported schema %q", e.Schema)}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if _, err := release.ParseVersion(e.ID); err != nil {
		return &ValidationError{Field: "id", Message: err.Error()}
	}
	if e.Source.Kind != SourceKindURL {
		return &ValidationError{Field: "source.kind", Message: fmt.Sprintf("must be %q, got %q", SourceKindURL, e.Source.Kind)}
	}
	u, err := url.Parse(e.Source.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &ValidationError{Field: "source.url", Message: fmt.Sprintf("not an http(s) URL: %q", e.Source.URL)}
	}
	if e.SHA256 != "" && !integrity.Valid(e.SHA256) {
		return &ValidationError{Field: "sha256", Message: "not a hex sha256 digest"}
	}
	if path.IsAbs(e.Layout.ProtonRootSubdir) || !validSubdir(e.Layout.ProtonRootSubdir) {
		return &ValidationError{Field: "layout.proton_root_subdir", Message: "must be a relative path inside the archive"}
	}
	return nil
}

func validSubdir(dir string) bool {
	if dir == "" {
		return true
	}
	clean := path.Clean(dir)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// Candidate converts the descriptor into an installable release.
func (e *Engine) Candidate() (release.Candidate, error) {
	v, err := release.ParseVersion(e.ID)
	if err != nil {
		return release.Candidate{}, err
	}
	u, err := url.Parse(e.Source.URL)
	if err != nil {
		return release.Candidate{}, fmt.Errorf("parse source url: %w", err)
	}
	root := e.Layout.ProtonRootSubdir
	if root != "" {
		root = path.Clean(root)
	}
	return release.Candidate{
		Version:     v,
		Tag:         e.ID,
		URL:         e.Source.URL,
		AssetName:   path.Base(u.Path),
		Digest:      e.SHA256,
		RuntimeRoot: root,
	}, nil
}
