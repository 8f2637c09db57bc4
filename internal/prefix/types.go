package prefix

import (
	"regexp"
	"strings"
	"time"
)

// Prefix is the metadata record of one prefix, persisted beside its root
// as <name>.json.
type Prefix struct {
	Name    string            `json:"name"`
	Engine  string            `json:"engine"` // bound engine version
	Created time.Time         `json:"created"`
	Env     map[string]string `json:"env"`

	// ClonedFrom names the source prefix of a clone.
	ClonedFrom string `json:"cloned_from,omitempty"`

	// Path is the prefix root. It is derived from the store, not persisted.
	Path string `json:"-"`
}

// CreateRequest describes a new prefix.
type CreateRequest struct {
	Name   string
	Engine string
	// Env is merged over the store's default environment.
	Env map[string]string
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateName checks that name can be used as a directory and file name
// under the prefix root.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.HasSuffix(name, ".json") {
		return &NameError{Name: name}
	}
	return nil
}

// NameError reports an unusable prefix name.
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return "invalid prefix name " + `"` + e.Name + `"` +
		": use letters, digits, '.', '_' or '-', starting with a letter or digit"
}
