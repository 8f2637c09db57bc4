package transaction

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// InconsistenciesFile lists referential problems introduced on purpose,
// such as an engine removed with force while prefixes still use it.
const InconsistenciesFile = "inconsistencies.json"

// Inconsistency is one recorded problem.
type Inconsistency struct {
	Kind     string    `json:"kind"` // "engine-removed-in-use"
	Version  string    `json:"version"`
	Prefixes []string  `json:"prefixes"`
	Recorded time.Time `json:"recorded"`
}

// RecordInconsistency appends entry to the journal's inconsistency list.
// An existing entry of the same kind and version is replaced.
func RecordInconsistency(dir string, entry Inconsistency) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	list, err := Inconsistencies(dir)
	if err != nil {
		return err
	}

	kept := list[:0]
	for _, e := range list {
		if e.Kind != entry.Kind || e.Version != entry.Version {
			kept = append(kept, e)
		}
	}
	kept = append(kept, entry)

	return WriteJSON(filepath.Join(dir, InconsistenciesFile), kept, 0600)
}

// Inconsistencies returns the recorded problems sorted by time.
func Inconsistencies(dir string) ([]Inconsistency, error) {
	var list []Inconsistency
	if err := ReadJSON(filepath.Join(dir, InconsistenciesFile), &list); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inconsistencies: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Recorded.Before(list[j].Recorded) })
	return list, nil
}

// ResolveInconsistencies drops entries for which keep returns false.
func ResolveInconsistencies(dir string, keep func(Inconsistency) bool) error {
	list, err := Inconsistencies(dir)
	if err != nil || len(list) == 0 {
		return err
	}
	kept := list[:0]
	for _, e := range list {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	path := filepath.Join(dir, InconsistenciesFile)
	if len(kept) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove inconsistencies: %w", err)
		}
		return nil
	}
	return WriteJSON(path, kept, 0600)
}
