// Package transaction provides target locks, atomic file writes and the
// journal used to recover from operations interrupted by a crash.
package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a journaled operation.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Operation names the kind of journaled operation.
type Operation string

const (
	OperationInstall  Operation = "engine-install"
	OperationCreate   Operation = "prefix-create"
	OperationClone    Operation = "prefix-clone"
	OperationRollback Operation = "prefix-rollback"
)

const filePrefix = "txn-"

// Txn records the filesystem paths an operation is juggling so that a later
// invocation can finish or undo it.
type Txn struct {
	Version   int       `json:"version"` // Schema version for future evolution
	ID        string    `json:"id"`      // UUID for unique identification
	Operation Operation `json:"operation"`
	Target    string    `json:"target"` // engine version or prefix name
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`

	// Final is the canonical path being produced or replaced.
	Final string `json:"final"`
	// Staging is a temporary path that must be removed on abort.
	Staging string `json:"staging,omitempty"`
	// Aside holds the original tree moved out of the way during a swap.
	Aside string `json:"aside,omitempty"`
	// Download is the archive being fetched for an install.
	Download string `json:"download,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// New creates a pending transaction.
func New(op Operation, target, final string) *Txn {
	return &Txn{
		Version:   1,
		ID:        uuid.New().String(),
		Operation: op,
		Target:    target,
		Timestamp: time.Now().UTC(),
		State:     StatePending,
		Final:     final,
	}
}

func (t *Txn) filename() string {
	return fmt.Sprintf("%s%s-%s.json", filePrefix, t.Operation, t.ID)
}

// Path returns where the transaction is stored in dir.
func (t *Txn) Path(dir string) string {
	return filepath.Join(dir, t.filename())
}

// Save writes the transaction to dir atomically.
func (t *Txn) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	if err := WriteJSON(t.Path(dir), t, 0600); err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	return nil
}

// Advance sets the state and persists it.
func (t *Txn) Advance(dir string, state State, err error) error {
	t.State = state
	if err != nil {
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	return t.Save(dir)
}

// Remove deletes the transaction record. Missing records are ignored.
func (t *Txn) Remove(dir string) error {
	if err := os.Remove(t.Path(dir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transaction %s: %w", t.ID, err)
	}
	return SyncDir(dir)
}

// Load reads a transaction from disk.
func Load(path string) (*Txn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transaction file: %w", err)
	}

	var txn Txn
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", filepath.Base(path), err)
	}
	return &txn, nil
}

// List returns the transactions recorded in dir, oldest first. A missing
// directory yields an empty list. Unreadable records are returned in bad.
func List(dir string) (txns []*Txn, bad []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read journal directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		txn, err := Load(filepath.Join(dir, name))
		if err != nil {
			bad = append(bad, filepath.Join(dir, name))
			continue
		}
		txns = append(txns, txn)
	}

	sort.Slice(txns, func(i, j int) bool {
		return txns[i].Timestamp.Before(txns[j].Timestamp)
	})
	return txns, bad, nil
}
