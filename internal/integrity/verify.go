// Package integrity computes and checks SHA-256 digests of downloaded
// engine archives and snapshot files.
//
// Digests are computed incrementally: a Hasher is an io.Writer that can sit
// beside the destination file in an io.MultiWriter, so an archive is hashed
// while it is downloaded and never has to be read a second time.
package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Algorithm is the digest algorithm used for every artifact.
const Algorithm = "sha256"

// ErrDigestUnavailable is returned when no expected digest is known for an
// artifact and unverified installs have not been allowed.
var ErrDigestUnavailable = errors.New("no published sha256 digest for artifact")

// IntegrityError reports a digest mismatch.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s:\nactual:   %s\nexpected: %s", e.Path, e.Actual, e.Expected)
}

// Hasher accumulates a SHA-256 digest over everything written to it.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns an empty hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write hashes p. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.n += int64(n)
	return n, nil
}

// Size returns the number of bytes hashed so far.
func (h *Hasher) Size() int64 {
	return h.n
}

// Sum returns the lowercase hex digest of the bytes written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Check compares the running digest against expected.
// path is only used to annotate the error.
func (h *Hasher) Check(path, expected string) error {
	actual := h.Sum()
	if !Match(actual, expected) {
		return &IntegrityError{Path: path, Expected: Normalize(expected), Actual: actual}
	}
	return nil
}

// Normalize strips an optional "sha256:" prefix and lowercases a digest.
func Normalize(digest string) string {
	d := strings.TrimSpace(digest)
	if i := strings.IndexByte(d, ':'); i >= 0 && strings.EqualFold(d[:i], Algorithm) {
		d = d[i+1:]
	}
	return strings.ToLower(d)
}

// Match compares two digests case-insensitively.
func Match(actual, expected string) bool {
	e := Normalize(expected)
	return e != "" && Normalize(actual) == e
}

// Valid reports whether digest looks like a hex SHA-256 digest.
func Valid(digest string) bool {
	d := Normalize(digest)
	if len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

// Verify reads r to the end and checks its digest against expected.
// It returns the computed digest in both the success and mismatch cases.
func Verify(r io.Reader, name, expected string) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return h.Sum(), h.Check(name, expected)
}

// VerifyFile checks the digest of the file at path.
func VerifyFile(path, expected string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return Verify(f, path, expected)
}

// FileDigest computes the SHA-256 digest of a file.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return h.Sum(), nil
}

// FindChecksum finds the digest for filename in a checksum listing.
// Format: "abc123def456  filename.tar.gz" (sha256sum output, optional '*'
// binary marker before the name).
func FindChecksum(r io.Reader, filename string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		name := strings.TrimPrefix(parts[1], "*")
		// Exact match first, then basename for listings with paths
		if name == filename || filepath.Base(name) == filename {
			if !Valid(parts[0]) {
				return "", fmt.Errorf("malformed checksum for %s: %q", filename, parts[0])
			}
			return Normalize(parts[0]), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan checksum file: %w", err)
	}

	return "", fmt.Errorf("checksum not found for %s", filename)
}
