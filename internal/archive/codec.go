// Package archive extracts and creates tar archives, plain or compressed
// with zstd or gzip.
//
// Extraction is strict: entries that would land outside the destination,
// entries written through a symlink, absolute or escaping link targets and
// any entry type outside {dir, regular file, symlink, hard link} fail the
// whole extraction with an ArchiveError. Nothing is sanitized silently.
//
// Creation walks a tree in lexical order, so the same tree always produces
// the same entry sequence, and compresses with zstd at a fixed level.
package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/elm-linux/elm/internal/logging"
)

// Extension is the file extension used for archives written by Create.
const Extension = ".tar.zst"

// EncoderLevel is the zstd level used for every archive we write.
// SpeedDefault corresponds to zstd level 3.
const EncoderLevel = zstd.SpeedDefault

// Format identifies the outer encoding of an archive.
type Format int

const (
	FormatTar Format = iota
	FormatGzip
	FormatZstd
)

// String returns the name of the format.
func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "tar.gz"
	case FormatZstd:
		return "tar.zst"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// ArchiveError reports a corrupt, truncated or unsafe archive, or a tree
// that cannot be archived.
type ArchiveError struct {
	Archive string
	Entry   string // offending entry, if any
	Reason  string
	Err     error
}

func (e *ArchiveError) Error() string {
	msg := "archive " + e.Archive
	if e.Entry != "" {
		msg += fmt.Sprintf(": entry %q", e.Entry)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Codec extracts and creates archives.
type Codec struct {
	logger logging.Logger
}

// NewCodec creates a codec. A nil logger discards warnings.
func NewCodec(logger logging.Logger) *Codec {
	return &Codec{logger: logging.OrNop(logger)}
}

// detectFormat peeks at the magic bytes of r.
func detectFormat(r *bufio.Reader) Format {
	head, _ := r.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return FormatZstd
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip
	default:
		return FormatTar
	}
}

// decompressor wraps r in the decoder matching its magic bytes.
func decompressor(r io.Reader) (io.Reader, Format, func(), error) {
	br := bufio.NewReader(r)

	switch format := detectFormat(br); format {
	case FormatZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return dec, format, dec.Close, nil

	case FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gz, format, func() { gz.Close() }, nil

	default:
		return br, format, func() {}, nil
	}
}
