// Package download fetches release assets over HTTP.
//
// A download streams into "<dest>.part" while the bytes are hashed, and the
// part file is renamed to its final name only after the body was received in
// full. An interrupted download leaves the part file behind; the next attempt
// resumes it with a Range request and re-seeds the hash from the bytes
// already on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/integrity"
	"github.com/elm-linux/elm/internal/logging"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 30 * time.Minute
	// DefaultRetries is the default number of additional attempts after a failure
	DefaultRetries = 3
	// DefaultUserAgent is the User-Agent header sent with requests
	DefaultUserAgent = "elm/1.0"
	// PartSuffix marks an incomplete download
	PartSuffix = ".part"

	maxRedirects  = 10
	maxSmallBytes = 1 << 20
)

// ProgressFunc receives the number of bytes on disk and the expected total
// (-1 when the server did not say).
type ProgressFunc func(done, total int64)

// Result describes a completed download.
type Result struct {
	Path   string
	Digest string // sha256 of the whole file
	Size   int64
}

// Downloader handles HTTP downloads with bounded retry.
type Downloader struct {
	client          *http.Client
	userAgent       string
	retries         uint
	initialInterval time.Duration
	progress        ProgressFunc
	logger          logging.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) { d.userAgent = ua }
}

// WithRetries sets how many times a retryable failure is retried.
func WithRetries(n uint) Option {
	return func(d *Downloader) { d.retries = n }
}

// WithInitialInterval sets the first backoff delay. Later delays double.
func WithInitialInterval(interval time.Duration) Option {
	return func(d *Downloader) { d.initialInterval = interval }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Downloader) { d.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Downloader) { d.logger = logging.OrNop(l) }
}

// New creates a downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent:       DefaultUserAgent,
		retries:         DefaultRetries,
		initialInterval: time.Second,
		logger:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Downloader) retry() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.retries + 1),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn("download attempt failed, retrying", "error", err, "in", next)
		}),
	}
}

// Fetch downloads url to destPath. If destPath already exists it is
// returned as is, hashed from disk, without touching the network.
func (d *Downloader) Fetch(ctx context.Context, url, destPath string) (*Result, error) {
	if info, err := os.Stat(destPath); err == nil && info.Mode().IsRegular() {
		digest, err := integrity.FileDigest(destPath)
		if err != nil {
			return nil, errs.IO("hash", destPath, err)
		}
		return &Result{Path: destPath, Digest: digest, Size: info.Size()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, errs.IO("create directory", filepath.Dir(destPath), err)
	}

	op := func() (*Result, error) {
		res, err := d.fetchOnce(ctx, url, destPath)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !errs.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	res, err := backoff.Retry(ctx, op, d.retry()...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	return res, nil
}

// fetchOnce performs a single attempt, resuming from an existing part file.
func (d *Downloader) fetchOnce(ctx context.Context, url, destPath string) (*Result, error) {
	partPath := destPath + PartSuffix

	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.IO("open", partPath, err)
	}
	defer part.Close()

	// Re-seed the hash with what is already on disk
	hasher := integrity.NewHasher()
	offset, err := io.Copy(hasher, part)
	if err != nil {
		return nil, errs.IO("read", partPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		d.logger.Debug("resuming download", "url", url, "offset", offset)
		if total >= 0 {
			total += offset
		}
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over
		if offset > 0 {
			if err := part.Truncate(0); err != nil {
				return nil, errs.IO("truncate", partPath, err)
			}
			if _, err := part.Seek(0, io.SeekStart); err != nil {
				return nil, errs.IO("seek", partPath, err)
			}
			hasher = integrity.NewHasher()
			offset = 0
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The part file does not fit the remote object; start from scratch
		if offset == 0 {
			return nil, &errs.NetworkError{URL: url, StatusCode: resp.StatusCode}
		}
		d.logger.Warn("discarding stale partial download", "path", partPath)
		resp.Body.Close()
		part.Close()
		if err := os.Remove(partPath); err != nil {
			return nil, errs.IO("remove", partPath, err)
		}
		return d.fetchOnce(ctx, url, destPath)
	default:
		return nil, &errs.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	var w io.Writer = io.MultiWriter(part, hasher)
	if d.progress != nil {
		w = &progressWriter{w: w, done: offset, total: total, fn: d.progress}
	}

	if _, err := io.Copy(w, &bodyReader{r: resp.Body}); err != nil {
		var rerr *readError
		if errors.As(err, &rerr) {
			return nil, &errs.NetworkError{URL: url, Err: rerr.err}
		}
		return nil, errs.IO("write", partPath, err)
	}

	if total >= 0 && hasher.Size() != total {
		return nil, &errs.NetworkError{URL: url,
			Err: fmt.Errorf("short body: got %d of %d bytes", hasher.Size(), total)}
	}

	if err := part.Sync(); err != nil {
		return nil, errs.IO("sync", partPath, err)
	}
	if err := part.Close(); err != nil {
		return nil, errs.IO("close", partPath, err)
	}

	// Atomic rename
	if err := os.Rename(partPath, destPath); err != nil {
		return nil, errs.IO("rename", partPath, err)
	}

	return &Result{Path: destPath, Digest: hasher.Sum(), Size: hasher.Size()}, nil
}

// FetchBytes retrieves a small document such as a checksum list.
func (d *Downloader) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	op := func() ([]byte, error) {
		data, err := d.getSmall(ctx, url)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || !errs.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	data, err := backoff.Retry(ctx, op, d.retry()...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

func (d *Downloader) getSmall(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSmallBytes))
	if err != nil {
		return nil, &errs.NetworkError{URL: url, Err: err}
	}
	return data, nil
}

// readError marks failures reading the response body, as opposed to
// failures writing the part file.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }

type bodyReader struct{ r io.Reader }

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &readError{err: err}
	}
	return n, err
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.fn(p.done, p.total)
	return n, err
}
