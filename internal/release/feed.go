package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/elm-linux/elm/internal/errs"
	"github.com/elm-linux/elm/internal/logging"
)

const (
	// DefaultFeedURL lists Proton-GE releases.
	DefaultFeedURL = "https://api.github.com/repos/GloriousEggroll/proton-ge-custom/releases"
	// DefaultAssetPattern selects the engine archive among a release's assets.
	DefaultAssetPattern = "*.tar.gz"
	// DefaultPerPage is the page size requested from the feed.
	DefaultPerPage = 30

	apiVersion     = "2022-11-28"
	maxPageBytes   = 16 << 20
	defaultTries   = 4
	userAgent      = "elm/1.0"
	requestTimeout = time.Minute
)

// FeedParseError reports malformed data from the release feed.
// Entry is empty when the whole response could not be decoded.
type FeedParseError struct {
	Entry string
	Err   error
}

func (e *FeedParseError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("malformed release feed: %v", e.Err)
	}
	return fmt.Sprintf("malformed release entry %s: %v", e.Entry, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// FeedConfig configures a GitHub-style release feed.
type FeedConfig struct {
	// URL of the releases listing. Defaults to DefaultFeedURL.
	URL string

	// AssetPattern is a path.Match glob for the engine archive.
	AssetPattern string

	// ChecksumAsset names a release-wide checksum listing such as
	// "sha256sum.txt". "<asset>.sha256sum" is always recognised.
	ChecksumAsset string

	// Token is sent as a bearer token when set.
	Token string

	PerPage    int
	HTTPClient *http.Client
	Logger     logging.Logger

	// RetryInterval is the first backoff delay for transient failures.
	RetryInterval time.Duration
}

// Feed reads releases from a GitHub releases endpoint.
type Feed struct {
	url           string
	assetPattern  string
	checksumAsset string
	token         string
	perPage       int
	client        *http.Client
	logger        logging.Logger
	retryInterval time.Duration
}

// NewFeed creates a feed client.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	f := &Feed{
		url:           cfg.URL,
		assetPattern:  cfg.AssetPattern,
		checksumAsset: cfg.ChecksumAsset,
		token:         cfg.Token,
		perPage:       cfg.PerPage,
		client:        cfg.HTTPClient,
		logger:        logging.OrNop(cfg.Logger),
		retryInterval: cfg.RetryInterval,
	}
	if f.url == "" {
		f.url = DefaultFeedURL
	}
	if f.assetPattern == "" {
		f.assetPattern = DefaultAssetPattern
	}
	if _, err := path.Match(f.assetPattern, ""); err != nil {
		return nil, fmt.Errorf("invalid asset pattern %q: %w", f.assetPattern, err)
	}
	if f.perPage <= 0 {
		f.perPage = DefaultPerPage
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: requestTimeout}
	}
	if f.retryInterval <= 0 {
		f.retryInterval = time.Second
	}

	u, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL %q: %w", f.url, err)
	}
	q := u.Query()
	if q.Get("per_page") == "" {
		q.Set("per_page", strconv.Itoa(f.perPage))
		u.RawQuery = q.Encode()
	}
	f.url = u.String()

	return f, nil
}

// Releases returns a lazy, newest-first sequence of candidates. Pages are
// fetched only as the sequence is consumed. Malformed entries are logged and
// skipped; a failed page fetch ends the sequence with that error.
func (f *Feed) Releases(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		pages := &pageIterator{feed: f, nextURL: f.url}
		for {
			entries, err := pages.Next(ctx)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if entries == nil {
				return
			}

			for i, raw := range entries {
				c, ok, err := f.candidate(raw)
				if err != nil {
					f.logger.Warn("skipping malformed release entry", "index", i, "error", err)
					continue
				}
				if !ok {
					continue
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	Digest             string `json:"digest"`
}

// candidate converts one feed entry. ok is false for entries that are
// well formed but not installable (drafts, no matching asset).
func (f *Feed) candidate(raw json.RawMessage) (Candidate, bool, error) {
	var rel githubRelease
	if err := json.Unmarshal(raw, &rel); err != nil {
		return Candidate{}, false, &FeedParseError{Entry: entryName(raw), Err: err}
	}
	if rel.TagName == "" {
		return Candidate{}, false, &FeedParseError{Entry: entryName(raw), Err: fmt.Errorf("missing tag_name")}
	}
	if rel.Draft {
		f.logger.Debug("skipping draft release", "tag", rel.TagName)
		return Candidate{}, false, nil
	}

	version, err := ParseVersion(rel.TagName)
	if err != nil {
		return Candidate{}, false, &FeedParseError{Entry: rel.TagName, Err: err}
	}

	var asset *githubAsset
	for i := range rel.Assets {
		if ok, _ := path.Match(f.assetPattern, rel.Assets[i].Name); ok {
			asset = &rel.Assets[i]
			break
		}
	}
	if asset == nil {
		f.logger.Debug("release has no matching asset", "tag", rel.TagName, "pattern", f.assetPattern)
		return Candidate{}, false, nil
	}
	if asset.BrowserDownloadURL == "" {
		return Candidate{}, false, &FeedParseError{Entry: rel.TagName, Err: fmt.Errorf("asset %s has no download URL", asset.Name)}
	}

	c := Candidate{
		Version:    version,
		Tag:        rel.TagName,
		URL:        asset.BrowserDownloadURL,
		AssetName:  asset.Name,
		Size:       asset.Size,
		Published:  rel.PublishedAt,
		Prerelease: rel.Prerelease || len(version.Pre) > 0,
	}
	if strings.HasPrefix(strings.ToLower(asset.Digest), "sha256:") {
		c.Digest = asset.Digest
	}

	for _, a := range rel.Assets {
		switch {
		case a.Name == asset.Name+".sha256sum", a.Name == asset.Name+".sha256":
			c.ChecksumURL = a.BrowserDownloadURL
		case f.checksumAsset != "" && a.Name == f.checksumAsset && c.ChecksumURL == "":
			c.ChecksumURL = a.BrowserDownloadURL
		case a.Name == asset.Name+".sig", a.Name == asset.Name+".asc":
			c.SignatureURL = a.BrowserDownloadURL
		}
	}

	return c, true, nil
}

func entryName(raw json.RawMessage) string {
	var probe struct {
		TagName any `json:"tag_name"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.TagName != nil {
		return fmt.Sprint(probe.TagName)
	}
	return "<unnamed>"
}

// pageIterator lazily fetches pages of a paginated releases listing,
// following the Link header. Next returns nil, nil after the last page.
type pageIterator struct {
	feed    *Feed
	nextURL string
	done    bool
}

func (it *pageIterator) Next(ctx context.Context) ([]json.RawMessage, error) {
	if it.done || it.nextURL == "" {
		return nil, nil
	}

	pageURL := it.nextURL
	p, err := backoff.Retry(ctx, func() (*feedPage, error) {
		p, err := it.feed.fetchPage(ctx, pageURL)
		if err != nil && (ctx.Err() != nil || !errs.IsRetryable(err)) {
			return nil, backoff.Permanent(err)
		}
		return p, err
	}, it.feed.retryOptions()...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	it.nextURL = parseLinkNext(p.link)
	if it.nextURL == "" {
		it.done = true
	}
	if p.entries == nil {
		p.entries = []json.RawMessage{}
	}
	return p.entries, nil
}

type feedPage struct {
	entries []json.RawMessage
	link    string
}

func (f *Feed) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInterval
	b.Multiplier = 2
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(defaultTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("release feed request failed, retrying", "error", err, "in", next)
		}),
	}
}

func (f *Feed) fetchPage(ctx context.Context, pageURL string) (*feedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &errs.NetworkError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &errs.NetworkError{URL: pageURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.NetworkError{URL: pageURL, StatusCode: resp.StatusCode, Err: apiMessage(body)}
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &FeedParseError{Err: err}
	}

	return &feedPage{entries: entries, link: resp.Header.Get("Link")}, nil
}

// apiMessage extracts the "message" field of a GitHub error body.
func apiMessage(body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("%s", apiErr.Message)
	}
	return nil
}

// parseLinkNext extracts the URL with rel="next" from an RFC 5988 Link
// header. Returns empty string if no next link is present.
//
// Format: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	if header == "" {
		return ""
	}

	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 {
			continue
		}

		urlPart := strings.TrimSpace(segments[0])
		if !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		if strings.HasPrefix(urlPart, "<") && strings.HasSuffix(urlPart, ">") {
			return urlPart[1 : len(urlPart)-1]
		}
	}

	return ""
}
