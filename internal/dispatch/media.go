package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/clawinfra/wabridge/internal/metrics"
	"github.com/clawinfra/wabridge/internal/types"
)

// HTTPClient is an interface for making HTTP requests
// This allows us to mock HTTP calls in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultMediaTimeout = 30 * time.Second
	defaultMaxMedia     = 64 << 20
)

// MediaFetcher downloads media referenced by send requests.
type MediaFetcher struct {
	client   HTTPClient
	timeout  time.Duration
	maxBytes int64
}

// NewMediaFetcher creates a fetcher; zero limits fall back to defaults.
func NewMediaFetcher(client HTTPClient, timeout time.Duration, maxBytes int64) *MediaFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultMediaTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxMedia
	}
	return &MediaFetcher{client: client, timeout: timeout, maxBytes: maxBytes}
}

// Fetch downloads rawURL and describes it. The mimetype comes from the
// response header, or is sniffed when the header is missing or generic.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) (*types.Attachment, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &types.ValidationError{Field: "mediaUrl", Reason: "must be an absolute http(s) URL"}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch media: %s returned %d", u.Redacted(), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("fetch media: larger than %d bytes", f.maxBytes)
	}
	metrics.MediaFetchBytes.Observe(float64(len(data)))

	mimetype := contentType(resp.Header.Get("Content-Type"), data)
	return &types.Attachment{
		Data:     data,
		Mimetype: mimetype,
		Filename: filename(resp.Header.Get("Content-Disposition"), u, mimetype),
	}, nil
}

func contentType(header string, data []byte) string {
	if header != "" {
		if base, _, err := mime.ParseMediaType(header); err == nil && base != "application/octet-stream" {
			return header
		}
	}
	return http.DetectContentType(data)
}

func filename(disposition string, u *url.URL, mimetype string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if base := path.Base(u.Path); base != "/" && base != "." && strings.Contains(base, ".") {
		return base
	}

	name := "file"
	if base, _, err := mime.ParseMediaType(mimetype); err == nil {
		if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
