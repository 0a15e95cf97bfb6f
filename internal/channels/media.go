package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/crystaldolphin/cirno/internal/resilience"
)

const (
	mediaMaxBytes     = 5 << 20
	mediaEndpoint     = "media"
	imagePlaceholder  = "[image]"
	mediaFetchTimeout = 30 * time.Second
)

// mediaFetcher downloads images and inlines them as data URLs, so the
// engine never has to reach chat-platform CDNs or token-bearing file URLs.
type mediaFetcher struct {
	client   *http.Client
	executor *resilience.Executor
}

func newMediaFetcher(executor *resilience.Executor) *mediaFetcher {
	return &mediaFetcher{
		client:   &http.Client{Timeout: mediaFetchTimeout},
		executor: executor,
	}
}

// DataURL downloads rawURL through the media endpoint. Data URLs are
// returned unchanged.
func (f *mediaFetcher) DataURL(ctx context.Context, rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return rawURL, nil
	}
	if f.executor == nil {
		return f.download(ctx, rawURL)
	}
	return resilience.Do(ctx, f.executor, mediaEndpoint, func(ctx context.Context) (string, error) {
		return f.download(ctx, rawURL)
	})
}

func (f *mediaFetcher) download(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("media: %w", err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", resilience.ClassifyNetwork(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", resilience.ClassifyHTTP(resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", resilience.ClassifyNetwork(err)
	}
	if len(data) > mediaMaxBytes {
		return "", resilience.Permanent(fmt.Errorf("media: image larger than %d bytes", mediaMaxBytes))
	}
	return "data:" + imageMIME(resp.Header.Get("Content-Type"), rawURL, data) + ";base64," +
		base64.StdEncoding.EncodeToString(data), nil
}

// imageMIME prefers the response header, then the URL extension, then
// content sniffing.
func imageMIME(header, rawURL string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".png":
			return "image/png"
		case ".gif":
			return "image/gif"
		case ".webp":
			return "image/webp"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		}
	}
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/jpeg"
}
