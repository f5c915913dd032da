// Package cache saves and restores build caches through the cache-index
// service.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/k11v/mortar/internal/cachekey"
)

const defaultRetries = 3

// TransportError is a non-2xx response of the cache-index service or of
// the blob storage behind it. Response.Body is already consumed.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Response   *http.Response
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the cache-index service.
type Client struct {
	BaseURL string // required
	Token   string
	BuildID string

	// Retries bounds the retries after DNS failures. Other failures
	// aren't retried.
	Retries int

	// Generator computes entry versions. The zero value uses the running
	// platform.
	Generator cachekey.Generator

	HTTPClient *http.Client
	Logger     *slog.Logger

	newBackOff func() backoff.BackOff
}

func (c *Client) retries() uint64 {
	if c.Retries < 0 {
		return 0
	}
	if c.Retries == 0 {
		return defaultRetries
	}
	return uint64(c.Retries)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// backOff waits 0.5s and grows the wait by 1.5 with up to 50% jitter.
func (c *Client) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if c.newBackOff != nil {
		b = c.newBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.Multiplier = 1.5
		eb.RandomizationFactor = 0.5
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retries()), ctx)
}

// retry runs op again only while it fails to resolve a host name.
func (c *Client) retry(ctx context.Context, op func() error) error {
	return backoff.RetryNotify(
		func() error {
			err := op()
			if err == nil || isDNSError(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		c.backOff(ctx),
		func(err error, wait time.Duration) {
			c.logger().Warn("retrying after DNS failure", "wait", wait, "err", err)
		},
	)
}

func isDNSError(err error) bool {
	dnsErr := (*net.DNSError)(nil)
	return errors.As(err, &dnsErr)
}

type downloadRequest struct {
	BuildID     string   `json:"buildId,omitempty"`
	Key         string   `json:"key"`
	Version     string   `json:"version"`
	KeyPrefixes []string `json:"keyPrefixes"`
}

type downloadResponse struct {
	MatchedKey  string `json:"matchedKey"`
	DownloadURL string `json:"downloadUrl"`
}

type uploadSessionRequest struct {
	BuildID string `json:"buildId,omitempty"`
	Key     string `json:"key"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

type uploadSessionResponse struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Download is a downloaded archive. Close removes it.
type Download struct {
	// Found is false when no entry matched the key or any prefix.
	Found bool

	MatchedKey string
	Path       string

	dir string
}

// ExactHit reports whether the download matched key itself rather than
// one of the prefixes.
func (d *Download) ExactHit(key string) bool {
	return d.Found && d.MatchedKey == key
}

func (d *Download) Close() error {
	if d.dir == "" {
		return nil
	}
	return os.RemoveAll(d.dir)
}

// Download looks up key, then each of keyPrefixes, among entries of the
// version of paths and downloads the archive of the first match into a
// fresh temporary directory. A miss isn't an error.
func (c *Client) Download(ctx context.Context, key string, keyPrefixes []string, paths []string) (*Download, error) {
	version := c.Generator.Version(paths)
	if keyPrefixes == nil {
		keyPrefixes = []string{}
	}
	var resp downloadResponse
	err := c.postJSON(ctx, "/caches/download", &downloadRequest{
		BuildID:     c.BuildID,
		Key:         key,
		Version:     version,
		KeyPrefixes: keyPrefixes,
	}, &resp)
	if transportErr := (*TransportError)(nil); errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound {
		return &Download{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache.Client: %w", err)
	}

	dir, err := os.MkdirTemp("", "mortar-cache-")
	if err != nil {
		return nil, fmt.Errorf("cache.Client: %w", err)
	}
	name := filepath.Join(dir, downloadFileName(resp.DownloadURL))

	err = c.retry(ctx, func() error {
		return c.downloadFile(ctx, resp.DownloadURL, name)
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("cache.Client: %w", err)
	}

	return &Download{Found: true, MatchedKey: resp.MatchedKey, Path: name, dir: dir}, nil
}

var unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// downloadFileName names the local file after the last element of the URL
// path so that percent-encoded names can't produce unsafe file names.
func downloadFileName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	name = strings.Trim(unsafeFileNameChars.ReplaceAllString(name, "_"), "_")
	if name == "" {
		return "cache"
	}
	return name
}

func (c *Client) downloadFile(ctx context.Context, rawURL, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return newTransportError("download archive", resp)
	}

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Upload is the result of Client.Upload.
type Upload struct {
	// Skipped is true when an entry for the key and version already
	// existed.
	Skipped bool
}

// Upload creates an entry for key and the version of paths and puts the
// archive at name into it. An existing entry isn't an error.
func (c *Client) Upload(ctx context.Context, key string, paths []string, name string, size int64) (*Upload, error) {
	version := c.Generator.Version(paths)
	var resp uploadSessionResponse
	err := c.postJSON(ctx, "/caches/upload-sessions", &uploadSessionRequest{
		BuildID: c.BuildID,
		Key:     key,
		Version: version,
		Size:    size,
	}, &resp)
	if transportErr := (*TransportError)(nil); errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusConflict {
		return &Upload{Skipped: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache.Client: %w", err)
	}

	err = c.retry(ctx, func() error {
		return c.putFile(ctx, resp.URL, resp.Headers, name, size)
	})
	if err != nil {
		return nil, fmt.Errorf("cache.Client: %w", err)
	}
	return &Upload{}, nil
}

func (c *Client) putFile(ctx context.Context, rawURL string, headers map[string]string, name string, size int64) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = size
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return newTransportError("upload archive", resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, p string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u, err := url.JoinPath(c.BaseURL, p)
	if err != nil {
		return err
	}

	return c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return newTransportError("POST "+p, resp)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

const maxErrorBody = 1024

func newTransportError(op string, resp *http.Response) *TransportError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &TransportError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(b)),
		Response:   resp,
	}
}
