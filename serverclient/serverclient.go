// Package serverclient implements component E: the HTTPS client for the
// remote instance server's four endpoints (spec §4.E), with gzip-aware
// streaming downloads and exponential backoff retries.
package serverclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/stride-runner/stride/config"
	"github.com/stride-runner/stride/sterr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is the Server Client (spec §4.E). It is the only component that
// speaks HTTP to the remote instance server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryBase  time.Duration
	retryCap   time.Duration
	maxTries   uint64
	userAgent  string
}

// New builds a Client from process defaults (spec §4.J Config).
func New(cfg *config.Defaults) *Client {
	return &Client{
		baseURL:    cfg.ServerBaseURL,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		// Paces outbound requests the way the teacher's RateLimiter paces
		// uploads, generalized to every endpoint this client calls.
		limiter:   rate.NewLimiter(rate.Every(50*time.Millisecond), 10),
		retryBase: time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		retryCap:  time.Duration(cfg.RetryCapMS) * time.Millisecond,
		maxTries:  uint64(cfg.RetryMaxTries),
		userAgent: config.UserAgent(),
	}
}

// UploadPayload is the exact JSON shape POSTed to the upload endpoint
// (spec §4.E).
type UploadPayload struct {
	IID        uint32     `json:"iid"`
	SolverUUID string     `json:"solver_uuid,omitempty"`
	RunUUID    string     `json:"run_uuid"`
	Score      *int       `json:"score,omitempty"`
	Vertices   []int      `json:"vertices,omitempty"`
	Metadata   UploadMeta `json:"metadata"`
}

// UploadMeta is the nested `metadata` object in the upload payload.
type UploadMeta struct {
	RuntimeMS int64  `json:"runtime_ms"`
	State     string `json:"state"`
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryCap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	// WithMaxRetries counts retries after the first attempt.
	var retries uint64
	if c.maxTries > 0 {
		retries = c.maxTries - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// doWithRetry runs fn, retrying on KindNetworkTransient up to maxTries
// with exponential backoff and jitter (spec §4.E); 4xx errors (wrapped as
// *sterr.ServerRejected by fn) are never retried.
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return sterr.Wrap(sterr.KindCancelled, "rate limiter wait cancelled", err)
	}
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var rejected *sterr.ServerRejected
		if asServerRejected(err, &rejected) {
			return backoff.Permanent(err)
		}
		var stErr *sterr.Error
		if errors.As(err, &stErr) && !stErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, c.backoffPolicy(ctx))
}

func asServerRejected(err error, target **sterr.ServerRejected) bool {
	if sr, ok := err.(*sterr.ServerRejected); ok {
		*target = sr
		return true
	}
	return false
}

// classifyStatus turns an HTTP response into a KindNetworkTransient
// (5xx, retryable) or *sterr.ServerRejected (4xx, terminal) error.
func classifyStatus(iid uint32, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return sterr.New(sterr.KindNetworkTransient, fmt.Sprintf("server error %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode).WithContext("body", string(body))
	}
	return &sterr.ServerRejected{IID: iid, Status: resp.StatusCode, Body: string(body)}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, sterr.Wrap(sterr.KindNetworkTransient, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	return req, nil
}

// streamToFile streams a gzip-or-plain response body to a temp file under
// dir, returning its path. Callers rename it into place (spec §4.C/§4.D
// download-to-temp-and-swap pattern), grounded on the teacher's MinIO
// streaming-download usage re-expressed over net/http.
func streamToFile(resp *http.Response, dir, pattern string) (string, error) {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", sterr.Wrap(sterr.KindConfigError, "create temp download file", err)
	}
	defer tmp.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", sterr.Wrap(sterr.KindNetworkTransient, "open gzip stream", err)
		}
		defer gz.Close()
		reader = gz
	}

	if _, err := io.Copy(tmp, reader); err != nil {
		return "", sterr.Wrap(sterr.KindNetworkTransient, "stream download to disk", err)
	}
	return tmp.Name(), nil
}

// FetchMetadataDump downloads the gzipped metadata SQLite dump (spec
// §4.E "Metadata dump") to a temp file under dir.
func (c *Client) FetchMetadataDump(ctx context.Context, dir string) (string, error) {
	var path string
	err := c.doWithRetry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/metadata-dump", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return sterr.Wrap(sterr.KindNetworkTransient, "metadata dump request", err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(0, resp); err != nil {
			return err
		}
		path, err = streamToFile(resp, dir, "metadata-dump-*.db")
		return err
	})
	return path, err
}

// FetchInstanceDataDump downloads the gzipped instance-body SQLite dump
// (spec §4.E "Instance-data dump") to a temp file under dir.
func (c *Client) FetchInstanceDataDump(ctx context.Context, dir string) (string, error) {
	var path string
	err := c.doWithRetry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/instance-data-dump", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return sterr.Wrap(sterr.KindNetworkTransient, "instance dump request", err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(0, resp); err != nil {
			return err
		}
		path, err = streamToFile(resp, dir, "instance-dump-*.db")
		return err
	})
	return path, err
}

// FetchInstance implements instancecache.Fetcher: GET a single instance's
// DIMACS text with its ETag (= sha1 hex, spec §4.E).
func (c *Client) FetchInstance(ctx context.Context, iid uint32) (string, []byte, error) {
	var sha1Hex string
	var body []byte
	err := c.doWithRetry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/instances/%d", iid), nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return sterr.Wrap(sterr.KindNetworkTransient, "instance fetch request", err)
		}
		defer resp.Body.Close()
		if err := classifyStatus(iid, resp); err != nil {
			return err
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return sterr.Wrap(sterr.KindNetworkTransient, "read instance body", err)
		}
		sha1Hex = trimQuotes(resp.Header.Get("ETag"))
		body = data
		return nil
	})
	return sha1Hex, body, err
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// UploadSolution POSTs a normalized solution or failure metadata (spec
// §4.E "Upload solution"). 4xx responses surface as *sterr.ServerRejected
// and are not retried internally; the Upload Queue decides whether to
// drop them.
func (c *Client) UploadSolution(ctx context.Context, payload UploadPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return sterr.Wrap(sterr.KindConfigError, "marshal upload payload", err)
	}
	return c.doWithRetry(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/solutions", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return sterr.Wrap(sterr.KindNetworkTransient, "upload request", err)
		}
		defer resp.Body.Close()
		return classifyStatus(payload.IID, resp)
	})
}

// EnsureDir is a small convenience used by callers preparing a download
// directory before streaming into it.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
