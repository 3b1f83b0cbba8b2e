// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debrid implements the cache-provider client: a debrid-style
// service that fetches content by infohash and reports per-job progress.
package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

const (
	defaultTimeout    = 30 * time.Second
	transientAttempts = 3
	transientDelay    = 2 * time.Second
	maxResponseBytes  = int64(8 << 20)
)

var (
	// ErrTorrentNotFound marks a job that no longer exists on the provider
	// (deleted externally). Pollers treat it as an immediate death, not an
	// error.
	ErrTorrentNotFound = errors.New("debrid: torrent not found")

	// ErrInfringingContent marks a submission the provider rejected on
	// policy grounds. The candidate is unusable; the item is not.
	ErrInfringingContent = errors.New("debrid: provider rejected infringing content")
)

// StatusError preserves the HTTP status of a failed provider call.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("debrid %s returned status %d", e.Endpoint, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	_, ok := target.(*StatusError)
	return ok
}

// Limiter gates outgoing calls to a minimum inter-call interval per service.
type Limiter interface {
	Acquire(ctx context.Context, service string) error
	NextWait(service string) time.Duration
}

// Client talks to the cache provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    Limiter
}

// NewClient constructs a provider client. The limiter may be nil in tests.
func NewClient(baseURL, apiKey string, limiter Limiter) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    limiter,
	}
}

type torrentWire struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Hash     string  `json:"hash"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Bytes    int64   `json:"bytes"`
	Seeders  *int    `json:"seeders"`
	Added    string  `json:"added"`
}

func (w torrentWire) toTorrent() Torrent {
	t := Torrent{
		ID:       w.ID,
		Filename: w.Filename,
		Hash:     strings.ToLower(w.Hash),
		Status:   Status(w.Status),
		Progress: w.Progress,
		Bytes:    w.Bytes,
		Seeders:  w.Seeders,
	}
	if w.Added != "" {
		if added, err := time.Parse(time.RFC3339, w.Added); err == nil {
			t.Added = added
		}
	}
	return t
}

// User verifies the credentials by fetching the account, returning the
// account's username.
func (c *Client) User(ctx context.Context) (string, error) {
	var resp struct {
		Username string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &resp); err != nil {
		return "", err
	}
	return resp.Username, nil
}

// ActiveCount returns the provider's own view of active jobs and its limit.
func (c *Client) ActiveCount(ctx context.Context) (ActiveCount, error) {
	var resp ActiveCount
	if err := c.do(ctx, http.MethodGet, "/torrents/activeCount", nil, &resp); err != nil {
		return ActiveCount{}, err
	}
	return resp, nil
}

// List returns the provider's torrent list, tracked and untracked alike.
func (c *Client) List(ctx context.Context, limit int) ([]Torrent, error) {
	var resp []torrentWire
	endpoint := fmt.Sprintf("/torrents?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	torrents := make([]Torrent, 0, len(resp))
	for _, w := range resp {
		torrents = append(torrents, w.toTorrent())
	}
	return torrents, nil
}

// Info fetches a single job. A 404 maps to ErrTorrentNotFound.
func (c *Client) Info(ctx context.Context, torrentID string) (*Torrent, error) {
	var resp torrentWire
	err := c.do(ctx, http.MethodGet, "/torrents/info/"+url.PathEscape(torrentID), nil, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTorrentNotFound, torrentID)
		}
		return nil, err
	}
	t := resp.toTorrent()
	return &t, nil
}

// AddMagnet submits an infohash and returns the provider job id. A 403
// maps to ErrInfringingContent.
func (c *Client) AddMagnet(ctx context.Context, infohash string) (string, error) {
	form := url.Values{}
	form.Set("magnet", "magnet:?xt=urn:btih:"+infohash)

	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/torrents/addMagnet", form, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: %s", ErrInfringingContent, infohash)
		}
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("debrid: addMagnet returned no job id for %s", infohash)
	}
	return resp.ID, nil
}

// SelectFiles selects which files to download; "all" starts everything.
func (c *Client) SelectFiles(ctx context.Context, torrentID, files string) error {
	form := url.Values{}
	form.Set("files", files)
	return c.do(ctx, http.MethodPost, "/torrents/selectFiles/"+url.PathEscape(torrentID), form, nil)
}

// Delete removes a job. Deleting a job that is already gone is a no-op.
func (c *Client) Delete(ctx context.Context, torrentID string) error {
	err := c.do(ctx, http.MethodDelete, "/torrents/delete/"+url.PathEscape(torrentID), nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	if c.limiter != nil {
		if wait := c.limiter.NextWait("provider"); wait > 0 {
			log.Trace().Dur("wait", wait).Str("endpoint", endpoint).Msg("rate limited, waiting for provider slot")
		}
		if err := c.limiter.Acquire(ctx, "provider"); err != nil {
			return err
		}
	}

	log.Trace().Str("method", method).Str("endpoint", endpoint).Msg("provider API request")

	return retry.Do(
		func() error {
			var body io.Reader
			if form != nil {
				body = strings.NewReader(form.Encode())
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if form != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("debrid %s: %w", endpoint, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
				return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
			}

			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
				return fmt.Errorf("decode debrid %s response: %w", endpoint, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(transientAttempts),
		retry.Delay(transientDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
}

// isTransient: connection failures and 5xx are retryable within a call;
// 4xx carry meaning (not found, infringing) and surface immediately.
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
