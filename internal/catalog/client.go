// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
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

// ErrUnknownItem is returned when the catalog rejects an operation because
// the item id does not exist server-side. Synthetic parent ids always hit
// this on removal; callers treat it as a benign outcome.
var ErrUnknownItem = errors.New("catalog: unknown item id")

// StatusError preserves the HTTP status of a failed catalog call.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog %s returned status %d", e.Endpoint, e.StatusCode)
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

// Client talks to the catalog service's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    Limiter
}

// NewClient constructs a catalog client. The limiter may be nil in tests.
func NewClient(baseURL, apiKey string, limiter Limiter) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    limiter,
	}
}

// Health checks the catalog's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return err
	}
	return nil
}

// ListProblemItems returns items whose state is in the given set.
func (c *Client) ListProblemItems(ctx context.Context, states []string, limit int) ([]Item, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(limit))
	for _, s := range states {
		params.Add("states", s)
	}

	var resp struct {
		Items []itemWire `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/items", params, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(resp.Items))
	for _, w := range resp.Items {
		items = append(items, w.toItem())
	}
	return items, nil
}

// RetryItem asks the catalog to retry a failed item.
func (c *Client) RetryItem(ctx context.Context, id string) error {
	body := map[string]any{"ids": []string{id}}
	return c.do(ctx, http.MethodPost, "/items/retry", nil, body, nil)
}

// RemoveItem removes an item from the catalog. A client-error response maps
// to ErrUnknownItem so callers can distinguish "never existed" from real
// failures.
func (c *Client) RemoveItem(ctx context.Context, id string) error {
	body := map[string]any{"ids": []string{id}}
	err := c.do(ctx, http.MethodDelete, "/items/remove", nil, body, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	return err
}

// AddItem adds (or re-adds) an item by its external identifiers, which
// triggers a fresh catalog-side scrape.
func (c *Client) AddItem(ctx context.Context, ids ExternalIDs, kind Kind) error {
	payload := map[string]any{"media_type": kind.MediaType()}
	if ids.TMDB != "" {
		payload["tmdb_ids"] = []string{ids.TMDB}
	}
	if ids.TVDB != "" {
		payload["tvdb_ids"] = []string{ids.TVDB}
	}
	if ids.IMDB != "" {
		payload["imdb_ids"] = []string{ids.IMDB}
	}
	return c.do(ctx, http.MethodPost, "/items/add", nil, payload, nil)
}

// Scrape requests ranked candidates for an item, highest rank first.
func (c *Client) Scrape(ctx context.Context, ids ExternalIDs, kind Kind) ([]Candidate, error) {
	params := url.Values{}
	params.Set("media_type", kind.MediaType())
	if ids.TMDB != "" {
		params.Set("tmdb_id", ids.TMDB)
	}
	if ids.TVDB != "" {
		params.Set("tvdb_id", ids.TVDB)
	}
	if ids.IMDB != "" {
		params.Set("imdb_id", ids.IMDB)
	}

	var resp struct {
		Streams map[string]struct {
			InfoHash string `json:"infohash"`
			RawTitle string `json:"raw_title"`
			Rank     int    `json:"rank"`
			IsCached bool   `json:"is_cached"`
		} `json:"streams"`
	}
	if err := c.do(ctx, http.MethodPost, "/scrape/scrape", params, nil, &resp); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(resp.Streams))
	for _, s := range resp.Streams {
		if s.InfoHash == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			InfoHash: strings.ToLower(s.InfoHash),
			Title:    s.RawTitle,
			Rank:     s.Rank,
			Cached:   s.IsCached,
		})
	}
	// Rank-only ordering; cached availability deliberately does not affect
	// selection order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Rank > candidates[j].Rank
	})
	return candidates, nil
}

// FindItemByExternalIDs looks up a problem item by its external identifiers.
// Used after re-adding a synthetic parent, which has no catalog id to query
// directly. Returns nil when nothing matches.
func (c *Client) FindItemByExternalIDs(ctx context.Context, states []string, ids ExternalIDs) (*Item, error) {
	items, err := c.ListProblemItems(ctx, states, 200)
	if err != nil {
		return nil, err
	}
	for i := range items {
		item := items[i]
		if ids.TMDB != "" && item.IDs.TMDB == ids.TMDB {
			return &item, nil
		}
		if ids.TVDB != "" && item.IDs.TVDB == ids.TVDB {
			return &item, nil
		}
	}
	return nil, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	if c.limiter != nil {
		if wait := c.limiter.NextWait("catalog"); wait > 0 {
			log.Trace().Dur("wait", wait).Str("endpoint", endpoint).Msg("rate limited, waiting for catalog slot")
		}
		if err := c.limiter.Acquire(ctx, "catalog"); err != nil {
			return err
		}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	reqURL := c.baseURL + endpoint + "?" + params.Encode()

	log.Trace().Str("method", method).Str("endpoint", endpoint).Msg("catalog API request")

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("catalog %s: %w", endpoint, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
				return &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
				return fmt.Errorf("decode catalog %s response: %w", endpoint, err)
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

// isTransient reports whether an error is worth retrying within a single
// call: connection failures and 5xx responses. Client errors carry meaning
// (unknown id, validation) and must surface immediately.
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
