// Package upstream implements the HTTP client for the remote source catalog:
// candidate listing and playback-URL resolution.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"streamsource/internal/domain"
)

const defaultUserAgent = "streamsource/1.0"

type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Client    *http.Client
	// ResolvePerSecond throttles POST /resolve so speculative warms cannot
	// hammer the provider. Zero disables the limiter.
	ResolvePerSecond float64
	ResolveBurst     int
	Logger           *slog.Logger
}

type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	var limiter *rate.Limiter
	if cfg.ResolvePerSecond > 0 {
		burst := cfg.ResolveBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ResolvePerSecond), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: userAgent,
		client:    httpClient,
		limiter:   limiter,
		logger:    logger,
	}
}

type candidatesResponse struct {
	Sources []domain.CandidateSource `json:"sources"`
}

// FetchCandidates lists the playable sources for a media key.
func (c *Client) FetchCandidates(ctx context.Context, key domain.MediaKey) ([]domain.CandidateSource, error) {
	endpoint := fmt.Sprintf("%s/candidates/%s/%s",
		c.baseURL, url.PathEscape(string(key.MediaType)), url.PathEscape(key.MediaID))
	if key.MediaType == domain.MediaTypeSeries {
		query := url.Values{}
		query.Set("season", strconv.Itoa(key.Season))
		query.Set("episode", strconv.Itoa(key.Episode))
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build candidates request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch candidates: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded candidatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return decoded.Sources, nil
}

type resolveRequest struct {
	SourceID string `json:"sourceId"`
	Locator  string `json:"sourceLocator,omitempty"`
	FileIdx  int    `json:"fileIndex,omitempty"`
	Season   int    `json:"season,omitempty"`
	Episode  int    `json:"episode,omitempty"`
}

type resolveResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResolveURL asks the provider to stage a source and return its playback
// URL. Deadline expiry maps to domain.ErrResolveTimeout and explicit
// upstream errors to domain.ErrResolveRejected; cancellation passes through
// so the caller can tell a superseded attempt from a failed one.
func (c *Client) ResolveURL(ctx context.Context, src domain.CandidateSource, season, episode int) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", c.mapTransportError(err)
		}
	}

	payload, err := json.Marshal(resolveRequest{
		SourceID: src.SourceID,
		Locator:  src.Locator,
		FileIdx:  src.FileIndex,
		Season:   season,
		Episode:  episode,
	})
	if err != nil {
		return "", fmt.Errorf("encode resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/resolve", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", c.mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrResolveRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode resolve response: %w", err)
	}
	if decoded.Status != "success" || decoded.URL == "" {
		if decoded.Error != "" {
			return "", fmt.Errorf("%w: %s", domain.ErrResolveRejected, decoded.Error)
		}
		return "", domain.ErrResolveRejected
	}

	c.logger.Debug("resolved playback url",
		slog.String("sourceId", src.SourceID),
		slog.Duration("took", time.Since(started)),
	)
	return decoded.URL, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// mapTransportError keeps cancellation distinguishable from failure.
func (c *Client) mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrResolveTimeout, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrResolveRejected, err)
	}
}
