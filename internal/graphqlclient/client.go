// Package graphqlclient implements the thin GraphQL transport the search
// protocol (internal/store, C6) consumes to reach the platform's log-search
// endpoint (A3 in SPEC_FULL.md).
package graphqlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/logcario/logcar/internal/store"
	"github.com/logcario/logcar/pkg/resilience"
)

// Config configures the transport's target and throttling behavior.
type Config struct {
	Endpoint          string
	DeploymentID      string
	EnvironmentID     string
	RequestTimeout    time.Duration
	RateLimitPerSec   float64
	RateLimitBurst    int
	BreakerFailThresh int
}

// Client speaks the single GraphQL query operation described in spec §6:
//
//	query(deploymentId|environmentId, filter, limit, [startDate, endDate])
//	  -> { logs: [ { attributes: [{key,value}], timestamp, severity, message } ] }
//
// It implements store.GraphQLClient.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// New builds a Client. A nil rate/breaker configuration falls back to
// conservative defaults — the backend is an external, shared dependency and
// this client must not hammer it on retry storms.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.BreakerFailThresh <= 0 {
		cfg.BreakerFailThresh = 5
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		breaker: resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: cfg.BreakerFailThresh}),
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type logAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logEntryWire struct {
	Attributes []logAttribute `json:"attributes"`
	Timestamp  time.Time      `json:"timestamp"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
}

type graphqlResponse struct {
	Data struct {
		Logs []logEntryWire `json:"logs"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const queryDocument = `
query Search($deploymentId: String, $environmentId: String, $filter: String!, $limit: Int!) {
  logs(deploymentId: $deploymentId, environmentId: $environmentId, filter: $filter, limit: $limit) {
    attributes { key value }
    timestamp
    severity
    message
  }
}`

// Query runs one search-protocol fetch (spec §4.6, §6). A rate-limit
// rejection or an open circuit breaker both surface wrapped in
// store.ErrSearchBackend — from the façade's point of view both mean "the
// backend could not be reached right now".
func (c *Client) Query(ctx context.Context, filter string, limit int) ([]store.LogEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: rate limit wait: %w", store.ErrSearchBackend, err)
	}

	var entries []store.LogEntry
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		resp, err := c.doQuery(ctx, filter, limit)
		if err != nil {
			return err
		}
		entries = resp
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", store.ErrSearchBackend, err)
	}
	return entries, nil
}

func (c *Client) doQuery(ctx context.Context, filter string, limit int) ([]store.LogEntry, error) {
	body, err := json.Marshal(graphqlRequest{
		Query: queryDocument,
		Variables: map[string]any{
			"deploymentId":  c.cfg.DeploymentID,
			"environmentId": c.cfg.EnvironmentID,
			"filter":        filter,
			"limit":         limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("graphqlclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("graphqlclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphqlclient: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("graphqlclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphqlclient: unexpected status %d: %s", resp.StatusCode, raw)
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("graphqlclient: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("graphqlclient: backend error: %s", parsed.Errors[0].Message)
	}

	out := make([]store.LogEntry, 0, len(parsed.Data.Logs))
	for _, l := range parsed.Data.Logs {
		attrs := make([]store.Attribute, 0, len(l.Attributes))
		for _, a := range l.Attributes {
			attrs = append(attrs, store.Attribute{Key: a.Key, Value: a.Value})
		}
		out = append(out, store.LogEntry{Attributes: attrs, Timestamp: l.Timestamp})
	}
	return out, nil
}
