package snapcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/singleflight"
)

// RemoteConfig configures a RemoteFetcher.
type RemoteConfig struct {
	// BaseURL is the service root, e.g. https://host; the fetcher appends
	// /v1/tenant/{id}/latest-snapshot.
	BaseURL string

	// Token is the tenant-scoped bearer token.
	Token string

	// Timeout bounds each fetch attempt. Default 10s.
	Timeout time.Duration

	// MaxRetries per fetch. Default 3.
	MaxRetries int

	HTTPClient *http.Client
}

// RemoteFetcher is the authoritative tier: the service's snapshot
// endpoint, behind a retry policy and a singleflight so a burst of widget
// misses collapses into one request per tenant.
type RemoteFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	group      singleflight.Group
}

// NewRemoteFetcher creates a RemoteFetcher.
func NewRemoteFetcher(cfg RemoteConfig) *RemoteFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(500*time.Millisecond, 5*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		}).
		Build()

	return &RemoteFetcher{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		executor:   failsafe.With(retry),
	}
}

// Fetch retrieves the tenant's latest snapshot. Concurrent calls for the
// same tenant share one request.
func (f *RemoteFetcher) Fetch(ctx context.Context, tenantID string) (*Snapshot, error) {
	v, err, _ := f.group.Do(tenantID, func() (interface{}, error) {
		return f.fetch(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (f *RemoteFetcher) fetch(ctx context.Context, tenantID string) (*Snapshot, error) {
	url := fmt.Sprintf("%s/v1/tenant/%s/latest-snapshot", f.baseURL, tenantID)

	resp, err := f.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoSnapshot
	default:
		return nil, fmt.Errorf("snapshot endpoint returned %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
