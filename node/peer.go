package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/oliy/daphne/messages"
)

// PeerClient sends DAP messages to the other Aggregator. Aggregation writes
// are never retried by the core: a dropped response leaves the Leader's job
// uncommitted and the next driver pass re-drives it. Idempotent reads (the
// hpke_config fetch) ride a retrying client instead.
type PeerClient interface {
	Put(ctx context.Context, path string, mediaType string, body []byte) ([]byte, error)
	Post(ctx context.Context, path string, mediaType string, body []byte) ([]byte, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// backoffSchedule is the delay sequence for retried idempotent reads.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	3 * time.Second,
}

// HTTPPeerClient is the production PeerClient: plain HTTP for writes, a
// bounded-backoff retrying client for reads.
type HTTPPeerClient struct {
	BaseURL     string
	BearerToken string

	client      *http.Client
	retryClient *retryablehttp.Client
}

func NewHTTPPeerClient(baseURL, bearerToken string) *HTTPPeerClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = len(backoffSchedule)
	retryClient.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		if attempt < len(backoffSchedule) {
			return backoffSchedule[attempt]
		}
		return backoffSchedule[len(backoffSchedule)-1]
	}
	retryClient.Logger = nil
	return &HTTPPeerClient{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		client:      &http.Client{Timeout: 30 * time.Second},
		retryClient: retryClient,
	}
}

func (c *HTTPPeerClient) do(ctx context.Context, method, path, mediaType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if mediaType != "" {
		req.Header.Set("Content-Type", mediaType)
	}
	if c.BearerToken != "" {
		req.Header.Set("DAP-Auth-Token", c.BearerToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

func (c *HTTPPeerClient) Put(ctx context.Context, path, mediaType string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, path, mediaType, body)
}

func (c *HTTPPeerClient) Post(ctx context.Context, path, mediaType string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, mediaType, body)
}

func (c *HTTPPeerClient) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.retryClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// LocalPeerClient drives an in-process Helper, for tests and single-binary
// deployments.
type LocalPeerClient struct {
	Helper *Helper
}

func (c *LocalPeerClient) route(version messages.Version, method, path string, body []byte) ([]byte, error) {
	route, err := parseRoute(version, method, path)
	if err != nil {
		return nil, err
	}
	switch route.kind {
	case routeAggregationJob:
		if method == http.MethodPut || (version == messages.Draft02 && method == http.MethodPost && route.isInit) {
			return c.Helper.HandleAggJobInitReq(version, route.taskID, route.aggJobRef, body)
		}
		return c.Helper.HandleAggJobContReq(version, route.taskID, route.aggJobRef, body)
	case routeAggregateShare:
		return c.Helper.HandleAggShareReq(version, route.taskID, body)
	default:
		return nil, fmt.Errorf("peer: unhandled path %s", path)
	}
}

func (c *LocalPeerClient) Put(ctx context.Context, path, mediaType string, body []byte) ([]byte, error) {
	version, rest := splitVersion(path)
	return c.route(version, http.MethodPut, rest, body)
}

func (c *LocalPeerClient) Post(ctx context.Context, path, mediaType string, body []byte) ([]byte, error) {
	version, rest := splitVersion(path)
	// Draft02 aggregation requests are POSTs whose round is distinguished by
	// media type.
	if version == messages.Draft02 {
		switch mediaType {
		case MediaTypeAggregationJobInitReq.String(version):
			return c.Helper.HandleAggJobInitReq(version, messages.TaskID{}, AggJobRef{}, body)
		case MediaTypeAggregationJobContinueReq.String(version):
			return c.Helper.HandleAggJobContReq(version, messages.TaskID{}, AggJobRef{}, body)
		case MediaTypeAggregateShareReq.String(version):
			return c.Helper.HandleAggShareReq(version, messages.TaskID{}, body)
		}
	}
	return c.route(version, http.MethodPost, rest, body)
}

func (c *LocalPeerClient) Get(ctx context.Context, path string) ([]byte, error) {
	return c.Helper.HpkeConfigList().Encode()
}
