package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terradev/terradev/pkg/engine"
)

// DefaultHTTPTimeout bounds a bridge request when none is configured.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPClient speaks JSON to a provider bridge:
//
//	GET    {endpoint}/instances?job=<job>
//	POST   {endpoint}/instances
//	DELETE {endpoint}/instances/{id}
type HTTPClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPClient creates a bridge client. A zero timeout uses DefaultHTTPTimeout.
func NewHTTPClient(endpoint, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Instances []engine.LiveInstance `json:"instances"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListInstances implements Client.
func (c *HTTPClient) ListInstances(ctx context.Context, job string) ([]engine.LiveInstance, error) {
	u := c.endpoint + "/instances"
	if job != "" {
		u += "?job=" + url.QueryEscape(job)
	}

	var decoded listResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &decoded); err != nil {
		return nil, err
	}
	if decoded.Instances == nil {
		decoded.Instances = []engine.LiveInstance{}
	}
	return decoded.Instances, nil
}

// Terminate implements Client. A 404 is reported as NOT_FOUND.
func (c *HTTPClient) Terminate(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint+"/instances/"+url.PathEscape(instanceID), nil, nil)
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, spec engine.InstanceSpec) (*engine.LiveInstance, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode instance spec: %w", err)
	}

	var inst engine.LiveInstance
	if err := c.do(ctx, http.MethodPost, c.endpoint+"/instances", body, &inst); err != nil {
		return nil, err
	}
	if inst.ID == "" {
		return nil, fmt.Errorf("bridge returned an instance without an id")
	}
	return &inst, nil
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.NewTransientError("bridge request timed out", err).WithCode(engine.ErrCodeTimeout)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := resp.Status
		var decoded errorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
		case http.StatusTooManyRequests:
			return engine.NewThrottledError(msg, nil).WithCode(engine.ErrCodeProviderFailed)
		default:
			return fmt.Errorf("bridge returned %s: %s", resp.Status, msg)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return nil
}
