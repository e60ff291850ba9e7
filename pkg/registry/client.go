package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("registry unavailable")

// Client talks to a registry server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	_, err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st)
	return st, err
}

func (c *Client) Register(ctx context.Context, d Device) error {
	_, err := c.do(ctx, http.MethodPost, "/api/devices/register", d, nil)
	return err
}

func (c *Client) Heartbeat(ctx context.Context, deviceID string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/devices/heartbeat", HeartbeatRequest{DeviceID: deviceID}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// Holder returns the live holder of licenseCode or ErrNotFound.
func (c *Client) Holder(ctx context.Context, licenseCode string) (*Device, error) {
	var d Device
	status, err := c.do(ctx, http.MethodGet, "/api/licenses/"+url.PathEscape(licenseCode)+"/holder", nil, &d)
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Transfer(ctx context.Context, t TokenTransfer) error {
	status, err := c.do(ctx, http.MethodPost, "/api/tokens/transfer", t, nil)
	if status == http.StatusConflict {
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp.StatusCode, fmt.Errorf("%w: %s", ErrUnavailable, e.Error)
		}
		return resp.StatusCode, errors.New(e.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
