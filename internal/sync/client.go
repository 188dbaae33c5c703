package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukapos/dukasync/internal/auth"
	"github.com/dukapos/dukasync/internal/models"
)

// Client talks to the sync server's HTTP API. Every call classifies its
// failure as TransportError (no verdict, retryable) or APIError (the server
// answered, retryable only for 5xx).
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource

	// Device identity, stamped onto every request that carries it.
	DeviceID   string
	AppVersion string
}

// NewClient builds a Client for the given server base URL
func NewClient(baseURL string, timeout time.Duration, tokens auth.TokenSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if tokens == nil {
		tokens = auth.StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// PushBatch sends a batch of operations, POST /sync/batch
func (c *Client) PushBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	var resp BatchResponse
	if err := c.post(ctx, "/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullDelta fetches server-side changes since the given watermark,
// GET /sync/delta.
func (c *Client) PullDelta(ctx context.Context, since time.Time, entityTypes []models.EntityType, limit int) (*DeltaResponse, error) {
	q := url.Values{}
	q.Set("lastSyncTimestamp", since.UTC().Format(time.RFC3339Nano))
	if c.DeviceID != "" {
		q.Set("deviceId", c.DeviceID)
	}
	if c.AppVersion != "" {
		q.Set("appVersion", c.AppVersion)
	}
	if len(entityTypes) > 0 {
		names := make([]string, len(entityTypes))
		for i, et := range entityTypes {
			names[i] = string(et)
		}
		q.Set("entityTypes", strings.Join(names, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp DeltaResponse
	if err := c.get(ctx, "/sync/delta?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server's health and entity counts, GET /sync/status
func (c *Client) Status(ctx context.Context) (*ServerStatusInfo, error) {
	var resp ServerStatusInfo
	if err := c.get(ctx, "/sync/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Force asks the server to prepare a full resync window, POST /sync/force
func (c *Client) Force(ctx context.Context) error {
	return c.post(ctx, "/sync/force", struct{}{}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sync: failed to encode request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sync: failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sync: failed to build request for %s: %w", path, err)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("sync: failed to obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
