// Package restclient is a small Go SDK for talking to one overlay
// node's control API (internal/controlapi): instead of hand-rolling
// http.NewRequest and json.Marshal at every call site, cmd/overlayctl
// calls client.Put(ctx, "key", "value") and gets a decoded response or
// a typed error back.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to exactly one node. It does not implement any
// distributed logic itself — routing, replication, and forwarding all
// happen inside the node this client is pointed at.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for baseURL (e.g. "http://localhost:8080").
// timeout of zero defaults to 10s — never call the network without one.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// GetResponse is the decoded body of a successful GET /kv/:key.
type GetResponse struct {
	Key       string            `json:"key"`
	Value     string            `json:"value"`
	Clock     map[string]uint64 `json:"clock"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Put stores key=value on the node this client is pointed at.
func (c *Client) Put(ctx context.Context, key, value string) error {
	body, _ := json.Marshal(map[string]string{"value": value})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/kv/%s", c.baseURL, key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Get retrieves key. Returns ErrNotFound if the node has no such key.
func (c *Client) Get(ctx context.Context, key string) (*GetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/kv/%s", c.baseURL, key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result GetResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Delete removes key, turning it into a replicated tombstone node-side.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/kv/%s", c.baseURL, key), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Status returns the node's raw /status JSON for the CLI to print.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Unicast asks the node to route target toward its closest preceding
// connection, returning the raw /unicast JSON.
func (c *Client) Unicast(ctx context.Context, targetKey, payload string) (map[string]any, error) {
	var out map[string]any
	body, _ := json.Marshal(map[string]string{"target_key": targetKey, "payload": payload})
	if err := c.postJSON(ctx, "/unicast", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Multicast asks the node to run a [from, to) range query, returning the
// raw /multicast JSON (the collected replies).
func (c *Client) Multicast(ctx context.Context, from, to string) (map[string]any, error) {
	var out map[string]any
	body, _ := json.Marshal(map[string]string{"from": from, "to": to})
	if err := c.postJSON(ctx, "/multicast", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JoinCluster asks the node to dial peerURL and join the overlay
// through it.
func (c *Client) JoinCluster(ctx context.Context, peerURL string) error {
	body, _ := json.Marshal(map[string]string{"peer_url": peerURL})
	return c.postJSONDiscard(ctx, "/cluster/join", body)
}

// LeaveCluster asks the node to run the DDLL leave protocol.
func (c *Client) LeaveCluster(ctx context.Context) error {
	return c.postJSONDiscard(ctx, "/cluster/leave", nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSONDiscard(ctx context.Context, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ErrNotFound is returned when a key does not exist on the target node.
var ErrNotFound = fmt.Errorf("key not found")

// APIError carries the HTTP status and message body from a failed call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(data)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
