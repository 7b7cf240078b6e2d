// Package client is a small HTTP client for the engine API, used by the
// CLI and by services that create resources or request reconciliation.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/types"
)

// Client talks to one engine API endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given base URL (e.g. http://localhost:8080).
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ResourceView mirrors the API's read model: the resource plus its SLA
// verdict at the time of the request.
type ResourceView struct {
	types.Resource
	TimeInState string                  `json:"time_in_state"`
	SLA         statemachine.SLAVerdict `json:"sla"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateResource registers a new resource in its kind's initial state.
func (c *Client) CreateResource(ctx context.Context, kind types.Kind, id string, payload json.RawMessage) (*ResourceView, error) {
	var view ResourceView
	err := c.do(ctx, http.MethodPost, "/v1/resources/"+string(kind),
		map[string]any{"id": id, "payload": payload}, &view)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// GetResource fetches one resource with its SLA verdict.
func (c *Client) GetResource(ctx context.Context, kind types.Kind, id string) (*ResourceView, error) {
	var view ResourceView
	if err := c.do(ctx, http.MethodGet, "/v1/resources/"+string(kind)+"/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListResources returns the ids of every resource of a kind.
func (c *Client) ListResources(ctx context.Context, kind types.Kind) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/resources/"+string(kind), nil, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// DeleteResource requests teardown through the resource's declared
// deletion path.
func (c *Client) DeleteResource(ctx context.Context, kind types.Kind, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/resources/"+string(kind)+"/"+id, nil, nil)
}

// History returns the resource's audit trail, oldest first.
func (c *Client) History(ctx context.Context, kind types.Kind, id string) ([]types.HistoryEntry, error) {
	var resp struct {
		History []types.HistoryEntry `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/resources/"+string(kind)+"/"+id+"/history", nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// RequestReconciliation asks for the resource to be reconciled now.
func (c *Client) RequestReconciliation(ctx context.Context, kind types.Kind, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/resources/"+string(kind)+"/"+id+"/reconcile", nil, nil)
}
