// Package registryclient is a thin HTTP client for the external registry
// service: it publishes this process's endpoint set and fetches the
// current fleet of workers and czars.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Endpoints is the set of local service addresses a worker (or this
// controller acting as a czar peer) publishes to the registry.
type Endpoints struct {
	Service     string `json:"service"`
	FileServer  string `json:"file_server"`
	Loader      string `json:"loader"`
	Exporter    string `json:"exporter"`
	HTTPLoader  string `json:"http_loader"`
	QservWorker string `json:"qserv_worker"`
}

// ServicesView is the fleet snapshot returned by GET /services.
type ServicesView struct {
	Workers map[string]Endpoints `json:"workers"`
	Czars   map[string]Endpoints `json:"czars"`
}

type servicesResponse struct {
	Success  int          `json:"success"`
	Error    string       `json:"error"`
	Services ServicesView `json:"services"`
}

type mutationResponse struct {
	Success int    `json:"success"`
	Error   string `json:"error"`
}

// Client talks to one registry instance on behalf of a single disambiguated
// deployment.
type Client struct {
	baseURL    string
	instanceID string
	authKey    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (used in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client against baseURL (e.g. "http://registry:25081"),
// carrying instanceID and authKey on every mutating call.
func New(baseURL, instanceID, authKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		instanceID: instanceID,
		authKey:    authKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Services fetches the current {workers, czars} snapshot.
func (c *Client) Services(ctx context.Context) (ServicesView, error) {
	url := fmt.Sprintf("%s/services?instance_id=%s", c.baseURL, c.instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ServicesView{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ServicesView{}, fmt.Errorf("registryclient: services: %w", err)
	}
	defer resp.Body.Close()

	var out servicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ServicesView{}, fmt.Errorf("registryclient: decode services: %w", err)
	}
	if out.Success == 0 {
		return ServicesView{}, fmt.Errorf("registryclient: services: %s", out.Error)
	}
	return out.Services, nil
}

// AddWorker publishes name's endpoint set.
func (c *Client) AddWorker(ctx context.Context, name string, endpoints Endpoints) error {
	body := struct {
		Name       string `json:"name"`
		InstanceID string `json:"instance_id"`
		AuthKey    string `json:"auth_key"`
		Endpoints
	}{Name: name, InstanceID: c.instanceID, AuthKey: c.authKey, Endpoints: endpoints}
	return c.mutate(ctx, http.MethodPost, "/worker", body)
}

// RemoveWorker retracts name's registration.
func (c *Client) RemoveWorker(ctx context.Context, name string) error {
	body := struct {
		InstanceID string `json:"instance_id"`
		AuthKey    string `json:"auth_key"`
	}{InstanceID: c.instanceID, AuthKey: c.authKey}
	return c.mutate(ctx, http.MethodDelete, "/worker/"+name, body)
}

func (c *Client) mutate(ctx context.Context, method, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registryclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var out mutationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("registryclient: decode %s %s: %w", method, path, err)
	}
	if out.Success == 0 {
		return fmt.Errorf("registryclient: %s %s: %s", method, path, out.Error)
	}
	return nil
}
