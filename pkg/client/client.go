// Package client is a thin HTTP client over the mediator API (spec §6),
// the JSON/HTTP analogue of the teacher's pkg/client gRPC wrapper: it
// exists so directorctl — and anything else outside the core — has a
// single place that knows the wire shape of each mediator endpoint.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netunicorn/director/pkg/types"
)

// Client is a BasicAuth-authenticated HTTP client for one mediator.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New builds a Client against baseURL, authenticating every request with
// username/password the way the mediator's requireAuth middleware expects.
func New(baseURL, username, password string) *Client {
	return &Client{baseURL: baseURL, username: username, password: password, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) do(method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, want int) error {
	defer resp.Body.Close()
	if resp.StatusCode == want {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("unexpected status %s: %s", resp.Status, string(data))
}

// Submit posts a new experiment and returns its generated id.
func (c *Client) Submit(name string, deployments []types.Deployment) (string, error) {
	resp, err := c.do(http.MethodPost, "/experiment", map[string]interface{}{"name": name, "deployments": deployments})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit: unexpected status %s: %s", resp.Status, string(data))
	}
	var out struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	return out.ExperimentID, nil
}

// Prepare triggers compilation and deployment for an experiment by name.
func (c *Client) Prepare(name string) error {
	resp, err := c.do(http.MethodPost, "/experiment/"+name+"/prepare", nil)
	if err != nil {
		return err
	}
	return checkStatus(resp, http.StatusAccepted)
}

// Start triggers the running phase for an experiment by name.
func (c *Client) Start(name string) error {
	resp, err := c.do(http.MethodPost, "/experiment/"+name+"/start", nil)
	if err != nil {
		return err
	}
	return checkStatus(resp, http.StatusAccepted)
}

// Cancel requests cooperative cancellation of a running experiment.
func (c *Client) Cancel(name string) error {
	resp, err := c.do(http.MethodPost, "/experiment/"+name+"/cancel", nil)
	if err != nil {
		return err
	}
	return checkStatus(resp, http.StatusAccepted)
}

// Status fetches the current experiment document by name.
func (c *Client) Status(name string) (*types.Experiment, error) {
	resp, err := c.do(http.MethodGet, "/experiment/"+name, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status: unexpected status %s: %s", resp.Status, string(data))
	}
	var exp types.Experiment
	if err := json.NewDecoder(resp.Body).Decode(&exp); err != nil {
		return nil, fmt.Errorf("status: decode response: %w", err)
	}
	return &exp, nil
}

// Nodes lists nodes visible to the authenticated user.
func (c *Client) Nodes() ([]types.Node, error) {
	resp, err := c.do(http.MethodGet, "/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("nodes: unexpected status %s: %s", resp.Status, string(data))
	}
	var nodes []types.Node
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("nodes: decode response: %w", err)
	}
	return nodes, nil
}

// FlagGet reads the current (text, int) pair for a flag.
func (c *Client) FlagGet(experimentName, key string) (types.Flag, error) {
	return c.flagCall(http.MethodGet, experimentName, key, "", nil)
}

// FlagIncrement atomically adds 1 to the flag's int value.
func (c *Client) FlagIncrement(experimentName, key string) (types.Flag, error) {
	return c.flagCall(http.MethodPost, experimentName, key, "/increment", nil)
}

// FlagDecrement atomically subtracts 1 from the flag's int value.
func (c *Client) FlagDecrement(experimentName, key string) (types.Flag, error) {
	return c.flagCall(http.MethodPost, experimentName, key, "/decrement", nil)
}

// FlagSet overwrites the flag's (text, int) pair; either pointer may be
// nil meaning "leave unchanged".
func (c *Client) FlagSet(experimentName, key string, text *string, i *int64) (types.Flag, error) {
	return c.flagCall(http.MethodPost, experimentName, key, "", map[string]interface{}{"text": text, "int": i})
}

func (c *Client) flagCall(method, experimentName, key, suffix string, body interface{}) (types.Flag, error) {
	path := fmt.Sprintf("/experiment/%s/flag/%s%s", experimentName, key, suffix)
	resp, err := c.do(method, path, body)
	if err != nil {
		return types.Flag{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return types.Flag{}, fmt.Errorf("flag: unexpected status %s: %s", resp.Status, string(data))
	}
	var flag types.Flag
	if err := json.NewDecoder(resp.Body).Decode(&flag); err != nil {
		return types.Flag{}, fmt.Errorf("flag: decode response: %w", err)
	}
	return flag, nil
}
