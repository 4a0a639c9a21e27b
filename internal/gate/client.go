package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Server started by `pulsar run --listen`.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for baseURL with a short timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Decide approves or rejects a gate.
func (c *Client) Decide(ctx context.Context, token string, action Action, submitter string) (Decision, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Decision{}, err
	}
	body, err := json.Marshal(decideRequest{Submitter: submitter})
	if err != nil {
		return Decision{}, err
	}
	u := fmt.Sprintf("%s/gates/%s/%s", c.BaseURL, url.PathEscape(token), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var d Decision
	if err := c.do(req, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Pending lists the server's open gates.
func (c *Client) Pending(ctx context.Context) ([]Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/gates", nil)
	if err != nil {
		return nil, err
	}
	var out []Info
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("gate server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrUnknownGate, e.Error)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrNotAuthorized, e.Error)
		}
		return fmt.Errorf("gate server: %s: %s", resp.Status, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gate server: decoding response: %w", err)
	}
	return nil
}
