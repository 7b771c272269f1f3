package ballotboxsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error codes returned in the API error envelope.
const (
	CodeNoSuchProposal = "no_such_proposal"
	CodeAccessRejected = "access_rejected"
	CodeAlreadyVoted   = "already_voted"
	CodeNotActive      = "not_active"
	CodeInvalidInput   = "invalid_input"
	CodeUnauthorized   = "unauthorized"
	CodeUpdateError    = "update_error"
)

// Client is a minimal ballotbox HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// CallerID is sent as X-Caller-Id when neither credential is set. The
	// server only honours it when the legacy header is enabled.
	CallerID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Proposal struct {
	Description string   `json:"description"`
	Approve     uint32   `json:"approve"`
	Reject      uint32   `json:"reject"`
	Pass        uint32   `json:"pass"`
	Active      bool     `json:"active"`
	Voted       []string `json:"voted"`
	Owner       string   `json:"owner"`
	Tally       uint64   `json:"tally"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	ProposalKey uint64         `json:"proposal_key"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HasCode reports whether err is an *APIError carrying code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type lookupResponse struct {
	Key      uint64    `json:"key"`
	Proposal *Proposal `json:"proposal"`
}

// GetProposal returns nil without error when no proposal is stored at key.
func (c *Client) GetProposal(ctx context.Context, key uint64) (*Proposal, error) {
	var resp lookupResponse
	err := c.do(ctx, http.MethodGet, proposalPath(key, ""), nil, &resp)
	return resp.Proposal, err
}

func (c *Client) ProposalCount(ctx context.Context) (uint64, error) {
	var resp struct {
		Count uint64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "v0/proposals/count", nil, &resp)
	return resp.Count, err
}

// CreateProposal stores a new proposal owned by the caller and returns the
// proposal it replaced, if any.
func (c *Client) CreateProposal(ctx context.Context, key uint64, description string, active bool) (*Proposal, error) {
	body := map[string]any{
		"description": description,
		"active":      active,
	}
	var resp struct {
		Key      uint64    `json:"key"`
		Previous *Proposal `json:"previous"`
	}
	err := c.do(ctx, http.MethodPut, proposalPath(key, ""), body, &resp)
	return resp.Previous, err
}

func (c *Client) EditProposal(ctx context.Context, key uint64, description string, active bool) (*Proposal, error) {
	body := map[string]any{
		"description": description,
		"active":      active,
	}
	var resp lookupResponse
	err := c.do(ctx, http.MethodPatch, proposalPath(key, ""), body, &resp)
	return resp.Proposal, err
}

func (c *Client) EndProposal(ctx context.Context, key uint64) (*Proposal, error) {
	var resp lookupResponse
	err := c.do(ctx, http.MethodPost, proposalPath(key, "end"), nil, &resp)
	return resp.Proposal, err
}

// Vote casts choice (approve, reject or pass) for the caller.
func (c *Client) Vote(ctx context.Context, key uint64, choice string) (*Proposal, error) {
	var resp lookupResponse
	err := c.do(ctx, http.MethodPost, proposalPath(key, "votes"), map[string]any{"choice": choice}, &resp)
	return resp.Proposal, err
}

// Events returns recent events, newest first. A zero key lists all proposals.
func (c *Client) Events(ctx context.Context, limit int, key uint64, eventType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if key != 0 {
		q.Set("key", strconv.FormatUint(key, 10))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Me returns the actor id the server resolved for this client.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		ActorID string `json:"actor_id"`
	}
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp.ActorID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.CallerID != "":
		req.Header.Set("X-Caller-Id", c.CallerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func proposalPath(key uint64, action string) string {
	p := "v0/proposals/" + strconv.FormatUint(key, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
