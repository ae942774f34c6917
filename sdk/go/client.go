package lbotsdk

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
)

// Client is a minimal lbot HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Message is an inbound chat message. GroupID is empty for direct messages.
type Message struct {
	ServiceKind string `json:"service_kind"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	GroupName   string `json:"group_name,omitempty"`
	Text        string `json:"text"`
}

type Reply struct {
	Reply   string `json:"reply"`
	Replied bool   `json:"replied"`
}

// CheckReport is the result of a checker run.
type CheckReport struct {
	Kind     string   `json:"kind"`
	Ran      []string `json:"ran"`
	Notified int      `json:"notified"`
	Opened   int      `json:"opened"`
	Marked   int64    `json:"marked"`
	Purged   int      `json:"purged"`
}

// Task represents the API task model.
type Task struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ShortName    string   `json:"short_name"`
	Deadline     string   `json:"deadline"`
	Importance   string   `json:"importance"`
	Group        string   `json:"group"`
	Participants []string `json:"participants"`
}

// Job is an open attendance check.
type Job struct {
	CheckNumber  int      `json:"check_number"`
	Task         string   `json:"task"`
	TaskDeadline string   `json:"task_deadline"`
	Deadline     string   `json:"deadline"`
	Checked      []string `json:"checked"`
	Required     int      `json:"required"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Dispatch hands one chat message to the bot and returns its reply.
func (c *Client) Dispatch(ctx context.Context, msg Message) (Reply, error) {
	var resp Reply
	err := c.do(ctx, http.MethodPost, "v0/dispatch", msg, &resp)
	return resp, err
}

// RunCheck runs the task checker. The call blocks while another run holds the lock.
func (c *Client) RunCheck(ctx context.Context, kind string, force bool) (CheckReport, error) {
	endpoint := "v0/checks/" + url.PathEscape(kind)
	if force {
		endpoint += "?force=true"
	}
	var resp CheckReport
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally restricted to one group.
func (c *Client) Tasks(ctx context.Context, group string) ([]Task, error) {
	endpoint := "v0/tasks"
	if group != "" {
		endpoint += "?group=" + url.QueryEscape(group)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Jobs lists a group's open attendance checks.
func (c *Client) Jobs(ctx context.Context, group string) ([]Job, error) {
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/groups/"+url.PathEscape(group)+"/jobs", nil, &resp)
	return resp.Items, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, eventType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
