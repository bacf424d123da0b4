package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// Transport delivers commands to the actuator fleet. Send blocks until the
// vendor reports a terminal outcome: nil means the command completed,
// anything else failed with the returned fault's kind deciding retryability.
type Transport interface {
	Send(ctx context.Context, cmd Command) error
}

// wireCommand is the outbound command shape the vendor API accepts.
type wireCommand struct {
	CommandID  string        `json:"command_id"`
	ActuatorID string        `json:"actuator_id"`
	Type       CommandType   `json:"type"`
	Priority   Priority      `json:"priority"`
	Parameters CommandParams `json:"parameters"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
}

// wireResult is the vendor's terminal report for a command.
type wireResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HTTPTransport drives a vendor actuator API over HTTP. Requests are paced
// by a token bucket so a burst of dispatches cannot flood the vendor link.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport builds a transport against baseURL. perSecond bounds the
// sustained command rate; burst is the short-term allowance.
func NewHTTPTransport(baseURL, token string, perSecond float64, burst int) *HTTPTransport {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// WithClient overrides the HTTP client, for tests and custom TLS.
func (t *HTTPTransport) WithClient(client *http.Client) *HTTPTransport {
	t.client = client
	return t
}

// Send posts the command and interprets the vendor's terminal report.
func (t *HTTPTransport) Send(ctx context.Context, cmd Command) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.Transient, "dispatch.transport", err)
	}

	var deadline *time.Time
	if !cmd.Deadline.IsZero() {
		d := cmd.Deadline
		deadline = &d
	}
	body, err := json.Marshal(wireCommand{
		CommandID:  cmd.CommandID,
		ActuatorID: cmd.ActuatorID,
		Type:       cmd.Type,
		Priority:   cmd.Priority,
		Parameters: cmd.Params,
		Deadline:   deadline,
	})
	if err != nil {
		return fault.Wrap(fault.Permanent, "dispatch.transport", err)
	}

	url := fmt.Sprintf("%s/actuators/%s/commands", t.baseURL, cmd.ActuatorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.Permanent, "dispatch.transport", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, "dispatch.transport", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.Permanent, "dispatch.transport", "vendor rejected credentials: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.New(fault.Capacity, "dispatch.transport", "vendor throttled command %s", cmd.CommandID)
	case resp.StatusCode >= 500:
		return fault.New(fault.Transient, "dispatch.transport", "vendor error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return fault.New(fault.Permanent, "dispatch.transport", "vendor refused command %s: %s", cmd.CommandID, resp.Status)
	}

	var result wireResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return fault.Wrap(fault.Permanent, "dispatch.transport", err)
	}
	switch result.Status {
	case "completed", "acknowledged":
		return nil
	case "timeout":
		return fault.New(fault.Transient, "dispatch.transport", "actuator timed out: %s", result.Detail)
	default:
		return fault.New(fault.Permanent, "dispatch.transport", "command %s %s: %s", cmd.CommandID, result.Status, result.Detail)
	}
}
