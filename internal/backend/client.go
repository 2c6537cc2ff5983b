package backend

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

	"credsync/internal/domain"
)

// Client is a minimal HTTP client for the event-staffing backend.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. The HTTP client is built here
// so a Client can be shared across goroutines without further setup.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    30 * time.Second,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FetchParticipants returns the full roster for an event.
func (c *Client) FetchParticipants(ctx context.Context, eventID string) ([]domain.Participant, error) {
	var resp struct {
		Items []domain.Participant `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.eventPath(eventID, "participants"), nil, &resp)
	return resp.Items, err
}

// FetchAttendance returns all attendance records for an event.
func (c *Client) FetchAttendance(ctx context.Context, eventID string) ([]domain.AttendanceRecord, error) {
	var resp struct {
		Items []domain.AttendanceRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.eventPath(eventID, "attendances"), nil, &resp)
	return resp.Items, err
}

// CreateAttendance records a check-in/check-out for a participant.
func (c *Client) CreateAttendance(ctx context.Context, in domain.AttendanceCreate) (domain.AttendanceRecord, error) {
	body := map[string]any{
		"participant_id": in.ParticipantID,
		"date":           in.Date,
		"performed_by":   in.PerformedBy,
		"notes":          in.Notes,
	}
	if in.CheckIn != nil {
		body["check_in"] = *in.CheckIn
	}
	if in.CheckOut != nil {
		body["check_out"] = *in.CheckOut
	}
	var resp domain.AttendanceRecord
	err := c.do(ctx, http.MethodPost, c.eventPath(in.EventID, "attendances"), body, &resp)
	return resp, err
}

// LinkCredentialCode associates a physical wristband code with a
// participant's credential.
func (c *Client) LinkCredentialCode(ctx context.Context, eventID, participantID, code, credentialID string) error {
	body := map[string]any{
		"code":          code,
		"credential_id": credentialID,
	}
	endpoint := c.eventPath(eventID, fmt.Sprintf("participants/%s/credential-codes", url.PathEscape(participantID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// read-only fallback; never written here, the Client is shared
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
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
	}
	resp, err := client.Do(req)
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

func (c *Client) eventPath(eventID, p string) string {
	return fmt.Sprintf("v1/events/%s/%s", url.PathEscape(eventID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
