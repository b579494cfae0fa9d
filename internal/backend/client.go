package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/livechat/internal/wire"
	"github.com/livechat/pkg/models"
)

// APIError is a non-2xx response from the backend. Callers can use
// errors.As to inspect the status:
//
//	var apiErr *backend.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized { ... }
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsUnauthorized reports whether err is a 401 or 403 from the backend
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// Options configures a Client
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client calls the request/response endpoints of the chat backend
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	RateLimiter *rate.Limiter
}

// NewClient creates a backend client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is empty")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:     u,
		httpClient:  httpClient,
		RateLimiter: rate.NewLimiter(limit, burst),
	}, nil
}

type userRecord struct {
	ID       wire.ID `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email"`
	IsAdmin  bool    `json:"is_admin"`
}

type historyRecord struct {
	ID         wire.ID `json:"id"`
	SenderName string  `json:"sender_name"`
	AdminID    wire.ID `json:"admin_id"`
	Content    string  `json:"content"`
	Timestamp  string  `json:"timestamp"`
}

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// ListUsers returns every user known to the backend, admins included
func (c *Client) ListUsers(ctx context.Context, token string) ([]models.Counterparty, error) {
	var records []userRecord
	if err := c.do(ctx, http.MethodGet, "/auth/users", nil, token, nil, &records); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]models.Counterparty, 0, len(records))
	for _, rec := range records {
		users = append(users, models.Counterparty{
			ID:       models.NormalizeCounterpartyID(rec.ID.String()),
			Username: rec.Username,
			Email:    rec.Email,
			IsAdmin:  rec.IsAdmin,
		})
	}
	return users, nil
}

// Roster returns the counterparties an operator can chat with
func (c *Client) Roster(ctx context.Context, token string) ([]models.Counterparty, error) {
	users, err := c.ListUsers(ctx, token)
	if err != nil {
		return nil, err
	}
	roster := users[:0]
	for _, u := range users {
		if !u.IsAdmin {
			roster = append(roster, u)
		}
	}
	return roster, nil
}

// History returns the stored conversation with counterparty in server order
func (c *Client) History(ctx context.Context, token string, counterparty models.Counterparty) ([]models.Message, error) {
	query := url.Values{"recipient_id": {counterparty.ID.WireID()}}

	var records []historyRecord
	if err := c.do(ctx, http.MethodGet, "/admin/history", query, token, nil, &records); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", counterparty.ID, err)
	}

	messages := make([]models.Message, 0, len(records))
	for _, rec := range records {
		outgoing := rec.AdminID != ""
		sender := rec.SenderName
		if sender == "" {
			if outgoing {
				sender = "Admin"
			} else {
				sender = counterparty.DisplayName()
			}
		}
		direction := models.DirectionIncoming
		if outgoing {
			direction = models.DirectionOutgoing
		}
		messages = append(messages, models.Message{
			ID:        rec.ID.String(),
			Sender:    sender,
			Body:      rec.Content,
			Timestamp: wire.ParseTimestamp(rec.Timestamp, time.Time{}),
			Direction: direction,
			Status:    models.StatusSent,
		})
	}
	return messages, nil
}

// Send delivers a message over request/response, for use when the
// live connection is unavailable.
func (c *Client) Send(ctx context.Context, token string, recipient models.CounterpartyID, content string) error {
	body := sendRequest{RecipientID: recipient.WireID(), Content: content}
	if err := c.do(ctx, http.MethodPost, "/admin/send", nil, token, body, nil); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", recipient, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, in, out any) error {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorMessage pulls a readable message out of an error body
func errorMessage(data []byte) string {
	var body struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Error != "":
			return body.Error
		case body.Detail != nil:
			if s, ok := body.Detail.(string); ok {
				return s
			}
			return fmt.Sprint(body.Detail)
		}
	}
	return strings.TrimSpace(string(data))
}
