package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/pkg/models"
)

func requireBearer(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "Bearer "+token {
				return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			}
			return next(c)
		}
	}
}

func newTestServer(t *testing.T, setup func(e *echo.Echo)) *Client {
	t.Helper()
	e := echo.New()
	e.Use(requireBearer("secret"))
	setup(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return client
}

func TestRosterFiltersAdmins(t *testing.T) {
	client := newTestServer(t, func(e *echo.Echo) {
		e.GET("/auth/users", func(c echo.Context) error {
			return c.JSONBlob(http.StatusOK, []byte(`[
				{"id": 1, "username": "root", "email": "root@example.com", "is_admin": true},
				{"id": 42, "username": "alice", "email": "alice@example.com", "is_admin": false},
				{"id": "user_7", "username": "bob", "email": "bob@example.com"}
			]`))
		})
	})

	roster, err := client.Roster(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, []models.Counterparty{
		{ID: "42", Username: "alice", Email: "alice@example.com"},
		{ID: "7", Username: "bob", Email: "bob@example.com"},
	}, roster)
}

func TestHistoryMapsRecords(t *testing.T) {
	var gotRecipient string
	client := newTestServer(t, func(e *echo.Echo) {
		e.GET("/admin/history", func(c echo.Context) error {
			gotRecipient = c.QueryParam("recipient_id")
			return c.JSONBlob(http.StatusOK, []byte(`[
				{"id": 1, "admin_id": null, "content": "hi", "timestamp": "2024-05-01T10:00:00"},
				{"id": 2, "admin_id": 3, "content": "hello", "timestamp": "2024-05-01T10:01:00"},
				{"id": 3, "sender_name": "Support", "admin_id": 3, "content": "bye", "timestamp": "2024-05-01T10:02:00"}
			]`))
		})
	})

	msgs, err := client.History(context.Background(), "secret", models.Counterparty{ID: "42", Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "user_42", gotRecipient)
	require.Len(t, msgs, 3)

	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, models.DirectionIncoming, msgs[0].Direction)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp)

	assert.Equal(t, "Admin", msgs[1].Sender)
	assert.Equal(t, models.DirectionOutgoing, msgs[1].Direction)
	assert.Equal(t, "Support", msgs[2].Sender)
	for _, m := range msgs {
		assert.Equal(t, models.StatusSent, m.Status)
	}
}

func TestSendPostsRecipientAndContent(t *testing.T) {
	var got sendRequest
	client := newTestServer(t, func(e *echo.Echo) {
		e.POST("/admin/send", func(c echo.Context) error {
			if err := c.Bind(&got); err != nil {
				return err
			}
			return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
		})
	})

	require.NoError(t, client.Send(context.Background(), "secret", "42", "hello"))
	assert.Equal(t, sendRequest{RecipientID: "user_42", Content: "hello"}, got)
}

func TestErrorsAreTyped(t *testing.T) {
	client := newTestServer(t, func(e *echo.Echo) {
		e.POST("/admin/send", func(c echo.Context) error {
			return c.JSON(http.StatusBadGateway, map[string]string{"message": "recipient unavailable"})
		})
	})

	err := client.Send(context.Background(), "wrong", "42", "hello")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	err = client.Send(context.Background(), "secret", "42", "hello")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "recipient unavailable", apiErr.Message)
	assert.False(t, IsUnauthorized(err))
}

func TestMalformedResponseBody(t *testing.T) {
	client := newTestServer(t, func(e *echo.Echo) {
		e.GET("/auth/users", func(c echo.Context) error {
			return c.String(http.StatusOK, "<html>")
		})
	})

	_, err := client.ListUsers(context.Background(), "secret")
	assert.ErrorContains(t, err, "failed to decode response")
}

func TestRateLimiterThrottlesRequests(t *testing.T) {
	var hits atomic.Int32
	e := echo.New()
	e.GET("/auth/users", func(c echo.Context) error {
		hits.Add(1)
		return c.JSONBlob(http.StatusOK, []byte(`[]`))
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL, RequestsPerSecond: 1, Burst: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = client.ListUsers(ctx, "t")
	require.NoError(t, err)
	_, err = client.ListUsers(ctx, "t")
	assert.ErrorContains(t, err, "rate limiter")
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
	_, err = NewClient(Options{BaseURL: "ws://localhost:8000"})
	assert.Error(t, err)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "nope", errorMessage([]byte(`{"detail":"nope"}`)))
	assert.Equal(t, "boom", errorMessage([]byte(`{"error":"boom"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text\n")))
}
