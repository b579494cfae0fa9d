package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/auth"
	"github.com/livechat/pkg/models"
)

const claimsContextKey = "claims"

// previewLength caps notification previews
const previewLength = 50

// Options configures a development server
type Options struct {
	Port   int
	Secret string
	// Store defaults to a seeded store
	Store *Store
	Now   func() time.Time
	// Quiet disables the request logger, for tests
	Quiet bool
}

// Server is an in-memory chat backend for local development. It serves
// the same endpoints and socket frames as the production backend.
type Server struct {
	echo   *echo.Echo
	port   int
	issuer *auth.Issuer
	store  *Store
	hub    *hub
	now    func() time.Time
}

// NewServer creates a new development server
func NewServer(opts Options) (*Server, error) {
	issuer, err := auth.NewIssuer(opts.Secret)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := opts.Store
	if store == nil {
		store = NewSeededStore(now())
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	if !opts.Quiet {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:   e,
		port:   opts.Port,
		issuer: issuer,
		store:  store,
		hub:    newHub(),
		now:    now,
	}

	server.setupRoutes()

	return server, nil
}

// setupRoutes configures all endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.GET("/auth/users", s.listUsers, s.requireAuth)
	s.echo.GET("/admin/history", s.history, s.requireAuth)
	s.echo.POST("/admin/send", s.send, s.requireAuth)

	// Token checks for the socket happen after the upgrade so the
	// client sees a policy violation close instead of an HTTP error.
	s.echo.GET("/ws/admin", s.socket)

	dev := s.echo.Group("/dev")
	dev.GET("/token", s.devToken)
	dev.POST("/inject", s.inject)
}

// Handler exposes the server for httptest
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Store returns the backing store
func (s *Server) Store() *Store {
	return s.store
}

// Connections returns the number of open operator sockets
func (s *Server) Connections() int {
	return s.hub.Len()
}

// DevToken issues a token for the first operator account
func (s *Server) DevToken() (string, error) {
	for _, u := range s.store.Users() {
		if u.IsAdmin {
			return s.issuer.IssueToken(u.ID, u.Username, true)
		}
	}
	return "", errors.New("no operator account in store")
}

// Start runs the server until ctx is done or an interrupt arrives
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info().Int("port", s.port).Msg("Development backend listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	s.hub.closeAll(websocket.StatusGoingAway, "server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// requireAuth validates the bearer token on protected routes
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
		}

		claims, err := s.issuer.Verify(tokenParts[1])
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}
		if !claims.IsAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "Operator access required")
		}

		c.Set(claimsContextKey, claims)
		return next(c)
	}
}

func (s *Server) listUsers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Users())
}

func (s *Server) history(c echo.Context) error {
	userID, err := parseUserID(c.QueryParam("recipient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records, err := s.store.History(userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, toHistoryJSON(records))
}

type sendRequest struct {
	RecipientID json.RawMessage `json:"recipient_id"`
	Content     string          `json:"content"`
}

func (s *Server) send(c echo.Context) error {
	claims := c.Get(claimsContextKey).(*auth.Claims)

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	rec, err := s.storeOutgoing(claims, req.RecipientID, req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "sent",
		"message_id": rec.ID,
	})
}

func (s *Server) devToken(c echo.Context) error {
	token, err := s.DevToken()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

type injectRequest struct {
	SenderID json.RawMessage `json:"sender_id"`
	Content  string          `json:"content"`
}

func (s *Server) inject(c echo.Context) error {
	var req injectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	userID, err := parseUserID(rawID(req.SenderID))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, delivered, err := s.Inject(c.Request().Context(), userID, req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message_id": rec.ID,
		"delivered":  delivered,
	})
}

// Inject simulates a user writing to the operators. The message is
// stored and pushed to every operator socket as a chat message and a
// notification. It returns how many sockets received it.
func (s *Server) Inject(ctx context.Context, userID int64, content string) (Record, int, error) {
	user, ok := s.store.User(userID)
	if !ok || user.IsAdmin {
		return Record{}, 0, fmt.Errorf("unknown user %d", userID)
	}
	if strings.TrimSpace(content) == "" {
		return Record{}, 0, errors.New("content is required")
	}

	rec := s.store.Append(userID, nil, "", content, s.now())
	ts := rec.Timestamp.Format(timestampLayout)
	sender := models.CounterpartyID(strconv.FormatInt(userID, 10)).WireID()

	delivered := s.hub.broadcast(ctx, chatMessageFrame{
		Type:       "chat_message",
		MessageID:  rec.ID,
		SenderID:   sender,
		SenderName: user.Username,
		Content:    content,
		Timestamp:  ts,
	})
	s.hub.broadcast(ctx, notificationFrame{
		Type:           "notification",
		SenderID:       sender,
		Title:          "New message from " + user.Username,
		Message:        content,
		ContentPreview: preview(content),
		Timestamp:      ts,
	})
	return rec, delivered, nil
}

func (s *Server) socket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Warn().Err(err).Msg("Socket upgrade failed")
		return nil
	}

	claims, err := s.issuer.Verify(c.QueryParam("token"))
	if err != nil || !claims.IsAdmin {
		log.Info().Msg("Rejecting socket with invalid token")
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return nil
	}

	ctx := c.Request().Context()
	cl := &client{conn: conn, claims: claims}
	s.hub.add(cl)
	defer s.hub.remove(cl)

	if err := cl.send(ctx, connectionStatusFrame{Type: "connection_status", Status: "connected"}); err != nil {
		return nil
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				log.Debug().Err(err).Str("username", claims.Username).Msg("Socket read ended")
			}
			return nil
		}
		s.handleFrame(ctx, cl, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, cl *client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		cl.send(ctx, errorFrame{Type: "error", Message: "invalid JSON"})
		return
	}

	switch frame.Type {
	case "chat_message":
		rec, err := s.storeOutgoing(cl.claims, frame.RecipientID, frame.Content)
		if err != nil {
			cl.send(ctx, errorFrame{Type: "error", Message: err.Error()})
			return
		}
		cl.send(ctx, messageSentFrame{
			Type:        "message_sent",
			MessageID:   rec.ID,
			RecipientID: models.CounterpartyID(strconv.FormatInt(rec.UserID, 10)).WireID(),
			Timestamp:   rec.Timestamp.Format(timestampLayout),
		})
	default:
		cl.send(ctx, errorFrame{Type: "error", Message: fmt.Sprintf("unsupported frame type %q", frame.Type)})
	}
}

func (s *Server) storeOutgoing(claims *auth.Claims, recipient json.RawMessage, content string) (Record, error) {
	userID, err := parseUserID(rawID(recipient))
	if err != nil {
		return Record{}, err
	}
	if _, ok := s.store.User(userID); !ok {
		return Record{}, fmt.Errorf("unknown recipient %d", userID)
	}
	if strings.TrimSpace(content) == "" {
		return Record{}, errors.New("content is required")
	}
	adminID := claims.UserID
	return s.store.Append(userID, &adminID, "", content, s.now()), nil
}

// rawID accepts a JSON string or number
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseUserID accepts "user_<n>" or "<n>"
func parseUserID(raw string) (int64, error) {
	id := models.NormalizeCounterpartyID(raw)
	if id.IsZero() {
		return 0, errors.New("recipient_id is required")
	}
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return n, nil
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength]) + "..."
}
