package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/livechat/pkg/models"
)

// maxFrameBytes caps the size of a single inbound frame
const maxFrameBytes = 1 << 20

// WebsocketDialer opens websocket transports against the admin socket.
// The bearer token travels as the token query parameter.
type WebsocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

// SocketURL converts an http(s) base URL and a path into a ws(s) URL
func SocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, counterparty models.CounterpartyID, token string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	log.Debug().
		Str("counterparty", counterparty.String()).
		Str("host", u.Host).
		Msg("Dialing socket")

	c, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket handshake failed with status %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial socket: %w", err)
	}
	c.SetReadLimit(maxFrameBytes)
	return &websocketTransport{conn: c}, nil
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (t *websocketTransport) Write(ctx context.Context, data []byte) error {
	err := t.conn.Write(ctx, websocket.MessageText, data)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
	}
	return err
}

func (t *websocketTransport) Close(code int, reason string) error {
	go func() {
		if err := t.conn.Close(websocket.StatusCode(code), reason); err != nil {
			log.Debug().Err(err).Int("code", code).Msg("Socket close handshake did not complete")
		}
	}()
	return nil
}
