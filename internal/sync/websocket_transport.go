package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const websocketReadLimit = 32 << 20

// WebSocketTransportFactory joins initial-sync channels relayed by the sync service.
type WebSocketTransportFactory struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

func (f *WebSocketTransportFactory) Open(ctx context.Context, channelID string, role Role) (Transport, error) {
	endpoint, err := f.channelURL(channelID, role)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if f.AccessToken != "" {
		header.Set("Authorization", "Bearer "+f.AccessToken)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: f.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &NetworkError{Op: "initial_sync.dial", Err: err}
	}
	conn.SetReadLimit(websocketReadLimit)
	return &websocketTransport{conn: conn}, nil
}

func (f *WebSocketTransportFactory) channelURL(channelID string, role Role) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(f.BaseURL, "/"))
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("sync: invalid relay url %q", f.BaseURL)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = parsed.Path + "/v1/initial-sync/" + url.PathEscape(channelID)
	parsed.RawQuery = url.Values{"role": []string{string(role)}}.Encode()
	return parsed.String(), nil
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) Send(ctx context.Context, chunk Chunk) error {
	if err := wsjson.Write(ctx, t.conn, chunk); err != nil {
		return &NetworkError{Op: "initial_sync.send", Err: err}
	}
	return nil
}

func (t *websocketTransport) Receive(ctx context.Context) (Chunk, error) {
	var chunk Chunk
	if err := wsjson.Read(ctx, t.conn, &chunk); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, &NetworkError{Op: "initial_sync.receive", Err: err}
	}
	return chunk, nil
}

func (t *websocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
