package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// FrameConn is the minimal socket surface the relay needs. *websocket.Conn
// satisfies it directly; tests substitute in-memory fakes.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// UpstreamDialer opens the realtime socket for one session.
type UpstreamDialer interface {
	DialUpstream(ctx context.Context) (FrameConn, error)
}

// OpenAIDialer dials the OpenAI realtime endpoint with bearer auth.
type OpenAIDialer struct {
	URL    string
	APIKey string
}

func (d *OpenAIDialer) DialUpstream(ctx context.Context) (FrameConn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}
