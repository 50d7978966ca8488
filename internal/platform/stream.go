package platform

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Stream is one live event subscription. Next blocks until an event arrives;
// closing the stream (or the dial context's cancellation helper in the
// listener) unblocks it with an error.
type Stream struct {
	conn *websocket.Conn
}

// ConnectStream opens a fresh stream: stream.open over the rate-limited API
// for the socket URL, then a websocket dial.
func (c *Client) ConnectStream(ctx context.Context) (*Stream, error) {
	url, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	return &Stream{conn: conn}, nil
}

// Next reads the next event off the socket.
func (s *Stream) Next() (StreamEvent, error) {
	var ev StreamEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		return StreamEvent{}, fmt.Errorf("read stream event: %w", err)
	}
	return ev, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}
