package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"notes-sync/auth"
)

const closeWriteTimeout = time.Second

// WebSocketSource reads change payloads from websocket frames.
type WebSocketSource struct {
	URL         string
	Dialer      *websocket.Dialer
	Credentials *auth.Credentials
	// InitMessage, when set, is written as a text frame right after connecting.
	InitMessage []byte
}

// Subscribe implements Source.
func (s *WebSocketSource) Subscribe(ctx context.Context, deliver func([]byte)) error {
	header, err := s.Credentials.Header()
	if err != nil {
		return err
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil {
			return fmt.Errorf("connect stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect stream: %w", err)
	}
	defer ws.Close()

	if len(s.InitMessage) > 0 {
		if err := ws.WriteMessage(websocket.TextMessage, s.InitMessage); err != nil {
			return fmt.Errorf("send init message: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
			_ = ws.Close()
		case <-stop:
		}
	}()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read stream: %w", err)
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			deliver(message)
		}
	}
}
